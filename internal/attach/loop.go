// Package attach implements the client side of the control protocol:
// ClientLoop, the mirror of the server's event loop, pumping terminal
// stdin/stdout against a data socket and dispatching unsolicited
// control-socket notifications.
package attach

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dierpg/monomux/internal/dispatch"
	"github.com/dierpg/monomux/internal/merr"
	"github.com/dierpg/monomux/internal/proto"
	"github.com/dierpg/monomux/internal/reactor"
	"github.com/dierpg/monomux/internal/ringbuf"
	"github.com/dierpg/monomux/internal/wire"
)

// pollTimeoutMillis bounds each poll call so SIGWINCH and keepalive
// ticks are observed promptly even without socket traffic.
const pollTimeoutMillis = 100

// Loop is the client-side event loop: a mirror poll over stdin, the
// control socket, and the data socket.
type Loop struct {
	logger *slog.Logger

	poll  *reactor.PollSet
	idx   *reactor.FDIndex
	table *dispatch.Table

	controlFD, dataFD, stdinFD, stdoutFD int
	control, data, stdin, stdout         *ringbuf.Channel

	inhibited inhibitSet

	keepaliveInterval time.Duration
	onIdle            func()

	reason  ExitReason
	code    int
	message string
}

// newLoop wires a Loop around an already-handshaken control/data pair.
// Stdio defaults to the process's own fds 0/1; SetStdio overrides this
// for tests.
func newLoop(controlFD int, control *ringbuf.Channel, dataFD int, data *ringbuf.Channel) *Loop {
	return &Loop{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		controlFD: controlFD,
		dataFD:    dataFD,
		control:   control,
		data:      data,
		stdinFD:   0,
		stdoutFD:  1,
	}
}

// SetLogger overrides the loop's logger; the default discards output.
func (l *Loop) SetLogger(logger *slog.Logger) { l.logger = logger }

// SetStdio overrides which descriptors the loop treats as terminal
// stdin/stdout, primarily for tests driving the loop over pipes.
func (l *Loop) SetStdio(stdinFD, stdoutFD int) {
	l.stdinFD = stdinFD
	l.stdoutFD = stdoutFD
}

// SetKeepaliveInterval enables periodic KeepaliveRequest sends at the
// given interval. A zero interval (the default) disables them,
// matching the "not used by default" note on the keepalive message.
func (l *Loop) SetKeepaliveInterval(d time.Duration) { l.keepaliveInterval = d }

// SetIdleHook installs a user-supplied function invoked once per loop
// iteration, after event dispatch.
func (l *Loop) SetIdleHook(f func()) { l.onIdle = f }

// Outcome reports why Run returned: the first ExitReason the loop
// observed, plus any associated code/message.
func (l *Loop) Outcome() Outcome {
	return Outcome{Reason: l.reason, Code: l.code, Message: l.message}
}

// Close releases the control and data descriptors. Safe to call after
// Run returns; stdio is never closed since the loop doesn't own it.
func (l *Loop) Close() {
	unix.Close(l.controlFD)
	unix.Close(l.dataFD)
}

func (l *Loop) setExit(reason ExitReason, code int, message string) {
	if l.reason != ExitNone {
		return
	}
	l.reason, l.code, l.message = reason, code, message
}

// Run drives the loop until ctx is canceled, a socket fails, or a
// control notification sets a terminal ExitReason. It always returns
// nil; callers inspect Outcome for why the loop stopped.
func (l *Loop) Run(ctx context.Context) error {
	if err := stdioNonblock(l.stdinFD); err != nil {
		l.setExit(ExitFailed, 2, err.Error())
		return nil
	}
	l.stdin = ringbuf.New("attach.stdin", fdHandle{l.stdinFD}, 0, 0)
	l.stdout = ringbuf.New("attach.stdout", fdHandle{l.stdoutFD}, 0, 0)

	l.poll = reactor.New()
	l.idx = reactor.NewFDIndex()
	l.table = dispatch.NewTable()

	l.poll.Add(l.stdinFD, reactor.InterestRead)
	l.idx.Set(l.stdinFD, reactor.FDStdin, nil)
	l.poll.Add(l.controlFD, reactor.InterestRead)
	l.idx.Set(l.controlFD, reactor.FDControl, nil)
	l.poll.Add(l.dataFD, reactor.InterestRead)
	l.idx.Set(l.dataFD, reactor.FDData, nil)

	l.table.Register(reactor.FDStdin, l.handleStdin)
	l.table.Register(reactor.FDControl, l.handleControl)
	l.table.Register(reactor.FDData, l.handleData)

	sigWinch := make(chan os.Signal, 1)
	signal.Notify(sigWinch, syscall.SIGWINCH)
	defer signal.Stop(sigWinch)

	var keepalive *time.Ticker
	if l.keepaliveInterval > 0 {
		keepalive = time.NewTicker(l.keepaliveInterval)
		defer keepalive.Stop()
	}

	for l.reason == ExitNone {
		select {
		case <-ctx.Done():
			l.setExit(ExitTerminated, 0, "context canceled")
		default:
		}
		select {
		case <-sigWinch:
			if err := l.sendCurrentWindowSize(); err != nil {
				l.logger.Debug("resize on SIGWINCH failed", "err", err)
			}
		default:
		}
		if keepalive != nil {
			select {
			case <-keepalive.C:
				if !l.inhibited.control {
					if err := sendMessage(l.control, proto.KeepaliveRequest{}); err != nil {
						l.setExit(ExitFailed, 2, err.Error())
					}
				}
			default:
			}
		}

		events, err := l.poll.Wait(pollTimeoutMillis)
		if err != nil {
			l.setExit(ExitFailed, 2, err.Error())
			break
		}
		filtered := l.dropInhibited(events)
		for _, dispErr := range dispatch.Dispatch(l.idx, l.table, filtered) {
			l.logger.Warn("dispatch error", "err", dispErr)
		}

		if l.stdout.PendingWrite() {
			if _, err := l.stdout.Flush(); err != nil {
				l.setExit(ExitFailed, 2, err.Error())
			}
		}

		if l.onIdle != nil {
			l.onIdle()
		}
	}
	return nil
}

// dropInhibited filters out readiness events for any population the
// caller has scoped-toggled off via Inhibit, so a synchronous request
// awaiting its own reply elsewhere doesn't race the loop's ordinary
// dispatch of the same descriptor.
func (l *Loop) dropInhibited(events []reactor.Readiness) []reactor.Readiness {
	if !l.inhibited.stdin && !l.inhibited.control && !l.inhibited.data {
		return events
	}
	out := events[:0]
	for _, ev := range events {
		entry, ok := l.idx.Get(ev.FD)
		if ok && l.inhibited.blocked(entry.Kind) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (l *Loop) handleStdin(ready reactor.Readiness, entry reactor.Entry) error {
	if ready.Hangup || ready.Error {
		l.setExit(ExitHangup, 0, "stdin closed")
		return nil
	}
	if !ready.Readable {
		return nil
	}
	if _, err := l.stdin.Load(0); err != nil {
		if errors.Is(err, io.EOF) {
			l.setExit(ExitHangup, 0, "stdin EOF")
			return nil
		}
		return err
	}
	buf := l.stdin.Peek()
	if len(buf) == 0 {
		return nil
	}
	l.stdin.Consume(len(buf))
	if _, err := l.data.Write(buf); err != nil {
		return err
	}
	if l.data.PendingWrite() {
		l.poll.Modify(l.dataFD, reactor.InterestRead|reactor.InterestWrite)
	}
	return nil
}

func (l *Loop) handleData(ready reactor.Readiness, entry reactor.Entry) error {
	if ready.Writable {
		if _, err := l.data.Flush(); err != nil {
			l.setExit(ExitFailed, 2, err.Error())
			return err
		}
		if !l.data.PendingWrite() {
			l.poll.Modify(l.dataFD, reactor.InterestRead)
		}
	}
	if ready.Hangup || ready.Error {
		l.setExit(ExitFailed, 2, "data socket closed")
		return nil
	}
	if !ready.Readable {
		return nil
	}
	if _, err := l.data.Load(0); err != nil {
		if errors.Is(err, io.EOF) {
			l.setExit(ExitFailed, 2, "data socket EOF")
			return nil
		}
		return err
	}
	buf := l.data.Peek()
	if len(buf) == 0 {
		return nil
	}
	l.data.Consume(len(buf))
	if _, err := l.stdout.Write(buf); err != nil {
		return err
	}
	return nil
}

func (l *Loop) handleControl(ready reactor.Readiness, entry reactor.Entry) error {
	if ready.Hangup || ready.Error {
		l.setExit(ExitFailed, 2, "control socket closed")
		return nil
	}
	if !ready.Readable {
		return nil
	}
	if _, err := l.control.Load(0); err != nil {
		if errors.Is(err, io.EOF) {
			l.setExit(ExitFailed, 2, "control socket EOF")
			return nil
		}
		return err
	}
	for {
		frame, complete, err := tryDecodeOne(l.control)
		if err != nil {
			return err
		}
		if !complete {
			return nil
		}
		l.dispatchControlFrame(frame)
	}
}

// dispatchControlFrame handles unsolicited server notifications seen
// during the steady-state loop. Frames that are replies to a request
// issued through RequestControl never reach here: that helper
// inhibits the control population for the duration of its own wait.
func (l *Loop) dispatchControlFrame(frame wire.Frame) {
	fields := wire.DecodeFields(frame.Payload)

	switch proto.Kind(frame.Kind) {
	case proto.KindSessionExitNotification:
		exit, err := proto.DecodeSessionExitNotification(fields)
		if err != nil {
			l.logger.Warn("malformed SessionExitNotification", "err", err)
			return
		}
		l.setExit(ExitSessionExit, exit.ExitCode, "session "+exit.Name+" exited")

	case proto.KindKickNotification:
		kick, _ := proto.DecodeKickNotification(fields)
		l.setExit(ExitServerKicked, 1, kick.Reason)

	case proto.KindServerShutdownNotification:
		shutdown, _ := proto.DecodeServerShutdownNotification(fields)
		l.setExit(ExitServerExit, 0, shutdown.Message)

	case proto.KindDisconnectNotification:
		disc, _ := proto.DecodeDisconnectNotification(fields)
		l.setExit(ExitFailed, 2, disc.Reason)

	case proto.KindDetachNotification:
		detach, _ := proto.DecodeDetachNotification(fields)
		l.setExit(ExitDetached, 0, detach.Reason)

	default:
		l.logger.Debug("unhandled control frame in steady-state loop", "kind", proto.Kind(frame.Kind))
	}
}

func (l *Loop) sendCurrentWindowSize() error {
	ws, err := unix.IoctlGetWinsize(l.stdoutFD, unix.TIOCGWINSZ)
	if err != nil {
		return merr.New(merr.System, err)
	}
	return l.SendResize(ws.Col, ws.Row)
}

// SendResize issues a fire-and-forget ResizeRequest; there is no
// response to await.
func (l *Loop) SendResize(cols, rows uint16) error {
	return sendMessage(l.control, proto.ResizeRequest{Cols: cols, Rows: rows})
}

// SendSignal issues a fire-and-forget SignalRequest.
func (l *Loop) SendSignal(signo int) error {
	return sendMessage(l.control, proto.SignalRequest{Signal: signo})
}

// RequestControl sends m on the control channel and synchronously
// awaits exactly one reply frame, inhibiting the control population
// from the background loop for the duration so the two never race
// over the same bytes. Intended for setup-phase round trips
// (SessionList, MakeSession, Attach, Statistics) issued before or
// between calls to Run.
func (l *Loop) RequestControl(m proto.Message, timeout time.Duration) (proto.Kind, wire.Fields, error) {
	var restore func()
	if l.poll != nil {
		restore = l.Inhibit(reactor.FDControl)
		defer restore()
	}
	if err := sendMessage(l.control, m); err != nil {
		return 0, nil, err
	}
	frame, err := readFrameBlocking(l.controlFD, l.control, timeout)
	if err != nil {
		return 0, nil, err
	}
	return proto.Kind(frame.Kind), wire.DecodeFields(frame.Payload), nil
}
