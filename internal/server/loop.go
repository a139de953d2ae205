// Package server implements the daemon side of the control protocol:
// a single-threaded, poll-driven event loop that accepts control and
// data connections, runs the handshake, spawns and fans out PTY
// sessions, and reaps exited children without a signal handler.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/dierpg/monomux/internal/client"
	"github.com/dierpg/monomux/internal/dispatch"
	"github.com/dierpg/monomux/internal/reactor"
	"github.com/dierpg/monomux/internal/session"
)

// pollTimeoutMillis bounds each poll call so nonce expiry and
// dead-child reaping proceed even without socket traffic.
const pollTimeoutMillis = 100

// Server is the daemon's event loop state. Every field is touched
// only from the goroutine running Run, except where noted.
type Server struct {
	logger     *slog.Logger
	socketPath string
	listenerFD int

	poll         *reactor.PollSet
	idx          *reactor.FDIndex
	table        *dispatch.Table
	controlTable *dispatch.MessageTable[*controlConn]

	clients  *client.Registry
	sessions *session.Registry

	runID             string
	startedAt         time.Time
	exitOnLastSession bool
	bytesRelayed      uint64

	terminating    bool
	shutdownReason string
	everHadSession bool
}

// New binds socketPath and prepares the event loop without starting
// to accept connections yet; call Run to do that.
func New(logger *slog.Logger, socketPath string, exitOnLastSession bool) (*Server, error) {
	listenerFD, err := listenRaw(socketPath)
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewRegistry(0)
	if err != nil {
		unix.Close(listenerFD)
		return nil, err
	}

	s := &Server{
		logger:            logger,
		socketPath:        socketPath,
		listenerFD:        listenerFD,
		poll:              reactor.New(),
		idx:               reactor.NewFDIndex(),
		table:             dispatch.NewTable(),
		controlTable:      dispatch.NewMessageTable[*controlConn](),
		clients:           client.NewRegistry(),
		sessions:          sessions,
		runID:             uuid.New().String(),
		startedAt:         time.Now(),
		exitOnLastSession: exitOnLastSession,
	}
	s.registerDefaultControlHandlers()

	s.poll.Add(listenerFD, reactor.InterestRead)
	s.idx.Set(listenerFD, reactor.FDListener, nil)

	s.poll.Add(sessions.ExitFD(), reactor.InterestRead)
	s.idx.Set(sessions.ExitFD(), reactor.FDSessionExit, nil)

	s.table.Register(reactor.FDListener, s.handleListener)
	s.table.Register(reactor.FDPending, s.handlePending)
	s.table.Register(reactor.FDControl, s.handleControl)
	s.table.Register(reactor.FDData, s.handleData)
	s.table.Register(reactor.FDSessionOutput, s.handleSessionOutput)
	s.table.Register(reactor.FDSessionExit, s.handleSessionExit)

	return s, nil
}

// RunID is the per-process identifier reported in StatisticsResponse,
// useful for telling daemon restarts apart in client-side logs.
func (s *Server) RunID() string { return s.runID }

// Run drives the event loop until a shutdown has begun (ctx canceled,
// or the last session exited with exitOnLastSession set) and the
// current pass has finished, or until PollSet.Wait fails, whose error
// it returns. It always cleans up the listening socket before
// returning.
func (s *Server) Run(ctx context.Context) error {
	defer s.cleanup()

	for !s.terminating {
		select {
		case <-ctx.Done():
			s.beginShutdown("context canceled")
		default:
		}

		events, err := s.poll.Wait(pollTimeoutMillis)
		if err != nil {
			return err
		}
		for _, err := range dispatch.Dispatch(s.idx, s.table, events) {
			s.logger.Warn("dispatch error", "err", err)
		}

		for _, exit := range s.sessions.DrainExits() {
			s.handleSessionExited(exit)
		}
	}
	return nil
}

// beginShutdown notifies every connected client and marks the loop to
// stop after the current dispatch pass finishes draining.
func (s *Server) beginShutdown(reason string) {
	if s.terminating {
		return
	}
	s.terminating = true
	s.shutdownReason = reason
	for _, d := range s.clients.List() {
		if ch := d.Control(); ch != nil {
			_ = s.sendAndWatch(d.ControlFD(), ch, serverShutdownMessage(reason))
		}
	}
}

func (s *Server) cleanup() {
	unix.Close(s.listenerFD)
	_ = unix.Unlink(s.socketPath)
}
