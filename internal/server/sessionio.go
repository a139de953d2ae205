package server

import (
	"errors"
	"io"
	"syscall"

	"github.com/dierpg/monomux/internal/proto"
	"github.com/dierpg/monomux/internal/reactor"
	"github.com/dierpg/monomux/internal/ringbuf"
	"github.com/dierpg/monomux/internal/session"
)

// sessionOutputChunk is the per-syscall read size for PTY masters,
// matching ringbuf's default chunk size so a single poll-driven read
// never dwarfs the channels it fans out into.
const sessionOutputChunk = 64 * 1024

// handleData pumps raw bytes in both directions on a client's data
// socket: once it is writable, session output already queued for the
// client gets flushed toward it, and newly arrived stdin bytes get
// forwarded to the attached session's PTY immediately.
func (s *Server) handleData(ready reactor.Readiness, entry reactor.Entry) error {
	dc := entry.Handle.(*dataConn)
	ch := dc.channel

	if ready.Writable {
		if err := s.flushOutbound(ready.FD, ch); err != nil {
			s.disconnectClient(dc.clientID, err.Error())
			return err
		}
	}

	if ready.Hangup || ready.Error {
		s.disconnectClient(dc.clientID, "data socket closed")
		return nil
	}
	if !ready.Readable {
		return nil
	}

	if _, err := ch.Load(0); err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Debug("data channel load error", "client", dc.clientID, "err", err)
		}
		s.disconnectClient(dc.clientID, "data channel read failed")
		return err
	}

	buf := ch.Peek()
	if len(buf) == 0 {
		return nil
	}
	ch.Consume(len(buf))

	d, ok := s.clients.Get(dc.clientID)
	if !ok {
		return nil
	}
	name, ok := d.AttachedSession()
	if !ok {
		return nil
	}
	data, ok := s.sessions.Get(name)
	if !ok {
		return nil
	}
	if _, err := data.Write(buf); err != nil {
		return err
	}
	if data.PendingWrite() {
		s.poll.Modify(data.FD(), reactor.InterestRead|reactor.InterestWrite)
	}
	return nil
}

// handleSessionOutput reads one chunk of PTY output and fans it out
// to every client currently attached to the session, buffering into
// any client whose data channel can't take it all immediately. It
// also drains any stdin bytes buffered against backpressure from the
// PTY's input queue once that queue reports writable again.
func (s *Server) handleSessionOutput(ready reactor.Readiness, entry reactor.Entry) error {
	data := entry.Handle.(*session.Data)

	if ready.Writable {
		if _, err := data.FlushStdin(); err != nil {
			s.poll.Remove(data.FD())
			s.idx.Delete(data.FD())
			return nil
		}
		if !data.PendingWrite() {
			s.poll.Modify(data.FD(), reactor.InterestRead)
		}
	}

	if !ready.Readable && !ready.Hangup && !ready.Error {
		return nil
	}

	buf := make([]byte, sessionOutputChunk)
	n, err := data.Read(buf)
	if n > 0 {
		chunk := buf[:n]
		data.RecordOutput(chunk)
		s.fanOut(data, chunk)
	}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EAGAIN) && !errors.Is(err, syscall.EWOULDBLOCK) {
		// A live PTY read error (EIO once the child exits, most commonly)
		// simply stops registering output readiness; the self-pipe exit
		// handler is the authority on when the session is actually gone.
		s.poll.Remove(data.FD())
		s.idx.Delete(data.FD())
	}
	return nil
}

func (s *Server) fanOut(data *session.Data, chunk []byte) {
	for _, id := range data.AttachedIDs() {
		d, ok := s.clients.Get(id)
		if !ok {
			continue
		}
		dataCh := d.DataChannel()
		if dataCh == nil {
			continue
		}
		if _, err := dataCh.Write(chunk); err != nil {
			s.disconnectClient(id, "overflow fanning out session output")
			continue
		}
		s.bytesRelayed += uint64(len(chunk))
		if fd, ok := d.DataFD(); ok && dataCh.PendingWrite() {
			s.poll.Modify(fd, reactor.InterestRead|reactor.InterestWrite)
		}
	}
}

// flushOutbound drains a channel's write-behind ring once its
// descriptor reports writable, dropping the write-interest
// registration again once the ring empties.
func (s *Server) flushOutbound(fd int, ch *ringbuf.Channel) error {
	if _, err := ch.Flush(); err != nil {
		return err
	}
	if !ch.PendingWrite() {
		s.poll.Modify(fd, reactor.InterestRead)
	}
	return nil
}

// handleSessionExit does nothing itself: registering the self-pipe
// only wakes the poll when a child terminates. Run calls
// Registry.DrainExits once per iteration, which reads the wakeup bytes
// and collects the exit events so every handler sees a consistent
// batch.
func (s *Server) handleSessionExit(ready reactor.Readiness, entry reactor.Entry) error {
	return nil
}

// handleSessionExited announces one child's termination to every
// attached client, clears each one's attached-session back-reference,
// and then drops the session record.
func (s *Server) handleSessionExited(exit session.ExitEvent) {
	data, ok := s.sessions.Get(exit.Name)
	if !ok {
		return
	}
	s.poll.Remove(data.FD())
	s.idx.Delete(data.FD())

	if data.MarkNotified() {
		for _, id := range data.AttachedIDs() {
			d, ok := s.clients.Get(id)
			if !ok {
				continue
			}
			_ = s.sendAndWatch(d.ControlFD(), d.Control(), proto.SessionExitNotification{Name: exit.Name, ExitCode: exit.Code})
			d.SetAttachedSession("")
		}
	}
	s.sessions.Remove(exit.Name)

	if s.exitOnLastSession && s.everHadSession && len(s.sessions.List()) == 0 {
		s.beginShutdown("last session exited")
	}
}

func serverShutdownMessage(reason string) proto.ServerShutdownNotification {
	return proto.ServerShutdownNotification{Message: reason}
}
