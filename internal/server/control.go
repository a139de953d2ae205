package server

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dierpg/monomux/internal/dispatch"
	"github.com/dierpg/monomux/internal/proto"
	"github.com/dierpg/monomux/internal/reactor"
	"github.com/dierpg/monomux/internal/wire"
)

// handleControl loads and dispatches every complete control-protocol
// frame currently available on a client's control socket.
func (s *Server) handleControl(ready reactor.Readiness, entry reactor.Entry) error {
	cc := entry.Handle.(*controlConn)
	ch := cc.channel

	if ready.Hangup || ready.Error {
		s.disconnectClient(cc.clientID, "control socket closed")
		return nil
	}

	if _, err := ch.Load(0); err != nil {
		s.disconnectClient(cc.clientID, err.Error())
		return err
	}

	for {
		frame, complete, err := tryDecodeOne(ch)
		if err != nil {
			s.disconnectClient(cc.clientID, err.Error())
			return err
		}
		if !complete {
			return nil
		}
		if err := s.dispatchControlFrame(cc, frame); err != nil {
			s.logger.Warn("control dispatch error", "client", cc.clientID, "err", err)
		}
	}
}

// registerDefaultControlHandlers installs the built-in handler for
// every message kind the control protocol defines. RegisterControlHandler
// can replace any of these later — the table is the single source of
// truth dispatchControlFrame consults.
func (s *Server) registerDefaultControlHandlers() {
	s.controlTable.Register(proto.KindSessionListRequest, func(cc *controlConn, _ wire.Fields) error {
		return s.sendAndWatch(cc.fd, cc.channel, s.sessionListResponse())
	})

	s.controlTable.Register(proto.KindMakeSessionRequest, func(cc *controlConn, fields wire.Fields) error {
		req, err := proto.DecodeMakeSessionRequest(fields)
		if err != nil {
			return s.sendAndWatch(cc.fd, cc.channel, proto.MakeSessionResponse{OK: false, Error: err.Error()})
		}
		return s.handleMakeSession(cc, req)
	})

	s.controlTable.Register(proto.KindAttachRequest, func(cc *controlConn, fields wire.Fields) error {
		req, err := proto.DecodeAttachRequest(fields)
		if err != nil {
			return s.sendAndWatch(cc.fd, cc.channel, proto.AttachResponse{OK: false, Error: err.Error()})
		}
		return s.handleAttach(cc, req)
	})

	s.controlTable.Register(proto.KindDetachRequest, func(cc *controlConn, _ wire.Fields) error {
		s.detachClient(cc.clientID)
		return nil
	})

	s.controlTable.Register(proto.KindSignalRequest, func(cc *controlConn, fields wire.Fields) error {
		req, err := proto.DecodeSignalRequest(fields)
		if err != nil {
			return err
		}
		return s.handleSignal(cc, req)
	})

	s.controlTable.Register(proto.KindResizeRequest, func(cc *controlConn, fields wire.Fields) error {
		req, err := proto.DecodeResizeRequest(fields)
		if err != nil {
			return err
		}
		return s.handleResize(cc, req)
	})

	s.controlTable.Register(proto.KindKeepaliveRequest, func(cc *controlConn, _ wire.Fields) error {
		return s.sendAndWatch(cc.fd, cc.channel, proto.KeepaliveResponse{})
	})

	s.controlTable.Register(proto.KindStatisticsRequest, func(cc *controlConn, _ wire.Fields) error {
		return s.sendAndWatch(cc.fd, cc.channel, s.statisticsResponse())
	})
}

// RegisterControlHandler installs handler as the override for kind,
// replacing whichever handler — built-in default or an earlier
// override — currently owns it.
func (s *Server) RegisterControlHandler(kind proto.Kind, handler dispatch.MessageHandler[*controlConn]) {
	s.controlTable.Register(kind, handler)
}

func (s *Server) dispatchControlFrame(cc *controlConn, frame wire.Frame) error {
	fields := wire.DecodeFields(frame.Payload)
	kind := proto.Kind(frame.Kind)

	if handled, err := s.controlTable.Dispatch(kind, cc, fields); handled {
		return err
	}
	s.logger.Debug("unhandled control frame", "kind", kind)
	return nil
}

func (s *Server) sessionListResponse() proto.SessionListResponse {
	var summaries []proto.SessionSummary
	for _, d := range s.sessions.List() {
		summaries = append(summaries, proto.SessionSummary{
			Name:          d.Name,
			CreatedAtUnix: d.CreatedAt.Unix(),
			AttachedCount: d.AttachedCount(),
		})
	}
	return proto.SessionListResponse{Sessions: summaries}
}

func (s *Server) statisticsResponse() proto.StatisticsResponse {
	return proto.StatisticsResponse{
		RunID:         s.runID,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		ClientCount:   len(s.clients.List()),
		SessionCount:  len(s.sessions.List()),
		BytesRelayed:  s.bytesRelayed,
	}
}

func (s *Server) handleMakeSession(cc *controlConn, req proto.MakeSessionRequest) error {
	data, err := s.sessions.Spawn(req.Name, req.Program, req.Args, req.Env, req.Unset, req.Cols, req.Rows)
	if err != nil {
		return s.sendAndWatch(cc.fd, cc.channel, proto.MakeSessionResponse{OK: false, Error: err.Error()})
	}
	s.everHadSession = true

	s.poll.Add(data.FD(), reactor.InterestRead)
	s.idx.Set(data.FD(), reactor.FDSessionOutput, data)

	return s.sendAndWatch(cc.fd, cc.channel, proto.MakeSessionResponse{ActualName: data.Name, OK: true})
}

func (s *Server) handleAttach(cc *controlConn, req proto.AttachRequest) error {
	data, ok := s.sessions.Get(req.Name)
	if !ok {
		return s.sendAndWatch(cc.fd, cc.channel, proto.AttachResponse{OK: false, Error: "session not found: " + req.Name})
	}

	d, ok := s.clients.Get(cc.clientID)
	if !ok {
		return s.sendAndWatch(cc.fd, cc.channel, proto.AttachResponse{OK: false, Error: "unknown client"})
	}
	if !d.HasDataChannel() {
		return s.sendAndWatch(cc.fd, cc.channel, proto.AttachResponse{OK: false, Error: "no data channel established"})
	}

	if prev, wasAttached := d.AttachedSession(); wasAttached {
		if prevData, ok := s.sessions.Get(prev); ok {
			prevData.Detach(cc.clientID)
		}
	}

	data.Attach(cc.clientID)
	d.SetAttachedSession(data.Name)
	if req.Cols != 0 && req.Rows != 0 {
		d.SetWindow(req.Cols, req.Rows)
		if data.AttachedCount() == 1 {
			_ = data.Resize(req.Cols, req.Rows)
		}
	}

	if err := s.sendAndWatch(cc.fd, cc.channel, proto.AttachResponse{OK: true}); err != nil {
		return err
	}

	// Catch-up history is PTY output like any other: it goes out on the
	// raw data channel, never wrapped in a control frame.
	if history := data.History(); len(history) > 0 {
		dataCh := d.DataChannel()
		if _, err := dataCh.Write(history); err != nil {
			return err
		}
		if _, err := dataCh.Flush(); err != nil {
			return err
		}
		if fd, ok := d.DataFD(); ok && dataCh.PendingWrite() {
			s.poll.Modify(fd, reactor.InterestRead|reactor.InterestWrite)
		}
	}
	return nil
}

func (s *Server) handleSignal(cc *controlConn, req proto.SignalRequest) error {
	d, ok := s.clients.Get(cc.clientID)
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
	return data.Signal(syscall.Signal(req.Signal))
}

func (s *Server) handleResize(cc *controlConn, req proto.ResizeRequest) error {
	d, ok := s.clients.Get(cc.clientID)
	if !ok {
		return nil
	}
	d.SetWindow(req.Cols, req.Rows)
	name, ok := d.AttachedSession()
	if !ok {
		return nil
	}
	data, ok := s.sessions.Get(name)
	if !ok {
		return nil
	}
	return data.Resize(req.Cols, req.Rows)
}

// detachClient removes the client from whatever session it is
// attached to without closing either of its sockets.
func (s *Server) detachClient(clientID uint64) {
	d, ok := s.clients.Get(clientID)
	if !ok {
		return
	}
	if name, ok := d.AttachedSession(); ok {
		if data, ok := s.sessions.Get(name); ok {
			data.Detach(clientID)
		}
	}
	d.SetAttachedSession("")
}

// disconnectClient tears down both of a client's sockets and removes
// it from the registry and any session's attach set.
func (s *Server) disconnectClient(clientID uint64, reason string) {
	s.detachClient(clientID)
	d, ok := s.clients.Get(clientID)
	if !ok {
		return
	}
	s.poll.Remove(d.ControlFD())
	s.idx.Delete(d.ControlFD())
	unix.Close(d.ControlFD())
	if fd, ok := d.DataFD(); ok {
		s.poll.Remove(fd)
		s.idx.Delete(fd)
		unix.Close(fd)
	}
	s.clients.Remove(clientID)
	s.logger.Debug("client disconnected", "id", clientID, "reason", reason)
}
