package server

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dierpg/monomux/internal/proto"
	"github.com/dierpg/monomux/internal/reactor"
	"github.com/dierpg/monomux/internal/ringbuf"
	"github.com/dierpg/monomux/internal/wire"
)

// handleListener drains every pending connection off the listening
// socket. Each is registered as FDPending until its first frame
// reveals whether it is a new control connection or a data connection
// presenting a handshake nonce.
func (s *Server) handleListener(ready reactor.Readiness, entry reactor.Entry) error {
	for {
		fd, ok, err := acceptRaw(s.listenerFD)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		ch := ringbuf.New(fmt.Sprintf("conn#%d.pending", fd), fdHandle{fd}, 0, 0)
		s.poll.Add(fd, reactor.InterestRead)
		s.idx.Set(fd, reactor.FDPending, &pendingConn{channel: ch})
	}
}

// handlePending loads whatever is available on a not-yet-classified
// connection and, once a complete frame arrives, either registers it
// as a fresh control client or promotes it to an existing client's
// data channel.
func (s *Server) handlePending(ready reactor.Readiness, entry reactor.Entry) error {
	pc := entry.Handle.(*pendingConn)
	ch := pc.channel

	if ready.Hangup || ready.Error {
		s.closeConn(ready.FD, ch)
		return nil
	}

	if _, err := ch.Load(0); err != nil {
		s.closeConn(ready.FD, ch)
		return err
	}

	frame, complete, err := tryDecodeOne(ch)
	if err != nil {
		s.closeConn(ready.FD, ch)
		return err
	}
	if !complete {
		return nil
	}

	fields := wire.DecodeFields(frame.Payload)

	switch proto.Kind(frame.Kind) {
	case proto.KindClientIDRequest:
		return s.admitControlClient(ready.FD, ch)
	case proto.KindDataSocketRequest:
		req, err := proto.DecodeDataSocketRequest(fields)
		if err != nil {
			s.closeConn(ready.FD, ch)
			return err
		}
		return s.admitDataClient(ready.FD, ch, req)
	default:
		s.closeConn(ready.FD, ch)
		return nil
	}
}

func (s *Server) admitControlClient(fd int, ch *ringbuf.Channel) error {
	d, nonce, err := s.clients.Register(ch)
	if err != nil {
		s.closeConn(fd, ch)
		return err
	}
	ch.Identifier = fmt.Sprintf("client#%d.control", d.ID)
	d.SetControlFD(fd)
	s.idx.Set(fd, reactor.FDControl, &controlConn{channel: ch, clientID: d.ID, fd: fd})
	return s.sendAndWatch(fd, ch, proto.ClientIDResponse{ClientID: d.ID, Nonce: nonce})
}

func (s *Server) admitDataClient(fd int, ch *ringbuf.Channel, req proto.DataSocketRequest) error {
	d, err := s.clients.PromoteToData(req.ClientID, req.Nonce, ch)
	if err != nil {
		s.closeConn(fd, ch)
		if control, ok := s.clients.Get(req.ClientID); ok {
			_ = s.sendAndWatch(control.ControlFD(), control.Control(), proto.DetachNotification{Reason: err.Error()})
		}
		return err
	}
	ch.Identifier = fmt.Sprintf("client#%d.data", d.ID)
	d.SetDataFD(fd)
	s.idx.Set(fd, reactor.FDData, &dataConn{channel: ch, clientID: d.ID, fd: fd})
	return s.sendAndWatch(fd, ch, proto.Ack{})
}

// closeConn tears down a connection's poll registration, index entry,
// and underlying descriptor. It does not attempt to notify the remote
// side; callers that need a graceful notification send it first.
func (s *Server) closeConn(fd int, ch *ringbuf.Channel) {
	s.poll.Remove(fd)
	s.idx.Delete(fd)
	unix.Close(fd)
	s.logger.Debug("connection closed", "id", ch.Identifier)
}
