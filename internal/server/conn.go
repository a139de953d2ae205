package server

import (
	"github.com/dierpg/monomux/internal/proto"
	"github.com/dierpg/monomux/internal/reactor"
	"github.com/dierpg/monomux/internal/ringbuf"
	"github.com/dierpg/monomux/internal/wire"
)

// controlConn is the FDIndex handle attached to a client's control
// socket.
type controlConn struct {
	channel  *ringbuf.Channel
	clientID uint64
	fd       int
}

// dataConn is the FDIndex handle attached to a client's data socket,
// once the handshake has promoted it. Before promotion, the accepted
// connection sits in pendingConn instead.
type dataConn struct {
	channel  *ringbuf.Channel
	clientID uint64
	fd       int
}

// pendingConn is a freshly accepted connection whose role (control, or
// data presenting a handshake nonce) is not known yet.
type pendingConn struct {
	channel *ringbuf.Channel
}

// sendMessage encodes m and queues it on ch, flushing immediately so
// interactive latency doesn't wait for the next poll tick.
func sendMessage(ch *ringbuf.Channel, m proto.Message) error {
	if _, err := ch.Write(proto.Encode(m)); err != nil {
		return err
	}
	_, err := ch.Flush()
	return err
}

// sendAndWatch is sendMessage plus the poll-interest bookkeeping a
// control message send needs: if the write didn't fully drain, the
// loop must start polling the descriptor for writability.
func (s *Server) sendAndWatch(fd int, ch *ringbuf.Channel, m proto.Message) error {
	if err := sendMessage(ch, m); err != nil {
		return err
	}
	if ch.PendingWrite() {
		s.poll.Modify(fd, reactor.InterestRead|reactor.InterestWrite)
	}
	return nil
}

// tryDecodeOne pops at most one complete frame out of ch's read ring.
func tryDecodeOne(ch *ringbuf.Channel) (wire.Frame, bool, error) {
	frame, consumed, ready, err := wire.TryDecode(ch.Peek(), wire.DefaultMaxPayload)
	if err != nil {
		return wire.Frame{}, false, err
	}
	if !ready {
		return wire.Frame{}, false, nil
	}
	ch.Consume(consumed)
	return frame, true, nil
}
