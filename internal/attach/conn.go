package attach

import (
	"github.com/dierpg/monomux/internal/proto"
	"github.com/dierpg/monomux/internal/ringbuf"
	"github.com/dierpg/monomux/internal/wire"
)

// sendMessage encodes m and queues it on ch, flushing immediately so
// interactive latency doesn't wait for the next poll tick.
func sendMessage(ch *ringbuf.Channel, m proto.Message) error {
	if _, err := ch.Write(proto.Encode(m)); err != nil {
		return err
	}
	_, err := ch.Flush()
	return err
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
