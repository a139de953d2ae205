package attach

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/dierpg/monomux/internal/merr"
	"github.com/dierpg/monomux/internal/proto"
	"github.com/dierpg/monomux/internal/ringbuf"
	"github.com/dierpg/monomux/internal/wire"
)

// handshakeTimeout bounds how long the client waits for each handshake
// reply before giving up; well under the server's 5s nonce TTL.
const handshakeTimeout = 3 * time.Second

// Dial performs the full three-phase handshake against socketPath and
// returns a Loop ready to Run: open the control connection, receive
// (id, nonce), open the data connection, and present the nonce for
// promotion.
func Dial(socketPath string) (*Loop, error) {
	controlFD, err := dialRaw(socketPath)
	if err != nil {
		return nil, err
	}
	control := ringbuf.New("attach.control", fdHandle{controlFD}, 0, 0)

	if err := sendMessage(control, proto.ClientIDRequest{}); err != nil {
		unix.Close(controlFD)
		return nil, err
	}
	frame, err := readFrameBlocking(controlFD, control, handshakeTimeout)
	if err != nil {
		unix.Close(controlFD)
		return nil, err
	}
	if proto.Kind(frame.Kind) != proto.KindClientIDResponse {
		unix.Close(controlFD)
		return nil, merr.Newf(merr.Protocol, "handshake: got kind %v, want ClientIDResponse", proto.Kind(frame.Kind))
	}
	idResp, err := proto.DecodeClientIDResponse(wire.DecodeFields(frame.Payload))
	if err != nil {
		unix.Close(controlFD)
		return nil, err
	}

	dataFD, err := dialRaw(socketPath)
	if err != nil {
		unix.Close(controlFD)
		return nil, err
	}
	data := ringbuf.New("attach.data", fdHandle{dataFD}, 0, 0)

	if err := sendMessage(data, proto.DataSocketRequest{ClientID: idResp.ClientID, Nonce: idResp.Nonce}); err != nil {
		unix.Close(controlFD)
		unix.Close(dataFD)
		return nil, err
	}
	frame, err = readFrameBlocking(dataFD, data, handshakeTimeout)
	if err != nil {
		unix.Close(controlFD)
		unix.Close(dataFD)
		return nil, err
	}
	if proto.Kind(frame.Kind) != proto.KindAck {
		unix.Close(controlFD)
		unix.Close(dataFD)
		return nil, merr.Newf(merr.Protocol, "handshake: got kind %v, want Ack", proto.Kind(frame.Kind))
	}

	return newLoop(controlFD, control, dataFD, data), nil
}

// readFrameBlocking polls fd for readability and loads bytes into ch
// until a complete frame assembles or deadline elapses. Only used
// during the handshake, before the main loop's PollSet exists.
func readFrameBlocking(fd int, ch *ringbuf.Channel, timeout time.Duration) (wire.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		frame, consumed, ready, err := wire.TryDecode(ch.Peek(), wire.DefaultMaxPayload)
		if err != nil {
			return wire.Frame{}, err
		}
		if ready {
			ch.Consume(consumed)
			return frame, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wire.Frame{}, merr.Newf(merr.System, "handshake: timed out waiting for a reply")
		}
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		if _, err := unix.Poll(pfd, int(min(remaining, 200*time.Millisecond)/time.Millisecond)); err != nil && err != unix.EINTR {
			return wire.Frame{}, merr.New(merr.System, err)
		}
		if _, err := ch.Load(0); err != nil {
			return wire.Frame{}, err
		}
	}
}
