// Package wire implements the size-prefixed message envelope shared by
// every control-socket message, plus the line-oriented key=value
// payload codec used as the reference encoding.
package wire

import (
	"encoding/binary"

	"github.com/dierpg/monomux/internal/merr"
)

// HeaderLen is the fixed 8-byte length prefix plus 2-byte kind that
// precedes every frame's payload.
const HeaderLen = 10

// DefaultMaxPayload is the control-message length ceiling: 16 MiB.
const DefaultMaxPayload = 16 * 1024 * 1024

// Frame is a decoded (kind, payload) pair.
type Frame struct {
	Kind    uint16
	Payload []byte
}

// Encode renders kind and payload as a complete wire frame:
// len_le64 ‖ kind_le16 ‖ payload, where len covers kind+payload.
func Encode(kind uint16, payload []byte) []byte {
	out := make([]byte, HeaderLen+len(payload))
	binary.LittleEndian.PutUint64(out[0:8], uint64(2+len(payload)))
	binary.LittleEndian.PutUint16(out[8:10], kind)
	copy(out[10:], payload)
	return out
}

// TryDecode inspects buf — typically a Channel's read-ring contents via
// Peek — for a complete frame. It returns ready=false (with no error)
// when buf doesn't yet hold a full frame; the caller should Load more
// bytes and retry. A length prefix exceeding maxPayload is a
// ProtocolError: the caller should mark the owning channel failed.
func TryDecode(buf []byte, maxPayload int) (frame Frame, consumed int, ready bool, err error) {
	if len(buf) < 8 {
		return Frame{}, 0, false, nil
	}
	length := binary.LittleEndian.Uint64(buf[:8])
	if length < 2 {
		return Frame{}, 0, false, merr.Newf(merr.Protocol, "frame length %d smaller than kind field", length)
	}
	if maxPayload > 0 && length-2 > uint64(maxPayload) {
		return Frame{}, 0, false, merr.Newf(merr.Protocol, "frame length %d exceeds ceiling %d", length-2, maxPayload)
	}
	need := 8 + int(length)
	if len(buf) < need {
		return Frame{}, 0, false, nil
	}
	kind := binary.LittleEndian.Uint16(buf[8:10])
	payload := make([]byte, need-10)
	copy(payload, buf[10:need])
	return Frame{Kind: kind, Payload: payload}, need, true, nil
}
