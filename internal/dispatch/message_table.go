package dispatch

import (
	"github.com/dierpg/monomux/internal/proto"
	"github.com/dierpg/monomux/internal/wire"
)

// MessageHandler processes one decoded control-protocol frame's
// fields against ctx, whatever a particular table's caller needs to
// reach the rest of its state (a *controlConn, typically).
type MessageHandler[Ctx any] func(ctx Ctx, fields wire.Fields) error

// MessageTable is a registerable message-kind dispatch table: unlike
// Table's fd-kind routing, where a duplicate registration is a wiring
// bug, Register here always overrides whatever handler — built-in
// default or a previous override — currently owns kind. This is the
// virtual-callback surface a caller uses to replace or add handling
// for individual message kinds without touching the loop that drives
// it.
type MessageTable[Ctx any] struct {
	handlers map[proto.Kind]MessageHandler[Ctx]
}

// NewMessageTable returns an empty MessageTable.
func NewMessageTable[Ctx any]() *MessageTable[Ctx] {
	return &MessageTable[Ctx]{handlers: make(map[proto.Kind]MessageHandler[Ctx])}
}

// Register installs handler for kind, replacing any handler already
// registered for it.
func (t *MessageTable[Ctx]) Register(kind proto.Kind, handler MessageHandler[Ctx]) {
	t.handlers[kind] = handler
}

// Lookup returns the handler registered for kind, if any.
func (t *MessageTable[Ctx]) Lookup(kind proto.Kind) (MessageHandler[Ctx], bool) {
	h, ok := t.handlers[kind]
	return h, ok
}

// Dispatch runs the handler registered for kind, if one exists.
// handled reports whether a handler was found at all, independent of
// whether it returned an error, so callers can tell "ran and failed"
// apart from "nothing registered for this kind".
func (t *MessageTable[Ctx]) Dispatch(kind proto.Kind, ctx Ctx, fields wire.Fields) (handled bool, err error) {
	h, ok := t.handlers[kind]
	if !ok {
		return false, nil
	}
	return true, h(ctx, fields)
}
