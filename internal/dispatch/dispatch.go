// Package dispatch routes reactor readiness events to the handler
// registered for a descriptor's kind, keeping the server and
// attached-client loops from hand-rolling a type switch per event.
package dispatch

import (
	"github.com/dierpg/monomux/internal/merr"
	"github.com/dierpg/monomux/internal/reactor"
)

// Handler processes one readiness event for the descriptor recorded in
// entry. Returning an error does not stop the loop; the caller decides
// whether it is fatal to the connection or the whole server.
type Handler func(ready reactor.Readiness, entry reactor.Entry) error

// Table maps an FDKind to the Handler responsible for it. Exactly one
// handler may be registered per kind; Register panics on a duplicate
// since that always indicates a wiring bug, not a runtime condition.
type Table struct {
	handlers map[reactor.FDKind]Handler
}

// NewTable returns an empty dispatch Table.
func NewTable() *Table {
	return &Table{handlers: make(map[reactor.FDKind]Handler)}
}

// Register installs handler for kind.
func (t *Table) Register(kind reactor.FDKind, handler Handler) {
	if _, exists := t.handlers[kind]; exists {
		panic("dispatch: duplicate handler registration for " + kind.String())
	}
	t.handlers[kind] = handler
}

// Dispatch runs the registered handler for each ready event against
// the entry idx holds for its descriptor. An event for a descriptor
// with no index entry (already closed and unregistered, racing the
// poll call that reported it) is silently skipped. An event for a
// registered kind with no handler is a wiring bug and returned as an
// error rather than silently dropped.
func Dispatch(idx *reactor.FDIndex, table *Table, events []reactor.Readiness) []error {
	var errs []error
	for _, ready := range events {
		entry, ok := idx.Get(ready.FD)
		if !ok {
			continue
		}
		handler, ok := table.handlers[entry.Kind]
		if !ok {
			errs = append(errs, merr.Newf(merr.System, "dispatch: no handler registered for %s", entry.Kind))
			continue
		}
		if err := handler(ready, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
