package attach

import "github.com/dierpg/monomux/internal/reactor"

// inhibitSet tracks which of the loop's three populations (stdin,
// control, data) are currently excluded from polling. Used when a
// caller needs to synchronously await a control response without
// racing the background dispatcher reading the same socket.
type inhibitSet struct {
	stdin, control, data bool
}

func (s inhibitSet) blocked(kind reactor.FDKind) bool {
	switch kind {
	case reactor.FDStdin:
		return s.stdin
	case reactor.FDControl:
		return s.control
	case reactor.FDData:
		return s.data
	default:
		return false
	}
}

// Inhibit excludes the given populations from the next poll iterations
// and returns a restore function that puts the previous values back.
// Nested Inhibit calls compose correctly as long as each restore is
// called in reverse order of its Inhibit, the usual scoped-toggle
// discipline.
func (l *Loop) Inhibit(kinds ...reactor.FDKind) (restore func()) {
	prev := l.inhibited
	next := l.inhibited
	for _, k := range kinds {
		switch k {
		case reactor.FDStdin:
			next.stdin = true
		case reactor.FDControl:
			next.control = true
		case reactor.FDData:
			next.data = true
		}
	}
	l.inhibited = next
	return func() { l.inhibited = prev }
}
