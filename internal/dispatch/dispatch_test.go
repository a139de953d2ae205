package dispatch

import (
	"errors"
	"testing"

	"github.com/dierpg/monomux/internal/reactor"
)

func TestDispatchRoutesByKind(t *testing.T) {
	idx := reactor.NewFDIndex()
	idx.Set(1, reactor.FDControl, "control-handle")
	idx.Set(2, reactor.FDData, "data-handle")

	var gotControl, gotData any
	table := NewTable()
	table.Register(reactor.FDControl, func(ready reactor.Readiness, entry reactor.Entry) error {
		gotControl = entry.Handle
		return nil
	})
	table.Register(reactor.FDData, func(ready reactor.Readiness, entry reactor.Entry) error {
		gotData = entry.Handle
		return nil
	})

	errs := Dispatch(idx, table, []reactor.Readiness{
		{FD: 1, Readable: true},
		{FD: 2, Readable: true},
	})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if gotControl != "control-handle" || gotData != "data-handle" {
		t.Fatalf("gotControl=%v gotData=%v", gotControl, gotData)
	}
}

func TestDispatchSkipsUnindexedFD(t *testing.T) {
	idx := reactor.NewFDIndex()
	table := NewTable()
	called := false
	table.Register(reactor.FDControl, func(ready reactor.Readiness, entry reactor.Entry) error {
		called = true
		return nil
	})

	errs := Dispatch(idx, table, []reactor.Readiness{{FD: 99, Readable: true}})
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if called {
		t.Fatal("handler should not be called for an unindexed fd")
	}
}

func TestDispatchReportsMissingHandler(t *testing.T) {
	idx := reactor.NewFDIndex()
	idx.Set(1, reactor.FDControl, nil)
	table := NewTable()

	errs := Dispatch(idx, table, []reactor.Readiness{{FD: 1, Readable: true}})
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
}

func TestDispatchCollectsHandlerErrors(t *testing.T) {
	idx := reactor.NewFDIndex()
	idx.Set(1, reactor.FDControl, nil)
	table := NewTable()
	wantErr := errors.New("boom")
	table.Register(reactor.FDControl, func(ready reactor.Readiness, entry reactor.Entry) error {
		return wantErr
	})

	errs := Dispatch(idx, table, []reactor.Readiness{{FD: 1, Readable: true}})
	if len(errs) != 1 || errs[0] != wantErr {
		t.Fatalf("errs = %v, want [%v]", errs, wantErr)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on duplicate registration")
		}
	}()
	table := NewTable()
	table.Register(reactor.FDControl, func(reactor.Readiness, reactor.Entry) error { return nil })
	table.Register(reactor.FDControl, func(reactor.Readiness, reactor.Entry) error { return nil })
}
