package dispatch

import (
	"errors"
	"testing"

	"github.com/dierpg/monomux/internal/proto"
	"github.com/dierpg/monomux/internal/wire"
)

func TestMessageTableDispatchesRegisteredKind(t *testing.T) {
	table := NewMessageTable[string]()
	var got wire.Fields
	table.Register(proto.KindKeepaliveRequest, func(ctx string, fields wire.Fields) error {
		got = fields
		return nil
	})

	fields := wire.Fields{{Key: "a", Value: "1"}}
	handled, err := table.Dispatch(proto.KindKeepaliveRequest, "ctx", fields)
	if !handled {
		t.Fatal("expected the registered kind to be handled")
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, _ := got.Get("a"); v != "1" {
		t.Fatalf("handler did not see the dispatched fields: %v", got)
	}
}

func TestMessageTableReportsUnregisteredKind(t *testing.T) {
	table := NewMessageTable[string]()
	handled, err := table.Dispatch(proto.KindKeepaliveRequest, "ctx", nil)
	if handled {
		t.Fatal("expected an unregistered kind to report handled=false")
	}
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestMessageTableRegisterOverrides is the override capability itself:
// a second Register call for the same kind replaces the first, unlike
// Table's panic-on-duplicate fd routing.
func TestMessageTableRegisterOverrides(t *testing.T) {
	table := NewMessageTable[string]()
	table.Register(proto.KindKeepaliveRequest, func(string, wire.Fields) error {
		return errors.New("default handler")
	})
	table.Register(proto.KindKeepaliveRequest, func(string, wire.Fields) error {
		return errors.New("overridden handler")
	})

	_, err := table.Dispatch(proto.KindKeepaliveRequest, "ctx", nil)
	if err == nil || err.Error() != "overridden handler" {
		t.Fatalf("err = %v, want the overriding handler's error", err)
	}
}

func TestMessageTableLookup(t *testing.T) {
	table := NewMessageTable[string]()
	if _, ok := table.Lookup(proto.KindKeepaliveRequest); ok {
		t.Fatal("expected no handler registered yet")
	}
	table.Register(proto.KindKeepaliveRequest, func(string, wire.Fields) error { return nil })
	if _, ok := table.Lookup(proto.KindKeepaliveRequest); !ok {
		t.Fatal("expected the registered handler to be found")
	}
}
