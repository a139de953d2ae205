package client

import "testing"

func TestRegisterAssignsMonotonicIDs(t *testing.T) {
	reg := NewRegistry()
	first, _, err := reg.Register(nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	second, _, err := reg.Register(nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected distinct ids, got %d and %d", first.ID, second.ID)
	}
}

func TestPromoteToDataSucceedsOnce(t *testing.T) {
	reg := NewRegistry()
	d, nonce, err := reg.Register(nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := reg.PromoteToData(d.ID, nonce, nil); err != nil {
		t.Fatalf("first PromoteToData: %v", err)
	}
	if _, err := reg.PromoteToData(d.ID, nonce, nil); err == nil {
		t.Fatal("expected the second PromoteToData with the same nonce to fail")
	}
}

func TestPromoteToDataRejectsWrongNonce(t *testing.T) {
	reg := NewRegistry()
	d, _, err := reg.Register(nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := reg.PromoteToData(d.ID, 0xdeadbeef, nil); err == nil {
		t.Fatal("expected a nonce mismatch error")
	}
}

func TestPromoteToDataRejectsUnknownID(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.PromoteToData(999, 0, nil); err == nil {
		t.Fatal("expected an unknown-id error")
	}
}

func TestNonceExpiresAfterTTL(t *testing.T) {
	reg := NewRegistry()
	d, nonce, err := reg.Register(nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	reg.expireNonce(d.ID, nonce)

	if _, err := reg.PromoteToData(d.ID, nonce, nil); err == nil {
		t.Fatal("expected the nonce to be rejected once expired")
	}
}

func TestAttachedSessionRoundTrip(t *testing.T) {
	d := newData(1, nil)
	if _, ok := d.AttachedSession(); ok {
		t.Fatal("expected no attached session initially")
	}
	d.SetAttachedSession("build")
	name, ok := d.AttachedSession()
	if !ok || name != "build" {
		t.Fatalf("got %q, %v; want build, true", name, ok)
	}
	d.SetAttachedSession("")
	if _, ok := d.AttachedSession(); ok {
		t.Fatal("expected detach to clear the attached session")
	}
}
