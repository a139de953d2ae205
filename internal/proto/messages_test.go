package proto

import (
	"testing"

	"github.com/dierpg/monomux/internal/wire"
)

func TestMakeSessionRequestRoundTrip(t *testing.T) {
	req := MakeSessionRequest{
		Name:    "build",
		Program: "/bin/bash",
		Args:    []string{"-l"},
		Env:     []string{"FOO=bar"},
		Unset:   []string{"DEBUG"},
		Cols:    100,
		Rows:    40,
	}

	buf := Encode(req)
	frame, consumed, ready, err := wire.TryDecode(buf, wire.DefaultMaxPayload)
	if err != nil || !ready || consumed != len(buf) {
		t.Fatalf("decode frame: ready=%v consumed=%d err=%v", ready, consumed, err)
	}
	if Kind(frame.Kind) != KindMakeSessionRequest {
		t.Fatalf("kind = %v, want MakeSessionRequest", Kind(frame.Kind))
	}

	got, err := DecodeMakeSessionRequest(wire.DecodeFields(frame.Payload))
	if err != nil {
		t.Fatalf("DecodeMakeSessionRequest: %v", err)
	}
	if got.Name != req.Name || got.Program != req.Program {
		t.Fatalf("got %+v, want %+v", got, req)
	}
	if len(got.Args) != 1 || got.Args[0] != "-l" {
		t.Fatalf("Args = %v", got.Args)
	}
	if len(got.Env) != 1 || got.Env[0] != "FOO=bar" {
		t.Fatalf("Env = %v", got.Env)
	}
	if got.Cols != 100 || got.Rows != 40 {
		t.Fatalf("size = %dx%d, want 100x40", got.Cols, got.Rows)
	}
}

func TestMakeSessionRequestDefaultsSize(t *testing.T) {
	var f wire.Fields
	f.Set("program", "/bin/sh")

	got, err := DecodeMakeSessionRequest(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Cols != 80 || got.Rows != 24 {
		t.Fatalf("defaults = %dx%d, want 80x24", got.Cols, got.Rows)
	}
}

func TestMakeSessionRequestRejectsMissingProgram(t *testing.T) {
	var f wire.Fields
	if _, err := DecodeMakeSessionRequest(f); err == nil {
		t.Fatal("expected an error for a missing program field")
	}
}

func TestSessionListResponseRoundTrip(t *testing.T) {
	resp := SessionListResponse{Sessions: []SessionSummary{
		{Name: "build", CreatedAtUnix: 100, AttachedCount: 1},
		{Name: "logs", CreatedAtUnix: 200, AttachedCount: 0},
	}}

	decoded, err := DecodeSessionListResponse(resp.Fields())
	if err != nil {
		t.Fatalf("DecodeSessionListResponse: %v", err)
	}
	if len(decoded.Sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(decoded.Sessions))
	}
	if decoded.Sessions[1].Name != "logs" || decoded.Sessions[1].CreatedAtUnix != 200 {
		t.Fatalf("sessions[1] = %+v", decoded.Sessions[1])
	}
}

func TestSessionListResponseArityMismatch(t *testing.T) {
	var f wire.Fields
	f.Add("name", "build")
	f.Add("created_at", "100")
	// attached intentionally omitted

	if _, err := DecodeSessionListResponse(f); err == nil {
		t.Fatal("expected an arity mismatch error")
	}
}

func TestParseEnvEntry(t *testing.T) {
	k, v, ok := ParseEnvEntry("FOO=bar=baz")
	if !ok || k != "FOO" || v != "bar=baz" {
		t.Fatalf("got %q=%q ok=%v, want FOO=bar=baz true", k, v, ok)
	}
	if _, _, ok := ParseEnvEntry("nodelim"); ok {
		t.Fatal("expected ok=false for an entry with no '='")
	}
}

func TestResizeRequestRoundTrip(t *testing.T) {
	req := ResizeRequest{Cols: 120, Rows: 30}
	decoded, err := DecodeResizeRequest(req.Fields())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded != req {
		t.Fatalf("got %+v, want %+v", decoded, req)
	}
}
