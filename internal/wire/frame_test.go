package wire

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("name=s1\nrows=24\n")
	buf := Encode(7, payload)

	frame, consumed, ready, err := TryDecode(buf, DefaultMaxPayload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ready {
		t.Fatal("expected a complete frame")
	}
	if consumed != len(buf) {
		t.Fatalf("consumed %d, want %d", consumed, len(buf))
	}
	if frame.Kind != 7 {
		t.Fatalf("kind = %d, want 7", frame.Kind)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("payload = %q, want %q", frame.Payload, payload)
	}
}

func TestTryDecodeIncompleteHeader(t *testing.T) {
	_, _, ready, err := TryDecode([]byte{1, 2, 3}, DefaultMaxPayload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ready {
		t.Fatal("expected not ready with a partial header")
	}
}

func TestTryDecodeIncompletePayload(t *testing.T) {
	buf := Encode(1, []byte("hello world"))
	_, _, ready, err := TryDecode(buf[:len(buf)-3], DefaultMaxPayload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ready {
		t.Fatal("expected not ready with a truncated payload")
	}
}

func TestTryDecodeOversizeRejected(t *testing.T) {
	buf := Encode(1, []byte("hello world"))
	_, _, _, err := TryDecode(buf, 4)
	if err == nil {
		t.Fatal("expected a ProtocolError for an oversize frame")
	}
}

func TestTryDecodeLeavesTrailingBytesForNextFrame(t *testing.T) {
	first := Encode(1, []byte("a"))
	second := Encode(2, []byte("bb"))
	buf := append(append([]byte{}, first...), second...)

	frame, consumed, ready, err := TryDecode(buf, DefaultMaxPayload)
	if err != nil || !ready {
		t.Fatalf("unexpected result decoding first frame: ready=%v err=%v", ready, err)
	}
	if frame.Kind != 1 {
		t.Fatalf("first frame kind = %d, want 1", frame.Kind)
	}

	rest := buf[consumed:]
	frame, _, ready, err = TryDecode(rest, DefaultMaxPayload)
	if err != nil || !ready {
		t.Fatalf("unexpected result decoding second frame: ready=%v err=%v", ready, err)
	}
	if frame.Kind != 2 || string(frame.Payload) != "bb" {
		t.Fatalf("second frame = %+v, want kind 2 payload bb", frame)
	}
}
