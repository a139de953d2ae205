package wire

import "testing"

func TestFieldsEncodeDecodeRoundTrip(t *testing.T) {
	var f Fields
	f.Set("name", "s1")
	f.Add("env", "FOO=bar")
	f.Add("env", "BAZ=qux\nwith newline")

	decoded := DecodeFields(f.Encode())

	name, ok := decoded.Get("name")
	if !ok || name != "s1" {
		t.Fatalf("name = %q, %v; want s1, true", name, ok)
	}

	envs := decoded.GetAll("env")
	if len(envs) != 2 {
		t.Fatalf("got %d env values, want 2: %v", len(envs), envs)
	}
	if envs[0] != "FOO=bar" {
		t.Fatalf("envs[0] = %q, want FOO=bar", envs[0])
	}
	if envs[1] != "BAZ=qux\nwith newline" {
		t.Fatalf("envs[1] = %q, want embedded newline preserved", envs[1])
	}
}

func TestFieldsUint64(t *testing.T) {
	var f Fields
	f.Set("id", "42")
	v, err := f.Uint64("id")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("got %d, want 42", v)
	}
}

func TestFieldsUint64Missing(t *testing.T) {
	var f Fields
	if _, err := f.Uint64("missing"); err == nil {
		t.Fatal("expected an error for a missing field")
	}
}
