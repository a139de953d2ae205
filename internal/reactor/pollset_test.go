package reactor

import (
	"testing"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPollSetReportsReadable(t *testing.T) {
	a, b := socketpair(t)

	p := New()
	p.Add(a, InterestRead)

	if _, err := unix.Write(b, []byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ready, err := p.Wait(1000)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(ready) != 1 || ready[0].FD != a || !ready[0].Readable {
		t.Fatalf("ready = %+v, want one readable entry for fd %d", ready, a)
	}
}

func TestPollSetWaitTimesOut(t *testing.T) {
	a, _ := socketpair(t)

	p := New()
	p.Add(a, InterestRead)

	ready, err := p.Wait(50)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("ready = %+v, want none", ready)
	}
}

func TestPollSetRemoveStopsReporting(t *testing.T) {
	a, b := socketpair(t)

	p := New()
	p.Add(a, InterestRead)
	p.Remove(a)

	if p.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after Remove", p.Len())
	}

	if _, err := unix.Write(b, []byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	ready, err := p.Wait(50)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("ready = %+v, want none once removed", ready)
	}
}

func TestFDIndexSetGetDelete(t *testing.T) {
	idx := NewFDIndex()
	idx.Set(3, FDControl, "client-handle")

	entry, ok := idx.Get(3)
	if !ok || entry.Kind != FDControl || entry.Handle != "client-handle" {
		t.Fatalf("Get(3) = %+v, %v", entry, ok)
	}

	idx.Delete(3)
	if _, ok := idx.Get(3); ok {
		t.Fatal("expected entry to be gone after Delete")
	}
}
