package session

import (
	"io"

	"golang.org/x/sys/unix"
)

// ptyHandle adapts a raw, non-blocking PTY master descriptor to
// ringbuf.Handle, the same pattern internal/server's fdHandle uses for
// sockets: raw syscalls instead of the stdlib os.File, so a full
// kernel input queue reports EAGAIN to the ring buffer instead of
// blocking the calling goroutine outright.
type ptyHandle struct {
	fd int
}

func (h ptyHandle) Read(p []byte) (int, error) {
	n, err := unix.Read(h.fd, p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (h ptyHandle) Write(p []byte) (int, error) {
	return unix.Write(h.fd, p)
}
