package server

import (
	"io"

	"golang.org/x/sys/unix"
)

// fdHandle adapts a raw, already-nonblocking file descriptor to
// ringbuf.Handle, translating the orderly-close convention (n==0,
// err==nil) that unix.Read reports for sockets into io.EOF, which is
// what Channel's retry logic expects.
type fdHandle struct {
	fd int
}

func (h fdHandle) Read(p []byte) (int, error) {
	n, err := unix.Read(h.fd, p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (h fdHandle) Write(p []byte) (int, error) {
	return unix.Write(h.fd, p)
}

func (h fdHandle) Close() error {
	return unix.Close(h.fd)
}
