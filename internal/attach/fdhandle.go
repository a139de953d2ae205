package attach

import (
	"io"

	"golang.org/x/sys/unix"
)

// fdHandle adapts a raw, non-blocking file descriptor to
// ringbuf.Handle, the same translation internal/server's fdHandle
// performs: unix.Read's (0, nil) orderly-close result becomes io.EOF.
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
