package attach

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/dierpg/monomux/internal/merr"
)

// dialRaw connects to path and returns the connection's raw,
// non-blocking descriptor, detached from Go's net poller the same way
// the server's listenRaw detaches its listening socket: the loop
// drives this fd directly through reactor.PollSet rather than through
// a blocking net.Conn.
func dialRaw(path string) (int, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return -1, merr.New(merr.System, err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return -1, merr.Newf(merr.System, "unexpected conn type %T", conn)
	}

	f, err := unixConn.File()
	if err != nil {
		conn.Close()
		return -1, merr.New(merr.System, err)
	}
	conn.Close()

	fd, err := dupAndRelease(f)
	if err != nil {
		return -1, err
	}
	// Set non-blocking mode only after the *os.File is gone: its Fd()
	// call puts the descriptor back into blocking mode.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, merr.New(merr.System, err)
	}
	return fd, nil
}

func dupAndRelease(f *os.File) (int, error) {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		f.Close()
		return -1, merr.New(merr.System, err)
	}
	f.Close()
	return fd, nil
}

// stdioNonblock puts an inherited stdio descriptor (0 or 1) into
// non-blocking mode without closing or duplicating it — the loop
// doesn't own process stdio the way it owns socket connections, so it
// never closes these descriptors itself.
func stdioNonblock(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return merr.New(merr.System, err)
	}
	return nil
}
