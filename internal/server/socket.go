package server

import (
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/dierpg/monomux/internal/merr"
)

// listenRaw binds path as a UNIX stream socket and returns its raw,
// non-blocking listening descriptor. Going through net.Listen first
// and then detaching the fd via File() reuses the stdlib's socket
// setup (permission handling, stale-socket cleanup on EADDRINUSE is
// the caller's job) while still handing the reactor a descriptor it
// can poll and accept from directly.
func listenRaw(path string) (int, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return -1, merr.New(merr.System, err)
	}
	unixLn, ok := ln.(*net.UnixListener)
	if !ok {
		ln.Close()
		return -1, merr.Newf(merr.System, "unexpected listener type %T", ln)
	}

	f, err := unixLn.File()
	if err != nil {
		ln.Close()
		return -1, merr.New(merr.System, err)
	}
	// unixLn.File() duplicates the descriptor; the original listener
	// can be closed without affecting the duplicate. Closing it must not
	// unlink the socket path, which the duplicate is still bound to.
	unixLn.SetUnlinkOnClose(false)
	ln.Close()

	// Detach the *os.File's finalizer from the fd we're keeping: we now
	// own the returned fd directly and close it ourselves on shutdown.
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

// dupAndRelease returns the file's descriptor while preventing the
// os.File's garbage-collection finalizer from closing it underneath
// us; the caller takes ownership of the returned fd.
func dupAndRelease(f *os.File) (int, error) {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		f.Close()
		return -1, merr.New(merr.System, err)
	}
	f.Close()
	return fd, nil
}

// acceptRaw accepts one pending connection on a non-blocking listening
// fd, returning the new connection's already-non-blocking descriptor.
// ok is false (err nil) when no connection was pending.
func acceptRaw(listenerFD int) (fd int, ok bool, err error) {
	connFD, _, acceptErr := unix.Accept4(listenerFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if acceptErr != nil {
		if acceptErr == unix.EAGAIN || acceptErr == unix.EWOULDBLOCK {
			return -1, false, nil
		}
		if acceptErr == unix.EINTR {
			return acceptRaw(listenerFD)
		}
		return -1, false, merr.New(merr.System, acceptErr)
	}
	return connFD, true, nil
}
