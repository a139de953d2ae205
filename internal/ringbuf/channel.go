// Package ringbuf implements BufferedChannel: a duplex byte pipe over a
// raw, non-blocking Handle with a read-ahead ring and a write-behind
// ring, FIFO ordering, and a 2 GiB overflow guard.
//
// A Channel is not goroutine-safe by design: the server and client are
// single-threaded cooperative event loops, and every Channel is
// touched only by its owning loop goroutine.
package ringbuf

import (
	"errors"
	"io"
	"syscall"

	"github.com/dierpg/monomux/internal/merr"
)

// Handle is the raw, already-non-blocking I/O primitive a Channel
// wraps: a UNIX socket connection or a PTY master file.
type Handle interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// DefaultMaxBytes is the per-ring overflow ceiling.
const DefaultMaxBytes = 2 << 30 // 2 GiB

// DefaultChunkSize is the optimal per-syscall chunk ceiling used absent
// an explicit override: a fixed 64 KiB.
const DefaultChunkSize = 64 * 1024

// Channel is a BufferedChannel. Either direction may be nil'd out by
// leaving Handle non-nil but never calling the corresponding method —
// a write-only or read-only Channel simply never exercises the unused
// ring.
type Channel struct {
	// Identifier names this channel in OverflowError messages and logs
	// (e.g. "client#3.control", "session.sh.pty").
	Identifier string

	handle    Handle
	chunkSize int
	maxBytes  int

	readRing  queue
	writeRing queue

	failed bool
	failedErr error
}

// New wraps handle in a Channel with the given per-syscall chunk size
// and per-ring overflow ceiling. A zero chunkSize/maxBytes takes the
// package defaults.
func New(identifier string, handle Handle, chunkSize, maxBytes int) *Channel {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Channel{
		Identifier: identifier,
		handle:     handle,
		chunkSize:  chunkSize,
		maxBytes:   maxBytes,
	}
}

// Failed reports whether the channel has hit a terminal error and now
// refuses further I/O.
func (c *Channel) Failed() bool { return c.failed }

func (c *Channel) fail(err error) error {
	c.failed = true
	c.failedErr = err
	return err
}

// side identifies which ring overflowed, for OverflowError.
type side string

const (
	sideRead  side = "read"
	sideWrite side = "write"
)

func (c *Channel) overflow(s side) error {
	return c.fail(merr.Newf(merr.Overflow, "channel %s: %s ring exceeded %d bytes", c.Identifier, s, c.maxBytes))
}

func isRetryable(err error) (eintr, wouldBlock bool) {
	return errors.Is(err, syscall.EINTR), errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)
}

// Read returns up to n bytes: first draining the read-ahead ring, then
// issuing chunked reads from the handle until n bytes are collected, a
// short read/EOF occurs, or the handle reports it would block. Bytes
// read past n are retained in the read ring for the next call.
func (c *Channel) Read(n int) ([]byte, error) {
	if c.failed {
		return nil, c.failedErr
	}
	if n <= 0 {
		return nil, nil
	}

	out := make([]byte, 0, n)
	if c.readRing.Len() > 0 {
		take := min(n, c.readRing.Len())
		out = append(out, c.readRing.Bytes()[:take]...)
		c.readRing.Advance(take)
	}

	chunk := make([]byte, c.chunkSize)
	for len(out) < n {
		m, err := c.handle.Read(chunk)
		if m > 0 {
			want := n - len(out)
			if m <= want {
				out = append(out, chunk[:m]...)
			} else {
				out = append(out, chunk[:want]...)
				if err := c.appendReadAhead(chunk[want:m]); err != nil {
					return out, err
				}
			}
		}
		if err != nil {
			eintr, wouldBlock := isRetryable(err)
			if eintr {
				continue
			}
			if wouldBlock {
				return out, nil
			}
			if errors.Is(err, io.EOF) {
				return out, err
			}
			return out, c.fail(merr.New(merr.ChannelIO, err))
		}
		if m < len(chunk) {
			// Short read with no error: nothing more is ready right
			// now, so stop rather than issue another read.
			return out, nil
		}
	}
	return out, nil
}

func (c *Channel) appendReadAhead(p []byte) error {
	c.readRing.Append(p)
	if c.readRing.Len() > c.maxBytes {
		return c.overflow(sideRead)
	}
	return nil
}

// Load drains up to n bytes of readiness into the read ring without
// any consumer parsing them yet — the server loop's "channel.load()"
// step that fills the ring so Dispatch can pop complete frames out of
// it.
func (c *Channel) Load(n int) (int, error) {
	if c.failed {
		return 0, c.failedErr
	}
	if n <= 0 {
		n = c.chunkSize
	}
	total := 0
	chunk := make([]byte, c.chunkSize)
	for total < n {
		m, err := c.handle.Read(chunk)
		if m > 0 {
			if appendErr := c.appendReadAhead(chunk[:m]); appendErr != nil {
				return total, appendErr
			}
			total += m
		}
		if err != nil {
			eintr, wouldBlock := isRetryable(err)
			if eintr {
				continue
			}
			if wouldBlock {
				return total, nil
			}
			if errors.Is(err, io.EOF) {
				return total, err
			}
			return total, c.fail(merr.New(merr.ChannelIO, err))
		}
		if m == 0 {
			return total, nil
		}
	}
	return total, nil
}

// Peek exposes the read ring's unconsumed bytes without removing them,
// so the Framer can check whether a full frame is already buffered.
func (c *Channel) Peek() []byte { return c.readRing.Bytes() }

// Consume removes the first n bytes from the read ring after the
// Framer has decoded a complete frame out of Peek's view.
func (c *Channel) Consume(n int) { c.readRing.Advance(n) }

// Write buffers or sends p. If the write ring already holds unflushed
// bytes, Write first attempts to flush it; if that flush is partial,
// p is appended to the ring in full and Write returns 0, preserving
// FIFO ordering. Otherwise p is written in chunkSize pieces directly
// to the handle, with any short-write tail buffered.
func (c *Channel) Write(p []byte) (int, error) {
	if c.failed {
		return 0, c.failedErr
	}
	if c.writeRing.Len() > 0 {
		if _, err := c.Flush(); err != nil {
			return 0, err
		}
		if c.writeRing.Len() > 0 {
			if err := c.appendWriteBehind(p); err != nil {
				return 0, err
			}
			return 0, nil
		}
	}

	sent := 0
	for sent < len(p) {
		end := min(sent+c.chunkSize, len(p))
		requested := end - sent
		m, err := c.handle.Write(p[sent:end])
		sent += m
		if err != nil {
			eintr, wouldBlock := isRetryable(err)
			if eintr {
				continue
			}
			if wouldBlock {
				if bufErr := c.appendWriteBehind(p[sent:]); bufErr != nil {
					return sent, bufErr
				}
				return len(p), nil
			}
			return sent, c.fail(merr.New(merr.ChannelIO, err))
		}
		if m < requested {
			// Short write: buffer the remainder and report full logical
			// acceptance to the caller.
			if bufErr := c.appendWriteBehind(p[sent:]); bufErr != nil {
				return sent, bufErr
			}
			return len(p), nil
		}
	}
	return len(p), nil
}

func (c *Channel) appendWriteBehind(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	c.writeRing.Append(p)
	if c.writeRing.Len() > c.maxBytes {
		return c.overflow(sideWrite)
	}
	return nil
}

// Flush drains the write ring in chunkSize pieces until it is empty or
// the handle signals backpressure.
func (c *Channel) Flush() (int, error) {
	if c.failed {
		return 0, c.failedErr
	}
	sent := 0
	for c.writeRing.Len() > 0 {
		buf := c.writeRing.Bytes()
		end := min(c.chunkSize, len(buf))
		m, err := c.handle.Write(buf[:end])
		if m > 0 {
			c.writeRing.Advance(m)
			sent += m
		}
		if err != nil {
			eintr, wouldBlock := isRetryable(err)
			if eintr {
				continue
			}
			if wouldBlock {
				return sent, nil
			}
			return sent, c.fail(merr.New(merr.ChannelIO, err))
		}
		if m == 0 {
			return sent, nil
		}
	}
	return sent, nil
}

// PendingWrite reports whether the write ring still holds unflushed
// bytes, used by the loop to decide write-interest registration.
func (c *Channel) PendingWrite() bool { return c.writeRing.Len() > 0 }

// TryFreeResources compacts both rings, dropping already-consumed
// bytes, and reallocates (or, when a ring is empty, releases) a
// backing array that has grown past the low watermark while holding
// little data. Safe to call
// opportunistically from the loop; it never changes observable
// semantics, only memory footprint.
func (c *Channel) TryFreeResources() {
	c.readRing.Shrink()
	c.writeRing.Shrink()
}
