// Package reactor is the single-threaded readiness multiplexer the
// server and attached-client loops are built on: one goroutine owns a
// PollSet and never touches a registered file descriptor concurrently
// with any other goroutine, mirroring the single-mutator-thread
// invariant the rest of the daemon assumes.
package reactor

import (
	"sort"

	"golang.org/x/sys/unix"

	"github.com/dierpg/monomux/internal/merr"
)

// Interest is the set of readiness conditions a registration cares
// about.
type Interest uint8

const (
	InterestRead  Interest = 1 << 0
	InterestWrite Interest = 1 << 1
)

// Readiness mirrors Interest plus the out-of-band conditions poll(2)
// always reports regardless of what was requested.
type Readiness struct {
	FD       int
	Readable bool
	Writable bool
	Hangup   bool
	Error    bool
}

// PollSet wraps unix.Poll behind an add/remove/modify API so callers
// never build the pollfd slice by hand. It is not goroutine-safe: the
// loop goroutine that owns it is the only caller.
type PollSet struct {
	fds      map[int]*unix.PollFd
	order    []int
	scratch  []unix.PollFd
}

// New returns an empty PollSet.
func New() *PollSet {
	return &PollSet{fds: make(map[int]*unix.PollFd)}
}

func toEvents(i Interest) int16 {
	var events int16
	if i&InterestRead != 0 {
		events |= unix.POLLIN
	}
	if i&InterestWrite != 0 {
		events |= unix.POLLOUT
	}
	return events
}

// Add registers fd for the given interest set. Adding an fd already
// present overwrites its interest set.
func (p *PollSet) Add(fd int, interest Interest) {
	if _, exists := p.fds[fd]; !exists {
		p.order = append(p.order, fd)
	}
	p.fds[fd] = &unix.PollFd{Fd: int32(fd), Events: toEvents(interest)}
}

// Modify updates the interest set for an already-registered fd. It is
// a no-op if fd is not registered.
func (p *PollSet) Modify(fd int, interest Interest) {
	if entry, ok := p.fds[fd]; ok {
		entry.Events = toEvents(interest)
	}
}

// Remove drops fd from the set. It is a no-op if fd is not registered.
func (p *PollSet) Remove(fd int) {
	if _, ok := p.fds[fd]; !ok {
		return
	}
	delete(p.fds, fd)
	for i, existing := range p.order {
		if existing == fd {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Len reports how many descriptors are currently registered.
func (p *PollSet) Len() int { return len(p.order) }

// Wait blocks until at least one registered descriptor is ready, the
// timeout elapses (timeoutMillis < 0 blocks forever), or the wait is
// interrupted by a signal, in which case it retries transparently.
// Each call returns a newly allocated slice.
func (p *PollSet) Wait(timeoutMillis int) ([]Readiness, error) {
	// Deterministic descriptor order keeps dispatch behavior (and test
	// assertions) independent of Go's map iteration order.
	sort.Ints(p.order)
	p.scratch = p.scratch[:0]
	for _, fd := range p.order {
		p.scratch = append(p.scratch, *p.fds[fd])
	}

	for {
		n, err := unix.Poll(p.scratch, timeoutMillis)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, merr.New(merr.System, err)
		}
		if n == 0 {
			return nil, nil
		}
		break
	}

	out := make([]Readiness, 0, len(p.scratch))
	for _, pfd := range p.scratch {
		if pfd.Revents == 0 {
			continue
		}
		out = append(out, Readiness{
			FD:       int(pfd.Fd),
			Readable: pfd.Revents&(unix.POLLIN|unix.POLLPRI) != 0,
			Writable: pfd.Revents&unix.POLLOUT != 0,
			Hangup:   pfd.Revents&unix.POLLHUP != 0,
			Error:    pfd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0,
		})
	}
	return out, nil
}
