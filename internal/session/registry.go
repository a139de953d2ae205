// Package session owns the daemon's PTY-backed sessions: spawning the
// child process behind a pty, tracking who is attached, buffering
// catch-up history, and reaping exited children without a signal
// handler.
package session

import (
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty/v2"
	"golang.org/x/sys/unix"

	"github.com/dierpg/monomux/internal/merr"
)

// DefaultHistoryCapacity is the catch-up ring size applied to every
// session unless the caller overrides it: enough to repaint a full
// screen's worth of scrollback on attach without the daemon holding
// a session's entire lifetime of output in memory.
const DefaultHistoryCapacity = 64 * 1024

// ExitEvent is one child-termination record, queued by a reap
// goroutine and drained by the server loop after its self-pipe wakes
// the poll.
type ExitEvent struct {
	Name string
	Code int
}

// Registry holds every known session (running or recently exited) and
// the self-pipe used to wake the poll loop when a child exits —
// idiomatic Go's answer to a SIGCHLD handler writing to a self-pipe:
// a dedicated goroutine blocks in cmd.Wait() and signals completion
// through a descriptor the reactor can actually poll.
type Registry struct {
	mu           sync.Mutex
	sessions     map[string]*Data
	order        []string
	pendingExits []ExitEvent
	exitReadFD   *os.File
	exitWriteFD  *os.File
	historyCap   int
}

// NewRegistry creates an empty Registry. historyCap <= 0 selects
// DefaultHistoryCapacity.
func NewRegistry(historyCap int) (*Registry, error) {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCapacity
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, merr.New(merr.System, err)
	}
	return &Registry{
		sessions:    make(map[string]*Data),
		exitReadFD:  r,
		exitWriteFD: w,
		historyCap:  historyCap,
	}, nil
}

// ExitFD is the self-pipe's read end: register it with FDSessionExit
// interest so the server loop wakes whenever a child terminates.
func (reg *Registry) ExitFD() int { return int(reg.exitReadFD.Fd()) }

// Spawn starts program under a new PTY, resolving name collisions by
// appending "#N", and begins reaping it in the background.
func (reg *Registry) Spawn(name, program string, args, env, unset []string, cols, rows uint16) (*Data, error) {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	reg.mu.Lock()
	resolved := reg.resolveNameLocked(name)
	reg.mu.Unlock()

	cmd := exec.Command(program, args...)
	cmd.Env = buildEnv(env, unset)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, merr.New(merr.System, err)
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		ptmx.Close()
		_ = cmd.Process.Kill()
		return nil, merr.New(merr.System, err)
	}

	data := newData(resolved, program, args, cmd, ptmx, cols, rows, reg.historyCap)

	// The master isn't a socket or pipe Go's runtime already knows to
	// treat as non-blocking, so a full kernel input queue would
	// otherwise stall this goroutine's raw write(2) outright. This runs
	// after newData, whose ptmx.Fd() call puts the master back into
	// blocking mode.
	if err := unix.SetNonblock(data.FD(), true); err != nil {
		ptmx.Close()
		_ = cmd.Process.Kill()
		return nil, merr.New(merr.System, err)
	}

	reg.mu.Lock()
	reg.sessions[resolved] = data
	reg.order = append(reg.order, resolved)
	reg.mu.Unlock()

	go reg.reap(data)

	return data, nil
}

func (reg *Registry) reap(d *Data) {
	err := d.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	d.markExited(code)

	reg.mu.Lock()
	reg.pendingExits = append(reg.pendingExits, ExitEvent{Name: d.Name, Code: code})
	reg.mu.Unlock()

	// Best effort: the pipe's kernel buffer is far larger than any
	// realistic number of concurrent sessions, so this practically
	// never blocks the reap goroutine.
	_, _ = reg.exitWriteFD.Write([]byte{0})
}

// DrainExits consumes the self-pipe wakeup bytes and returns every
// ExitEvent queued since the last call. It never blocks: the pipe is
// read only when a zero-timeout poll reports it readable.
func (reg *Registry) DrainExits() []ExitEvent {
	buf := make([]byte, 4096)
	pfd := []unix.PollFd{{Fd: int32(reg.exitReadFD.Fd()), Events: unix.POLLIN}}
	if n, _ := unix.Poll(pfd, 0); n > 0 {
		_, _ = reg.exitReadFD.Read(buf)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := reg.pendingExits
	reg.pendingExits = nil
	return out
}

// Get looks up a session by its resolved name.
func (reg *Registry) Get(name string) (*Data, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	d, ok := reg.sessions[name]
	return d, ok
}

// Remove drops name from the registry, e.g. once its exit has been
// announced to every client and no catch-up is ever coming.
func (reg *Registry) Remove(name string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.sessions, name)
	for i, n := range reg.order {
		if n == name {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)
			break
		}
	}
}

// List returns every session in creation order.
func (reg *Registry) List() []*Data {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Data, 0, len(reg.order))
	for _, n := range reg.order {
		out = append(out, reg.sessions[n])
	}
	return out
}

func (reg *Registry) resolveNameLocked(base string) string {
	if base == "" {
		base = "session"
	}
	if _, exists := reg.sessions[base]; !exists {
		return base
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s#%d", base, n)
		if _, exists := reg.sessions[candidate]; !exists {
			return candidate
		}
	}
}

// buildEnv starts from the daemon's own environment, applies -e K=V
// overrides, and strips any -u K names, mirroring how a fresh login
// shell's environment is usually assembled.
func buildEnv(overrides, unset []string) []string {
	drop := make(map[string]bool, len(unset))
	for _, k := range unset {
		drop[k] = true
	}

	base := os.Environ()
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := splitEnv(kv)
		if !drop[key] {
			out = append(out, kv)
		}
	}
	for _, kv := range overrides {
		key, _, ok := splitEnv(kv)
		if !ok {
			continue
		}
		if drop[key] {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func splitEnv(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return kv, "", false
}
