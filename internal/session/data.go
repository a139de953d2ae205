package session

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty/v2"

	"github.com/dierpg/monomux/internal/merr"
	"github.com/dierpg/monomux/internal/ringbuf"
)

// Data is one running (or just-exited) PTY-backed session: the daemon
// owns exactly one Data per session name and fans its output out to
// every attached client.
type Data struct {
	Name      string
	Program   string
	Args      []string
	CreatedAt time.Time

	mu       sync.Mutex
	cmd      *exec.Cmd
	ptmx     *os.File
	ptyFD    int
	stdin    *ringbuf.Channel
	cols     uint16
	rows     uint16
	attached map[uint64]struct{}
	history  *catchupRing
	exited   bool
	exitCode int
	notified bool
}

func newData(name, program string, args []string, cmd *exec.Cmd, ptmx *os.File, cols, rows uint16, historyCap int) *Data {
	fd := int(ptmx.Fd())
	return &Data{
		Name:      name,
		Program:   program,
		Args:      args,
		CreatedAt: time.Now(),
		cmd:       cmd,
		ptmx:      ptmx,
		ptyFD:     fd,
		stdin:     ringbuf.New("session."+name+".stdin", ptyHandle{fd}, 0, 0),
		cols:      cols,
		rows:      rows,
		attached:  make(map[uint64]struct{}),
		history:   newCatchupRing(historyCap),
	}
}

// FD returns the PTY master's file descriptor, suitable for
// registering with a reactor.PollSet under FDSessionOutput. The value
// is cached at spawn time so it stays valid for unregistration even
// after markExited has closed the master and cleared ptmx.
func (d *Data) FD() int { return d.ptyFD }

// Read pulls newly produced PTY output. Callers should also pass the
// bytes to RecordOutput before fanning them out.
func (d *Data) Read(p []byte) (int, error) {
	return d.ptmx.Read(p)
}

// Write queues p for delivery to the session's controlling process
// (stdin), buffering whatever the PTY's input queue can't immediately
// accept rather than blocking the caller.
func (d *Data) Write(p []byte) (int, error) {
	d.mu.Lock()
	exited := d.exited
	d.mu.Unlock()
	if exited {
		return 0, merr.New(merr.System, os.ErrClosed)
	}
	return d.stdin.Write(p)
}

// PendingWrite reports whether buffered stdin bytes are still waiting
// to be flushed to the PTY master.
func (d *Data) PendingWrite() bool { return d.stdin.PendingWrite() }

// FlushStdin drains whatever of the buffered stdin ring the PTY
// master's input queue can currently accept.
func (d *Data) FlushStdin() (int, error) { return d.stdin.Flush() }

// RecordOutput appends p to the session's catch-up history.
func (d *Data) RecordOutput(p []byte) {
	d.history.Write(p)
}

// History returns the buffered catch-up bytes for a newly attaching
// client.
func (d *Data) History() []byte {
	return d.history.Bytes()
}

// Resize applies a new terminal size to the PTY.
func (d *Data) Resize(cols, rows uint16) error {
	d.mu.Lock()
	ptmx := d.ptmx
	d.mu.Unlock()
	if ptmx == nil {
		return merr.New(merr.System, os.ErrClosed)
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return merr.New(merr.System, err)
	}
	d.mu.Lock()
	d.cols, d.rows = cols, rows
	d.mu.Unlock()
	return nil
}

// Size returns the most recently applied terminal size.
func (d *Data) Size() (cols, rows uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cols, d.rows
}

// Attach records clientID as watching this session's output.
func (d *Data) Attach(clientID uint64) {
	d.mu.Lock()
	d.attached[clientID] = struct{}{}
	d.mu.Unlock()
}

// Detach removes clientID from the attached set.
func (d *Data) Detach(clientID uint64) {
	d.mu.Lock()
	delete(d.attached, clientID)
	d.mu.Unlock()
}

// AttachedIDs returns a snapshot of the currently attached client IDs.
func (d *Data) AttachedIDs() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint64, 0, len(d.attached))
	for id := range d.attached {
		out = append(out, id)
	}
	return out
}

// AttachedCount reports how many clients are currently attached.
func (d *Data) AttachedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attached)
}

// Signal delivers sig to the session's controlling process.
func (d *Data) Signal(sig os.Signal) error {
	d.mu.Lock()
	cmd := d.cmd
	d.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return merr.New(merr.System, os.ErrClosed)
	}
	if err := cmd.Process.Signal(sig); err != nil {
		return merr.New(merr.System, err)
	}
	return nil
}

// markExited records the terminal exit code once the reap goroutine
// observes cmd.Wait() return, and releases the PTY master.
func (d *Data) markExited(code int) {
	d.mu.Lock()
	d.exited = true
	d.exitCode = code
	ptmx := d.ptmx
	d.ptmx = nil
	d.mu.Unlock()
	if ptmx != nil {
		ptmx.Close()
	}
}

// Exited reports whether the child has terminated and its exit code.
func (d *Data) Exited() (exited bool, code int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exited, d.exitCode
}

// MarkNotified records, before SessionExitNotification goes out, that
// it is being sent, so a later cleanup pass doesn't resend it. It
// reports true only on its first call.
func (d *Data) MarkNotified() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.notified {
		return false
	}
	d.notified = true
	return true
}
