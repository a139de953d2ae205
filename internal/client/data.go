// Package client owns the daemon's per-connection bookkeeping: the
// control/data channel pair each attached terminal client presents,
// the nonce that binds them together, and the session it is
// currently attached to, if any.
package client

import (
	"sync"

	"github.com/dierpg/monomux/internal/ringbuf"
)

// Data is one client's server-side state. id is assigned once, at
// control-connection accept, and never reused for the lifetime of the
// daemon process.
type Data struct {
	ID uint64

	mu          sync.Mutex
	control     *ringbuf.Channel
	data        *ringbuf.Channel
	controlFD   int
	dataFD      int
	hasDataFD   bool
	nonce       uint64
	nonceSet    bool
	attached    string
	attachedOK  bool
	cols, rows  uint16
}

func newData(id uint64, control *ringbuf.Channel) *Data {
	return &Data{ID: id, control: control}
}

// SetControlFD records the raw descriptor backing the control
// channel, so the loop can close it on disconnect without a reverse
// FDIndex scan.
func (d *Data) SetControlFD(fd int) {
	d.mu.Lock()
	d.controlFD = fd
	d.mu.Unlock()
}

// ControlFD returns the control channel's raw descriptor.
func (d *Data) ControlFD() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.controlFD
}

// SetDataFD records the raw descriptor backing the data channel once
// the handshake promotes one.
func (d *Data) SetDataFD(fd int) {
	d.mu.Lock()
	d.dataFD = fd
	d.hasDataFD = true
	d.mu.Unlock()
}

// DataFD returns the data channel's raw descriptor, if any.
func (d *Data) DataFD() (fd int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dataFD, d.hasDataFD
}

// Control returns the client's control channel.
func (d *Data) Control() *ringbuf.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.control
}

// DataChannel returns the client's data channel, or nil before handshake
// phase 2 completes.
func (d *Data) DataChannel() *ringbuf.Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.data
}

// HasDataChannel reports whether the handshake has promoted a data
// connection onto this client yet.
func (d *Data) HasDataChannel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.data != nil
}

func (d *Data) setDataChannel(ch *ringbuf.Channel) {
	d.mu.Lock()
	d.data = ch
	d.mu.Unlock()
}

// AttachedSession returns the name of the session this client is
// currently attached to, if any.
func (d *Data) AttachedSession() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attached, d.attachedOK
}

// SetAttachedSession records which session this client is watching.
// Passing an empty name detaches it.
func (d *Data) SetAttachedSession(name string) {
	d.mu.Lock()
	if name == "" {
		d.attached, d.attachedOK = "", false
	} else {
		d.attached, d.attachedOK = name, true
	}
	d.mu.Unlock()
}

// Window returns the client's last-known terminal size.
func (d *Data) Window() (cols, rows uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cols, d.rows
}

// SetWindow records a new terminal size, typically from an
// AttachRequest or ResizeRequest.
func (d *Data) SetWindow(cols, rows uint16) {
	d.mu.Lock()
	d.cols, d.rows = cols, rows
	d.mu.Unlock()
}
