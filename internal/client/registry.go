package client

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dierpg/monomux/internal/merr"
	"github.com/dierpg/monomux/internal/ringbuf"
)

// NonceTTL is how long a nonce stays valid for a DataSocketRequest
// before the orphan control client must ask for a fresh one.
const NonceTTL = 5 * time.Second

// Registry tracks every connected client by its server-assigned id.
type Registry struct {
	mu      sync.Mutex
	clients map[uint64]*Data
	timers  map[uint64]*time.Timer
	nextID  uint64
}

// NewRegistry returns an empty client Registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[uint64]*Data),
		timers:  make(map[uint64]*time.Timer),
	}
}

// Register assigns a fresh id to a newly accepted control connection
// and issues its handshake nonce. The nonce is consumed or expires
// within NonceTTL.
func (reg *Registry) Register(control *ringbuf.Channel) (*Data, uint64, error) {
	nonce, err := randomUint64()
	if err != nil {
		return nil, 0, merr.New(merr.System, err)
	}

	reg.mu.Lock()
	id := atomic.AddUint64(&reg.nextID, 1)
	d := newData(id, control)
	d.nonce = nonce
	d.nonceSet = true
	reg.clients[id] = d
	reg.timers[id] = time.AfterFunc(NonceTTL, func() { reg.expireNonce(id, nonce) })
	reg.mu.Unlock()

	return d, nonce, nil
}

func (reg *Registry) expireNonce(id, nonce uint64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	d, ok := reg.clients[id]
	if !ok {
		return
	}
	d.mu.Lock()
	if d.nonceSet && d.nonce == nonce {
		d.nonceSet = false
	}
	d.mu.Unlock()
	delete(reg.timers, id)
}

// PromoteToData validates (id, nonce) against the table and, on
// success, attaches dataConn as that client's data channel and
// invalidates the nonce so it cannot be replayed.
func (reg *Registry) PromoteToData(id, nonce uint64, dataConn *ringbuf.Channel) (*Data, error) {
	reg.mu.Lock()
	d, ok := reg.clients[id]
	if !ok {
		reg.mu.Unlock()
		return nil, merr.Newf(merr.Nonce, "unknown client id %d", id)
	}
	reg.mu.Unlock()

	d.mu.Lock()
	if !d.nonceSet || d.nonce != nonce {
		d.mu.Unlock()
		return nil, merr.Newf(merr.Nonce, "nonce mismatch or already consumed for client %d", id)
	}
	d.nonceSet = false
	d.data = dataConn
	d.mu.Unlock()

	// Only a consumed nonce stops its expiry timer; a rejected attempt
	// leaves the nonce expiring on schedule.
	reg.mu.Lock()
	if timer, ok := reg.timers[id]; ok {
		timer.Stop()
		delete(reg.timers, id)
	}
	reg.mu.Unlock()
	return d, nil
}

// Get looks up a client by id.
func (reg *Registry) Get(id uint64) (*Data, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	d, ok := reg.clients[id]
	return d, ok
}

// Remove drops a client from the registry, e.g. once its control or
// data channel has failed.
func (reg *Registry) Remove(id uint64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if timer, ok := reg.timers[id]; ok {
		timer.Stop()
		delete(reg.timers, id)
	}
	delete(reg.clients, id)
}

// List returns a snapshot of every currently registered client.
func (reg *Registry) List() []*Data {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Data, 0, len(reg.clients))
	for _, d := range reg.clients {
		out = append(out, d)
	}
	return out
}

func randomUint64() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
