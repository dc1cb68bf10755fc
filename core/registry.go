package core

import (
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ErrNameTaken is returned when registering a name already in use.
var ErrNameTaken = errors.New("name already registered")

const (
	stubSweepMin  = 1024
	stubSweepIdle = time.Second
)

// registry maps addresses to live cells and remote stubs. Both tables are
// sharded so lookups from many workers do not contend on one lock.
type registry struct {
	node   string
	nextID *atomic.Uint64
	cells  cmap.ConcurrentMap[Address, *cell]
	stubs  cmap.ConcurrentMap[Address, *stub]
	names  cmap.ConcurrentMap[string, Address]

	streams *atomic.Uint64
	sweepAt *atomic.Int64

	mu        sync.RWMutex
	transport RemoteTransport
}

func newRegistry(node string) *registry {
	return &registry{
		node:   node,
		nextID: atomic.NewUint64(0),
		cells:  cmap.NewStringer[Address, *cell](),
		stubs:  cmap.NewStringer[Address, *stub](),
		names:  cmap.New[Address](),

		streams: atomic.NewUint64(uint64(time.Now().UnixNano())),
		sweepAt: atomic.NewInt64(stubSweepMin),
	}
}

// allocate returns a fresh address. IDs are never reused.
func (r *registry) allocate() Address {
	return Address{Node: r.node, ID: r.nextID.Inc()}
}

func (r *registry) add(c *cell) {
	r.cells.Set(c.addr, c)
}

func (r *registry) remove(c *cell) {
	r.cells.Remove(c.addr)

	c.mu.Lock()
	names := c.names
	c.mu.Unlock()
	for _, name := range names {
		r.names.RemoveCb(name, func(_ string, v Address, exists bool) bool {
			return exists && v == c.addr
		})
	}
}

func (r *registry) local(addr Address) (*cell, bool) {
	if addr.Node != r.node {
		return nil, false
	}
	return r.cells.Get(addr)
}

// gone reports whether addr named a local actor that no longer exists.
// Remote senders are never gone from this node's point of view.
func (r *registry) gone(addr Address) bool {
	if addr.IsZero() || addr.Node != r.node {
		return false
	}
	return !r.cells.Has(addr)
}

// Lookup resolves addr to a local cell or, for other nodes, to a stub
// forwarding through the attached transport. It never blocks.
func (r *registry) Lookup(addr Address) (Ref, bool) {
	if addr.IsZero() {
		return nil, false
	}
	if addr.Node == r.node {
		c, ok := r.cells.Get(addr)
		if !ok {
			return nil, false
		}
		return c, true
	}

	if s, ok := r.stubs.Get(addr); ok {
		return s, true
	}
	t := r.remote()
	if t == nil {
		return nil, false
	}
	if n := r.stubs.Count(); int64(n) >= r.sweepAt.Load() {
		left := n - r.sweepStubs(time.Now().Add(-stubSweepIdle), "")
		r.sweepAt.Store(int64(max(stubSweepMin, 2*left)))
	}

	// A stub evicted before its first send re-resolves itself.
	s := newStub(r, addr, r.streams.Inc(), t.Reachable(addr.Node))
	if !r.stubs.SetIfAbsent(addr, s) {
		if cur, ok := r.stubs.Get(addr); ok {
			return cur, true
		}
	}
	return s, true
}

func (r *registry) setRemote(t RemoteTransport) {
	r.mu.Lock()
	r.transport = t
	r.mu.Unlock()
}

func (r *registry) remote() RemoteTransport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.transport
}

// markNode moves every stub of node to the phase matching its liveness.
func (r *registry) markNode(node string, up bool) int {
	phase := PhaseFailed
	if up {
		phase = PhaseRunning
	}

	n := 0
	for item := range r.stubs.IterBuffered() {
		if item.Key.Node == node {
			item.Val.phase.Store(uint32(phase))
			n++
		}
	}
	return n
}

// sweepStubs evicts stubs idle since before cutoff or without live
// senders, and every stub of node when node is set. A later Lookup builds
// a fresh stub on a new stream. It returns the number evicted.
func (r *registry) sweepStubs(cutoff time.Time, node string) int {
	n := 0
	for item := range r.stubs.IterBuffered() {
		if node != "" && item.Key.Node != node {
			continue
		}
		s := item.Val
		if !s.sweep(cutoff, node != "") {
			continue
		}
		r.stubs.RemoveCb(item.Key, func(_ Address, v *stub, exists bool) bool {
			return exists && v == s
		})
		n++
	}
	return n
}

func (r *registry) register(name string, addr Address) error {
	if name == "" {
		return errors.New("empty actor name")
	}
	if !r.names.SetIfAbsent(name, addr) {
		return errors.Wrapf(ErrNameTaken, "%q", name)
	}
	return nil
}

func (r *registry) whereis(name string) (Address, bool) {
	return r.names.Get(name)
}

func (r *registry) list() []Address {
	return r.cells.Keys()
}

func (r *registry) roots() []*cell {
	var out []*cell
	for item := range r.cells.IterBuffered() {
		if item.Val.parent == nil {
			out = append(out, item.Val)
		}
	}
	return out
}

func (r *registry) count() int {
	return r.cells.Count()
}
