package core

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// stub stands in for an actor on another node. Its phase mirrors what the
// transport last reported about that node.
type stub struct {
	reg    *registry
	addr   Address
	stream uint64
	phase  *atomic.Uint32

	// mu serializes sends so sequence order is wire order per sender.
	mu       sync.Mutex
	seqs     map[Address]uint64
	lastUsed time.Time
	evicted  bool
}

func newStub(reg *registry, addr Address, stream uint64, reachable bool) *stub {
	phase := PhaseRunning
	if !reachable {
		phase = PhaseFailed
	}
	return &stub{
		reg:      reg,
		addr:     addr,
		stream:   stream,
		phase:    atomic.NewUint32(uint32(phase)),
		seqs:     make(map[Address]uint64),
		lastUsed: time.Now(),
	}
}

func (s *stub) Address() Address {
	return s.addr
}

func (s *stub) Phase() Phase {
	return Phase(s.phase.Load())
}

// deliver stamps the per-sender sequence and hands env to the transport.
// The sequence advances only when the transport accepted the envelope.
func (s *stub) deliver(ctx context.Context, env Envelope, wait bool) error {
	t := s.reg.remote()
	if t == nil {
		return errors.Wrapf(ErrAddressNotFound, "%s: no remote transport", s.addr)
	}

	s.mu.Lock()
	if s.evicted {
		s.mu.Unlock()
		ref, ok := s.reg.Lookup(s.addr)
		if !ok {
			return errors.Wrapf(ErrAddressNotFound, "%s", s.addr)
		}
		return ref.deliver(ctx, env, wait)
	}
	defer s.mu.Unlock()

	s.lastUsed = time.Now()
	next := s.seqs[env.Sender] + 1
	env.Seq = next
	env.Stream = s.stream
	if err := t.SendRemote(ctx, s.addr.Node, env); err != nil {
		return err
	}
	s.seqs[env.Sender] = next
	return nil
}

// sweep drops counters of senders that are gone and evicts the stub when
// nothing is left or it was idle since before cutoff. Unless forced, a
// stub busy sending is skipped.
func (s *stub) sweep(cutoff time.Time, force bool) bool {
	if force {
		s.mu.Lock()
	} else if !s.mu.TryLock() {
		return false
	}
	defer s.mu.Unlock()

	for sender := range s.seqs {
		if s.reg.gone(sender) {
			delete(s.seqs, sender)
		}
	}
	if force || len(s.seqs) == 0 || s.lastUsed.Before(cutoff) {
		s.evicted = true
	}
	return s.evicted
}
