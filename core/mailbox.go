package core

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// seqSweepMin is the sender table size that triggers the first sweep.
const seqSweepMin = 256

// Mailbox is a bounded FIFO queue of envelopes owned by one actor.
// Producers may be many; the only consumer is the actor's dispatch.
type Mailbox struct {
	mu       sync.Mutex
	buf      []Envelope
	head     int
	capacity int
	seqs     map[Address]uint64
	sweepAt  int
	space    chan struct{}
	ready    func()
	closed   bool

	// gone reports senders that can never send again; their counters
	// are dropped on the next sweep.
	gone func(Address) bool
}

// NewMailbox creates a mailbox holding at most capacity envelopes. ready
// is called, outside the lock, whenever an enqueue makes an empty mailbox
// non-empty.
func NewMailbox(capacity int, ready func()) *Mailbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Mailbox{
		buf:      make([]Envelope, 0, min(capacity, 64)),
		capacity: capacity,
		seqs:     make(map[Address]uint64),
		sweepAt:  seqSweepMin,
		space:    make(chan struct{}),
		ready:    ready,
	}
}

// Enqueue appends env without blocking. It returns ErrMailboxFull when the
// mailbox is at capacity and ErrActorStopped once the mailbox is closed.
func (m *Mailbox) Enqueue(env Envelope) error {
	_, err := m.tryEnqueue(env)
	return err
}

// EnqueueWait appends env, waiting for space until ctx is done.
func (m *Mailbox) EnqueueWait(ctx context.Context, env Envelope) error {
	for {
		space, err := m.tryEnqueue(env)
		if !errors.Is(err, ErrMailboxFull) {
			return err
		}

		select {
		case <-space:
		case <-ctx.Done():
			return errors.Wrapf(ErrMailboxFull, "wait for space: %v", ctx.Err())
		}
	}
}

// tryEnqueue returns the channel to wait on when the mailbox is full.
func (m *Mailbox) tryEnqueue(env Envelope) (<-chan struct{}, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrActorStopped
	}
	n := len(m.buf) - m.head
	if n >= m.capacity {
		space := m.space
		m.mu.Unlock()
		return space, ErrMailboxFull
	}

	// Envelopes relayed from another node keep the sequence the origin
	// stamped and are not counted here.
	if env.Seq == 0 {
		env.Seq = m.seqs[env.Sender] + 1
		m.seqs[env.Sender] = env.Seq
		if len(m.seqs) > m.sweepAt {
			m.sweepSenders()
		}
	}

	m.buf = append(m.buf, env)
	ready := n == 0 && m.ready != nil
	m.mu.Unlock()

	if ready {
		m.ready()
	}
	return nil, nil
}

// sweepSenders drops the counters of senders that are gone. Addresses are
// never reused, so a dropped pair cannot send again. Must hold mu.
func (m *Mailbox) sweepSenders() {
	if m.gone != nil {
		for sender := range m.seqs {
			if m.gone(sender) {
				delete(m.seqs, sender)
			}
		}
	}
	m.sweepAt = max(seqSweepMin, 2*len(m.seqs))
}

// DequeueBatch removes up to max envelopes from the head. It never blocks
// and returns nil when the mailbox is empty.
func (m *Mailbox) DequeueBatch(max int) []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.buf) - m.head
	if n == 0 || max <= 0 {
		return nil
	}
	if max < n {
		n = max
	}

	wasFull := len(m.buf)-m.head >= m.capacity
	out := make([]Envelope, n)
	copy(out, m.buf[m.head:m.head+n])
	clear(m.buf[m.head : m.head+n])
	m.head += n

	if m.head == len(m.buf) {
		m.buf = m.buf[:0]
		m.head = 0
	} else if m.head > len(m.buf)/2 {
		m.buf = append(m.buf[:0], m.buf[m.head:]...)
		m.head = 0
	}

	if wasFull {
		close(m.space)
		m.space = make(chan struct{})
	}
	return out
}

// requeueFront puts already admitted envelopes back at the head, ahead of
// anything enqueued since. Capacity is not checked.
func (m *Mailbox) requeueFront(envs []Envelope) {
	if len(envs) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	rest := m.buf[m.head:]
	buf := make([]Envelope, 0, len(envs)+len(rest))
	buf = append(buf, envs...)
	buf = append(buf, rest...)
	m.buf = buf
	m.head = 0
}

// Snapshot returns a copy of the queued envelopes in delivery order.
func (m *Mailbox) Snapshot() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Envelope, len(m.buf)-m.head)
	copy(out, m.buf[m.head:])
	return out
}

// Close rejects further enqueues and returns what was still queued.
// Waiters blocked in EnqueueWait are released with ErrActorStopped.
func (m *Mailbox) Close() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	rest := make([]Envelope, len(m.buf)-m.head)
	copy(rest, m.buf[m.head:])
	m.buf = nil
	m.head = 0
	close(m.space)
	return rest
}

// Len returns the number of queued envelopes.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buf) - m.head
}

// Cap returns the mailbox capacity.
func (m *Mailbox) Cap() int {
	return m.capacity
}
