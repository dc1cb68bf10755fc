package core

import (
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// DeadLetter is an envelope that could not be delivered or processed.
type DeadLetter struct {
	Envelope Envelope
	Reason   error
	Time     time.Time
}

// deadLetters is a bounded channel that never blocks publishers. Overflow
// is counted and logged.
type deadLetters struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	ch      chan DeadLetter
	closed  bool
	total   *atomic.Uint64
	dropped *atomic.Uint64
}

func newDeadLetters(size int, logger *slog.Logger) *deadLetters {
	return &deadLetters{
		logger:  logger,
		ch:      make(chan DeadLetter, size),
		total:   atomic.NewUint64(0),
		dropped: atomic.NewUint64(0),
	}
}

func (d *deadLetters) publish(env Envelope, reason error) {
	d.total.Inc()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.ch <- DeadLetter{Envelope: env, Reason: reason, Time: time.Now()}:
	default:
		d.dropped.Inc()
		d.logger.Warn("dead-letter channel full",
			"target", env.Target.String(),
			"sender", env.Sender.String(),
			"seq", env.Seq,
			"err", reason)
	}
}

func (d *deadLetters) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
}
