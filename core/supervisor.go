package core

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Policy selects how a failure of one actor affects its siblings.
type Policy uint8

const (
	// OneForOne restarts only the failed actor
	OneForOne Policy = iota

	// AllForOne restarts every actor sharing the failed actor's parent
	AllForOne

	// Escalate stops the failed actor and fails its parent
	Escalate
)

// String returns the string representation of Policy.
func (p Policy) String() string {
	switch p {
	case OneForOne:
		return "one_for_one"
	case AllForOne:
		return "all_for_one"
	case Escalate:
		return "escalate"
	default:
		return "unknown"
	}
}

// ParsePolicy parses the String form of a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "one_for_one":
		return OneForOne, nil
	case "all_for_one":
		return AllForOne, nil
	case "escalate":
		return Escalate, nil
	default:
		return OneForOne, errors.Errorf("unknown supervision policy %q", s)
	}
}

// SupervisionSpec configures restarts for an actor.
type SupervisionSpec struct {
	// Policy applied when the actor fails
	Policy Policy

	// MaxFailures is the number of failures tolerated inside Window
	MaxFailures int

	// Window is the period failures are counted in
	Window time.Duration

	// BackoffInitial is the delay before the first restart
	BackoffInitial time.Duration

	// BackoffMax caps the restart delay
	BackoffMax time.Duration
}

// DefaultSupervisionSpec returns the runtime-wide supervision defaults.
func DefaultSupervisionSpec() SupervisionSpec {
	return SupervisionSpec{
		Policy:         OneForOne,
		MaxFailures:    3,
		Window:         time.Minute,
		BackoffInitial: 50 * time.Millisecond,
		BackoffMax:     5 * time.Second,
	}
}

// Validate checks the spec for values the supervisor cannot honor.
func (s SupervisionSpec) Validate() error {
	if s.MaxFailures < 0 {
		return errors.New("max failures must not be negative")
	}
	if s.Window <= 0 {
		return errors.New("supervision window must be positive")
	}
	if s.BackoffInitial < 0 || s.BackoffMax < s.BackoffInitial {
		return errors.Errorf("invalid backoff range [%s, %s]", s.BackoffInitial, s.BackoffMax)
	}
	return nil
}

// Backoff returns the restart delay after the k-th failure in the window:
// min(initial * 2^(k-1), max).
func (s SupervisionSpec) Backoff(k int) time.Duration {
	d := s.BackoffInitial
	for i := 1; i < k; i++ {
		if d >= s.BackoffMax {
			break
		}
		d *= 2
	}
	if d > s.BackoffMax {
		d = s.BackoffMax
	}
	return d
}

// Failure is what the supervisor receives from a failed actor.
type Failure struct {
	Address Address
	Reason  error

	// Envelope is the envelope being handled when the failure occurred,
	// nil when the failure came from a lifecycle hook. It is not redelivered.
	Envelope *Envelope

	// Pending is a snapshot of the mailbox that survives the restart
	Pending []Envelope
}

// Record tracks the supervision history of one actor.
type Record struct {
	Child       Address
	Parent      Address
	Policy      Policy
	Failures    int
	WindowStart time.Time
	Restarts    int
}

// supervisor owns every Record. Cells only report failures to it.
type supervisor struct {
	rt      *Runtime
	mu      sync.Mutex
	records map[Address]*Record
	now     func() time.Time
	after   func(time.Duration, func())
}

func newSupervisor(rt *Runtime) *supervisor {
	return &supervisor{
		rt:      rt,
		records: make(map[Address]*Record),
		now:     time.Now,
		after: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

func (s *supervisor) register(c *cell) {
	rec := &Record{Child: c.addr, Policy: c.spec.Policy}
	if c.parent != nil {
		rec.Parent = c.parent.addr
	}

	s.mu.Lock()
	s.records[c.addr] = rec
	s.mu.Unlock()
}

func (s *supervisor) forget(addr Address) {
	s.mu.Lock()
	delete(s.records, addr)
	s.mu.Unlock()
}

func (s *supervisor) record(addr Address) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[addr]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// handleFailure decides between restart, stop and escalation for a cell
// whose dispatch is suspended.
func (s *supervisor) handleFailure(c *cell, f Failure) {
	spec := c.spec

	s.mu.Lock()
	rec, ok := s.records[c.addr]
	if !ok {
		// The cell was stopped concurrently.
		s.mu.Unlock()
		return
	}
	now := s.now()
	if rec.WindowStart.IsZero() || now.Sub(rec.WindowStart) > spec.Window {
		rec.WindowStart = now
		rec.Failures = 0
	}
	rec.Failures++
	k := rec.Failures
	exhausted := k > spec.MaxFailures
	if !exhausted && spec.Policy != Escalate {
		rec.Restarts++
	}
	s.mu.Unlock()

	log := s.rt.logger.With("address", c.addr.String(), "policy", spec.Policy.String())

	if spec.Policy == Escalate && !exhausted {
		if c.parent != nil {
			log.Warn("escalating failure to parent", "parent", c.parent.addr.String(), "err", f.Reason)
			c.requestStop(f.Reason)
			c.parent.pushSignal(signal{kind: signalEscalate, from: c.addr, reason: f.Reason})
			return
		}
		exhausted = true
	}

	if exhausted {
		reason := fmt.Errorf("%w: %w", ErrSupervisionExhausted, f.Reason)
		log.Error("supervision exhausted, stopping actor", "failures", k, "err", f.Reason)
		s.rt.events.emit(Event{Kind: EventSupervisionExhausted, Address: c.addr, Phase: PhaseFailed, Reason: reason})
		c.requestStop(reason)
		return
	}

	delay := spec.Backoff(k)
	log.Info("restarting actor", "failures", k, "backoff", delay, "pending", len(f.Pending), "err", f.Reason)

	targets := []*cell{c}
	if spec.Policy == AllForOne && c.parent != nil {
		for _, sib := range c.parent.childList() {
			if sib != c {
				targets = append(targets, sib)
			}
		}
	}

	s.after(delay, func() {
		for _, t := range targets {
			t.scheduleRestart()
		}
	})
}
