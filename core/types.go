package core

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Address identifies an actor. Node qualifies the ID across processes, so
// the same numeric ID on two nodes names two different actors.
type Address struct {
	// Node is the name of the runtime that owns the actor
	Node string

	// ID is allocated monotonically by the owning runtime and never reused
	ID uint64
}

// IsZero reports whether the address is unset. The zero Address is used as
// "no sender".
func (a Address) IsZero() bool {
	return a.ID == 0 && a.Node == ""
}

// String returns the "node/id" form of the address.
func (a Address) String() string {
	if a.IsZero() {
		return "-"
	}
	return a.Node + "/" + strconv.FormatUint(a.ID, 10)
}

// ParseAddress parses the "node/id" form produced by String.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, '/')
	if i <= 0 || i == len(s)-1 {
		return Address{}, errors.Wrapf(ErrInvalidAddress, "%q", s)
	}

	id, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil || id == 0 {
		return Address{}, errors.Wrapf(ErrInvalidAddress, "%q", s)
	}

	return Address{Node: s[:i], ID: id}, nil
}

// Envelope is the unit of delivery. It is treated as immutable once created.
type Envelope struct {
	// Sender is the zero Address for anonymous sends
	Sender Address

	// Target is the destination actor
	Target Address

	// Payload is opaque to the runtime
	Payload []byte

	// Seq is stamped per (sender, target) pair, starting at 1
	Seq uint64

	// Stream names the sequence space of a remote send. Each remote stub
	// has its own, so a fresh stub never collides with counters the
	// receiver remembers. Zero for local delivery.
	Stream uint64
}

// HasSender reports whether the envelope carries a reply address.
func (e Envelope) HasSender() bool {
	return !e.Sender.IsZero()
}

// Phase is the lifecycle phase of an actor cell.
type Phase uint32

const (
	// PhaseStarting means the cell exists but OnStart has not completed
	PhaseStarting Phase = iota

	// PhaseRunning means the cell accepts and processes envelopes
	PhaseRunning

	// PhaseStopping means the cell is draining or discarding its mailbox
	PhaseStopping

	// PhaseStopped means the cell has been removed from the registry
	PhaseStopped

	// PhaseFailed means the cell is waiting for a supervisor decision
	PhaseFailed
)

// String returns the string representation of Phase.
func (p Phase) String() string {
	switch p {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseStopping:
		return "stopping"
	case PhaseStopped:
		return "stopped"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EffectKind tells the scheduler what to do after an envelope was handled.
type EffectKind uint8

const (
	// EffectContinue keeps the actor running
	EffectContinue EffectKind = iota

	// EffectStop stops the actor normally
	EffectStop

	// EffectFail hands the actor to its supervisor
	EffectFail
)

// String returns the string representation of EffectKind.
func (k EffectKind) String() string {
	switch k {
	case EffectContinue:
		return "continue"
	case EffectStop:
		return "stop"
	case EffectFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Effect is the result of handling one envelope.
type Effect struct {
	Kind   EffectKind
	Reason error
}

// Continue keeps processing.
func Continue() Effect {
	return Effect{Kind: EffectContinue}
}

// Stop stops the actor after the current envelope.
func Stop() Effect {
	return Effect{Kind: EffectStop}
}

// Fail reports a local fault. A nil reason is replaced with a generic one.
func Fail(reason error) Effect {
	if reason == nil {
		reason = errors.New("unspecified actor failure")
	}
	return Effect{Kind: EffectFail, Reason: reason}
}

// StopPolicy decides what happens to queued envelopes when an actor stops.
type StopPolicy uint8

const (
	// StopDiscard routes queued envelopes to the dead-letter channel
	StopDiscard StopPolicy = iota

	// StopDrain processes queued envelopes before stopping
	StopDrain
)

// String returns the string representation of StopPolicy.
func (p StopPolicy) String() string {
	switch p {
	case StopDiscard:
		return "discard"
	case StopDrain:
		return "drain"
	default:
		return "unknown"
	}
}

// ParseStopPolicy parses "discard" or "drain".
func ParseStopPolicy(s string) (StopPolicy, error) {
	switch strings.ToLower(s) {
	case "", "discard":
		return StopDiscard, nil
	case "drain":
		return StopDrain, nil
	default:
		return StopDiscard, errors.Errorf("unknown stop policy %q", s)
	}
}

// SendMode selects the behavior of Send when the target mailbox is full.
type SendMode uint8

const (
	// SendFailFast returns ErrMailboxFull immediately
	SendFailFast SendMode = iota

	// SendBlock waits for space up to the configured send timeout
	SendBlock
)

// String returns the string representation of SendMode.
func (m SendMode) String() string {
	switch m {
	case SendFailFast:
		return "fail_fast"
	case SendBlock:
		return "block"
	default:
		return "unknown"
	}
}

// ParseSendMode parses "fail_fast" or "block".
func ParseSendMode(s string) (SendMode, error) {
	switch strings.ToLower(s) {
	case "", "fail_fast":
		return SendFailFast, nil
	case "block":
		return SendBlock, nil
	default:
		return SendFailFast, errors.Errorf("unknown send mode %q", s)
	}
}

// ActorOptions contains configuration options for spawning an actor.
type ActorOptions struct {
	// Name is a human-readable name used in logs
	Name string

	// MailboxSize is the mailbox capacity; 0 uses the runtime default
	MailboxSize int

	// BatchLimit bounds envelopes per dispatch; 0 uses the runtime default
	BatchLimit int

	// StopPolicy applies to envelopes still queued at stop time
	StopPolicy StopPolicy

	// Supervision overrides the runtime supervision defaults when set
	Supervision *SupervisionSpec
}

// DefaultActorOptions returns options that defer to runtime defaults.
func DefaultActorOptions() ActorOptions {
	return ActorOptions{
		StopPolicy: StopDiscard,
	}
}

// ActorStats contains runtime statistics for one actor.
type ActorStats struct {
	Address     Address
	Name        string
	Phase       Phase
	Parent      Address
	MailboxSize int
	Processed   uint64
	CreatedAt   time.Time
}
