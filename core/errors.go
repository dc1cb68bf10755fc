package core

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrMailboxFull is returned when a mailbox is at capacity
	ErrMailboxFull = errors.New("mailbox is full")

	// ErrAddressNotFound is returned when no live actor owns an address
	ErrAddressNotFound = errors.New("address not found")

	// ErrActorStopped is the dead-letter reason for envelopes left behind by a stopped actor
	ErrActorStopped = errors.New("actor stopped")

	// ErrRuntimeStopped is returned for operations issued after Shutdown
	ErrRuntimeStopped = errors.New("runtime is stopped")

	// ErrSupervisionExhausted marks an actor stopped after too many failures
	ErrSupervisionExhausted = errors.New("supervision exhausted")

	// ErrLinkDied is the stop reason of an actor taken down by a linked
	// actor that ended abnormally
	ErrLinkDied = errors.New("linked actor died")

	// ErrEscalated marks a parent failure raised by a child's escalation
	ErrEscalated = errors.New("child failure escalated")

	// ErrInvalidAddress is returned by ParseAddress
	ErrInvalidAddress = errors.New("invalid address")

	// ErrNoSender is returned by Context.Reply for anonymous envelopes
	ErrNoSender = errors.New("envelope has no sender")
)

// ActorFailure describes a local fault contained at a cell boundary.
type ActorFailure struct {
	Address Address
	Reason  error
}

func (f *ActorFailure) Error() string {
	return fmt.Sprintf("actor %s failed: %v", f.Address, f.Reason)
}

func (f *ActorFailure) Unwrap() error {
	return f.Reason
}

// PanicError is the failure reason recorded when a behavior panics.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

func linkDied(link Address, reason error) error {
	return fmt.Errorf("%w: %s: %w", ErrLinkDied, link, reason)
}

func escalation(child Address, reason error) error {
	return fmt.Errorf("%w: child %s: %w", ErrEscalated, child, reason)
}
