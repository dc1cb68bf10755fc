package cluster

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrUnreachable is returned when a peer cannot accept envelopes
	ErrUnreachable = errors.New("peer unreachable")

	// ErrTimeout is returned when a saturated outbox did not drain in time
	ErrTimeout = errors.New("remote send timed out")

	// ErrProtocolViolation is returned for unexpected frames or handshakes
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrGatewayStopped is returned by operations on a stopped gateway
	ErrGatewayStopped = errors.New("gateway stopped")

	// ErrUnknownPeer is returned for nodes with no configured address
	ErrUnknownPeer = errors.New("unknown peer")
)

// TransportError describes a failed operation against one peer.
type TransportError struct {
	Node NodeID
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Node, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
