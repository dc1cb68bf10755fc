// Package cluster connects runtimes on different processes. A Gateway keeps
// one outbound connection per peer node and delivers inbound envelopes to
// the local runtime as if they had been sent locally.
package cluster

import (
	"time"
)

// NodeID represents a unique node identifier
type NodeID string

// NodeState represents the connection state of a peer node
type NodeState int

const (
	NodeStateUnknown NodeState = iota
	NodeStateConnecting
	NodeStateActive
	NodeStateFailed
	NodeStateLeft
)

// String returns the string representation of NodeState
func (ns NodeState) String() string {
	switch ns {
	case NodeStateUnknown:
		return "unknown"
	case NodeStateConnecting:
		return "connecting"
	case NodeStateActive:
		return "active"
	case NodeStateFailed:
		return "failed"
	case NodeStateLeft:
		return "left"
	default:
		return "invalid"
	}
}

// PeerInfo contains information about a peer node
type PeerInfo struct {
	ID          NodeID    `json:"id"`
	Address     string    `json:"address"`
	State       NodeState `json:"state"`
	Session     string    `json:"session,omitempty"`
	Pending     int       `json:"pending"`
	Reconnects  uint64    `json:"reconnects"`
	ConnectedAt time.Time `json:"connected_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// TransportStatistics contains gateway counters
type TransportStatistics struct {
	FramesSent         uint64 `json:"frames_sent"`
	FramesReceived     uint64 `json:"frames_received"`
	Duplicates         uint64 `json:"duplicates"`
	DeadLettered       uint64 `json:"dead_lettered"`
	InboundConnections uint64 `json:"inbound_connections"`
	ProtocolErrors     uint64 `json:"protocol_errors"`
}
