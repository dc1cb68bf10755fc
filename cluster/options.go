package cluster

import (
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// OutageMode selects what sends do while a peer is unreachable.
type OutageMode string

const (
	// OutageBuffer queues envelopes up to the watermark and resends them
	// after reconnecting
	OutageBuffer OutageMode = "buffer"

	// OutageFailFast rejects sends with ErrUnreachable and dead-letters
	// whatever was still queued when the connection dropped
	OutageFailFast OutageMode = "fail_fast"
)

// IsValid checks if the outage mode is valid
func (m OutageMode) IsValid() bool {
	return m == OutageBuffer || m == OutageFailFast
}

// ParseOutageMode parses "buffer" or "fail_fast".
func ParseOutageMode(s string) (OutageMode, error) {
	m := OutageMode(strings.ToLower(s))
	if m == "" {
		return OutageBuffer, nil
	}
	if !m.IsValid() {
		return OutageBuffer, errors.Errorf("unknown outage mode %q", s)
	}
	return m, nil
}

// Options configures a Gateway.
type Options struct {
	// NodeID must equal the node name of the runtime the gateway serves
	NodeID NodeID

	// BindAddr is the listen address, e.g. "0.0.0.0:7946"
	BindAddr string

	// AdvertiseAddr is announced in handshakes; defaults to the bound address
	AdvertiseAddr string

	// Peers maps node ids to dial addresses
	Peers map[NodeID]string

	// OutageMode applies while a peer is disconnected
	OutageMode OutageMode

	// BufferWatermark bounds each peer's outbox
	BufferWatermark int

	// SendTimeout bounds waits on a saturated outbox and inbound delivery
	SendTimeout time.Duration

	// WriteTimeout bounds a single frame write
	WriteTimeout time.Duration

	// DialTimeout bounds a single connection attempt
	DialTimeout time.Duration

	// HandshakeTimeout bounds the handshake exchange
	HandshakeTimeout time.Duration

	// ReconnectAttempts is the number of dials per reconnect round
	ReconnectAttempts int

	// ReconnectBackoff is the delay before the second dial of a round
	ReconnectBackoff time.Duration

	// ReconnectBackoffMax caps the delay between dials
	ReconnectBackoffMax time.Duration

	// MaxInbound caps concurrently accepted connections
	MaxInbound int

	// DedupTTL forgets the last seq of a sender and target pair after this
	// long without traffic. A resend older than the TTL is delivered again.
	DedupTTL time.Duration

	Logger *slog.Logger
}

// DefaultOptions returns the default gateway options.
func DefaultOptions() Options {
	return Options{
		BindAddr:            "127.0.0.1:7946",
		Peers:               map[NodeID]string{},
		OutageMode:          OutageBuffer,
		BufferWatermark:     1024,
		SendTimeout:         time.Second,
		WriteTimeout:        5 * time.Second,
		DialTimeout:         2 * time.Second,
		HandshakeTimeout:    2 * time.Second,
		ReconnectAttempts:   5,
		ReconnectBackoff:    100 * time.Millisecond,
		ReconnectBackoffMax: 2 * time.Second,
		MaxInbound:          256,
		DedupTTL:            10 * time.Minute,
		Logger:              slog.Default(),
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.OutageMode == "" {
		o.OutageMode = def.OutageMode
	}
	if o.BufferWatermark <= 0 {
		o.BufferWatermark = def.BufferWatermark
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = def.SendTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = def.HandshakeTimeout
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = def.ReconnectAttempts
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = def.ReconnectBackoff
	}
	if o.ReconnectBackoffMax < o.ReconnectBackoff {
		o.ReconnectBackoffMax = o.ReconnectBackoff
	}
	if o.MaxInbound <= 0 {
		o.MaxInbound = def.MaxInbound
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = def.DedupTTL
	}
	if o.Peers == nil {
		o.Peers = map[NodeID]string{}
	}
	if o.Logger == nil {
		o.Logger = def.Logger
	}
}

// Validate checks the options after defaults were applied.
func (o Options) Validate() error {
	if o.NodeID == "" {
		return errors.New("node id is required")
	}
	if strings.Contains(string(o.NodeID), "|") {
		return errors.Errorf("node id %q must not contain '|'", o.NodeID)
	}
	if o.BindAddr == "" {
		return errors.New("bind address is required")
	}
	if !o.OutageMode.IsValid() {
		return errors.Errorf("invalid outage mode %q", o.OutageMode)
	}
	for id, addr := range o.Peers {
		if id == o.NodeID {
			return errors.Errorf("peer %q has the local node id", id)
		}
		if addr == "" {
			return errors.Errorf("peer %q has no address", id)
		}
	}
	return nil
}
