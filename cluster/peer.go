package cluster

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/najoast/skein/core"
	"github.com/najoast/skein/network"
)

// outboxItem keeps the envelope next to its encoded frame so it can be
// dead-lettered if it is never written.
type outboxItem struct {
	env   core.Envelope
	frame []byte
}

// peer owns the single outbound connection to one node. Only writeLoop
// writes to the connection, so frames leave in outbox order.
type peer struct {
	g    *Gateway
	id   NodeID
	addr string
	log  *slog.Logger

	mu          sync.Mutex
	outbox      []*outboxItem
	space       chan struct{}
	conn        *network.Conn
	state       NodeState
	session     string
	connectedAt time.Time
	lastErr     error
	connecting  bool
	closed      bool

	notify     chan struct{}
	reconnects *atomic.Uint64
}

func newPeer(g *Gateway, id NodeID, addr string) *peer {
	p := &peer{
		g:          g,
		id:         id,
		addr:       addr,
		log:        g.log.With("peer", string(id), "peer_addr", addr),
		space:      make(chan struct{}),
		state:      NodeStateUnknown,
		notify:     make(chan struct{}, 1),
		reconnects: atomic.NewUint64(0),
	}

	g.wg.Add(1)
	go p.writeLoop()
	return p
}

// enqueue admits env to the outbox. It blocks only while the peer is
// connected and the outbox is at the watermark, and at most SendTimeout.
func (p *peer) enqueue(ctx context.Context, env core.Envelope) error {
	frame, err := network.EncodeEnvelopeFrame(env)
	if err != nil {
		return &TransportError{Node: p.id, Op: "encode", Err: err}
	}
	item := &outboxItem{env: env, frame: frame}
	opts := p.g.opts

	var timeout <-chan time.Time
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return &TransportError{Node: p.id, Op: "send", Err: ErrGatewayStopped}
		}

		down := p.conn == nil
		if down && opts.OutageMode == OutageFailFast {
			p.mu.Unlock()
			if err := p.connectOnce(ctx); err != nil {
				return &TransportError{Node: p.id, Op: "send", Err: errors.Wrap(ErrUnreachable, err.Error())}
			}
			continue
		}

		if len(p.outbox) < opts.BufferWatermark {
			p.outbox = append(p.outbox, item)
			p.mu.Unlock()

			p.signal()
			if down {
				p.startConnect()
			}
			return nil
		}

		if down {
			p.mu.Unlock()
			return &TransportError{Node: p.id, Op: "send", Err: errors.Wrapf(ErrUnreachable,
				"outbox at watermark %d", opts.BufferWatermark)}
		}

		space := p.space
		p.mu.Unlock()

		if timeout == nil {
			t := time.NewTimer(opts.SendTimeout)
			defer t.Stop()
			timeout = t.C
		}
		select {
		case <-space:
		case <-timeout:
			return &TransportError{Node: p.id, Op: "send", Err: ErrTimeout}
		case <-ctx.Done():
			return &TransportError{Node: p.id, Op: "send", Err: errors.Wrap(ErrTimeout, ctx.Err().Error())}
		case <-p.g.ctx.Done():
			return &TransportError{Node: p.id, Op: "send", Err: ErrGatewayStopped}
		}
	}
}

func (p *peer) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// writeLoop drains the outbox. A frame is removed only after it was
// written; on a write error it stays at the head for the next connection.
func (p *peer) writeLoop() {
	defer p.g.wg.Done()

	for {
		select {
		case <-p.g.ctx.Done():
			return
		case <-p.notify:
		}

		for {
			p.mu.Lock()
			if p.closed || p.conn == nil || len(p.outbox) == 0 {
				p.mu.Unlock()
				break
			}
			item, conn := p.outbox[0], p.conn
			p.mu.Unlock()

			if err := conn.WriteEncoded(item.frame); err != nil {
				p.connectionLost(conn, err)
				break
			}
			p.g.framesSent.Inc()

			p.mu.Lock()
			if len(p.outbox) > 0 && p.outbox[0] == item {
				full := len(p.outbox) >= p.g.opts.BufferWatermark
				p.outbox[0] = nil
				p.outbox = p.outbox[1:]
				if full {
					close(p.space)
					p.space = make(chan struct{})
				}
			}
			p.mu.Unlock()
		}
	}
}

// watchLoop reads the outbound connection only to notice that it closed.
// The remote side never writes after the handshake.
func (p *peer) watchLoop(conn *network.Conn) {
	defer p.g.wg.Done()

	f, err := conn.ReadFrame()
	if err == nil {
		p.g.protocolErrors.Inc()
		err = errors.Wrapf(ErrProtocolViolation, "unexpected %s frame on outbound connection", f.Kind)
	}
	p.connectionLost(conn, err)
}

// connectionLost runs once per connection.
func (p *peer) connectionLost(conn *network.Conn, cause error) {
	p.mu.Lock()
	if p.conn != conn {
		p.mu.Unlock()
		return
	}
	p.conn = nil
	p.state = NodeStateFailed
	p.lastErr = cause

	var dead []*outboxItem
	if p.g.opts.OutageMode == OutageFailFast {
		dead = p.outbox
		p.outbox = nil
		close(p.space)
		p.space = make(chan struct{})
	}
	closed := p.closed
	p.mu.Unlock()

	conn.Close()
	if closed {
		return
	}

	p.log.Warn("connection to peer lost", "err", cause, "dead_lettered", len(dead))
	p.g.rt.MarkNode(string(p.id), false, cause)
	p.deadLetter(dead)

	if p.g.opts.OutageMode == OutageBuffer {
		p.startConnect()
	}
}

func (p *peer) deadLetter(items []*outboxItem) {
	for _, item := range items {
		p.g.rt.ReportDeadLetter(item.env, &TransportError{Node: p.id, Op: "send", Err: ErrUnreachable})
		p.g.deadLettered.Inc()
	}
}

// startConnect runs a reconnect round in the background unless one is
// already running.
func (p *peer) startConnect() {
	p.mu.Lock()
	if p.closed || p.connecting || p.conn != nil || p.g.ctx.Err() != nil {
		p.mu.Unlock()
		return
	}
	p.connecting = true
	p.state = NodeStateConnecting
	p.mu.Unlock()

	p.g.wg.Add(1)
	go p.connectLoop()
}

func (p *peer) connectLoop() {
	defer p.g.wg.Done()

	opts := p.g.opts
	retrier := retry.NewRetrier(opts.ReconnectAttempts, opts.ReconnectBackoff, opts.ReconnectBackoffMax)
	err := retrier.RunContext(p.g.ctx, func(ctx context.Context) error {
		return p.dial(ctx)
	})

	p.mu.Lock()
	p.connecting = false
	pending := len(p.outbox)
	closed := p.closed
	if err != nil && !closed {
		p.state = NodeStateFailed
		p.lastErr = err
	}
	p.mu.Unlock()

	if err == nil || closed || p.g.ctx.Err() != nil {
		return
	}
	p.log.Warn("reconnect round failed", "attempts", opts.ReconnectAttempts, "pending", pending, "err", err)

	if opts.OutageMode == OutageBuffer && pending > 0 {
		time.AfterFunc(opts.ReconnectBackoffMax, p.startConnect)
	}
}

// connectOnce dials synchronously unless a background round is running.
func (p *peer) connectOnce(ctx context.Context) error {
	p.mu.Lock()
	if p.conn != nil {
		p.mu.Unlock()
		return nil
	}
	if p.connecting {
		err := p.lastErr
		p.mu.Unlock()
		if err == nil {
			err = errors.New("reconnect in progress")
		}
		return err
	}
	p.connecting = true
	p.mu.Unlock()

	err := p.dial(ctx)

	p.mu.Lock()
	p.connecting = false
	if err != nil {
		p.lastErr = err
		p.state = NodeStateFailed
	}
	p.mu.Unlock()
	return err
}

func (p *peer) dial(ctx context.Context) error {
	opts := p.g.opts
	d := net.Dialer{Timeout: opts.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return &TransportError{Node: p.id, Op: "dial", Err: err}
	}

	conn := network.NewConn(raw, 0, opts.WriteTimeout)
	remote, err := conn.Handshake(p.g.handshake(), opts.HandshakeTimeout, true)
	if err != nil {
		conn.Close()
		return &TransportError{Node: p.id, Op: "handshake", Err: err}
	}
	if err := p.g.checkHandshake(remote, p.id); err != nil {
		conn.Close()
		return &TransportError{Node: p.id, Op: "handshake", Err: err}
	}

	if !p.attach(conn, remote) {
		conn.Close()
		return &TransportError{Node: p.id, Op: "dial", Err: ErrGatewayStopped}
	}
	return nil
}

// attach installs a handshaken connection and resumes the writer.
func (p *peer) attach(conn *network.Conn, remote network.Handshake) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	reconnect := !p.connectedAt.IsZero()
	p.conn = conn
	p.state = NodeStateActive
	p.session = remote.Session
	p.connectedAt = time.Now()
	p.lastErr = nil
	pending := len(p.outbox)
	p.mu.Unlock()

	if reconnect {
		p.reconnects.Inc()
	}
	p.log.Info("connected to peer", "session", remote.Session, "pending", pending, "reconnect", reconnect)
	p.g.rt.MarkNode(string(p.id), true, nil)

	p.g.wg.Add(1)
	go p.watchLoop(conn)
	p.signal()
	return true
}

// close shuts the peer down for good. Queued envelopes are dead-lettered.
func (p *peer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.state = NodeStateLeft
	conn := p.conn
	p.conn = nil
	dead := p.outbox
	p.outbox = nil
	close(p.space)
	p.space = make(chan struct{})
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	p.deadLetter(dead)
}

func (p *peer) reachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && p.state != NodeStateFailed
}

func (p *peer) info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	info := PeerInfo{
		ID:          p.id,
		Address:     p.addr,
		State:       p.state,
		Session:     p.session,
		Pending:     len(p.outbox),
		Reconnects:  p.reconnects.Load(),
		ConnectedAt: p.connectedAt,
	}
	if p.lastErr != nil {
		info.LastError = p.lastErr.Error()
	}
	return info
}
