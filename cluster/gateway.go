package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/skein/core"
	"github.com/najoast/skein/network"
)

// Gateway moves envelopes between the local runtime and peer nodes over
// framed TCP. It implements core.RemoteTransport.
type Gateway struct {
	opts    Options
	rt      *core.Runtime
	log     *slog.Logger
	session string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	addr     string
	peers    map[NodeID]*peer
	inbound  map[*network.Conn]struct{}
	started  bool
	stopped  bool

	// last accepted seq per session|stream|sender|target
	seen cmap.ConcurrentMap[string, seenEntry]

	framesSent     *atomic.Uint64
	framesReceived *atomic.Uint64
	duplicates     *atomic.Uint64
	deadLettered   *atomic.Uint64
	inboundTotal   *atomic.Uint64
	protocolErrors *atomic.Uint64
}

type seenEntry struct {
	seq    uint64
	node   NodeID
	target core.Address
	at     time.Time
}

// NewGateway creates a gateway for rt. The gateway's node id must match
// the runtime's node name.
func NewGateway(rt *core.Runtime, opts Options) (*Gateway, error) {
	if rt == nil {
		return nil, errors.New("runtime is required")
	}
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid gateway options")
	}
	if rt.Node() != string(opts.NodeID) {
		return nil, errors.Errorf("gateway node %q does not match runtime node %q", opts.NodeID, rt.Node())
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		opts:           opts,
		rt:             rt,
		session:        uuid.NewString(),
		ctx:            ctx,
		cancel:         cancel,
		peers:          make(map[NodeID]*peer),
		inbound:        make(map[*network.Conn]struct{}),
		seen:           cmap.New[seenEntry](),
		framesSent:     atomic.NewUint64(0),
		framesReceived: atomic.NewUint64(0),
		duplicates:     atomic.NewUint64(0),
		deadLettered:   atomic.NewUint64(0),
		inboundTotal:   atomic.NewUint64(0),
		protocolErrors: atomic.NewUint64(0),
	}
	g.log = opts.Logger.With("component", "gateway", "node", string(opts.NodeID))

	for id, addr := range opts.Peers {
		g.peers[id] = newPeer(g, id, addr)
	}
	return g, nil
}

// Start binds the listener, attaches the gateway to the runtime and starts
// connecting to the configured peers.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return ErrGatewayStopped
	}
	if g.started {
		return errors.New("gateway already started")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", g.opts.BindAddr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", g.opts.BindAddr)
	}
	g.listener = netutil.LimitListener(ln, g.opts.MaxInbound)
	g.addr = g.opts.AdvertiseAddr
	if g.addr == "" {
		g.addr = ln.Addr().String()
	}
	g.started = true

	g.wg.Add(2)
	go g.acceptLoop()
	go g.sweepSeen()

	g.rt.AttachRemote(g)
	for _, p := range g.peers {
		p.startConnect()
	}

	g.log.Info("gateway started", "addr", g.addr, "session", g.session, "peers", len(g.peers),
		"outage_mode", string(g.opts.OutageMode))
	return nil
}

// Stop closes the listener, every peer and every inbound connection, then
// waits for the gateway goroutines until ctx expires. A stopped gateway
// cannot be restarted.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	ln := g.listener
	peers := make([]*peer, 0, len(g.peers))
	for _, p := range g.peers {
		peers = append(peers, p)
	}
	conns := make([]*network.Conn, 0, len(g.inbound))
	for c := range g.inbound {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	g.cancel()

	var eg errgroup.Group
	if ln != nil {
		eg.Go(func() error {
			return ln.Close()
		})
	}
	for _, p := range peers {
		p := p
		eg.Go(func() error {
			p.close()
			return nil
		})
	}
	for _, c := range conns {
		c := c
		eg.Go(func() error {
			return c.Close()
		})
	}
	err := eg.Wait()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for gateway goroutines")
	}

	g.log.Info("gateway stopped")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "close gateway")
	}
	return nil
}

// Addr returns the advertised address once started.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addr
}

// Session identifies this gateway incarnation to its peers.
func (g *Gateway) Session() string {
	return g.session
}

// SendRemote queues env for node. See OutageMode for the behavior while
// the peer is unreachable.
func (g *Gateway) SendRemote(ctx context.Context, node string, env core.Envelope) error {
	if g.ctx.Err() != nil {
		return &TransportError{Node: NodeID(node), Op: "send", Err: errors.Wrap(ErrUnreachable, ErrGatewayStopped.Error())}
	}

	p, ok := g.peer(NodeID(node))
	if !ok {
		return &TransportError{Node: NodeID(node), Op: "send", Err: errors.Wrap(ErrUnreachable, ErrUnknownPeer.Error())}
	}
	return p.enqueue(ctx, env)
}

// Reachable reports whether sends to node are currently expected to be
// accepted.
func (g *Gateway) Reachable(node string) bool {
	p, ok := g.peer(NodeID(node))
	return ok && p.reachable()
}

// AddPeer registers a peer address and starts connecting if the gateway
// is running. Adding a known peer is a no-op.
func (g *Gateway) AddPeer(id NodeID, addr string) error {
	if id == "" || addr == "" {
		return errors.New("peer id and address are required")
	}
	if id == g.opts.NodeID {
		return errors.Errorf("peer %q has the local node id", id)
	}
	g.ensurePeer(id, addr)
	return nil
}

// DropPeer closes the peer and dead-letters what it still had queued.
func (g *Gateway) DropPeer(id NodeID) bool {
	g.mu.Lock()
	p, ok := g.peers[id]
	delete(g.peers, id)
	g.mu.Unlock()

	if !ok {
		return false
	}
	p.close()
	g.rt.MarkNode(string(id), false, errors.Wrapf(ErrUnknownPeer, "peer %s dropped", id))
	g.rt.ForgetNode(string(id))
	g.forgetSeen(func(e seenEntry) bool { return e.node == id })
	return true
}

// Peers returns a snapshot of every known peer sorted by id.
func (g *Gateway) Peers() []PeerInfo {
	g.mu.Lock()
	peers := make([]*peer, 0, len(g.peers))
	for _, p := range g.peers {
		peers = append(peers, p)
	}
	g.mu.Unlock()

	infos := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		infos = append(infos, p.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Statistics returns the gateway counters.
func (g *Gateway) Statistics() TransportStatistics {
	return TransportStatistics{
		FramesSent:         g.framesSent.Load(),
		FramesReceived:     g.framesReceived.Load(),
		Duplicates:         g.duplicates.Load(),
		DeadLettered:       g.deadLettered.Load(),
		InboundConnections: g.inboundTotal.Load(),
		ProtocolErrors:     g.protocolErrors.Load(),
	}
}

// OnReceive decodes one complete envelope frame and delivers it locally.
// It serves transports that bring their own connection handling.
func (g *Gateway) OnReceive(frame []byte) (core.Envelope, error) {
	f, n, err := network.DecodeFrame(frame)
	if err != nil {
		return core.Envelope{}, err
	}
	if n != len(frame) {
		return core.Envelope{}, errors.Wrapf(network.ErrMalformedFrame, "%d trailing bytes", len(frame)-n)
	}
	if f.Kind != network.FrameEnvelope {
		return core.Envelope{}, errors.Wrapf(ErrProtocolViolation, "unexpected %s frame", f.Kind)
	}
	return g.receive("", f.Body)
}

func (g *Gateway) peer(id NodeID) (*peer, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.peers[id]
	return p, ok
}

func (g *Gateway) ensurePeer(id NodeID, addr string) *peer {
	g.mu.Lock()
	if p, ok := g.peers[id]; ok || g.stopped {
		g.mu.Unlock()
		return p
	}
	p := newPeer(g, id, addr)
	g.peers[id] = p
	started := g.started
	g.mu.Unlock()

	g.log.Info("peer added", "peer", string(id), "peer_addr", addr)
	if started {
		p.startConnect()
	}
	return p
}

func (g *Gateway) handshake() network.Handshake {
	return network.Handshake{
		Node:    string(g.opts.NodeID),
		Addr:    g.Addr(),
		Version: network.ProtocolVersion,
		Session: g.session,
	}
}

func (g *Gateway) checkHandshake(remote network.Handshake, expect NodeID) error {
	if remote.Version != network.ProtocolVersion {
		return errors.Wrapf(ErrProtocolViolation, "protocol version %d, want %d", remote.Version, network.ProtocolVersion)
	}
	if NodeID(remote.Node) == g.opts.NodeID {
		return errors.Wrapf(ErrProtocolViolation, "remote claims local node id %q", remote.Node)
	}
	if expect != "" && NodeID(remote.Node) != expect {
		return errors.Wrapf(ErrProtocolViolation, "dialed %q but reached %q", expect, remote.Node)
	}
	return nil
}

func (g *Gateway) acceptLoop() {
	defer g.wg.Done()

	for {
		raw, err := g.listener.Accept()
		if err != nil {
			if g.ctx.Err() == nil {
				g.log.Error("accept failed", "err", err)
			}
			return
		}

		conn := network.NewConn(raw, 0, g.opts.WriteTimeout)
		g.mu.Lock()
		if g.stopped {
			g.mu.Unlock()
			conn.Close()
			return
		}
		g.inbound[conn] = struct{}{}
		g.mu.Unlock()
		g.inboundTotal.Inc()

		g.wg.Add(1)
		go g.serveInbound(conn)
	}
}

// serveInbound handshakes an accepted connection and delivers every
// envelope frame it carries until the connection fails.
func (g *Gateway) serveInbound(conn *network.Conn) {
	defer g.wg.Done()
	defer func() {
		g.mu.Lock()
		delete(g.inbound, conn)
		g.mu.Unlock()
		conn.Close()
	}()

	log := g.log.With("remote_addr", conn.RemoteAddr().String())
	remote, err := conn.Handshake(g.handshake(), g.opts.HandshakeTimeout, false)
	if err != nil {
		g.protocolErrors.Inc()
		log.Warn("inbound handshake failed", "err", err)
		return
	}
	if err := g.checkHandshake(remote, ""); err != nil {
		g.protocolErrors.Inc()
		log.Warn("inbound handshake rejected", "peer", remote.Node, "err", err)
		return
	}
	if remote.Addr != "" {
		g.ensurePeer(NodeID(remote.Node), remote.Addr)
	}
	log = log.With("peer", remote.Node, "session", remote.Session)
	log.Debug("inbound connection established")

	for {
		f, err := conn.ReadFrame()
		if err != nil {
			if g.ctx.Err() == nil {
				log.Debug("inbound connection closed", "err", err)
			}
			return
		}
		if f.Kind != network.FrameEnvelope {
			g.protocolErrors.Inc()
			log.Warn("unexpected frame on inbound connection", "kind", f.Kind.String())
			return
		}
		if _, err := g.receive(remote.Session, f.Body); err != nil && errors.Is(err, network.ErrMalformedFrame) {
			g.protocolErrors.Inc()
			log.Warn("malformed envelope", "err", err)
			return
		}
	}
}

// receive decodes body and delivers it, dropping envelopes whose seq is
// not newer than the last one seen for the same sender and target.
func (g *Gateway) receive(session string, body []byte) (core.Envelope, error) {
	env, err := network.DecodeEnvelope(body)
	if err != nil {
		return core.Envelope{}, err
	}
	g.framesReceived.Inc()

	key := fmt.Sprintf("%s|%d|%s|%s", session, env.Stream, env.Sender, env.Target)
	in := seenEntry{seq: env.Seq, node: NodeID(env.Sender.Node), target: env.Target, at: time.Now()}
	fresh := false
	g.seen.Upsert(key, in, func(exist bool, old, e seenEntry) seenEntry {
		if exist && e.seq <= old.seq {
			old.at = e.at
			return old
		}
		fresh = true
		return e
	})
	if !fresh {
		g.duplicates.Inc()
		return env, nil
	}

	ctx, cancel := context.WithTimeout(g.ctx, g.opts.SendTimeout)
	defer cancel()
	if err := g.rt.DeliverRemote(ctx, env); err != nil {
		g.log.Debug("inbound envelope dead-lettered", "target", env.Target.String(), "err", err)
		return env, err
	}
	return env, nil
}

// sweepSeen periodically forgets dedup entries that saw no traffic for
// DedupTTL or whose target actor is gone.
func (g *Gateway) sweepSeen() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.opts.DedupTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case now := <-ticker.C:
			if n := g.expireSeen(now); n > 0 {
				g.log.Debug("forgot dedup entries", "count", n)
			}
		}
	}
}

func (g *Gateway) expireSeen(now time.Time) int {
	cutoff := now.Add(-g.opts.DedupTTL)
	return g.forgetSeen(func(e seenEntry) bool {
		if e.at.Before(cutoff) || e.target.Node != g.rt.Node() {
			return true
		}
		_, ok := g.rt.Lookup(e.target)
		return !ok
	})
}

// forgetSeen removes every dedup entry matching drop and returns how many
// were removed.
func (g *Gateway) forgetSeen(drop func(seenEntry) bool) int {
	n := 0
	for item := range g.seen.IterBuffered() {
		if !drop(item.Val) {
			continue
		}
		if g.seen.RemoveCb(item.Key, func(_ string, v seenEntry, exists bool) bool {
			return exists && v == item.Val
		}) {
			n++
		}
	}
	return n
}
