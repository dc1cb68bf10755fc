package core

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
)

// Options configures a Runtime.
type Options struct {
	// Node names this runtime in every address it allocates
	Node string

	// Workers is the size of the scheduler pool
	Workers int

	// BatchLimit is the default number of envelopes per dispatch
	BatchLimit int

	// MailboxSize is the default mailbox capacity
	MailboxSize int

	// SendMode selects fail-fast or bounded blocking on full mailboxes
	SendMode SendMode

	// SendTimeout bounds blocking sends
	SendTimeout time.Duration

	// StopPolicy is the default for actors that do not set one
	StopPolicy StopPolicy

	// DeadLetterSize is the dead-letter channel buffer
	DeadLetterSize int

	// Supervision is the default supervision spec
	Supervision SupervisionSpec

	// Tracing enables spans for lifecycle events
	Tracing bool

	// StubIdleTimeout evicts remote stubs unused for this long, together
	// with their per-sender sequence counters
	StubIdleTimeout time.Duration

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// DefaultOptions returns the default runtime options.
func DefaultOptions() Options {
	return Options{
		Node:           "local",
		Workers:        runtime.GOMAXPROCS(0),
		BatchLimit:     64,
		MailboxSize:    1024,
		SendMode:       SendFailFast,
		SendTimeout:    time.Second,
		StopPolicy:     StopDiscard,
		DeadLetterSize: 1024,
		Supervision:    DefaultSupervisionSpec(),
		Logger:         slog.Default(),

		StubIdleTimeout: time.Minute,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.Node == "" {
		o.Node = def.Node
	}
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = def.BatchLimit
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = def.MailboxSize
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = def.SendTimeout
	}
	if o.DeadLetterSize <= 0 {
		o.DeadLetterSize = def.DeadLetterSize
	}
	if o.Supervision == (SupervisionSpec{}) {
		o.Supervision = def.Supervision
	}
	if o.Logger == nil {
		o.Logger = def.Logger
	}
	if o.StubIdleTimeout <= 0 {
		o.StubIdleTimeout = def.StubIdleTimeout
	}
}

// Stats contains runtime-wide counters.
type Stats struct {
	Node               string
	Actors             int
	Workers            int
	BusyWorkers        int
	ReadyQueue         int
	Batches            uint64
	DeadLetters        uint64
	DeadLettersDropped uint64
	EventsDropped      uint64
}

// Runtime owns the registry, scheduler and supervisor of one node.
type Runtime struct {
	opts       Options
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	registry   *registry
	scheduler  *scheduler
	supervisor *supervisor
	dead       *deadLetters
	events     *observer
	stopped    *atomic.Bool
	janitor    sync.Once
}

// NewRuntime creates a runtime and starts its workers.
func NewRuntime(opts Options) (*Runtime, error) {
	opts.applyDefaults()
	if err := opts.Supervision.Validate(); err != nil {
		return nil, errors.Wrap(err, "supervision")
	}

	logger := opts.Logger.With("node", opts.Node)
	opts.Logger = logger

	events, err := newObserver(opts)
	if err != nil {
		return nil, errors.Wrap(err, "create lifecycle instruments")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		opts:      opts,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		registry:  newRegistry(opts.Node),
		scheduler: newScheduler(opts.Workers),
		dead:      newDeadLetters(opts.DeadLetterSize, logger),
		events:    events,
		stopped:   atomic.NewBool(false),
	}
	r.supervisor = newSupervisor(r)
	r.scheduler.start()

	logger.Info("runtime started", "workers", opts.Workers, "batch_limit", opts.BatchLimit,
		"mailbox_size", opts.MailboxSize, "send_mode", opts.SendMode.String())
	return r, nil
}

// Node returns the node name used in local addresses.
func (r *Runtime) Node() string {
	return r.opts.Node
}

// Logger returns the runtime logger.
func (r *Runtime) Logger() *slog.Logger {
	return r.logger
}

// Options returns the effective options.
func (r *Runtime) Options() Options {
	return r.opts
}

// Spawn starts a top-level actor and returns its address.
func (r *Runtime) Spawn(producer Producer, opts ActorOptions) (Address, error) {
	return r.spawn(nil, producer, opts)
}

func (r *Runtime) spawn(parent *cell, producer Producer, opts ActorOptions) (Address, error) {
	if r.stopped.Load() {
		return Address{}, ErrRuntimeStopped
	}
	if producer == nil {
		return Address{}, errors.New("nil producer")
	}

	if opts.MailboxSize <= 0 {
		opts.MailboxSize = r.opts.MailboxSize
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = r.opts.BatchLimit
	}
	if opts.StopPolicy == StopDiscard {
		opts.StopPolicy = r.opts.StopPolicy
	}
	if opts.Supervision == nil {
		spec := r.opts.Supervision
		opts.Supervision = &spec
	} else if err := opts.Supervision.Validate(); err != nil {
		return Address{}, errors.Wrap(err, "supervision")
	}

	behavior := producer()
	if behavior == nil {
		return Address{}, errors.New("producer returned a nil behavior")
	}

	addr := r.registry.allocate()
	c := newCell(r, parent, addr, producer, behavior, opts)
	if opts.Name != "" {
		if err := r.registry.register(opts.Name, addr); err != nil {
			return Address{}, err
		}
		c.names = []string{opts.Name}
	}

	r.registry.add(c)
	r.supervisor.register(c)
	if parent != nil && !parent.addChild(c) {
		r.registry.remove(c)
		r.supervisor.forget(addr)
		return Address{}, errors.Wrapf(ErrActorStopped, "parent %s", parent.addr)
	}
	r.events.emit(Event{Kind: EventSpawn, Address: addr, Phase: PhaseStarting})

	// Run OnStart even if nothing is ever sent.
	c.wake()
	return addr, nil
}

// Send delivers an anonymous envelope.
func (r *Runtime) Send(ctx context.Context, to Address, payload []byte) error {
	return r.SendFrom(ctx, Address{}, to, payload)
}

// SendFrom delivers an envelope carrying from as the reply address.
func (r *Runtime) SendFrom(ctx context.Context, from, to Address, payload []byte) error {
	if r.stopped.Load() {
		return ErrRuntimeStopped
	}
	env := Envelope{Sender: from, Target: to, Payload: payload}
	return r.deliver(ctx, env, r.opts.SendMode == SendBlock)
}

func (r *Runtime) deliver(ctx context.Context, env Envelope, wait bool) error {
	ref, ok := r.registry.Lookup(env.Target)
	if !ok {
		r.deadLetter(env, ErrAddressNotFound)
		return errors.Wrapf(ErrAddressNotFound, "%s", env.Target)
	}
	return ref.deliver(ctx, env, wait)
}

// DeliverRemote enqueues an envelope received from another node, waiting
// for mailbox space so backpressure reaches the sending connection.
func (r *Runtime) DeliverRemote(ctx context.Context, env Envelope) error {
	if r.stopped.Load() {
		r.deadLetter(env, ErrRuntimeStopped)
		return ErrRuntimeStopped
	}
	c, ok := r.registry.local(env.Target)
	if !ok {
		r.deadLetter(env, ErrAddressNotFound)
		return errors.Wrapf(ErrAddressNotFound, "%s", env.Target)
	}
	return c.deliver(ctx, env, true)
}

// Ask sends payload from a one-shot reply actor and waits for the first
// envelope sent back to it.
func (r *Runtime) Ask(ctx context.Context, to Address, payload []byte) ([]byte, error) {
	reply := make(chan []byte, 1)
	addr, err := r.Spawn(func() Behavior {
		return BehaviorFunc(func(_ *Context, env Envelope) Effect {
			select {
			case reply <- env.Payload:
			default:
			}
			return Stop()
		})
	}, ActorOptions{MailboxSize: 1, StopPolicy: StopDiscard})
	if err != nil {
		return nil, err
	}

	if err := r.SendFrom(ctx, addr, to, payload); err != nil {
		_ = r.Stop(addr)
		return nil, err
	}

	select {
	case p := <-reply:
		return p, nil
	case <-ctx.Done():
		_ = r.Stop(addr)
		return nil, errors.Wrapf(ctx.Err(), "ask %s", to)
	}
}

// Stop asks a local actor to stop after its current envelope.
func (r *Runtime) Stop(addr Address) error {
	c, ok := r.registry.local(addr)
	if !ok {
		return errors.Wrapf(ErrAddressNotFound, "%s", addr)
	}
	c.requestStop(nil)
	return nil
}

// StopWait stops a local actor and waits until it reached PhaseStopped.
func (r *Runtime) StopWait(ctx context.Context, addr Address) error {
	c, ok := r.registry.local(addr)
	if !ok {
		return errors.Wrapf(ErrAddressNotFound, "%s", addr)
	}
	c.requestStop(nil)

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "stop %s", addr)
	}
}

// Lookup resolves an address to a local actor or a remote stub.
func (r *Runtime) Lookup(addr Address) (Ref, bool) {
	return r.registry.Lookup(addr)
}

// Register binds name to a local address until the actor stops.
func (r *Runtime) Register(name string, addr Address) error {
	if _, ok := r.registry.local(addr); !ok {
		return errors.Wrapf(ErrAddressNotFound, "%s", addr)
	}
	if err := r.registry.register(name, addr); err != nil {
		return err
	}
	if c, ok := r.registry.local(addr); ok {
		c.mu.Lock()
		c.names = append(c.names, name)
		c.mu.Unlock()
	}
	return nil
}

// Whereis returns the address registered under name.
func (r *Runtime) Whereis(name string) (Address, bool) {
	return r.registry.whereis(name)
}

// Link ties two local actors together: when either terminates the other
// is notified through LinkWatcher, or stopped if the end was abnormal.
// Links are not supported across nodes.
func (r *Runtime) Link(a, b Address) error {
	if a == b {
		return errors.Wrapf(ErrInvalidAddress, "cannot link %s to itself", a)
	}
	ca, ok := r.registry.local(a)
	if !ok {
		return errors.Wrapf(ErrAddressNotFound, "%s", a)
	}
	cb, ok := r.registry.local(b)
	if !ok {
		return errors.Wrapf(ErrAddressNotFound, "%s", b)
	}

	if !ca.addLink(cb) {
		return errors.Wrapf(ErrActorStopped, "%s", a)
	}
	if !cb.addLink(ca) {
		ca.removeLink(b)
		return errors.Wrapf(ErrActorStopped, "%s", b)
	}
	return nil
}

// Unlink removes a link in both directions. Unknown actors are ignored.
func (r *Runtime) Unlink(a, b Address) {
	if ca, ok := r.registry.local(a); ok {
		ca.removeLink(b)
	}
	if cb, ok := r.registry.local(b); ok {
		cb.removeLink(a)
	}
}

// List returns the addresses of all live local actors.
func (r *Runtime) List() []Address {
	return r.registry.list()
}

// AttachRemote installs the transport used for addresses of other nodes
// and starts evicting idle remote stubs.
func (r *Runtime) AttachRemote(t RemoteTransport) {
	r.registry.setRemote(t)
	r.janitor.Do(func() {
		go r.sweepStubs(r.opts.StubIdleTimeout)
	})
}

func (r *Runtime) sweepStubs(idle time.Duration) {
	ticker := time.NewTicker(idle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.registry.sweepStubs(now.Add(-idle), ""); n > 0 {
				r.logger.Debug("evicted idle remote stubs", "count", n)
			}
		}
	}
}

// ForgetNode evicts every stub of node and the sequence counters they
// hold. Refs already handed out re-resolve on their next send.
func (r *Runtime) ForgetNode(node string) int {
	n := r.registry.sweepStubs(time.Time{}, node)
	r.logger.Debug("forgot remote node", "peer", node, "stubs", n)
	return n
}

// MarkNode records the liveness of a peer node on all its stubs.
func (r *Runtime) MarkNode(node string, up bool, reason error) {
	n := r.registry.markNode(node, up)
	kind, phase := EventNodeDown, PhaseFailed
	if up {
		kind, phase = EventNodeUp, PhaseRunning
	}
	r.logger.Debug("node liveness changed", "peer", node, "up", up, "stubs", n)
	r.events.emit(Event{Kind: kind, Node: node, Phase: phase, Reason: reason})
}

// ReportDeadLetter routes an envelope that could not be delivered.
func (r *Runtime) ReportDeadLetter(env Envelope, reason error) {
	r.deadLetter(env, reason)
}

func (r *Runtime) deadLetter(env Envelope, reason error) {
	r.dead.publish(env, reason)
	r.events.emit(Event{Kind: EventDeadLetter, Address: env.Target, Reason: reason})
}

// DeadLetters returns the dead-letter channel. It is closed by Shutdown.
func (r *Runtime) DeadLetters() <-chan DeadLetter {
	return r.dead.ch
}

// Subscribe returns a channel of lifecycle events and a function that
// cancels the subscription. Events are dropped when the buffer is full.
func (r *Runtime) Subscribe(buffer int) (<-chan Event, func()) {
	return r.events.subscribe(buffer)
}

// SupervisionRecord returns the supervision history of a live actor.
func (r *Runtime) SupervisionRecord(addr Address) (Record, bool) {
	return r.supervisor.record(addr)
}

// ActorStats returns statistics for one local actor.
func (r *Runtime) ActorStats(addr Address) (ActorStats, bool) {
	c, ok := r.registry.local(addr)
	if !ok {
		return ActorStats{}, false
	}
	return c.stats(), true
}

// Stats returns runtime-wide counters.
func (r *Runtime) Stats() Stats {
	return Stats{
		Node:               r.opts.Node,
		Actors:             r.registry.count(),
		Workers:            r.opts.Workers,
		BusyWorkers:        int(r.scheduler.busy.Load()),
		ReadyQueue:         r.scheduler.pending(),
		Batches:            r.scheduler.batches.Load(),
		DeadLetters:        r.dead.total.Load(),
		DeadLettersDropped: r.dead.dropped.Load(),
		EventsDropped:      r.events.dropped.Load(),
	}
}

// Shutdown stops every actor, waits for them to finish or for ctx to
// expire, then releases the workers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if !r.stopped.CompareAndSwap(false, true) {
		return nil
	}
	r.logger.Info("shutting down runtime", "actors", r.registry.count())

	for _, c := range r.registry.roots() {
		c.requestStop(nil)
	}

	var err error
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
wait:
	for r.registry.count() > 0 {
		select {
		case <-ctx.Done():
			err = errors.Wrapf(ctx.Err(), "%d actors still running", r.registry.count())
			break wait
		case <-ticker.C:
			// Children spawned while stopping have no stopped parent to
			// reach them.
			for _, c := range r.registry.roots() {
				c.requestStop(nil)
			}
		}
	}

	r.scheduler.stop()
	r.cancel()
	r.dead.close()
	r.events.close()

	if err != nil {
		r.logger.Warn("runtime shutdown incomplete", "err", err)
		return err
	}
	r.logger.Info("runtime stopped")
	return nil
}
