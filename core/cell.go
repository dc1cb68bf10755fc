package core

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Dispatch states. Only one of scheduled or running may be observed for a
// cell at any time, which is what keeps Handle single threaded.
const (
	dispatchIdle uint32 = iota
	dispatchScheduled
	dispatchRunning
	dispatchSuspended
	dispatchDone
)

type signalKind uint8

const (
	signalChildTerminated signalKind = iota
	signalLinkDied
	signalEscalate
)

// signal is a system notification processed before mailbox envelopes.
// from is the child or linked actor it concerns.
type signal struct {
	kind   signalKind
	from   Address
	reason error
}

// cell is the runtime container of one actor.
type cell struct {
	rt         *Runtime
	addr       Address
	name       string
	producer   Producer
	behavior   Behavior
	mailbox    *Mailbox
	batchLimit int
	stopPolicy StopPolicy
	spec       SupervisionSpec
	parent     *cell
	createdAt  time.Time
	ctx        *Context

	phase      *atomic.Uint32
	dispatch   *atomic.Uint32
	started    *atomic.Bool
	stopReq    *atomic.Bool
	restartReq *atomic.Bool
	processed  *atomic.Uint64

	mu          sync.Mutex
	stopReason  error
	lastFailure error
	signals     []signal
	children    map[Address]*cell
	links       map[Address]*cell
	names       []string
	terminating bool
	done        chan struct{}
}

func newCell(rt *Runtime, parent *cell, addr Address, producer Producer, behavior Behavior, opts ActorOptions) *cell {
	c := &cell{
		rt:         rt,
		addr:       addr,
		name:       opts.Name,
		producer:   producer,
		behavior:   behavior,
		batchLimit: opts.BatchLimit,
		stopPolicy: opts.StopPolicy,
		spec:       *opts.Supervision,
		parent:     parent,
		createdAt:  time.Now(),
		phase:      atomic.NewUint32(uint32(PhaseStarting)),
		dispatch:   atomic.NewUint32(dispatchIdle),
		started:    atomic.NewBool(false),
		stopReq:    atomic.NewBool(false),
		restartReq: atomic.NewBool(false),
		processed:  atomic.NewUint64(0),
		children:   make(map[Address]*cell),
		links:      make(map[Address]*cell),
		done:       make(chan struct{}),
	}
	c.mailbox = NewMailbox(opts.MailboxSize, c.wake)
	c.mailbox.gone = rt.registry.gone
	c.ctx = &Context{cell: c}
	return c
}

// Address returns the actor's address.
func (c *cell) Address() Address {
	return c.addr
}

// Phase returns the current lifecycle phase.
func (c *cell) Phase() Phase {
	return Phase(c.phase.Load())
}

func (c *cell) deliver(ctx context.Context, env Envelope, wait bool) error {
	var err error
	if wait {
		if t := c.rt.opts.SendTimeout; t > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t)
			defer cancel()
		}
		err = c.mailbox.EnqueueWait(ctx, env)
	} else {
		err = c.mailbox.Enqueue(env)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrActorStopped):
		c.rt.deadLetter(env, ErrActorStopped)
		return errors.Wrapf(ErrAddressNotFound, "%s", c.addr)
	default:
		return errors.Wrapf(err, "deliver to %s", c.addr)
	}
}

// wake schedules an idle cell.
func (c *cell) wake() {
	if c.dispatch.CompareAndSwap(dispatchIdle, dispatchScheduled) {
		c.rt.scheduler.push(c)
	}
}

// resume schedules a cell suspended by a failure.
func (c *cell) resume() bool {
	if c.dispatch.CompareAndSwap(dispatchSuspended, dispatchScheduled) {
		c.rt.scheduler.push(c)
		return true
	}
	return false
}

// requestStop asks the cell to stop after the envelope it is handling.
// Only the first reason is kept. A repeated request still reschedules a
// suspended cell.
func (c *cell) requestStop(reason error) {
	c.mu.Lock()
	if !c.stopReq.Load() {
		c.stopReason = reason
		c.stopReq.Store(true)
	}
	c.mu.Unlock()

	if !c.resume() {
		c.wake()
	}
}

// scheduleRestart resumes a suspended cell. A pending stop takes
// precedence over the restart.
func (c *cell) scheduleRestart() {
	if !c.stopReq.Load() {
		c.restartReq.Store(true)
	}
	if !c.resume() {
		c.wake()
	}
}

func (c *cell) pushSignal(s signal) {
	c.mu.Lock()
	if c.terminating {
		c.mu.Unlock()
		return
	}
	c.signals = append(c.signals, s)
	c.mu.Unlock()

	c.wake()
}

func (c *cell) popSignal() (signal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.signals) == 0 {
		return signal{}, false
	}
	s := c.signals[0]
	c.signals = c.signals[1:]
	return s, true
}

func (c *cell) addChild(child *cell) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminating || c.stopReq.Load() {
		return false
	}
	c.children[child.addr] = child
	return true
}

func (c *cell) removeChild(addr Address) {
	c.mu.Lock()
	delete(c.children, addr)
	c.mu.Unlock()
}

// addLink records a link to other. It fails once the cell is stopping.
func (c *cell) addLink(other *cell) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.terminating || c.stopReq.Load() {
		return false
	}
	c.links[other.addr] = other
	return true
}

func (c *cell) removeLink(addr Address) {
	c.mu.Lock()
	delete(c.links, addr)
	c.mu.Unlock()
}

func (c *cell) childList() []*cell {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*cell, 0, len(c.children))
	for _, ch := range c.children {
		out = append(out, ch)
	}
	return out
}

// hasWork reports whether an idle cell needs another dispatch.
func (c *cell) hasWork() bool {
	if !c.started.Load() || c.stopReq.Load() || c.restartReq.Load() {
		return true
	}
	if c.mailbox.Len() > 0 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.signals) > 0
}

// runBatch is one dispatch. It is called by a worker that moved the cell
// from scheduled to running.
func (c *cell) runBatch() {
	if c.stopReq.Load() {
		c.terminate()
		return
	}

	if c.restartReq.CompareAndSwap(true, false) {
		if !c.restart() {
			return
		}
	}

	if !c.started.Load() && !c.start() {
		return
	}

	if !c.processSignals() {
		return
	}

	batch := c.mailbox.DequeueBatch(c.batchLimit)
	for i := range batch {
		env := batch[i]
		eff := c.invoke(env)
		c.processed.Inc()

		switch eff.Kind {
		case EffectStop:
			c.mailbox.requeueFront(batch[i+1:])
			c.requestStopLocal(nil)
			c.terminate()
			return
		case EffectFail:
			c.mailbox.requeueFront(batch[i+1:])
			c.fail(eff.Reason, &env)
			return
		}

		if c.stopReq.Load() {
			c.mailbox.requeueFront(batch[i+1:])
			c.terminate()
			return
		}
	}

	c.dispatch.Store(dispatchIdle)
	if c.hasWork() {
		c.wake()
	}
}

// requestStopLocal records a stop decided by the running cell itself.
func (c *cell) requestStopLocal(reason error) {
	c.mu.Lock()
	if !c.stopReq.Load() {
		c.stopReason = reason
		c.stopReq.Store(true)
	}
	c.mu.Unlock()
}

func (c *cell) start() bool {
	c.ctx.env = Envelope{}
	if s, ok := c.behavior.(Starter); ok {
		if err := c.guard(func() error { return s.OnStart(c.ctx) }); err != nil {
			c.fail(errors.Wrap(err, "on start"), nil)
			return false
		}
	}

	c.started.Store(true)
	c.phase.Store(uint32(PhaseRunning))
	return true
}

func (c *cell) restart() bool {
	var next Behavior
	err := c.guard(func() error {
		next = c.producer()
		if next == nil {
			return errors.New("producer returned a nil behavior")
		}
		return nil
	})
	if err != nil {
		c.fail(err, nil)
		return false
	}

	if c.started.Load() {
		c.runOnStop(c.lastFailure)
	}
	c.lastFailure = nil
	c.behavior = next
	c.started.Store(false)
	c.phase.Store(uint32(PhaseStarting))
	c.rt.events.emit(Event{Kind: EventRestart, Address: c.addr, Phase: PhaseStarting})
	return true
}

func (c *cell) processSignals() bool {
	for {
		sig, ok := c.popSignal()
		if !ok {
			return true
		}

		var eff Effect
		switch sig.kind {
		case signalEscalate:
			eff = Fail(escalation(sig.from, sig.reason))
		case signalChildTerminated:
			w, ok := c.behavior.(ChildWatcher)
			if !ok {
				continue
			}
			c.ctx.env = Envelope{}
			eff = c.guardEffect(func() Effect {
				return w.OnChildTerminated(c.ctx, sig.from, sig.reason)
			})
		case signalLinkDied:
			w, ok := c.behavior.(LinkWatcher)
			if !ok {
				// A linked actor that stopped normally is ignored, any
				// other end takes this actor down with it.
				if sig.reason == nil {
					continue
				}
				c.requestStopLocal(linkDied(sig.from, sig.reason))
				c.terminate()
				return false
			}
			c.ctx.env = Envelope{}
			eff = c.guardEffect(func() Effect {
				return w.OnLinkDied(c.ctx, sig.from, sig.reason)
			})
		}

		switch eff.Kind {
		case EffectStop:
			c.requestStopLocal(nil)
			c.terminate()
			return false
		case EffectFail:
			c.fail(eff.Reason, nil)
			return false
		}
	}
}

func (c *cell) invoke(env Envelope) Effect {
	c.ctx.env = env
	c.rt.events.delivered(c, env)
	return c.guardEffect(func() Effect {
		return c.behavior.Handle(c.ctx, env)
	})
}

func (c *cell) guardEffect(fn func() Effect) (eff Effect) {
	defer func() {
		if r := recover(); r != nil {
			eff = Fail(&PanicError{Value: r, Stack: debug.Stack()})
		}
	}()
	return fn()
}

func (c *cell) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// fail suspends dispatch and hands the cell to the supervisor. A stop
// requested while the failing code ran wins: the cell terminates instead.
func (c *cell) fail(reason error, env *Envelope) {
	failure := &ActorFailure{Address: c.addr, Reason: reason}
	c.lastFailure = failure
	c.phase.Store(uint32(PhaseFailed))
	c.dispatch.Store(dispatchSuspended)
	c.rt.events.emit(Event{Kind: EventFail, Address: c.addr, Phase: PhaseFailed, Reason: failure})

	c.mu.Lock()
	stopping := c.stopReq.Load()
	if stopping && c.stopReason == nil {
		c.stopReason = failure
	}
	c.mu.Unlock()
	if stopping {
		c.resume()
		return
	}

	c.rt.supervisor.handleFailure(c, Failure{
		Address:  c.addr,
		Reason:   failure,
		Envelope: env,
		Pending:  c.mailbox.Snapshot(),
	})
}

// terminate runs the stop sequence. After it returns the cell is never
// dispatched again.
func (c *cell) terminate() {
	c.mu.Lock()
	reason := c.stopReason
	c.terminating = true
	c.signals = nil
	children := make([]*cell, 0, len(c.children))
	for _, ch := range c.children {
		children = append(children, ch)
	}
	links := c.links
	c.links = nil
	c.mu.Unlock()

	c.phase.Store(uint32(PhaseStopping))
	rest := c.mailbox.Close()
	if c.stopPolicy == StopDrain && reason == nil && c.started.Load() {
		rest = c.drain(rest)
	}
	for _, env := range rest {
		c.rt.deadLetter(env, ErrActorStopped)
	}

	if c.started.Load() {
		c.runOnStop(reason)
	}

	for _, ch := range children {
		ch.requestStop(nil)
	}

	c.phase.Store(uint32(PhaseStopped))
	c.dispatch.Store(dispatchDone)
	c.rt.registry.remove(c)
	c.rt.supervisor.forget(c.addr)
	if c.parent != nil {
		c.parent.removeChild(c.addr)
		c.parent.pushSignal(signal{kind: signalChildTerminated, from: c.addr, reason: reason})
	}
	for _, l := range links {
		l.removeLink(c.addr)
		l.pushSignal(signal{kind: signalLinkDied, from: c.addr, reason: reason})
	}

	c.rt.events.emit(Event{Kind: EventStop, Address: c.addr, Phase: PhaseStopped, Reason: reason})
	close(c.done)
}

// runOnStop calls the Stopper hook of the current behavior, if any.
func (c *cell) runOnStop(reason error) {
	s, ok := c.behavior.(Stopper)
	if !ok {
		return
	}
	c.ctx.env = Envelope{}
	if err := c.guard(func() error {
		s.OnStop(c.ctx, reason)
		return nil
	}); err != nil {
		c.rt.logger.Warn("actor stop hook failed", "address", c.addr.String(), "err", err)
	}
}

// drain handles envelopes left at stop time. A failure abandons the rest.
func (c *cell) drain(envs []Envelope) []Envelope {
	for i, env := range envs {
		eff := c.invoke(env)
		c.processed.Inc()
		if eff.Kind == EffectFail {
			c.rt.logger.Warn("actor failed while draining", "address", c.addr.String(), "err", eff.Reason)
			return envs[i+1:]
		}
	}
	return nil
}

func (c *cell) stats() ActorStats {
	st := ActorStats{
		Address:     c.addr,
		Name:        c.name,
		Phase:       c.Phase(),
		MailboxSize: c.mailbox.Len(),
		Processed:   c.processed.Load(),
		CreatedAt:   c.createdAt,
	}
	if c.parent != nil {
		st.Parent = c.parent.addr
	}
	return st
}
