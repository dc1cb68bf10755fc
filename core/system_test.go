package core

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

func newTestRuntime(t *testing.T, mutate ...func(*Options)) *Runtime {
	t.Helper()

	opts := DefaultOptions()
	opts.Node = "test"
	opts.Workers = 4
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	opts.Supervision.BackoffInitial = time.Millisecond
	opts.Supervision.BackoffMax = 10 * time.Millisecond
	for _, m := range mutate {
		m(&opts)
	}

	rt, err := NewRuntime(opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
	})
	return rt
}

func u64(n uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, n)
}

func fromU64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// forward returns a producer whose actors copy every payload to out.
func forward(out chan<- []byte) Producer {
	return func() Behavior {
		return BehaviorFunc(func(_ *Context, env Envelope) Effect {
			out <- env.Payload
			return Continue()
		})
	}
}

// gate returns a producer whose actors block on release for every
// envelope, signalling entered first.
func gate(entered chan<- struct{}, release <-chan struct{}, handled *atomic.Int32) Producer {
	return func() Behavior {
		return BehaviorFunc(func(_ *Context, _ Envelope) Effect {
			entered <- struct{}{}
			<-release
			handled.Inc()
			return Continue()
		})
	}
}

func TestSendPreservesOrder(t *testing.T) {
	rt := newTestRuntime(t)
	out := make(chan []byte, 1000)

	addr, err := rt.Spawn(forward(out), DefaultActorOptions())
	require.NoError(t, err)

	for i := uint64(0); i < 1000; i++ {
		require.NoError(t, rt.Send(context.Background(), addr, u64(i)))
	}

	for i := uint64(0); i < 1000; i++ {
		select {
		case p := <-out:
			require.Equal(t, i, fromU64(p))
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestHandleNeverRunsConcurrently(t *testing.T) {
	rt := newTestRuntime(t, func(o *Options) {
		o.Workers = 8
		o.BatchLimit = 4
		o.SendMode = SendBlock
		o.SendTimeout = 10 * time.Second
	})

	const actors, senders, perSender = 16, 8, 500
	violations := atomic.NewInt32(0)
	total := atomic.NewInt64(0)

	addrs := make([]Address, actors)
	for i := range addrs {
		inside := atomic.NewInt32(0)
		addr, err := rt.Spawn(func() Behavior {
			count := 0
			return BehaviorFunc(func(_ *Context, _ Envelope) Effect {
				if inside.Inc() != 1 {
					violations.Inc()
				}
				count++
				total.Inc()
				inside.Dec()
				return Continue()
			})
		}, ActorOptions{MailboxSize: 32})
		require.NoError(t, err)
		addrs[i] = addr
	}

	var g errgroup.Group
	for s := 0; s < senders; s++ {
		g.Go(func() error {
			for i := 0; i < perSender; i++ {
				for _, addr := range addrs {
					if err := rt.Send(context.Background(), addr, nil); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Eventually(t, func() bool {
		return total.Load() == actors*senders*perSender
	}, 10*time.Second, 10*time.Millisecond)
	assert.Zero(t, violations.Load())
}

func TestTenThousandActors(t *testing.T) {
	rt := newTestRuntime(t, func(o *Options) {
		o.Workers = 8
	})

	const n = 10000
	received := atomic.NewInt64(0)
	duplicates := atomic.NewInt64(0)

	addrs := make([]Address, n)
	for i := range addrs {
		addr, err := rt.Spawn(func() Behavior {
			seen := map[uint64]bool{}
			return BehaviorFunc(func(_ *Context, env Envelope) Effect {
				if seen[env.Seq] {
					duplicates.Inc()
				}
				seen[env.Seq] = true
				received.Inc()
				return Continue()
			})
		}, ActorOptions{MailboxSize: 4})
		require.NoError(t, err)
		addrs[i] = addr
	}

	var g errgroup.Group
	g.SetLimit(32)
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			return rt.Send(context.Background(), addr, []byte("hello"))
		})
	}
	require.NoError(t, g.Wait())

	require.Eventually(t, func() bool {
		return received.Load() == n
	}, 10*time.Second, 10*time.Millisecond)
	assert.Zero(t, duplicates.Load())
	assert.Zero(t, rt.Stats().DeadLetters)
	assert.Equal(t, n, rt.Stats().Actors)
}

func TestSendToUnknownAddress(t *testing.T) {
	rt := newTestRuntime(t)
	missing := Address{Node: rt.Node(), ID: 9999}

	err := rt.Send(context.Background(), missing, []byte("lost"))
	require.ErrorIs(t, err, ErrAddressNotFound)

	select {
	case dl := <-rt.DeadLetters():
		assert.Equal(t, missing, dl.Envelope.Target)
		assert.ErrorIs(t, dl.Reason, ErrAddressNotFound)
	case <-time.After(time.Second):
		t.Fatal("no dead letter")
	}

	t.Run("other node without transport", func(t *testing.T) {
		err := rt.Send(context.Background(), Address{Node: "elsewhere", ID: 1}, nil)
		require.ErrorIs(t, err, ErrAddressNotFound)
	})
}

func TestSendFailFastOnFullMailbox(t *testing.T) {
	rt := newTestRuntime(t)
	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	handled := atomic.NewInt32(0)

	addr, err := rt.Spawn(gate(entered, release, handled), ActorOptions{MailboxSize: 2})
	require.NoError(t, err)

	require.NoError(t, rt.Send(context.Background(), addr, nil))
	<-entered

	require.NoError(t, rt.Send(context.Background(), addr, nil))
	require.NoError(t, rt.Send(context.Background(), addr, nil))
	err = rt.Send(context.Background(), addr, nil)
	require.ErrorIs(t, err, ErrMailboxFull)

	close(release)
	require.Eventually(t, func() bool { return handled.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, rt.Stats().DeadLetters, "a rejected send is reported to the caller, not dropped")
}

func TestSendBlockTimesOut(t *testing.T) {
	rt := newTestRuntime(t, func(o *Options) {
		o.SendMode = SendBlock
		o.SendTimeout = 30 * time.Millisecond
	})
	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	handled := atomic.NewInt32(0)
	defer close(release)

	addr, err := rt.Spawn(gate(entered, release, handled), ActorOptions{MailboxSize: 1})
	require.NoError(t, err)

	require.NoError(t, rt.Send(context.Background(), addr, nil))
	<-entered
	require.NoError(t, rt.Send(context.Background(), addr, nil))

	start := time.Now()
	err = rt.Send(context.Background(), addr, nil)
	require.ErrorIs(t, err, ErrMailboxFull)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestStopPolicy(t *testing.T) {
	cases := []struct {
		name        string
		policy      StopPolicy
		handled     int32
		deadLetters int
	}{
		{name: "discard", policy: StopDiscard, handled: 1, deadLetters: 3},
		{name: "drain", policy: StopDrain, handled: 4, deadLetters: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt := newTestRuntime(t)
			entered := make(chan struct{}, 8)
			release := make(chan struct{})
			handled := atomic.NewInt32(0)

			addr, err := rt.Spawn(gate(entered, release, handled), ActorOptions{StopPolicy: tc.policy})
			require.NoError(t, err)

			require.NoError(t, rt.Send(context.Background(), addr, nil))
			<-entered
			for i := 0; i < 3; i++ {
				require.NoError(t, rt.Send(context.Background(), addr, nil))
			}

			require.NoError(t, rt.Stop(addr))
			go func() {
				for range entered {
				}
			}()
			close(release)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			require.NoError(t, waitStopped(ctx, rt, addr))

			assert.Equal(t, tc.handled, handled.Load())
			assert.Len(t, drainDeadLetters(rt), tc.deadLetters)
		})
	}
}

func waitStopped(ctx context.Context, rt *Runtime, addr Address) error {
	for {
		if _, ok := rt.Lookup(addr); !ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func drainDeadLetters(rt *Runtime) []DeadLetter {
	var out []DeadLetter
	for {
		select {
		case dl, ok := <-rt.DeadLetters():
			if !ok {
				return out
			}
			out = append(out, dl)
		default:
			return out
		}
	}
}

type hookedBehavior struct {
	mu      *sync.Mutex
	calls   *[]string
	reasons chan error
}

func (h *hookedBehavior) record(s string) {
	h.mu.Lock()
	*h.calls = append(*h.calls, s)
	h.mu.Unlock()
}

func (h *hookedBehavior) OnStart(_ *Context) error {
	h.record("start")
	return nil
}

func (h *hookedBehavior) Handle(_ *Context, env Envelope) Effect {
	h.record("handle:" + string(env.Payload))
	if string(env.Payload) == "stop" {
		return Stop()
	}
	return Continue()
}

func (h *hookedBehavior) OnStop(_ *Context, reason error) {
	h.record("stop")
	h.reasons <- reason
}

func TestLifecycleHooks(t *testing.T) {
	rt := newTestRuntime(t)
	var mu sync.Mutex
	var calls []string
	reasons := make(chan error, 1)

	addr, err := rt.Spawn(func() Behavior {
		return &hookedBehavior{mu: &mu, calls: &calls, reasons: reasons}
	}, DefaultActorOptions())
	require.NoError(t, err)

	require.NoError(t, rt.Send(context.Background(), addr, []byte("a")))
	require.NoError(t, rt.Send(context.Background(), addr, []byte("stop")))

	select {
	case reason := <-reasons:
		assert.NoError(t, reason)
	case <-time.After(2 * time.Second):
		t.Fatal("OnStop was not called")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"start", "handle:a", "handle:stop", "stop"}, calls)

	_, ok := rt.Lookup(addr)
	assert.False(t, ok)
}

func TestAsk(t *testing.T) {
	rt := newTestRuntime(t)

	echo, err := rt.Spawn(func() Behavior {
		return BehaviorFunc(func(ctx *Context, env Envelope) Effect {
			if err := ctx.Reply(append([]byte("re:"), env.Payload...)); err != nil {
				return Fail(err)
			}
			return Continue()
		})
	}, DefaultActorOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := rt.Ask(ctx, echo, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "re:ping", string(reply))

	t.Run("times out without reply", func(t *testing.T) {
		silent, err := rt.Spawn(func() Behavior {
			return BehaviorFunc(func(*Context, Envelope) Effect { return Continue() })
		}, DefaultActorOptions())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = rt.Ask(ctx, silent, nil)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestReplyWithoutSender(t *testing.T) {
	rt := newTestRuntime(t)
	errs := make(chan error, 1)

	addr, err := rt.Spawn(func() Behavior {
		return BehaviorFunc(func(ctx *Context, _ Envelope) Effect {
			errs <- ctx.Reply(nil)
			return Continue()
		})
	}, DefaultActorOptions())
	require.NoError(t, err)

	require.NoError(t, rt.Send(context.Background(), addr, nil))
	assert.ErrorIs(t, <-errs, ErrNoSender)
}

func TestNamedActors(t *testing.T) {
	rt := newTestRuntime(t)
	out := make(chan []byte, 1)

	addr, err := rt.Spawn(forward(out), ActorOptions{Name: "printer"})
	require.NoError(t, err)

	found, ok := rt.Whereis("printer")
	require.True(t, ok)
	assert.Equal(t, addr, found)

	_, err = rt.Spawn(forward(out), ActorOptions{Name: "printer"})
	require.ErrorIs(t, err, ErrNameTaken)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, rt.StopWait(ctx, addr))

	_, ok = rt.Whereis("printer")
	assert.False(t, ok, "name is released when the actor stops")
}

type watchingParent struct {
	terminated chan Address
	reasons    chan error
	children   chan Address
}

func (p *watchingParent) OnStart(ctx *Context) error {
	child, err := ctx.Spawn(func() Behavior {
		return BehaviorFunc(func(*Context, Envelope) Effect { return Stop() })
	}, DefaultActorOptions())
	if err != nil {
		return err
	}
	p.children <- child
	return nil
}

func (p *watchingParent) Handle(*Context, Envelope) Effect {
	return Continue()
}

func (p *watchingParent) OnChildTerminated(_ *Context, child Address, reason error) Effect {
	p.terminated <- child
	p.reasons <- reason
	return Continue()
}

func TestChildTermination(t *testing.T) {
	rt := newTestRuntime(t)
	p := &watchingParent{
		terminated: make(chan Address, 1),
		reasons:    make(chan error, 1),
		children:   make(chan Address, 1),
	}

	parent, err := rt.Spawn(func() Behavior { return p }, DefaultActorOptions())
	require.NoError(t, err)
	child := <-p.children

	st, ok := rt.ActorStats(child)
	require.True(t, ok)
	assert.Equal(t, parent, st.Parent)

	require.NoError(t, rt.Send(context.Background(), child, nil))

	select {
	case got := <-p.terminated:
		assert.Equal(t, child, got)
		assert.NoError(t, <-p.reasons)
	case <-time.After(2 * time.Second):
		t.Fatal("parent was not notified")
	}
}

func TestStoppingParentStopsChildren(t *testing.T) {
	rt := newTestRuntime(t)
	p := &watchingParent{
		terminated: make(chan Address, 1),
		reasons:    make(chan error, 1),
		children:   make(chan Address, 1),
	}

	parent, err := rt.Spawn(func() Behavior { return p }, DefaultActorOptions())
	require.NoError(t, err)
	child := <-p.children

	require.NoError(t, rt.Stop(parent))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, waitStopped(ctx, rt, child))
}

func TestSubscribe(t *testing.T) {
	rt := newTestRuntime(t)
	events, cancel := rt.Subscribe(64)
	defer cancel()

	addr, err := rt.Spawn(func() Behavior {
		return BehaviorFunc(func(*Context, Envelope) Effect { return Stop() })
	}, DefaultActorOptions())
	require.NoError(t, err)
	require.NoError(t, rt.Send(context.Background(), addr, nil))

	var kinds []EventKind
	timeout := time.After(2 * time.Second)
	for len(kinds) == 0 || kinds[len(kinds)-1] != EventStop {
		select {
		case ev := <-events:
			if ev.Address == addr {
				kinds = append(kinds, ev.Kind)
			}
		case <-timeout:
			t.Fatalf("events so far: %v", kinds)
		}
	}
	assert.Equal(t, []EventKind{EventSpawn, EventDeliver, EventStop}, kinds)
}

func TestShutdown(t *testing.T) {
	rt := newTestRuntime(t)
	out := make(chan []byte, 1)
	addr, err := rt.Spawn(forward(out), DefaultActorOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, rt.Shutdown(ctx))

	assert.Zero(t, rt.Stats().Actors)
	assert.ErrorIs(t, rt.Send(context.Background(), addr, nil), ErrRuntimeStopped)
	_, err = rt.Spawn(forward(out), DefaultActorOptions())
	assert.ErrorIs(t, err, ErrRuntimeStopped)

	_, ok := <-rt.DeadLetters()
	assert.False(t, ok, "dead-letter channel is closed")
	assert.NoError(t, rt.Shutdown(ctx), "second shutdown is a no-op")
}

func TestParseAddress(t *testing.T) {
	addr := Address{Node: "eu-1", ID: 42}
	got, err := ParseAddress(addr.String())
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	for _, bad := range []string{"", "node", "/1", "node/", "node/x", "node/0"} {
		_, err := ParseAddress(bad)
		assert.ErrorIs(t, err, ErrInvalidAddress, bad)
	}

	assert.Equal(t, "-", Address{}.String())
	assert.False(t, Envelope{}.HasSender())
}

func TestConcurrentSendersKeepPerSenderOrder(t *testing.T) {
	rt := newTestRuntime(t)
	const senders, perSender = 8, 500

	type received struct {
		sender Address
		n      uint64
		seq    uint64
	}
	got := make(chan received, senders*perSender)
	sink, err := rt.Spawn(func() Behavior {
		return BehaviorFunc(func(_ *Context, env Envelope) Effect {
			got <- received{sender: env.Sender, n: fromU64(env.Payload), seq: env.Seq}
			return Continue()
		})
	}, ActorOptions{MailboxSize: senders * perSender})
	require.NoError(t, err)

	sendErrs := make(chan error, senders)
	for i := 0; i < senders; i++ {
		addr, err := rt.Spawn(func() Behavior {
			return BehaviorFunc(func(ctx *Context, _ Envelope) Effect {
				for n := uint64(0); n < perSender; n++ {
					if err := ctx.Send(sink, u64(n)); err != nil {
						sendErrs <- err
						return Stop()
					}
				}
				return Continue()
			})
		}, DefaultActorOptions())
		require.NoError(t, err)
		require.NoError(t, rt.Send(context.Background(), addr, nil))
	}

	last := map[Address]received{}
	for i := 0; i < senders*perSender; i++ {
		select {
		case r := <-got:
			if prev, ok := last[r.sender]; ok {
				require.Equal(t, prev.n+1, r.n, "payloads from %s out of order", r.sender)
				require.Greater(t, r.seq, prev.seq)
			} else {
				require.Zero(t, r.n, "first payload from %s", r.sender)
			}
			last[r.sender] = r
		case err := <-sendErrs:
			t.Fatalf("send failed: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d", i, senders*perSender)
		}
	}

	require.Len(t, last, senders)
	for sender, r := range last {
		assert.Equal(t, uint64(perSender-1), r.n, sender.String())
		assert.Equal(t, uint64(perSender), r.seq, sender.String())
	}
}

func TestSequenceTableForgetsStoppedSenders(t *testing.T) {
	rt := newTestRuntime(t)
	echo, err := rt.Spawn(func() Behavior {
		return BehaviorFunc(func(ctx *Context, env Envelope) Effect {
			_ = ctx.Reply(env.Payload)
			return Continue()
		})
	}, DefaultActorOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	for i := uint64(0); i < 4*seqSweepMin; i++ {
		p, err := rt.Ask(ctx, echo, u64(i))
		require.NoError(t, err)
		require.Equal(t, i, fromU64(p))
	}

	c, ok := rt.registry.local(echo)
	require.True(t, ok)
	c.mailbox.mu.Lock()
	n := len(c.mailbox.seqs)
	c.mailbox.mu.Unlock()
	assert.LessOrEqual(t, n, seqSweepMin+1, "one-shot reply actors are not remembered")
}

type linkWatcher struct {
	died chan<- linkDeath
}

type linkDeath struct {
	link   Address
	reason error
}

func (w *linkWatcher) Handle(ctx *Context, env Envelope) Effect {
	if len(env.Payload) == 8 {
		target := Address{Node: ctx.Self().Node, ID: fromU64(env.Payload)}
		if err := ctx.Link(target); err != nil {
			return Fail(err)
		}
	}
	return Continue()
}

func (w *linkWatcher) OnLinkDied(_ *Context, link Address, reason error) Effect {
	w.died <- linkDeath{link: link, reason: reason}
	return Continue()
}

func failingSpawn(t *testing.T, rt *Runtime) Address {
	t.Helper()
	spec := DefaultSupervisionSpec()
	spec.Policy = Escalate
	addr, err := rt.Spawn(func() Behavior {
		return BehaviorFunc(func(_ *Context, env Envelope) Effect {
			if string(env.Payload) == "boom" {
				return Fail(errBoom)
			}
			return Continue()
		})
	}, ActorOptions{Supervision: &spec})
	require.NoError(t, err)
	return addr
}

func TestLinkedActorStopsNormally(t *testing.T) {
	rt := newTestRuntime(t)
	events, cancel := rt.Subscribe(64)
	defer cancel()

	out := make(chan []byte, 1)
	a, err := rt.Spawn(forward(out), DefaultActorOptions())
	require.NoError(t, err)
	b, err := rt.Spawn(forward(out), DefaultActorOptions())
	require.NoError(t, err)
	require.NoError(t, rt.Link(a, b))

	require.NoError(t, rt.Stop(a))
	waitEvent(t, events, EventStop, a)

	require.NoError(t, rt.Send(context.Background(), b, []byte("alive")))
	select {
	case p := <-out:
		assert.Equal(t, "alive", string(p))
	case <-time.After(2 * time.Second):
		t.Fatal("linked partner stopped after a normal stop")
	}
	ref, ok := rt.Lookup(b)
	require.True(t, ok)
	assert.Equal(t, PhaseRunning, ref.Phase())
}

func TestLinkedActorDiesAbnormally(t *testing.T) {
	rt := newTestRuntime(t)
	events, cancel := rt.Subscribe(64)
	defer cancel()

	a := failingSpawn(t, rt)
	out := make(chan []byte, 1)
	b, err := rt.Spawn(forward(out), DefaultActorOptions())
	require.NoError(t, err)
	require.NoError(t, rt.Link(a, b))

	require.NoError(t, rt.Send(context.Background(), a, []byte("boom")))

	stop := waitEvent(t, events, EventStop, b)
	assert.ErrorIs(t, stop.Reason, ErrLinkDied)
	assert.ErrorIs(t, stop.Reason, ErrSupervisionExhausted)
	assert.Contains(t, stop.Reason.Error(), a.String())
}

func TestLinkWatcherDecides(t *testing.T) {
	rt := newTestRuntime(t)
	died := make(chan linkDeath, 1)

	a := failingSpawn(t, rt)
	w, err := rt.Spawn(func() Behavior { return &linkWatcher{died: died} }, DefaultActorOptions())
	require.NoError(t, err)
	require.NoError(t, rt.Send(context.Background(), w, u64(a.ID)))
	require.Eventually(t, func() bool {
		c, ok := rt.registry.local(a)
		if !ok {
			return false
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		_, linked := c.links[w]
		return linked
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, rt.Send(context.Background(), a, []byte("boom")))
	select {
	case d := <-died:
		assert.Equal(t, a, d.link)
		assert.ErrorIs(t, d.reason, errBoom)
	case <-time.After(2 * time.Second):
		t.Fatal("OnLinkDied was not called")
	}

	ref, ok := rt.Lookup(w)
	require.True(t, ok, "a watcher returning Continue keeps running")
	assert.Equal(t, PhaseRunning, ref.Phase())
}

func TestLinkErrors(t *testing.T) {
	rt := newTestRuntime(t)
	out := make(chan []byte, 1)
	a, err := rt.Spawn(forward(out), DefaultActorOptions())
	require.NoError(t, err)
	b, err := rt.Spawn(forward(out), DefaultActorOptions())
	require.NoError(t, err)

	assert.ErrorIs(t, rt.Link(a, a), ErrInvalidAddress)
	assert.ErrorIs(t, rt.Link(a, Address{Node: "test", ID: 9999}), ErrAddressNotFound)
	assert.ErrorIs(t, rt.Link(a, Address{Node: "elsewhere", ID: 1}), ErrAddressNotFound)

	require.NoError(t, rt.Link(a, b))
	rt.Unlink(b, a)
	require.NoError(t, rt.Stop(a))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, waitStopped(ctx, rt, a))
	ca, ok := rt.registry.local(b)
	require.True(t, ok)
	ca.mu.Lock()
	assert.Empty(t, ca.links)
	ca.mu.Unlock()
}
