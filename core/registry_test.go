package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTransport accepts every send and keeps it.
type recordingTransport struct {
	mu   sync.Mutex
	sent []Envelope
}

func (t *recordingTransport) SendRemote(_ context.Context, _ string, env Envelope) error {
	t.mu.Lock()
	t.sent = append(t.sent, env)
	t.mu.Unlock()
	return nil
}

func (t *recordingTransport) Reachable(string) bool { return true }

func (t *recordingTransport) envelopes() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Envelope(nil), t.sent...)
}

func TestStubSequencePerSender(t *testing.T) {
	rt := newTestRuntime(t)
	tr := &recordingTransport{}
	rt.AttachRemote(tr)

	remote := Address{Node: "peer", ID: 5}
	a := Address{Node: "test", ID: 900}
	b := Address{Node: "test", ID: 901}
	ctx := context.Background()
	require.NoError(t, rt.SendFrom(ctx, a, remote, nil))
	require.NoError(t, rt.SendFrom(ctx, b, remote, nil))
	require.NoError(t, rt.SendFrom(ctx, a, remote, nil))

	sent := tr.envelopes()
	require.Len(t, sent, 3)
	assert.Equal(t, []uint64{1, 1, 2}, []uint64{sent[0].Seq, sent[1].Seq, sent[2].Seq})
	assert.NotZero(t, sent[0].Stream)
	assert.Equal(t, sent[0].Stream, sent[2].Stream)
}

func TestStubEviction(t *testing.T) {
	rt := newTestRuntime(t)
	tr := &recordingTransport{}
	rt.AttachRemote(tr)

	out := make(chan []byte, 1)
	sender, err := rt.Spawn(forward(out), DefaultActorOptions())
	require.NoError(t, err)
	remote := Address{Node: "peer", ID: 5}
	ctx := context.Background()

	ref, ok := rt.Lookup(remote)
	require.True(t, ok)
	require.NoError(t, rt.SendFrom(ctx, sender, remote, nil))

	t.Run("live sender keeps the stub", func(t *testing.T) {
		assert.Zero(t, rt.registry.sweepStubs(time.Now().Add(-time.Hour), ""))
		assert.Equal(t, 1, rt.registry.stubs.Count())
	})

	t.Run("idle stub is evicted", func(t *testing.T) {
		assert.Equal(t, 1, rt.registry.sweepStubs(time.Now().Add(time.Second), ""))
		assert.Zero(t, rt.registry.stubs.Count())
	})

	t.Run("evicted ref resolves a fresh stream", func(t *testing.T) {
		require.NoError(t, ref.deliver(ctx, Envelope{Sender: sender, Target: remote}, false))
		sent := tr.envelopes()
		require.Len(t, sent, 2)
		assert.Equal(t, uint64(1), sent[1].Seq)
		assert.NotEqual(t, sent[0].Stream, sent[1].Stream, "a restarted count needs a new stream")
		assert.Equal(t, 1, rt.registry.stubs.Count())
	})

	t.Run("stopped senders are forgotten", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		require.NoError(t, rt.StopWait(ctx, sender))
		assert.Equal(t, 1, rt.registry.sweepStubs(time.Now().Add(-time.Hour), ""))
	})

	t.Run("forget node", func(t *testing.T) {
		_, ok := rt.Lookup(remote)
		require.True(t, ok)
		_, ok = rt.Lookup(Address{Node: "other", ID: 1})
		require.True(t, ok)

		assert.Equal(t, 1, rt.ForgetNode("peer"))
		assert.Equal(t, 1, rt.registry.stubs.Count())
	})
}

func TestStubTableIsBounded(t *testing.T) {
	rt := newTestRuntime(t)
	rt.AttachRemote(&recordingTransport{})

	for i := 0; i < 4*stubSweepMin; i++ {
		_, ok := rt.Lookup(Address{Node: "peer", ID: uint64(i + 1)})
		require.True(t, ok)
	}
	assert.LessOrEqual(t, rt.registry.stubs.Count(), stubSweepMin+1, "unused stubs are dropped")
}
