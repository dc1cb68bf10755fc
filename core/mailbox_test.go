package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxCapacity(t *testing.T) {
	const capacity = 8
	mb := NewMailbox(capacity, nil)
	target := Address{Node: "n", ID: 1}

	full := 0
	for i := 0; i < capacity+1; i++ {
		err := mb.Enqueue(Envelope{Target: target, Payload: []byte{byte(i)}})
		if err != nil {
			require.ErrorIs(t, err, ErrMailboxFull)
			full++
		}
	}

	assert.Equal(t, 1, full)
	assert.Equal(t, capacity, mb.Len())
	assert.Equal(t, capacity, mb.Cap())
}

func TestMailboxFIFOAndSequence(t *testing.T) {
	mb := NewMailbox(64, nil)
	a := Address{Node: "n", ID: 10}
	b := Address{Node: "n", ID: 11}

	for i := 0; i < 5; i++ {
		require.NoError(t, mb.Enqueue(Envelope{Sender: a, Payload: []byte{'a', byte(i)}}))
		require.NoError(t, mb.Enqueue(Envelope{Sender: b, Payload: []byte{'b', byte(i)}}))
	}

	got := mb.DequeueBatch(3)
	got = append(got, mb.DequeueBatch(100)...)
	require.Len(t, got, 10)

	seqs := map[Address]uint64{}
	for i, env := range got {
		// Queue order is enqueue order.
		if i%2 == 0 {
			assert.Equal(t, a, env.Sender)
		} else {
			assert.Equal(t, b, env.Sender)
		}
		assert.Equal(t, seqs[env.Sender]+1, env.Seq, "sequence must increase by one per sender")
		seqs[env.Sender] = env.Seq
	}

	assert.Nil(t, mb.DequeueBatch(10))
}

func TestMailboxKeepsRemoteSequence(t *testing.T) {
	mb := NewMailbox(4, nil)
	remote := Address{Node: "peer", ID: 3}

	require.NoError(t, mb.Enqueue(Envelope{Sender: remote, Seq: 41}))
	require.NoError(t, mb.Enqueue(Envelope{Sender: remote, Seq: 42}))

	got := mb.DequeueBatch(4)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(41), got[0].Seq)
	assert.Equal(t, uint64(42), got[1].Seq)
}

func TestMailboxForgetsGoneSenders(t *testing.T) {
	live := Address{Node: "n", ID: 1}
	mb := NewMailbox(4*seqSweepMin, nil)
	mb.gone = func(a Address) bool { return a != live }

	require.NoError(t, mb.Enqueue(Envelope{Sender: live}))
	for i := 0; i < 2*seqSweepMin; i++ {
		require.NoError(t, mb.Enqueue(Envelope{Sender: Address{Node: "n", ID: uint64(100 + i)}}))
	}
	require.NoError(t, mb.Enqueue(Envelope{Sender: live}))

	mb.mu.Lock()
	n := len(mb.seqs)
	mb.mu.Unlock()
	assert.LessOrEqual(t, n, seqSweepMin+1)

	got := mb.DequeueBatch(4 * seqSweepMin)
	require.Len(t, got, 2*seqSweepMin+2)
	assert.Equal(t, uint64(2), got[len(got)-1].Seq, "live senders keep counting")
}

func TestMailboxReadySignal(t *testing.T) {
	calls := 0
	mb := NewMailbox(16, func() { calls++ })

	require.NoError(t, mb.Enqueue(Envelope{}))
	require.NoError(t, mb.Enqueue(Envelope{}))
	assert.Equal(t, 1, calls, "only the empty to non-empty transition signals")

	mb.DequeueBatch(16)
	require.NoError(t, mb.Enqueue(Envelope{}))
	assert.Equal(t, 2, calls)
}

func TestMailboxRequeueFront(t *testing.T) {
	mb := NewMailbox(4, nil)
	for i := 1; i <= 4; i++ {
		require.NoError(t, mb.Enqueue(Envelope{Payload: []byte{byte(i)}}))
	}

	batch := mb.DequeueBatch(3)
	require.NoError(t, mb.Enqueue(Envelope{Payload: []byte{5}}))
	mb.requeueFront(batch[1:])

	var order []byte
	for _, env := range mb.Snapshot() {
		order = append(order, env.Payload[0])
	}
	assert.Equal(t, []byte{2, 3, 4, 5}, order)
}

func TestMailboxEnqueueWait(t *testing.T) {
	t.Run("times out when full", func(t *testing.T) {
		mb := NewMailbox(1, nil)
		require.NoError(t, mb.Enqueue(Envelope{}))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := mb.EnqueueWait(ctx, Envelope{})
		require.ErrorIs(t, err, ErrMailboxFull)
	})

	t.Run("resumes when space frees", func(t *testing.T) {
		mb := NewMailbox(1, nil)
		require.NoError(t, mb.Enqueue(Envelope{Payload: []byte{1}}))

		done := make(chan error, 1)
		go func() {
			done <- mb.EnqueueWait(context.Background(), Envelope{Payload: []byte{2}})
		}()

		time.Sleep(10 * time.Millisecond)
		require.Len(t, mb.DequeueBatch(1), 1)

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("EnqueueWait did not resume")
		}
		assert.Equal(t, 1, mb.Len())
	})

	t.Run("released by close", func(t *testing.T) {
		mb := NewMailbox(1, nil)
		require.NoError(t, mb.Enqueue(Envelope{}))

		done := make(chan error, 1)
		go func() {
			done <- mb.EnqueueWait(context.Background(), Envelope{})
		}()

		time.Sleep(10 * time.Millisecond)
		rest := mb.Close()
		assert.Len(t, rest, 1)

		select {
		case err := <-done:
			require.ErrorIs(t, err, ErrActorStopped)
		case <-time.After(time.Second):
			t.Fatal("EnqueueWait was not released")
		}
	})
}

func TestMailboxClose(t *testing.T) {
	mb := NewMailbox(4, nil)
	require.NoError(t, mb.Enqueue(Envelope{Payload: []byte("x")}))

	rest := mb.Close()
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("x"), rest[0].Payload)

	assert.ErrorIs(t, mb.Enqueue(Envelope{}), ErrActorStopped)
	assert.Nil(t, mb.Close())
	assert.Zero(t, mb.Len())
}
