package network

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func connPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
		close(accepted)
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)

	client := NewConn(dialed, 0, time.Second)
	srv := NewConn(server, 0, time.Second)
	t.Cleanup(func() {
		client.Close()
		srv.Close()
	})
	return client, srv
}

func TestConnHandshake(t *testing.T) {
	client, server := connPair(t)

	type result struct {
		h   Handshake
		err error
	}
	done := make(chan result, 1)
	go func() {
		h, err := server.Handshake(Handshake{Node: "b", Addr: "b:1", Version: ProtocolVersion}, time.Second, false)
		done <- result{h, err}
	}()

	got, err := client.Handshake(Handshake{Node: "a", Addr: "a:1", Version: ProtocolVersion, Session: "s"}, time.Second, true)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Node)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "a", res.h.Node)
	assert.Equal(t, "s", res.h.Session)
}

func TestConnHandshakeTimeout(t *testing.T) {
	client, _ := connPair(t)

	_, err := client.Handshake(Handshake{Node: "a", Version: ProtocolVersion}, 20*time.Millisecond, true)
	require.Error(t, err)
}

func TestConnFrames(t *testing.T) {
	client, server := connPair(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, client.WriteFrame(FrameEnvelope, []byte{byte(i)}))
	}

	for i := 0; i < 10; i++ {
		f, err := server.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, f.Body)
	}

	stats := client.GetStatistics()
	assert.Equal(t, uint64(10), stats.FramesWritten)
	assert.Equal(t, uint64(10*(FrameHeaderSize+1)), stats.BytesWritten)
	assert.Equal(t, uint64(10), server.GetStatistics().FramesRead)
}

func TestConnClose(t *testing.T) {
	client, server := connPair(t)

	require.NoError(t, client.Close())
	assert.Equal(t, ConnectionStateClosed, client.State())
	assert.NoError(t, client.Close(), "close is idempotent")
	assert.Error(t, client.WriteFrame(FrameEnvelope, nil))

	_, err := server.ReadFrame()
	assert.Error(t, err)
}
