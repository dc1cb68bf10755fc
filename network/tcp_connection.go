package network

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ConnectionState represents the state of a framed connection
type ConnectionState int32

const (
	ConnectionStateConnected ConnectionState = iota
	ConnectionStateClosed
)

// String returns the string representation of ConnectionState
func (cs ConnectionState) String() string {
	switch cs {
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is a TCP connection speaking the frame format. Writes are
// serialized; reads must come from a single goroutine.
type Conn struct {
	id           string
	conn         net.Conn
	reader       *bufio.Reader
	readTimeout  time.Duration
	writeTimeout time.Duration

	wmu    sync.Mutex
	writer *bufio.Writer

	state        *atomic.Int32
	lastActivity *atomic.Int64

	// Statistics
	bytesRead     *atomic.Uint64
	bytesWritten  *atomic.Uint64
	framesRead    *atomic.Uint64
	framesWritten *atomic.Uint64
}

// connectionIDCounter generates unique connection IDs
var connectionIDCounter = atomic.NewUint64(0)

// NewConn wraps conn. A zero timeout disables the corresponding deadline.
func NewConn(conn net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:            fmt.Sprintf("tcp-%d", connectionIDCounter.Inc()),
		conn:          conn,
		reader:        bufio.NewReaderSize(conn, 64<<10),
		writer:        bufio.NewWriterSize(conn, 64<<10),
		readTimeout:   readTimeout,
		writeTimeout:  writeTimeout,
		state:         atomic.NewInt32(int32(ConnectionStateConnected)),
		lastActivity:  atomic.NewInt64(time.Now().Unix()),
		bytesRead:     atomic.NewUint64(0),
		bytesWritten:  atomic.NewUint64(0),
		framesRead:    atomic.NewUint64(0),
		framesWritten: atomic.NewUint64(0),
	}
}

// ID returns the connection ID
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the remote address
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local address
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// State returns the current connection state
func (c *Conn) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// WriteFrame writes and flushes one frame. The frame is on the wire (or in
// the kernel buffer) when it returns nil.
func (c *Conn) WriteFrame(kind FrameKind, body []byte) error {
	buf, err := EncodeFrame(kind, body)
	if err != nil {
		return err
	}
	return c.WriteEncoded(buf)
}

// WriteEncoded writes a frame produced by EncodeFrame.
func (c *Conn) WriteEncoded(frame []byte) error {
	if c.State() == ConnectionStateClosed {
		return errors.Errorf("connection %s is closed", c.id)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return errors.Wrap(err, "set write deadline")
		}
	}
	if _, err := c.writer.Write(frame); err != nil {
		return errors.Wrap(err, "write frame")
	}
	if err := c.writer.Flush(); err != nil {
		return errors.Wrap(err, "flush frame")
	}

	c.bytesWritten.Add(uint64(len(frame)))
	c.framesWritten.Inc()
	c.updateActivity()
	return nil
}

// ReadFrame reads the next frame.
func (c *Conn) ReadFrame() (Frame, error) {
	if c.readTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return Frame{}, errors.Wrap(err, "set read deadline")
		}
	}

	f, err := ReadFrame(c.reader)
	if err != nil {
		return Frame{}, err
	}

	c.bytesRead.Add(uint64(f.Size()))
	c.framesRead.Inc()
	c.updateActivity()
	return f, nil
}

// Handshake exchanges handshake frames within timeout. The dialing side
// writes first.
func (c *Conn) Handshake(local Handshake, timeout time.Duration, dialer bool) (Handshake, error) {
	if timeout > 0 {
		deadline := time.Now().Add(timeout)
		if err := c.conn.SetDeadline(deadline); err != nil {
			return Handshake{}, errors.Wrap(err, "set handshake deadline")
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	body := AppendHandshake(nil, local)
	if dialer {
		if err := c.writeHandshake(body); err != nil {
			return Handshake{}, err
		}
	}

	f, err := ReadFrame(c.reader)
	if err != nil {
		return Handshake{}, errors.Wrap(err, "read handshake")
	}
	if f.Kind != FrameHandshake {
		return Handshake{}, errors.Wrapf(ErrMalformedFrame, "expected handshake, got %s", f.Kind)
	}
	remote, err := DecodeHandshake(f.Body)
	if err != nil {
		return Handshake{}, err
	}
	c.bytesRead.Add(uint64(f.Size()))
	c.framesRead.Inc()

	if !dialer {
		if err := c.writeHandshake(body); err != nil {
			return Handshake{}, err
		}
	}
	return remote, nil
}

func (c *Conn) writeHandshake(body []byte) error {
	buf, err := EncodeFrame(FrameHandshake, body)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.writer.Write(buf); err != nil {
		return errors.Wrap(err, "write handshake")
	}
	if err := c.writer.Flush(); err != nil {
		return errors.Wrap(err, "flush handshake")
	}
	c.bytesWritten.Add(uint64(len(buf)))
	c.framesWritten.Inc()
	return nil
}

// Close closes the connection
func (c *Conn) Close() error {
	if !c.state.CompareAndSwap(int32(ConnectionStateConnected), int32(ConnectionStateClosed)) {
		return nil
	}
	return c.conn.Close()
}

// GetLastActivity returns the last activity timestamp
func (c *Conn) GetLastActivity() time.Time {
	return time.Unix(c.lastActivity.Load(), 0)
}

// GetStatistics returns connection statistics
func (c *Conn) GetStatistics() ConnectionStatistics {
	return ConnectionStatistics{
		ConnectionID:  c.id,
		State:         c.State(),
		BytesRead:     c.bytesRead.Load(),
		BytesWritten:  c.bytesWritten.Load(),
		FramesRead:    c.framesRead.Load(),
		FramesWritten: c.framesWritten.Load(),
		LastActivity:  c.GetLastActivity(),
		RemoteAddr:    c.RemoteAddr().String(),
		LocalAddr:     c.LocalAddr().String(),
	}
}

// updateActivity updates the last activity timestamp
func (c *Conn) updateActivity() {
	c.lastActivity.Store(time.Now().Unix())
}

// ConnectionStatistics holds statistics for a connection
type ConnectionStatistics struct {
	ConnectionID  string          `json:"connection_id"`
	State         ConnectionState `json:"state"`
	BytesRead     uint64          `json:"bytes_read"`
	BytesWritten  uint64          `json:"bytes_written"`
	FramesRead    uint64          `json:"frames_read"`
	FramesWritten uint64          `json:"frames_written"`
	LastActivity  time.Time       `json:"last_activity"`
	RemoteAddr    string          `json:"remote_addr"`
	LocalAddr     string          `json:"local_addr"`
}

// String returns the string representation of connection statistics
func (cs ConnectionStatistics) String() string {
	return fmt.Sprintf("Connection[%s] State=%s BytesR/W=%d/%d FramesR/W=%d/%d LastActivity=%s Remote=%s",
		cs.ConnectionID, cs.State, cs.BytesRead, cs.BytesWritten,
		cs.FramesRead, cs.FramesWritten, cs.LastActivity.Format(time.RFC3339),
		cs.RemoteAddr)
}
