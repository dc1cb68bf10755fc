// Package network implements the skein wire format: length-prefixed frames
// carrying a handshake or an envelope, and framed TCP connections.
package network

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// FrameKind identifies the body of a frame
type FrameKind uint8

const (
	// FrameHandshake opens every connection
	FrameHandshake FrameKind = 1

	// FrameEnvelope carries one actor envelope
	FrameEnvelope FrameKind = 2
)

// String returns the string representation of FrameKind
func (k FrameKind) String() string {
	switch k {
	case FrameHandshake:
		return "handshake"
	case FrameEnvelope:
		return "envelope"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

func (k FrameKind) valid() bool {
	return k == FrameHandshake || k == FrameEnvelope
}

// Constants for frame serialization
const (
	// LengthPrefixSize is the size of the big-endian length prefix
	LengthPrefixSize = 4

	// FrameHeaderSize is the length prefix plus the kind byte
	FrameHeaderSize = LengthPrefixSize + 1

	// MaxFrameSize bounds the length prefix (kind byte plus body)
	MaxFrameSize = 16 << 20 // 16MB

	// ProtocolVersion is exchanged in the handshake
	ProtocolVersion = 1
)

var (
	// ErrFrameTooLarge is returned for frames above MaxFrameSize
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrUnknownFrame is returned for an unrecognized kind byte
	ErrUnknownFrame = errors.New("unknown frame kind")

	// ErrMalformedFrame wraps every decode failure
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is one decoded unit of the wire format
type Frame struct {
	Kind FrameKind
	Body []byte
}

// Size returns the encoded size of the frame in bytes
func (f Frame) Size() int {
	return FrameHeaderSize + len(f.Body)
}

// EncodeFrame returns [u32 length][u8 kind][body]. length counts the kind
// byte and the body.
func EncodeFrame(kind FrameKind, body []byte) ([]byte, error) {
	if !kind.valid() {
		return nil, errors.Wrapf(ErrUnknownFrame, "kind %d", kind)
	}
	n := 1 + len(body)
	if n > MaxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes (max %d)", n, MaxFrameSize)
	}

	buf := make([]byte, LengthPrefixSize+n)
	binary.BigEndian.PutUint32(buf[0:4], uint32(n))
	buf[4] = byte(kind)
	copy(buf[FrameHeaderSize:], body)
	return buf, nil
}

// DecodeFrame parses one complete frame from the start of data and returns
// it along with the number of bytes consumed. Body aliases data.
func DecodeFrame(data []byte) (Frame, int, error) {
	if len(data) < LengthPrefixSize {
		return Frame{}, 0, errors.Wrapf(ErrMalformedFrame, "short length prefix: %d bytes", len(data))
	}
	n, err := frameLength(data[:LengthPrefixSize])
	if err != nil {
		return Frame{}, 0, err
	}
	if len(data) < LengthPrefixSize+n {
		return Frame{}, 0, errors.Wrapf(ErrMalformedFrame, "truncated frame: want %d bytes, have %d",
			LengthPrefixSize+n, len(data))
	}

	kind := FrameKind(data[LengthPrefixSize])
	if !kind.valid() {
		return Frame{}, 0, errors.Wrapf(ErrUnknownFrame, "kind %d", kind)
	}
	return Frame{Kind: kind, Body: data[FrameHeaderSize : LengthPrefixSize+n]}, LengthPrefixSize + n, nil
}

// ReadFrame reads exactly one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Frame{}, err
	}
	n, err := frameLength(prefix[:])
	if err != nil {
		return Frame{}, err
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	kind := FrameKind(buf[0])
	if !kind.valid() {
		return Frame{}, errors.Wrapf(ErrUnknownFrame, "kind %d", kind)
	}
	return Frame{Kind: kind, Body: buf[1:]}, nil
}

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, kind FrameKind, body []byte) error {
	buf, err := EncodeFrame(kind, body)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func frameLength(prefix []byte) (int, error) {
	n := binary.BigEndian.Uint32(prefix)
	if n == 0 {
		return 0, errors.Wrap(ErrMalformedFrame, "zero length")
	}
	if n > MaxFrameSize {
		return 0, errors.Wrapf(ErrFrameTooLarge, "%d bytes (max %d)", n, MaxFrameSize)
	}
	return int(n), nil
}
