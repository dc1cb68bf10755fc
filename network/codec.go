package network

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/najoast/skein/core"
)

// Handshake is the first frame on every connection.
type Handshake struct {
	// Node is the sender's node id
	Node string

	// Addr is the address the sender accepts connections on
	Addr string

	// Version is the wire protocol version
	Version uint32

	// Session identifies one incarnation of the sending gateway
	Session string
}

// Handshake field numbers
const (
	handshakeNode    protowire.Number = 1
	handshakeAddr    protowire.Number = 2
	handshakeVersion protowire.Number = 3
	handshakeSession protowire.Number = 4
)

// Envelope field numbers
const (
	envTargetNode protowire.Number = 1
	envTargetID   protowire.Number = 2
	envSenderNode protowire.Number = 3
	envSenderID   protowire.Number = 4
	envSeq        protowire.Number = 5
	envPayload    protowire.Number = 6
	envStream     protowire.Number = 7
)

// AppendHandshake appends the encoded handshake body to b.
func AppendHandshake(b []byte, h Handshake) []byte {
	b = protowire.AppendTag(b, handshakeNode, protowire.BytesType)
	b = protowire.AppendString(b, h.Node)
	b = protowire.AppendTag(b, handshakeAddr, protowire.BytesType)
	b = protowire.AppendString(b, h.Addr)
	b = protowire.AppendTag(b, handshakeVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Version))
	b = protowire.AppendTag(b, handshakeSession, protowire.BytesType)
	b = protowire.AppendString(b, h.Session)
	return b
}

// DecodeHandshake parses a handshake body. Unknown fields are skipped.
func DecodeHandshake(b []byte) (Handshake, error) {
	var h Handshake
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == handshakeNode && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			h.Node = v
			return n, nil
		case num == handshakeAddr && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			h.Addr = v
			return n, nil
		case num == handshakeVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			h.Version = uint32(v)
			return n, nil
		case num == handshakeSession && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			h.Session = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Handshake{}, errors.Wrap(err, "handshake")
	}
	if h.Node == "" {
		return Handshake{}, errors.Wrap(ErrMalformedFrame, "handshake without node id")
	}
	return h, nil
}

// AppendEnvelope appends the encoded envelope body to b. Zero-valued
// sender fields and a zero stream are omitted.
func AppendEnvelope(b []byte, env core.Envelope) []byte {
	b = protowire.AppendTag(b, envTargetNode, protowire.BytesType)
	b = protowire.AppendString(b, env.Target.Node)
	b = protowire.AppendTag(b, envTargetID, protowire.VarintType)
	b = protowire.AppendVarint(b, env.Target.ID)
	if env.HasSender() {
		b = protowire.AppendTag(b, envSenderNode, protowire.BytesType)
		b = protowire.AppendString(b, env.Sender.Node)
		b = protowire.AppendTag(b, envSenderID, protowire.VarintType)
		b = protowire.AppendVarint(b, env.Sender.ID)
	}
	b = protowire.AppendTag(b, envSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, env.Seq)
	b = protowire.AppendTag(b, envPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, env.Payload)
	if env.Stream != 0 {
		b = protowire.AppendTag(b, envStream, protowire.VarintType)
		b = protowire.AppendVarint(b, env.Stream)
	}
	return b
}

// DecodeEnvelope parses an envelope body. The payload is copied so the
// result does not alias b.
func DecodeEnvelope(b []byte) (core.Envelope, error) {
	var env core.Envelope
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == envTargetNode && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			env.Target.Node = v
			return n, nil
		case num == envTargetID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			env.Target.ID = v
			return n, nil
		case num == envSenderNode && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			env.Sender.Node = v
			return n, nil
		case num == envSenderID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			env.Sender.ID = v
			return n, nil
		case num == envSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			env.Seq = v
			return n, nil
		case num == envStream && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			env.Stream = v
			return n, nil
		case num == envPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				env.Payload = append([]byte(nil), v...)
			}
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return core.Envelope{}, errors.Wrap(err, "envelope")
	}
	if env.Target.ID == 0 || env.Target.Node == "" {
		return core.Envelope{}, errors.Wrap(ErrMalformedFrame, "envelope without target")
	}
	if env.Seq == 0 {
		return core.Envelope{}, errors.Wrap(ErrMalformedFrame, "envelope without sequence")
	}
	return env, nil
}

// EncodeEnvelopeFrame returns a complete envelope frame.
func EncodeEnvelopeFrame(env core.Envelope) ([]byte, error) {
	return EncodeFrame(FrameEnvelope, AppendEnvelope(nil, env))
}

// walkFields calls fn for every tagged field in b. fn returns the number
// of value bytes consumed, negative on a parse error.
func walkFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return errors.Wrap(ErrMalformedFrame, protowire.ParseError(n).Error())
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return errors.Wrapf(ErrMalformedFrame, "field %d: %v", num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
