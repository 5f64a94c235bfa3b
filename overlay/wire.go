// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package overlay implements the star-topology relay: a TCP transport over
// which every peer holds one connection to the broker's relay server, which
// forwards peer-to-peer traffic by endpoint id. It provides best-effort
// unicast plus membership/network-size notifications; it carries no
// knowledge of orders or exchanges.
package overlay

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// EndpointIDSize is the length in bytes of an EndpointID.
const EndpointIDSize = 20

// EndpointID is the opaque tag the relay uses to address a peer. The broker
// occupies the well-known fixed BrokerID.
type EndpointID [EndpointIDSize]byte

// BrokerID is the broker's well-known, fixed overlay identity.
var BrokerID = EndpointID{0xb0, 0x0c, 0x3a, 0x57} // distinguishable, non-random

func (id EndpointID) String() string {
	return fmt.Sprintf("%x", id[:])
}

func (id EndpointID) IsZero() bool {
	return id == EndpointID{}
}

// frameKind discriminates the two body schemas carried by a frame. Hand
// rolling a oneof wrapper without a .proto/protoc step would obscure more
// than it clarifies, so the discriminator is a single leading byte; the
// body itself is still real protobuf wire encoding via protowire.
type frameKind byte

const (
	kindStatus frameKind = 0
	kindRelay  frameKind = 1
)

// maxFrameBody caps a single frame's body to guard the reader against a
// corrupt or hostile length prefix.
const maxFrameBody = 1 << 20

// StatusMessage is sent server to client, broadcast on membership change.
type StatusMessage struct {
	NetworkSize uint32
}

func (m StatusMessage) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.NetworkSize))
	return b
}

func unmarshalStatus(b []byte) (StatusMessage, error) {
	var m StatusMessage
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("overlay: bad status tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("overlay: bad status varint: %w", protowire.ParseError(n))
			}
			m.NetworkSize = uint32(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("overlay: bad status field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

// RelayMessage carries one peer's payload toward another, addressed by
// EndpointID. The server rewrites EndpointID to the true source when
// forwarding, so from a client's perspective EndpointID is always "the
// other end" (the destination when sending, the sender when receiving).
type RelayMessage struct {
	EndpointID EndpointID
	Payload    []byte
}

func (m RelayMessage) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, m.EndpointID[:])
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Payload)
	return b
}

func unmarshalRelay(b []byte) (RelayMessage, error) {
	var m RelayMessage
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("overlay: bad relay tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("overlay: bad relay endpoint_id: %w", protowire.ParseError(n))
			}
			copy(m.EndpointID[:], v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("overlay: bad relay payload: %w", protowire.ParseError(n))
			}
			m.Payload = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("overlay: bad relay field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

// frame is the decoded form of one wire frame: exactly one of status/relay
// is non-nil.
type frame struct {
	status *StatusMessage
	relay  *RelayMessage
}

// writeFrame writes a length-prefixed frame: [u32 big-endian length][kind
// byte][protobuf body].
func writeFrame(w io.Writer, kind frameKind, body []byte) error {
	hdr := make([]byte, 5)
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(body)+1))
	hdr[4] = byte(kind)
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func writeStatus(w io.Writer, m StatusMessage) error {
	return writeFrame(w, kindStatus, m.marshal())
}

func writeRelay(w io.Writer, m RelayMessage) error {
	return writeFrame(w, kindRelay, m.marshal())
}

// readFrame reads and decodes exactly one frame from r.
func readFrame(r io.Reader) (frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameBody {
		return frame{}, fmt.Errorf("overlay: frame length %d out of bounds", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return frame{}, err
	}
	kind, body := frameKind(buf[0]), buf[1:]
	switch kind {
	case kindStatus:
		m, err := unmarshalStatus(body)
		if err != nil {
			return frame{}, err
		}
		return frame{status: &m}, nil
	case kindRelay:
		m, err := unmarshalRelay(body)
		if err != nil {
			return frame{}, err
		}
		return frame{relay: &m}, nil
	default:
		return frame{}, fmt.Errorf("overlay: unknown frame kind %d", kind)
	}
}

// joinPayload is the RelayMessage payload sent as the mandatory first
// client-to-server frame: RelayMessage{endpoint_id: zero, payload: Join{id}}.
// It is itself protobuf-encoded, field 1 = id (bytes).
type joinPayload struct {
	ID EndpointID
}

func (j joinPayload) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, j.ID[:])
	return b
}

func unmarshalJoin(b []byte) (joinPayload, error) {
	var j joinPayload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return j, fmt.Errorf("overlay: bad join tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return j, fmt.Errorf("overlay: bad join id: %w", protowire.ParseError(n))
			}
			copy(j.ID[:], v)
			b = b[n:]
		} else {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return j, fmt.Errorf("overlay: bad join field: %w", protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return j, nil
}
