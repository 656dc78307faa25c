// Package meshproto is a hand-maintained subset of the Meshtastic protobuf
// schema, covering the messages this bridge produces and consumes:
// ServiceEnvelope, MeshPacket, Data and the per-port payload types. Field
// numbers and wire types are pinned by the upstream schema and verified
// against captured packets in the package tests.
//
// The messages are encoded and decoded directly with protowire rather than
// generated bindings, so the package carries no descriptor machinery and no
// code generation step.
package meshproto

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// DecodeError reports bytes that could not be parsed as the expected
// protobuf message. It is distinct from processing errors raised later in
// the pipeline so callers can branch on it.
type DecodeError struct {
	Message string
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("meshproto: decoding %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("meshproto: decoding %s: malformed wire data", e.Message)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(message string, err error) *DecodeError {
	return &DecodeError{Message: message, Err: err}
}

// field is one decoded wire field. Decode loops switch on Num and read the
// matching accessor; the accessors re-consume the already-sliced value.
type field struct {
	Num  protowire.Number
	Type protowire.Type
	// varint holds varint values, fixed32 values and fixed64 values.
	varint uint64
	bytes  []byte
}

// forEachField walks every top-level field of buf. The callback returning an
// error aborts the walk.
func forEachField(buf []byte, fn func(f field) error) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return protowire.ParseError(n)
		}
		buf = buf[n:]

		f := field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.varint = v
			buf = buf[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.varint = uint64(v)
			buf = buf[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.varint = v
			buf = buf[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.bytes = v
			buf = buf[n:]
		default:
			return fmt.Errorf("meshproto: unsupported wire type %d for field %d", typ, num)
		}

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func (f field) uint32() uint32   { return uint32(f.varint) }
func (f field) int32() int32     { return int32(f.varint) }
func (f field) bool() bool       { return f.varint != 0 }
func (f field) float32() float32 { return math.Float32frombits(uint32(f.varint)) }
func (f field) string() string   { return string(f.bytes) }

// packedUint32 decodes a packed repeated fixed32 field; a lone fixed32
// element (unpacked encoding) is handled by the caller.
func packedUint32(b []byte) ([]uint32, error) {
	var out []uint32
	for len(b) > 0 {
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, v)
		b = b[n:]
	}
	return out, nil
}

// packedInt32 decodes a packed repeated int32 (varint) field.
func packedInt32(b []byte) ([]int32, error) {
	var out []int32
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, int32(v))
		b = b[n:]
	}
	return out, nil
}

func appendFloat32(b []byte, num protowire.Number, v float32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFixed32(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}
