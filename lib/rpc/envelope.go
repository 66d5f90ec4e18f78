package rpc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire format: every frame is a 4-byte big-endian length followed by one
// envelope. Envelope fields, protobuf wire encoding:
//
//	1 kind    varint  (call | result | error | release)
//	2 seq     varint  request/response correlation
//	3 target  varint  handle of the addressed object
//	4 method  bytes   method name (call only)
//	5 payload bytes   argument or result payload
//
// Unknown fields are skipped so the schema can grow.
type envKind uint8

const (
	kindCall    envKind = 1
	kindResult  envKind = 2
	kindError   envKind = 3
	kindRelease envKind = 4
)

const (
	fieldKind    protowire.Number = 1
	fieldSeq     protowire.Number = 2
	fieldTarget  protowire.Number = 3
	fieldMethod  protowire.Number = 4
	fieldPayload protowire.Number = 5
)

type envelope struct {
	kind    envKind
	seq     uint32
	target  Handle
	method  string
	payload []byte
}

func (e *envelope) marshal() []byte {
	buf := make([]byte, 0, 16+len(e.method)+len(e.payload))
	buf = protowire.AppendTag(buf, fieldKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.kind))
	buf = protowire.AppendTag(buf, fieldSeq, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.seq))
	buf = protowire.AppendTag(buf, fieldTarget, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.target))
	if e.method != "" {
		buf = protowire.AppendTag(buf, fieldMethod, protowire.BytesType)
		buf = protowire.AppendString(buf, e.method)
	}
	if len(e.payload) > 0 {
		buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, e.payload)
	}
	return buf
}

func (e *envelope) unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("malformed envelope tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case fieldKind, fieldSeq, fieldTarget:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("malformed envelope field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldKind:
				e.kind = envKind(v)
			case fieldSeq:
				e.seq = uint32(v)
			case fieldTarget:
				e.target = Handle(v)
			}
		case fieldMethod:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return fmt.Errorf("malformed envelope method: %w", protowire.ParseError(n))
			}
			e.method = v
			data = data[n:]
		case fieldPayload:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("malformed envelope payload: %w", protowire.ParseError(n))
			}
			e.payload = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("malformed envelope field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
