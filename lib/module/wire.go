package module

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/snowmerak/module.go/lib/rpc"
)

// Coordinator-surface payloads, protobuf wire encoding. Field numbers are
// the schema; unknown fields are skipped on decode so either side can grow.
//
//	initialize       1 arg bytes, 2 repeated export{1 ctor, 2 arg}
//	create_port      request is the raw peer name, response handle{1 varint}
//	port initialize  1 name, 2 call_slots, 3 call_timeout_ms,
//	                 4 transport_arg, 5 intra(varint bool)
//	export           request ids{1 repeated varint},
//	                 response handles{1 repeated varint}
//	import           slots{1 repeated slot{1 name, 2 handle}}
//	debug            raw opaque bytes both ways

func encodeInitialize(arg []byte, exports []ExportDesc) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, arg)
	for _, desc := range exports {
		var sub []byte
		sub = protowire.AppendTag(sub, 1, protowire.BytesType)
		sub = protowire.AppendString(sub, desc.Ctor)
		sub = protowire.AppendTag(sub, 2, protowire.BytesType)
		sub = protowire.AppendBytes(sub, desc.Arg)

		buf = protowire.AppendTag(buf, 2, protowire.BytesType)
		buf = protowire.AppendBytes(buf, sub)
	}
	return buf
}

func decodeInitialize(data []byte) (arg []byte, exports []ExportDesc, err error) {
	err = eachField(data, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case 1:
			arg = field
		case 2:
			var desc ExportDesc
			err := eachField(field, func(num protowire.Number, typ protowire.Type, field []byte) error {
				switch num {
				case 1:
					desc.Ctor = string(field)
				case 2:
					desc.Arg = field
				}
				return nil
			})
			if err != nil {
				return err
			}
			exports = append(exports, desc)
		}
		return nil
	})
	return arg, exports, err
}

func encodeHandle(h rpc.Handle) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(h))
	return buf
}

func decodeHandle(data []byte) (rpc.Handle, error) {
	var h rpc.Handle
	err := eachVarint(data, 1, func(v uint64) {
		h = rpc.Handle(v)
	})
	return h, err
}

func encodePortInit(cfg rpc.Config, transportArg []byte, intra bool) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendString(buf, cfg.Name)
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(cfg.CallSlots))
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(cfg.CallTimeout/time.Millisecond))
	buf = protowire.AppendTag(buf, 4, protowire.BytesType)
	buf = protowire.AppendBytes(buf, transportArg)
	buf = protowire.AppendTag(buf, 5, protowire.VarintType)
	if intra {
		buf = protowire.AppendVarint(buf, 1)
	} else {
		buf = protowire.AppendVarint(buf, 0)
	}
	return buf
}

func decodePortInit(data []byte) (cfg rpc.Config, transportArg []byte, intra bool, err error) {
	err = eachField(data, func(num protowire.Number, typ protowire.Type, field []byte) error {
		switch num {
		case 1:
			cfg.Name = string(field)
		case 4:
			transportArg = field
		}
		return nil
	})
	if err != nil {
		return cfg, nil, false, err
	}
	err = eachVarintField(data, func(num protowire.Number, v uint64) {
		switch num {
		case 2:
			cfg.CallSlots = int(v)
		case 3:
			cfg.CallTimeout = time.Duration(v) * time.Millisecond
		case 5:
			intra = v != 0
		}
	})
	return cfg, transportArg, intra, err
}

func encodeExportIDs(ids []int) []byte {
	var buf []byte
	for _, id := range ids {
		buf = protowire.AppendTag(buf, 1, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(id))
	}
	return buf
}

func decodeExportIDs(data []byte) ([]int, error) {
	var ids []int
	err := eachVarint(data, 1, func(v uint64) {
		ids = append(ids, int(v))
	})
	return ids, err
}

func encodeHandles(handles []rpc.Handle) []byte {
	var buf []byte
	for _, h := range handles {
		buf = protowire.AppendTag(buf, 1, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(h))
	}
	return buf
}

func decodeHandles(data []byte) ([]rpc.Handle, error) {
	var handles []rpc.Handle
	err := eachVarint(data, 1, func(v uint64) {
		handles = append(handles, rpc.Handle(v))
	})
	return handles, err
}

func encodeImportSlots(slots []ImportSlot) []byte {
	var buf []byte
	for _, slot := range slots {
		var sub []byte
		sub = protowire.AppendTag(sub, 1, protowire.BytesType)
		sub = protowire.AppendString(sub, slot.Name)
		sub = protowire.AppendTag(sub, 2, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(slot.Handle))

		buf = protowire.AppendTag(buf, 1, protowire.BytesType)
		buf = protowire.AppendBytes(buf, sub)
	}
	return buf
}

func decodeImportSlots(data []byte) ([]ImportSlot, error) {
	var slots []ImportSlot
	err := eachField(data, func(num protowire.Number, typ protowire.Type, field []byte) error {
		if num != 1 {
			return nil
		}
		var slot ImportSlot
		err := eachField(field, func(num protowire.Number, typ protowire.Type, field []byte) error {
			if num == 1 {
				slot.Name = string(field)
			}
			return nil
		})
		if err != nil {
			return err
		}
		err = eachVarintField(field, func(num protowire.Number, v uint64) {
			if num == 2 {
				slot.Handle = rpc.Handle(v)
			}
		})
		if err != nil {
			return err
		}
		slots = append(slots, slot)
		return nil
	})
	return slots, err
}

// eachField walks every length-delimited field of data and hands its bytes
// to fn; other wire types are skipped.
func eachField(data []byte, fn func(num protowire.Number, typ protowire.Type, field []byte) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("malformed payload tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.BytesType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("malformed payload field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		field, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return fmt.Errorf("malformed payload field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]

		if err := fn(num, typ, field); err != nil {
			return err
		}
	}
	return nil
}

// eachVarintField walks every varint field of data.
func eachVarintField(data []byte, fn func(num protowire.Number, v uint64)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("malformed payload tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if typ != protowire.VarintType {
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("malformed payload field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return fmt.Errorf("malformed payload field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]
		fn(num, v)
	}
	return nil
}

func eachVarint(data []byte, want protowire.Number, fn func(v uint64)) error {
	return eachVarintField(data, func(num protowire.Number, v uint64) {
		if num == want {
			fn(v)
		}
	})
}
