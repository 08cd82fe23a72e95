// Package wire encodes replication operations in the protobuf wire format.
//
// The schema, hand-rolled on protowire:
//
//	Operation     { 1: set_name, 2: context (VersionVector), 3: add (Op), 4: remove (Op) }
//	Op            { 1: repeated elements (bytes), 2: dot (Dot), 3: repeated removed_dots (Dot) }
//	Dot           { 1: actor_id (4 bytes), 2: counter (varint) }
//	VersionVector { 1: repeated entries { 1: actor_id, 2: counter } }
//
// Unknown fields are skipped so older nodes tolerate newer senders; a missing
// set name, context, payload or dot is a decode error.
package wire

import (
	"github.com/cuemby/bigset/pkg/types"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers. Wire compatibility depends on these staying put.
const (
	opFieldSetName = 1
	opFieldContext = 2
	opFieldAdd     = 3
	opFieldRemove  = 4

	payloadFieldElements    = 1
	payloadFieldDot         = 2
	payloadFieldRemovedDots = 3

	dotFieldActor   = 1
	dotFieldCounter = 2

	vvFieldEntry = 1

	entryFieldActor   = 1
	entryFieldCounter = 2
)

// MaxMessageSize bounds a single replication frame (16 MiB).
const MaxMessageSize = 16 << 20

// EncodeOperation serializes an operation.
func EncodeOperation(op *types.Operation) []byte {
	var buf []byte

	buf = protowire.AppendTag(buf, opFieldSetName, protowire.BytesType)
	buf = protowire.AppendString(buf, op.SetName)

	buf = protowire.AppendTag(buf, opFieldContext, protowire.BytesType)
	buf = protowire.AppendBytes(buf, encodeVersionVector(op.Context))

	payloadField := protowire.Number(opFieldAdd)
	if op.Kind == types.OpRemove {
		payloadField = opFieldRemove
	}
	buf = protowire.AppendTag(buf, payloadField, protowire.BytesType)
	buf = protowire.AppendBytes(buf, encodePayload(op))

	return buf
}

// DecodeOperation parses an operation. Returns a *types.DecodeError on any
// malformed or incomplete input.
func DecodeOperation(data []byte) (*types.Operation, error) {
	op := &types.Operation{}
	var sawName, sawContext, sawPayload bool

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, decodeErr("bad tag")
		}
		data = data[n:]

		switch {
		case num == opFieldSetName && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, decodeErr("bad set name")
			}
			op.SetName = string(v)
			sawName = true
			data = data[n:]
		case num == opFieldContext && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, decodeErr("bad context")
			}
			vv, err := decodeVersionVector(v)
			if err != nil {
				return nil, err
			}
			op.Context = vv
			sawContext = true
			data = data[n:]
		case (num == opFieldAdd || num == opFieldRemove) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, decodeErr("bad payload")
			}
			if err := decodePayload(v, op); err != nil {
				return nil, err
			}
			op.Kind = types.OpAdd
			if num == opFieldRemove {
				op.Kind = types.OpRemove
			}
			sawPayload = true
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, decodeErr("bad unknown field")
			}
			data = data[n:]
		}
	}

	if !sawName {
		return nil, decodeErr("missing set name")
	}
	if !sawContext {
		return nil, decodeErr("missing context")
	}
	if !sawPayload {
		return nil, decodeErr("missing operation payload")
	}
	return op, nil
}

func encodePayload(op *types.Operation) []byte {
	var buf []byte
	for _, e := range op.Elements {
		buf = protowire.AppendTag(buf, payloadFieldElements, protowire.BytesType)
		buf = protowire.AppendBytes(buf, e)
	}
	buf = protowire.AppendTag(buf, payloadFieldDot, protowire.BytesType)
	buf = protowire.AppendBytes(buf, encodeDot(op.Dot))
	for _, d := range op.RemovedDots {
		buf = protowire.AppendTag(buf, payloadFieldRemovedDots, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeDot(d))
	}
	return buf
}

func decodePayload(data []byte, op *types.Operation) error {
	var sawDot bool

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return decodeErr("bad payload tag")
		}
		data = data[n:]

		switch {
		case num == payloadFieldElements && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return decodeErr("bad element")
			}
			elem := make([]byte, len(v))
			copy(elem, v)
			op.Elements = append(op.Elements, elem)
			data = data[n:]
		case num == payloadFieldDot && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return decodeErr("bad dot")
			}
			d, err := decodeDot(v)
			if err != nil {
				return err
			}
			op.Dot = d
			sawDot = true
			data = data[n:]
		case num == payloadFieldRemovedDots && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return decodeErr("bad removed dot")
			}
			d, err := decodeDot(v)
			if err != nil {
				return err
			}
			op.RemovedDots = append(op.RemovedDots, d)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return decodeErr("bad unknown payload field")
			}
			data = data[n:]
		}
	}

	if !sawDot {
		return decodeErr("missing dot")
	}
	return nil
}

func encodeDot(d types.Dot) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, dotFieldActor, protowire.BytesType)
	buf = protowire.AppendBytes(buf, d.Actor.Bytes())
	buf = protowire.AppendTag(buf, dotFieldCounter, protowire.VarintType)
	buf = protowire.AppendVarint(buf, d.Counter)
	return buf
}

func decodeDot(data []byte) (types.Dot, error) {
	var actorBytes []byte
	var counter uint64
	var sawActor bool

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return types.Dot{}, decodeErr("bad dot tag")
		}
		data = data[n:]

		switch {
		case num == dotFieldActor && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return types.Dot{}, decodeErr("bad dot actor")
			}
			actorBytes = v
			sawActor = true
			data = data[n:]
		case num == dotFieldCounter && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return types.Dot{}, decodeErr("bad dot counter")
			}
			counter = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return types.Dot{}, decodeErr("bad unknown dot field")
			}
			data = data[n:]
		}
	}

	if !sawActor {
		return types.Dot{}, decodeErr("missing dot actor")
	}
	d, err := types.DotFromParts(actorBytes, counter)
	if err != nil {
		return types.Dot{}, decodeErr(err.Error())
	}
	return d, nil
}

func encodeVersionVector(vv *types.VersionVector) []byte {
	var buf []byte
	for _, e := range vv.Entries() {
		var entry []byte
		entry = protowire.AppendTag(entry, entryFieldActor, protowire.BytesType)
		entry = protowire.AppendBytes(entry, e.Actor.Bytes())
		entry = protowire.AppendTag(entry, entryFieldCounter, protowire.VarintType)
		entry = protowire.AppendVarint(entry, e.Counter)

		buf = protowire.AppendTag(buf, vvFieldEntry, protowire.BytesType)
		buf = protowire.AppendBytes(buf, entry)
	}
	return buf
}

func decodeVersionVector(data []byte) (*types.VersionVector, error) {
	vv := types.NewVersionVector()

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, decodeErr("bad vector tag")
		}
		data = data[n:]

		if num == vvFieldEntry && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, decodeErr("bad vector entry")
			}
			d, err := decodeDot(v) // entries share the dot field layout
			if err != nil {
				return nil, err
			}
			vv.Update(d.Actor, d.Counter)
			data = data[n:]
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return nil, decodeErr("bad unknown vector field")
		}
		data = data[n:]
	}
	return vv, nil
}

func decodeErr(reason string) error {
	return &types.DecodeError{Reason: reason}
}
