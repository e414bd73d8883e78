// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// opCode identifies the collective a frame belongs to. Every rank must issue the same collectives in the
// same order, and the op is checked at each exchange to catch diverging workers.
type opCode uint8

const (
	opHello opCode = iota
	opAllReduceSum
	opAllGather
	opReduceScatterSum
	opBroadcast
	opBarrier
	opDestroy
)

var opNames = [...]string{"hello", "all_reduce_sum", "all_gather", "reduce_scatter_sum", "broadcast", "barrier", "destroy"}

func (op opCode) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// frame is the unit exchanged by the TCP transport. Requests carry one vector in Values (the
// contribution of Rank), replies carry the contributions of all ranks, indexed by rank.
type frame struct {
	Op        opCode
	Seq       uint64
	Rank      int
	WorldSize int
	Backend   string
	Values    [][]float64

	// ErrKind and Err are set by the coordinator in replies when the exchange failed: all ranks then
	// fail with the same error.
	ErrKind string
	Err     string
}

const frameNumFields = 8

// EncodeMsg implements msgp.Encodable.
func (f *frame) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteMapHeader(frameNumFields); err != nil {
		return
	}
	if err = en.WriteString("op"); err != nil {
		return
	}
	if err = en.WriteUint8(uint8(f.Op)); err != nil {
		return
	}
	if err = en.WriteString("seq"); err != nil {
		return
	}
	if err = en.WriteUint64(f.Seq); err != nil {
		return
	}
	if err = en.WriteString("rank"); err != nil {
		return
	}
	if err = en.WriteInt(f.Rank); err != nil {
		return
	}
	if err = en.WriteString("world_size"); err != nil {
		return
	}
	if err = en.WriteInt(f.WorldSize); err != nil {
		return
	}
	if err = en.WriteString("backend"); err != nil {
		return
	}
	if err = en.WriteString(f.Backend); err != nil {
		return
	}
	if err = en.WriteString("values"); err != nil {
		return
	}
	if err = en.WriteArrayHeader(uint32(len(f.Values))); err != nil {
		return
	}
	for _, vector := range f.Values {
		if err = en.WriteArrayHeader(uint32(len(vector))); err != nil {
			return
		}
		for _, v := range vector {
			if err = en.WriteFloat64(v); err != nil {
				return
			}
		}
	}
	if err = en.WriteString("err_kind"); err != nil {
		return
	}
	if err = en.WriteString(f.ErrKind); err != nil {
		return
	}
	if err = en.WriteString("err"); err != nil {
		return
	}
	return en.WriteString(f.Err)
}

// DecodeMsg implements msgp.Decodable.
func (f *frame) DecodeMsg(dc *msgp.Reader) (err error) {
	var numFields uint32
	numFields, err = dc.ReadMapHeader()
	if err != nil {
		return
	}
	*f = frame{}
	for range numFields {
		var key string
		key, err = dc.ReadString()
		if err != nil {
			return
		}
		switch key {
		case "op":
			var op uint8
			op, err = dc.ReadUint8()
			f.Op = opCode(op)
		case "seq":
			f.Seq, err = dc.ReadUint64()
		case "rank":
			f.Rank, err = dc.ReadInt()
		case "world_size":
			f.WorldSize, err = dc.ReadInt()
		case "backend":
			f.Backend, err = dc.ReadString()
		case "values":
			var numVectors uint32
			numVectors, err = dc.ReadArrayHeader()
			if err != nil {
				return
			}
			f.Values = make([][]float64, numVectors)
			for i := range f.Values {
				var size uint32
				size, err = dc.ReadArrayHeader()
				if err != nil {
					return
				}
				vector := make([]float64, size)
				for j := range vector {
					vector[j], err = dc.ReadFloat64()
					if err != nil {
						return
					}
				}
				f.Values[i] = vector
			}
		case "err_kind":
			f.ErrKind, err = dc.ReadString()
		case "err":
			f.Err, err = dc.ReadString()
		default:
			err = dc.Skip()
		}
		if err != nil {
			return
		}
	}
	return nil
}
