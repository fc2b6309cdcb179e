package onnx

import (
	"encoding/binary"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Unmarshal decodes a binary ModelProto. Fields outside the supported subset
// are skipped.
func Unmarshal(data []byte) (*Model, error) {
	m := &Model{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			m.IRVersion = int64(x)
		case 2:
			m.ProducerName = string(v)
		case 3:
			m.ProducerVersion = string(v)
		case 4:
			m.Domain = string(v)
		case 5:
			m.ModelVersion = int64(x)
		case 6:
			m.DocString = string(v)
		case 7:
			g, err := unmarshalGraph(v)
			if err != nil {
				return fmt.Errorf("graph: %w", err)
			}
			m.Graph = g
		case 8:
			var o OperatorSetID
			if err := walk(v, func(n protowire.Number, _ protowire.Type, b []byte, x uint64) error {
				switch n {
				case 1:
					o.Domain = string(b)
				case 2:
					o.Version = int64(x)
				}
				return nil
			}); err != nil {
				return err
			}
			m.OpsetImports = append(m.OpsetImports, o)
		case 14:
			var e StringEntry
			if err := walk(v, func(n protowire.Number, _ protowire.Type, b []byte, _ uint64) error {
				switch n {
				case 1:
					e.Key = string(b)
				case 2:
					e.Value = string(b)
				}
				return nil
			}); err != nil {
				return err
			}
			m.Metadata = append(m.Metadata, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalGraph(data []byte) (*Graph, error) {
	g := &Graph{}
	err := walk(data, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case 1:
			n, err := unmarshalNode(v)
			if err != nil {
				return err
			}
			g.Nodes = append(g.Nodes, n)
		case 2:
			g.Name = string(v)
		case 5:
			t, err := unmarshalTensor(v)
			if err != nil {
				return err
			}
			g.Initializers = append(g.Initializers, t)
		case 10:
			g.DocString = string(v)
		case 11, 12:
			vi, err := unmarshalValueInfo(v)
			if err != nil {
				return err
			}
			if num == 11 {
				g.Inputs = append(g.Inputs, vi)
			} else {
				g.Outputs = append(g.Outputs, vi)
			}
		}
		return nil
	})
	return g, err
}

func unmarshalNode(data []byte) (*Node, error) {
	n := &Node{}
	err := walk(data, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case 1:
			n.Inputs = append(n.Inputs, string(v))
		case 2:
			n.Outputs = append(n.Outputs, string(v))
		case 3:
			n.Name = string(v)
		case 4:
			n.OpType = string(v)
		case 5:
			a, err := unmarshalAttribute(v)
			if err != nil {
				return err
			}
			n.Attributes = append(n.Attributes, a)
		case 6:
			n.DocString = string(v)
		case 7:
			n.Domain = string(v)
		}
		return nil
	})
	return n, err
}

func unmarshalAttribute(data []byte) (*Attribute, error) {
	a := &Attribute{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			a.Name = string(v)
		case 2:
			a.F = math.Float32frombits(uint32(x))
		case 3:
			a.I = int64(x)
		case 4:
			a.S = append([]byte(nil), v...)
		case 7:
			fs, err := repeatedFloats(typ, v, x)
			if err != nil {
				return err
			}
			a.Floats = append(a.Floats, fs...)
		case 8:
			is, err := repeatedVarints(typ, v, x)
			if err != nil {
				return err
			}
			for _, i := range is {
				a.Ints = append(a.Ints, int64(i))
			}
		case 9:
			a.Strings = append(a.Strings, append([]byte(nil), v...))
		case 20:
			a.Type = int32(x)
		}
		return nil
	})
	return a, err
}

func unmarshalTensor(data []byte) (*Tensor, error) {
	t := &Tensor{}
	var raw []byte
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch num {
		case 1:
			ds, err := repeatedVarints(typ, v, x)
			if err != nil {
				return err
			}
			for _, d := range ds {
				t.Dims = append(t.Dims, int64(d))
			}
		case 2:
			t.DataType = int32(x)
		case 4:
			fs, err := repeatedFloats(typ, v, x)
			if err != nil {
				return err
			}
			t.Floats = append(t.Floats, fs...)
		case 8:
			t.Name = string(v)
		case 9:
			raw = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if raw != nil {
		if len(raw)%4 != 0 {
			return nil, fmt.Errorf("tensor %q: raw_data length %d is not a multiple of 4", t.Name, len(raw))
		}
		t.Floats = make([]float32, len(raw)/4)
		for i := range t.Floats {
			t.Floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	}
	if t.DataType != TensorFloat {
		return nil, fmt.Errorf("tensor %q: unsupported data type %d", t.Name, t.DataType)
	}
	for _, d := range t.Dims {
		if d < 0 {
			return nil, fmt.Errorf("tensor %q: negative dimension in %v", t.Name, t.Dims)
		}
	}
	if int64(len(t.Floats)) != t.NumElements() {
		return nil, fmt.Errorf("tensor %q: %d values for dims %v", t.Name, len(t.Floats), t.Dims)
	}
	return t, nil
}

func unmarshalValueInfo(data []byte) (*ValueInfo, error) {
	vi := &ValueInfo{}
	err := walk(data, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case 1:
			vi.Name = string(v)
		case 3:
			vi.DocString = string(v)
		case 2:
			// TypeProto.tensor_type
			return walk(v, func(n protowire.Number, _ protowire.Type, tt []byte, _ uint64) error {
				if n != 1 {
					return nil
				}
				return walk(tt, func(n protowire.Number, _ protowire.Type, b []byte, x uint64) error {
					switch n {
					case 1:
						vi.ElemType = int32(x)
					case 2:
						return walk(b, func(n protowire.Number, _ protowire.Type, db []byte, _ uint64) error {
							if n != 1 {
								return nil
							}
							var d Dim
							err := walk(db, func(n protowire.Number, _ protowire.Type, b []byte, x uint64) error {
								switch n {
								case 1:
									d.Value = int64(x)
								case 2:
									d.Param = string(b)
								}
								return nil
							})
							vi.Shape = append(vi.Shape, d)
							return err
						})
					}
					return nil
				})
			})
		}
		return nil
	})
	return vi, err
}

// walk iterates the fields of a message. For length-delimited fields v holds
// the payload; for varint and fixed fields x holds the value.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		var (
			v []byte
			x uint64
		)
		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			var f uint32
			f, n = protowire.ConsumeFixed32(data)
			x = uint64(f)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

func repeatedFloats(typ protowire.Type, v []byte, x uint64) ([]float32, error) {
	if typ == protowire.Fixed32Type {
		return []float32{math.Float32frombits(uint32(x))}, nil
	}
	if len(v)%4 != 0 {
		return nil, fmt.Errorf("packed float field has %d bytes", len(v))
	}
	out := make([]float32, len(v)/4)
	for i := range out {
		u, _ := protowire.ConsumeFixed32(v[4*i:])
		out[i] = math.Float32frombits(u)
	}
	return out, nil
}

func repeatedVarints(typ protowire.Type, v []byte, x uint64) ([]uint64, error) {
	if typ == protowire.VarintType {
		return []uint64{x}, nil
	}
	var out []uint64
	for len(v) > 0 {
		u, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, u)
		v = v[n:]
	}
	return out, nil
}
