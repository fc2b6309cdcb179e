// Package onnx reads and writes the subset of the ONNX protobuf schema needed
// for feed-forward classifiers, and evaluates such graphs.
package onnx

// Field numbers and enum values from onnx.proto
const (
	IRVersion6 = 6

	TensorFloat = 1 // TensorProto.DataType FLOAT

	AttrFloat   = 1
	AttrInt     = 2
	AttrString  = 3
	AttrFloats  = 6
	AttrInts    = 7
	AttrStrings = 8
)

// Model mirrors ModelProto
type Model struct {
	IRVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *Graph
	OpsetImports    []OperatorSetID
	Metadata        []StringEntry
}

// OperatorSetID mirrors OperatorSetIdProto
type OperatorSetID struct {
	Domain  string
	Version int64
}

// StringEntry mirrors StringStringEntryProto
type StringEntry struct {
	Key   string
	Value string
}

// MetadataValue returns the metadata value for key
func (m *Model) MetadataValue(key string) (string, bool) {
	for _, e := range m.Metadata {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// Opset returns the default-domain opset version, or 0 when absent
func (m *Model) Opset() int64 {
	for _, o := range m.OpsetImports {
		if o.Domain == "" || o.Domain == "ai.onnx" {
			return o.Version
		}
	}
	return 0
}

// Graph mirrors GraphProto
type Graph struct {
	Name         string
	DocString    string
	Nodes        []*Node
	Initializers []*Tensor
	Inputs       []*ValueInfo
	Outputs      []*ValueInfo
}

// Initializer returns the named initializer or nil
func (g *Graph) Initializer(name string) *Tensor {
	for _, t := range g.Initializers {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Node mirrors NodeProto
type Node struct {
	Name       string
	OpType     string
	Domain     string
	DocString  string
	Inputs     []string
	Outputs    []string
	Attributes []*Attribute
}

// Attr returns the named attribute or nil
func (n *Node) Attr(name string) *Attribute {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// IntAttr returns an INT attribute or def when absent
func (n *Node) IntAttr(name string, def int64) int64 {
	if a := n.Attr(name); a != nil && a.Type == AttrInt {
		return a.I
	}
	return def
}

// FloatAttr returns a FLOAT attribute or def when absent
func (n *Node) FloatAttr(name string, def float32) float32 {
	if a := n.Attr(name); a != nil && a.Type == AttrFloat {
		return a.F
	}
	return def
}

// Attribute mirrors AttributeProto for scalar and list kinds
type Attribute struct {
	Name    string
	Type    int32
	F       float32
	I       int64
	S       []byte
	Floats  []float32
	Ints    []int64
	Strings [][]byte
}

// Tensor mirrors TensorProto for float data. Values are stored as raw_data on
// write and accepted from either raw_data or float_data on read.
type Tensor struct {
	Name     string
	Dims     []int64
	DataType int32
	Floats   []float32
}

// NumElements returns the product of Dims
func (t *Tensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// ValueInfo mirrors ValueInfoProto restricted to tensor types
type ValueInfo struct {
	Name      string
	DocString string
	ElemType  int32
	Shape     []Dim
}

// Dim is a tensor dimension: a fixed size or a symbolic name
type Dim struct {
	Value int64
	Param string
}

// Dynamic reports whether the dimension is symbolic
func (d Dim) Dynamic() bool { return d.Param != "" }
