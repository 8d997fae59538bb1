// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"strings"
)

// Node is one operator instance in a graph: an operator type tag, ordered
// input and output tensor names, and operator-specific attributes.
//
// A Node is owned by exactly one Graph. An empty string in Inputs means the
// corresponding optional input is not connected (ONNX convention); index maps
// and validation skip it.
type Node struct {
	Name    string
	OpType  string
	Inputs  []string
	Outputs []string

	Attributes []*Attribute
}

// NewNode creates a node. Inputs and outputs are aliased, not copied.
func NewNode(name, opType string, inputs, outputs []string) *Node {
	return &Node{Name: name, OpType: opType, Inputs: inputs, Outputs: outputs}
}

// Attr returns the attribute with the given name, or nil.
func (n *Node) Attr(name string) *Attribute {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// SetAttr appends (or replaces) an attribute and returns the node, so calls
// can be chained while assembling a fused node.
func (n *Node) SetAttr(attr *Attribute) *Node {
	for i, a := range n.Attributes {
		if a.Name == attr.Name {
			n.Attributes[i] = attr
			return n
		}
	}
	n.Attributes = append(n.Attributes, attr)
	return n
}

// Subgraphs returns the graphs nested in this node's attributes, in attribute
// declaration order. Most operator types return nil; control-flow operators
// (If, Loop, Scan) carry their branches/bodies here.
func (n *Node) Subgraphs() []*Graph {
	var subgraphs []*Graph
	for _, a := range n.Attributes {
		if a.Graph != nil {
			subgraphs = append(subgraphs, a.Graph)
		}
		subgraphs = append(subgraphs, a.Graphs...)
	}
	return subgraphs
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("%s[%q](%s) -> (%s)", n.OpType, n.Name,
		strings.Join(n.Inputs, ", "), strings.Join(n.Outputs, ", "))
}

// Attribute is a named operator-specific value attached to a Node. Exactly
// one of the value fields is meaningful, selected by the constructor used.
// Graph and Graphs values make the owning node a control-flow operator and
// attach nested scopes to the graph hierarchy.
type Attribute struct {
	Name string

	Int    int64
	Ints   []int64
	Float  float32
	Floats []float32
	Str    string
	Strs   []string
	Tensor *Tensor
	Graph  *Graph
	Graphs []*Graph
}

func IntAttr(name string, value int64) *Attribute { return &Attribute{Name: name, Int: value} }

func IntsAttr(name string, values ...int64) *Attribute {
	return &Attribute{Name: name, Ints: values}
}

func FloatAttr(name string, value float32) *Attribute { return &Attribute{Name: name, Float: value} }

func StrAttr(name, value string) *Attribute { return &Attribute{Name: name, Str: value} }

func TensorAttr(name string, t *Tensor) *Attribute { return &Attribute{Name: name, Tensor: t} }

func GraphAttr(name string, g *Graph) *Attribute { return &Attribute{Name: name, Graph: g} }
