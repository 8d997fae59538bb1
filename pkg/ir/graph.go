// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// Graph is one scope of the model: an ordered sequence of nodes, the
// initializers visible to them, and the declared boundary tensor names.
// The top-level graph and every subgraph attached to a control-flow node
// attribute are each a Graph; Name identifies the scope within the hierarchy
// and must be unique across it.
type Graph struct {
	Name  string
	Nodes []*Node

	// Initializers are the constant tensors owned by this scope, in
	// declaration order. Nested scopes see them too (outer-scope visibility).
	Initializers []*Tensor

	// Inputs and Outputs are the tensor names at the graph boundary. Outputs
	// are the roots for reachability pruning.
	Inputs  []string
	Outputs []string
}

// NewGraph creates an empty graph scope.
func NewGraph(name string) *Graph {
	return &Graph{Name: name}
}

// AddNodes appends nodes in order and returns the graph for chaining during
// model assembly.
func (g *Graph) AddNodes(nodes ...*Node) *Graph {
	g.Nodes = append(g.Nodes, nodes...)
	return g
}

// AddInitializer registers a constant tensor in this scope, replacing any
// previous initializer with the same name.
func (g *Graph) AddInitializer(t *Tensor) *Graph {
	for i, prev := range g.Initializers {
		if prev.Name == t.Name {
			g.Initializers[i] = t
			return g
		}
	}
	g.Initializers = append(g.Initializers, t)
	return g
}

// Initializer returns the constant tensor with the given name in this scope,
// or nil.
func (g *Graph) Initializer(name string) *Tensor {
	for _, t := range g.Initializers {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Model is a graph hierarchy rooted at Main. All structural queries and edits
// go through the Model so that nodes living in nested subgraphs are found and
// edited the same way as top-level ones.
//
// The Model is a single-writer resource: the index maps returned by
// InputNameToNodes and OutputNameToNode are snapshots, invalidated by any
// structural edit, and must be rebuilt before reuse.
type Model struct {
	Main *Graph

	nameCounter map[string]int
}

// NewModel wraps a main graph into a model.
func NewModel(main *Graph) *Model {
	return &Model{Main: main, nameCounter: make(map[string]int)}
}

// Graphs returns every scope in the hierarchy, pre-order: the main graph
// first, then each node's attribute subgraphs, recursively, in declaration
// order.
func (m *Model) Graphs() []*Graph {
	var all []*Graph
	var collect func(g *Graph)
	collect = func(g *Graph) {
		all = append(all, g)
		for _, node := range g.Nodes {
			for _, sub := range node.Subgraphs() {
				collect(sub)
			}
		}
	}
	if m.Main != nil {
		collect(m.Main)
	}
	return all
}

// GraphByName returns the scope with the given name, or nil.
func (m *Model) GraphByName(name string) *Graph {
	for _, g := range m.Graphs() {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// GraphByNode returns the scope that owns the node (compared by identity),
// or nil if the node is not reachable from the hierarchy root.
func (m *Model) GraphByNode(node *Node) *Graph {
	for _, g := range m.Graphs() {
		if slices.Contains(g.Nodes, node) {
			return g
		}
	}
	return nil
}

// NodesByOpType returns all nodes with the given operator type, in scope
// pre-order and node declaration order. It is a live snapshot of the current
// hierarchy.
func (m *Model) NodesByOpType(opType string) []*Node {
	var nodes []*Node
	for _, g := range m.Graphs() {
		for _, node := range g.Nodes {
			if node.OpType == opType {
				nodes = append(nodes, node)
			}
		}
	}
	return nodes
}

// InputNameToNodes builds the consumer index map: tensor name to the nodes
// consuming it as input, in declaration order, across all scopes. Empty
// (unconnected optional) input names are skipped.
func (m *Model) InputNameToNodes() map[string][]*Node {
	consumers := make(map[string][]*Node)
	for _, g := range m.Graphs() {
		for _, node := range g.Nodes {
			for _, name := range node.Inputs {
				if name == "" {
					continue
				}
				consumers[name] = append(consumers[name], node)
			}
		}
	}
	return consumers
}

// OutputNameToNode builds the producer index map: tensor name to the node
// producing it, across all scopes.
func (m *Model) OutputNameToNode() map[string]*Node {
	producers := make(map[string]*Node)
	for _, g := range m.Graphs() {
		for _, node := range g.Nodes {
			for _, name := range node.Outputs {
				if name == "" {
					continue
				}
				producers[name] = node
			}
		}
	}
	return producers
}

// RemoveNodes removes the given nodes from their owning scopes. Every node
// must currently exist in the hierarchy: removing an unknown node, or the
// same node twice, is a structural error (and the model may be left partially
// edited).
func (m *Model) RemoveNodes(nodes []*Node) error {
	for _, node := range nodes {
		g := m.GraphByNode(node)
		if g == nil {
			return errors.Wrapf(ErrStructural,
				"cannot remove node %q (%s): not found in any graph (removed twice?)",
				node.Name, node.OpType)
		}
		idx := slices.Index(g.Nodes, node)
		g.Nodes = slices.Delete(g.Nodes, idx, idx+1)
	}
	return nil
}

// AddNodes appends each node to the scope recorded for it in
// nodeNameToGraphName. A node without a recorded scope, or a recorded scope
// that names no existing graph, is a structural error.
func (m *Model) AddNodes(nodes []*Node, nodeNameToGraphName map[string]string) error {
	for _, node := range nodes {
		scope, found := nodeNameToGraphName[node.Name]
		if !found {
			return errors.Wrapf(ErrStructural, "node %q has no recorded graph scope", node.Name)
		}
		g := m.GraphByName(scope)
		if g == nil {
			return errors.Wrapf(ErrStructural,
				"node %q records scope %q, which names no graph in the hierarchy", node.Name, scope)
		}
		g.Nodes = append(g.Nodes, node)
	}
	return nil
}

// AddInitializer registers the tensor in the named scope, replacing any
// same-named initializer there.
func (m *Model) AddInitializer(t *Tensor, graphName string) error {
	g := m.GraphByName(graphName)
	if g == nil {
		return errors.Wrapf(ErrStructural,
			"initializer %q records scope %q, which names no graph in the hierarchy", t.Name, graphName)
	}
	g.AddInitializer(t)
	return nil
}

// UniqueName returns a name with the given prefix not used by any node,
// node output, graph input, or initializer in the hierarchy. Deterministic:
// a model built the same way hands out the same names.
func (m *Model) UniqueName(prefix string) string {
	used := make(map[string]bool)
	for _, g := range m.Graphs() {
		for _, in := range g.Inputs {
			used[in] = true
		}
		for _, node := range g.Nodes {
			used[node.Name] = true
			for _, out := range node.Outputs {
				used[out] = true
			}
		}
		for _, t := range g.Initializers {
			used[t.Name] = true
		}
	}
	if m.nameCounter == nil {
		m.nameCounter = make(map[string]int)
	}
	for {
		m.nameCounter[prefix]++
		name := fmt.Sprintf("%s_%d", prefix, m.nameCounter[prefix])
		if !used[name] {
			return name
		}
	}
}
