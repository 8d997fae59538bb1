// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
)

// PruneGraph removes every node not reachable backwards from its graph's
// declared outputs, in every scope of the hierarchy, and drops initializers
// no longer consumed in their scope. Nodes kept keep their declaration order.
//
// A control-flow node that is kept keeps the tensors its (pruned) subgraphs
// capture from enclosing scopes alive as well.
func (m *Model) PruneGraph() {
	if m.Main != nil {
		pruneScope(m.Main)
	}
}

func pruneScope(g *Graph) {
	producers := make(map[string]*Node, len(g.Nodes))
	for _, node := range g.Nodes {
		for _, out := range node.Outputs {
			if out != "" {
				producers[out] = node
			}
		}
	}

	keep := sets.Make[*Node]()
	worklist := append([]string{}, g.Outputs...)
	for len(worklist) > 0 {
		name := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		node := producers[name]
		if node == nil || keep.Has(node) {
			continue
		}
		keep.Insert(node)
		worklist = append(worklist, node.Inputs...)
		for _, sub := range node.Subgraphs() {
			pruneScope(sub)
			worklist = append(worklist, freeNames(sub)...)
		}
	}

	kept := g.Nodes[:0]
	for _, node := range g.Nodes {
		if keep.Has(node) {
			kept = append(kept, node)
		}
	}
	g.Nodes = kept

	// Drop initializers nothing references anymore. References come from kept
	// nodes in this scope, from their subgraphs' captured names, and from the
	// graph outputs themselves (a constant can be an output).
	referenced := sets.MakeWith(g.Outputs...)
	for _, node := range g.Nodes {
		referenced.Insert(node.Inputs...)
		for _, sub := range node.Subgraphs() {
			referenced.Insert(freeNames(sub)...)
		}
	}
	keptInits := g.Initializers[:0]
	for _, t := range g.Initializers {
		if referenced.Has(t.Name) {
			keptInits = append(keptInits, t)
		}
	}
	g.Initializers = keptInits
}

// freeNames returns the tensor names a scope (including its nested scopes)
// consumes but does not itself produce, declare as input, or hold as an
// initializer. Those are the names it captures from enclosing scopes.
func freeNames(g *Graph) []string {
	local := sets.MakeWith(g.Inputs...)
	for _, t := range g.Initializers {
		local.Insert(t.Name)
	}
	for _, node := range g.Nodes {
		local.Insert(node.Outputs...)
	}
	var free []string
	seen := sets.Make[string]()
	addFree := func(name string) {
		if name == "" || local.Has(name) || seen.Has(name) {
			return
		}
		seen.Insert(name)
		free = append(free, name)
	}
	for _, node := range g.Nodes {
		for _, in := range node.Inputs {
			addFree(in)
		}
		for _, sub := range node.Subgraphs() {
			for _, captured := range freeNames(sub) {
				addFree(captured)
			}
		}
	}
	return free
}

// UpdateGraph re-sorts every scope topologically (stable with respect to
// declaration order) and validates that every node input resolves to an
// in-scope producer, an initializer, a graph input, or a name visible from an
// enclosing scope. A dependency cycle or a dangling input is a structural
// error: an edit that leaves a surviving node consuming a tensor nobody
// produces is surfaced here, at commit.
func (m *Model) UpdateGraph() error {
	if m.Main == nil {
		return nil
	}
	return updateScope(m.Main, sets.Make[string]())
}

func updateScope(g *Graph, visible sets.Set[string]) error {
	available := sets.MakeWith(g.Inputs...)
	for name := range visible {
		available.Insert(name)
	}
	for _, t := range g.Initializers {
		available.Insert(t.Name)
	}

	produced := make(map[string]*Node, len(g.Nodes))
	for _, node := range g.Nodes {
		for _, out := range node.Outputs {
			produced[out] = node
		}
	}
	for _, node := range g.Nodes {
		for _, in := range node.Inputs {
			if in == "" || available.Has(in) {
				continue
			}
			if _, ok := produced[in]; !ok {
				return errors.Wrapf(ErrStructural,
					"graph %q: node %q (%s) consumes tensor %q, which nothing produces",
					g.Name, node.Name, node.OpType, in)
			}
		}
	}

	// Stable Kahn sort over in-scope producer → consumer edges.
	indegree := make(map[*Node]int, len(g.Nodes))
	consumers := make(map[*Node][]*Node, len(g.Nodes))
	for _, node := range g.Nodes {
		for _, in := range node.Inputs {
			if producer, ok := produced[in]; ok && in != "" {
				indegree[node]++
				consumers[producer] = append(consumers[producer], node)
			}
		}
	}
	var queue []*Node
	for _, node := range g.Nodes {
		if indegree[node] == 0 {
			queue = append(queue, node)
		}
	}
	sorted := make([]*Node, 0, len(g.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)
		for _, consumer := range consumers[node] {
			indegree[consumer]--
			if indegree[consumer] == 0 {
				queue = append(queue, consumer)
			}
		}
	}
	if len(sorted) != len(g.Nodes) {
		return errors.Wrapf(ErrStructural, "graph %q: dependency cycle among its nodes", g.Name)
	}
	g.Nodes = sorted

	// Nested scopes see everything visible here plus everything produced here.
	inner := sets.Make[string](len(available) + len(produced))
	for name := range available {
		inner.Insert(name)
	}
	for name := range produced {
		inner.Insert(name)
	}
	for _, node := range g.Nodes {
		for _, sub := range node.Subgraphs() {
			if err := updateScope(sub, inner); err != nil {
				return err
			}
		}
	}
	return nil
}
