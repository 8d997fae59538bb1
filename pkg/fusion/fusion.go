// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fusion is a single-pass, pattern-driven rewriting engine for the
// inference graphs in package ir: it locates subgraphs matching an operator
// pattern and replaces each match with an equivalent fused operator, keeping
// the model's index structures consistent.
//
// A rewrite rule implements the Pass interface; the Fuser drives it over the
// current graph snapshot. Edits proposed by the pass accumulate in an
// EditBatch and only reach the model after the whole scan, so the producer
// and consumer index maps built at the start of Fuser.Apply stay valid for
// every candidate node visited. Each Apply call runs the pass exactly once
// over the snapshot; running several passes is the caller's loop, and a later
// pass always gets freshly built index maps.
//
// The engine is pattern-agnostic: what constitutes a match, which nodes get
// removed and what replaces them is entirely the pass's business.
package fusion

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/onnxfusion/pkg/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Pass is one rewrite rule: which operator types to search for and, per
// candidate node, a matcher/rewriter.
type Pass interface {
	// FusedOpType is the operator type of the nodes this pass produces. Used
	// to derive a fused count when the pass doesn't maintain counters itself.
	FusedOpType() string

	// SearchOpTypes returns the operator types whose nodes trigger a match
	// attempt, in the order they should be scanned. Must be non-empty.
	//
	// Candidates are scanned one operator-type bucket at a time; a pass that
	// could match the same pattern starting from two of its search types must
	// take care not to trigger twice -- the mechanism doesn't prevent it, but
	// a double-trigger removes the same node twice and commit rejects that.
	SearchOpTypes() []string

	// Fuse is invoked once per candidate node, with the scope (graph name)
	// owning the candidate and the model-wide index maps: inputToNodes maps a
	// tensor name to its consumers, outputToNode to its producer.
	//
	// A pass records its rewrite on the batch; it must not mutate the model
	// directly, or the index maps go stale for the rest of the scan. Finding
	// no match at a candidate is a no-op, not an error. A returned error
	// aborts the whole Apply with nothing committed.
	Fuse(batch *EditBatch, scope string, node *ir.Node,
		inputToNodes map[string][]*ir.Node, outputToNode map[string]*ir.Node) error
}

// Report maps each fusion-variant label to how many times it was applied
// during one Fuser.Apply.
type Report map[string]int

// Total sums all variant counts.
func (r Report) Total() int {
	total := 0
	for _, count := range r {
		total += count
	}
	return total
}

// String lists the counts in deterministic label order.
func (r Report) String() string {
	s := ""
	for _, label := range xslices.SortedKeys(r) {
		if s != "" {
			s += ", "
		}
		s += fmt.Sprintf("%s: %d", label, r[label])
	}
	return s
}

// Fuser drives one Pass over one model.
type Fuser struct {
	model       *ir.Model
	pass        Pass
	description string
}

// Option configures a Fuser at construction.
type Option func(*Fuser)

// WithDescription sets a human-readable variant description, used only for
// reporting: the reporting label becomes "FusedOp(description)".
func WithDescription(description string) Option {
	return func(f *Fuser) {
		f.description = fmt.Sprintf("%s(%s)", f.pass.FusedOpType(), description)
	}
}

// New creates a Fuser for the given model and pass. It panics if the pass
// declares no search operator types -- that is a bug in the pass, not a
// runtime condition.
func New(model *ir.Model, pass Pass, options ...Option) *Fuser {
	if len(pass.SearchOpTypes()) == 0 {
		exceptions.Panicf("fusion.New: pass %q declares no search operator types", pass.FusedOpType())
	}
	f := &Fuser{
		model:       model,
		pass:        pass,
		description: pass.FusedOpType(),
	}
	for _, option := range options {
		option(f)
	}
	return f
}

// Apply runs the pass once over the whole model.
//
// It builds the producer/consumer index maps from the current snapshot, hands
// every node of every searched operator type to the pass (resolving the
// owning scope first), and then commits the accumulated edits: removals, then
// additions, then new initializers, then either full pruning (if the pass
// requested it) or an incremental re-sort/re-validate (if anything changed).
//
// Any error during the scan aborts with the model untouched. Errors during
// commit are the pass's fault (see EditBatch) and may leave the model
// partially edited. Apply on a model with no remaining matches is a no-op
// returning an empty Report, so it is safe to call repeatedly.
func (f *Fuser) Apply() (Report, error) {
	klog.V(1).Infof("starting %s fusion...", f.description)
	inputToNodes := f.model.InputNameToNodes()
	outputToNode := f.model.OutputNameToNode()

	batch := newEditBatch()
	for _, opType := range f.pass.SearchOpTypes() {
		for _, node := range f.model.NodesByOpType(opType) {
			graph := f.model.GraphByNode(node)
			if graph == nil {
				return nil, errors.Wrapf(ir.ErrStructural,
					"candidate node %q (%s) is not owned by any graph in the hierarchy",
					node.Name, node.OpType)
			}
			if err := f.pass.Fuse(batch, graph.Name, node, inputToNodes, outputToNode); err != nil {
				return nil, errors.WithMessagef(err, "%s fusion at node %q", f.description, node.Name)
			}
		}
	}

	report := f.buildReport(batch)
	for _, label := range xslices.SortedKeys(report) {
		klog.V(1).Infof("fused %s: %d", label, report[label])
	}

	if err := f.commit(batch); err != nil {
		return nil, errors.WithMessagef(err, "committing %s fusion", f.description)
	}
	return report, nil
}

// buildReport prefers the pass's own counters; otherwise it tallies the added
// nodes carrying the fused operator type under the pass's reporting label.
func (f *Fuser) buildReport(batch *EditBatch) Report {
	if counts := batch.Counts(); len(counts) > 0 {
		return Report(counts)
	}
	count := 0
	for _, node := range batch.nodesToAdd {
		if node.OpType == f.pass.FusedOpType() {
			count++
		}
	}
	report := Report{}
	if count > 0 {
		report[f.description] = count
	}
	return report
}

func (f *Fuser) commit(batch *EditBatch) error {
	if len(batch.duplicateAdds) > 0 {
		return errors.Wrapf(ir.ErrStructural,
			"node names added more than once in one batch: %v", batch.duplicateAdds)
	}
	if err := f.model.RemoveNodes(batch.nodesToRemove); err != nil {
		return err
	}
	if err := f.model.AddNodes(batch.nodesToAdd, batch.nodeNameToGraphName); err != nil {
		return err
	}
	for _, st := range batch.initializersToAdd {
		if err := f.model.AddInitializer(st.tensor, st.scope); err != nil {
			return err
		}
	}
	if batch.pruneGraph {
		f.model.PruneGraph()
		return nil
	}
	if !batch.Empty() {
		return f.model.UpdateGraph()
	}
	return nil
}
