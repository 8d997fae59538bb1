// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/onnxfusion/pkg/ir"
	"github.com/pkg/errors"
)

// EditBatch accumulates the graph edits a Pass proposes during one scan.
// It exposes no way to touch the live model: everything recorded here is
// committed by the Fuser after the full scan, which is what keeps the index
// maps handed to Pass.Fuse valid for every candidate.
type EditBatch struct {
	nodesToRemove []*ir.Node
	nodesToAdd    []*ir.Node

	// nodeNameToGraphName records, per added node name, the scope it belongs
	// to at commit time.
	nodeNameToGraphName map[string]string

	initializersToAdd []scopedTensor

	// duplicateAdds lists node names slated for addition more than once;
	// non-empty rejects the whole batch at commit.
	duplicateAdds []string

	pruneGraph bool
	fusedCount map[string]int
}

type scopedTensor struct {
	tensor *ir.Tensor
	scope  string
}

func newEditBatch() *EditBatch {
	return &EditBatch{
		nodeNameToGraphName: make(map[string]string),
		fusedCount:          make(map[string]int),
	}
}

// RemoveNodes slates nodes for deletion at commit. Each node must exist in
// the model when the batch commits; slating the same node twice surfaces as a
// structural error there.
func (b *EditBatch) RemoveNodes(nodes ...*ir.Node) {
	b.nodesToRemove = append(b.nodesToRemove, nodes...)
}

// AddNode slates a newly constructed node for insertion into the named scope
// at commit. Node names must be unique within one batch -- mint them with
// Model.UniqueName; adding the same name twice surfaces as a structural error
// at commit.
func (b *EditBatch) AddNode(scope string, node *ir.Node) {
	if _, seen := b.nodeNameToGraphName[node.Name]; seen {
		b.duplicateAdds = append(b.duplicateAdds, node.Name)
	}
	b.nodesToAdd = append(b.nodesToAdd, node)
	b.nodeNameToGraphName[node.Name] = scope
}

// RequestPrune asks for full reachability-based dead-node elimination after
// commit, instead of the default incremental re-sort/re-validate. Passes that
// disconnect whole subgraphs (rather than splicing replacements in place)
// should request it.
func (b *EditBatch) RequestPrune() {
	b.pruneGraph = true
}

// Increment bumps the occurrence counter of one fusion variant. Optional: if
// a pass never increments, the Fuser derives a count from the added nodes
// carrying the pass's fused operator type.
func (b *EditBatch) Increment(label string) {
	b.fusedCount[label]++
}

// Counts returns a copy of the per-variant counters (only non-zero entries).
func (b *EditBatch) Counts() map[string]int {
	counts := make(map[string]int, len(b.fusedCount))
	for label, count := range b.fusedCount {
		if count > 0 {
			counts[label] = count
		}
	}
	return counts
}

// Empty reports whether the batch holds no pending edit of any kind.
func (b *EditBatch) Empty() bool {
	return len(b.nodesToRemove) == 0 && len(b.nodesToAdd) == 0 && len(b.initializersToAdd) == 0
}

// AddInitializer constructs a constant tensor and slates it for registration
// in the given scope at commit -- the scope that triggered the fusion, so the
// constant is visible where the fused node will consume it.
//
// With raw=true values are converted to dtype's native element width and
// stored as a little-endian byte buffer; otherwise they are stored as a typed
// element sequence. Payloads inconvertible to dtype fail with an error
// wrapping ir.ErrEncoding; the pass should propagate it, not swallow it.
//
// The constructed tensor is returned so the caller can reference it by name
// from an added node's inputs. It is not visible through the model until
// commit.
func (b *EditBatch) AddInitializer(scope, name string, dtype dtypes.DType, dims []int, values any, raw bool) (*ir.Tensor, error) {
	var tensor *ir.Tensor
	var err error
	if raw {
		tensor, err = ir.NewRawTensor(name, dtype, dims, values)
	} else {
		tensor, err = ir.NewTensor(name, dtype, dims, values)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "AddInitializer(%q) in scope %q", name, scope)
	}
	b.initializersToAdd = append(b.initializersToAdd, scopedTensor{tensor: tensor, scope: scope})
	return tensor, nil
}
