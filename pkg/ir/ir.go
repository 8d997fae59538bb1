// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir holds an in-memory representation of an ONNX-style inference
// graph: typed operator nodes connected by named tensors, constant tensors
// (initializers) owned by a graph scope, and subgraphs nested inside
// control-flow operator attributes.
//
// It is the substrate the fusion engine (package fusion) rewrites. The model
// is deliberately plain: nodes refer to each other only through tensor names,
// so structural edits are cheap and pattern matching happens through the
// derived index maps (Model.InputNameToNodes and Model.OutputNameToNode)
// rather than through node pointers.
//
// Structural errors (a node not owned by any graph, an edit referencing a
// scope that doesn't exist, a dangling input after an edit) wrap ErrStructural
// and can be tested with errors.Is. Payload conversion errors on initializers
// wrap ErrEncoding.
package ir

import (
	"github.com/pkg/errors"
)

// ErrStructural is wrapped by every error that indicates the graph hierarchy
// and the caller's view of it have diverged: removing a node that isn't
// there, adding into a scope that doesn't exist, or an edit that left a node
// consuming a tensor nobody produces.
var ErrStructural = errors.New("graph structure inconsistency")

// ErrEncoding is wrapped by errors converting an initializer's value payload
// to its declared data type.
var ErrEncoding = errors.New("tensor encoding error")
