// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion_test

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/onnxfusion/pkg/fusion"
	"github.com/gomlx/onnxfusion/pkg/ir"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gemmPass fuses MatMul+Add into a single Gemm node. It is the classic
// two-node splice: the fused node reuses the Add's output name, so downstream
// consumers are untouched.
type gemmPass struct {
	search []string
}

func (p *gemmPass) FusedOpType() string { return "Gemm" }

func (p *gemmPass) SearchOpTypes() []string {
	if p.search != nil {
		return p.search
	}
	return []string{"Add"}
}

func (p *gemmPass) Fuse(batch *fusion.EditBatch, scope string, node *ir.Node,
	inputToNodes map[string][]*ir.Node, outputToNode map[string]*ir.Node) error {
	matmul := outputToNode[node.Inputs[0]]
	if matmul == nil || matmul.OpType != "MatMul" {
		return nil
	}
	if len(inputToNodes[matmul.Outputs[0]]) != 1 {
		// The MatMul output feeds someone else too; splicing it out would
		// leave that consumer dangling.
		return nil
	}
	gemm := ir.NewNode(node.Name+"_gemm", "Gemm",
		[]string{matmul.Inputs[0], matmul.Inputs[1], node.Inputs[1]},
		[]string{node.Outputs[0]})
	batch.RemoveNodes(matmul, node)
	batch.AddNode(scope, gemm)
	return nil
}

// chainModel builds main: MatMul(x,w)->t1, Add(t1,b)->t2, Relu(t2)->y.
func chainModel(t *testing.T) *ir.Model {
	w, err := ir.NewRawTensor("w", dtypes.Float32, []int{2, 2}, []float32{1, 0, 0, 1})
	require.NoError(t, err)
	b, err := ir.NewRawTensor("b", dtypes.Float32, []int{2}, []float32{0.5, -0.5})
	require.NoError(t, err)

	g := ir.NewGraph("main").AddNodes(
		ir.NewNode("matmul0", "MatMul", []string{"x", "w"}, []string{"t1"}),
		ir.NewNode("add0", "Add", []string{"t1", "b"}, []string{"t2"}),
		ir.NewNode("relu0", "Relu", []string{"t2"}, []string{"y"}),
	).AddInitializer(w).AddInitializer(b)
	g.Inputs = []string{"x"}
	g.Outputs = []string{"y"}
	return ir.NewModel(g)
}

func opTypes(g *ir.Graph) []string {
	ops := make([]string, 0, len(g.Nodes))
	for _, node := range g.Nodes {
		ops = append(ops, node.OpType)
	}
	return ops
}

func TestApplyFusesChain(t *testing.T) {
	m := chainModel(t)
	report, err := fusion.New(m, &gemmPass{}).Apply()
	require.NoError(t, err)
	require.Equal(t, 1, report.Total())
	require.Equal(t, fusion.Report{"Gemm": 1}, report)

	require.Equal(t, []string{"Gemm", "Relu"}, opTypes(m.Main))
	gemm := m.Main.Nodes[0]
	assert.Equal(t, []string{"x", "w", "b"}, gemm.Inputs)
	assert.Equal(t, []string{"t2"}, gemm.Outputs)

	// The downstream consumer is untouched.
	relu := m.Main.Nodes[1]
	assert.Equal(t, "relu0", relu.Name)
	assert.Equal(t, []string{"t2"}, relu.Inputs)
}

func TestApplyIsIdempotent(t *testing.T) {
	m := chainModel(t)
	fuser := fusion.New(m, &gemmPass{})

	report, err := fuser.Apply()
	require.NoError(t, err)
	require.Equal(t, 1, report.Total())
	fused := opTypes(m.Main)

	// No matches remain: the second run is a no-op.
	report, err = fuser.Apply()
	require.NoError(t, err)
	require.Equal(t, 0, report.Total())
	require.Equal(t, fused, opTypes(m.Main))
}

func TestApplyWithZeroCandidates(t *testing.T) {
	m := chainModel(t)
	before := opTypes(m.Main)
	nInits := len(m.Main.Initializers)

	report, err := fusion.New(m, &gemmPass{search: []string{"Gelu"}}).Apply()
	require.NoError(t, err)
	require.Empty(t, report)
	require.Equal(t, before, opTypes(m.Main))
	require.Len(t, m.Main.Initializers, nInits)
}

func TestApplyNoMatchLeavesGraphAlone(t *testing.T) {
	// An Add whose producer is not a MatMul: candidate visited, no match.
	g := ir.NewGraph("main").AddNodes(
		ir.NewNode("mul0", "Mul", []string{"x", "x"}, []string{"t1"}),
		ir.NewNode("add0", "Add", []string{"t1", "x"}, []string{"y"}),
	)
	g.Inputs = []string{"x"}
	g.Outputs = []string{"y"}
	m := ir.NewModel(g)

	report, err := fusion.New(m, &gemmPass{}).Apply()
	require.NoError(t, err)
	require.Empty(t, report)
	require.Equal(t, []string{"Mul", "Add"}, opTypes(m.Main))
}

func TestApplySkipsSharedProducer(t *testing.T) {
	// The MatMul output feeds the Add and a second consumer: fusing would
	// orphan the latter, so the pass must decline.
	g := ir.NewGraph("main").AddNodes(
		ir.NewNode("matmul0", "MatMul", []string{"x", "x"}, []string{"t1"}),
		ir.NewNode("add0", "Add", []string{"t1", "x"}, []string{"t2"}),
		ir.NewNode("neg0", "Neg", []string{"t1"}, []string{"t3"}),
	)
	g.Inputs = []string{"x"}
	g.Outputs = []string{"t2", "t3"}
	m := ir.NewModel(g)

	report, err := fusion.New(m, &gemmPass{}).Apply()
	require.NoError(t, err)
	require.Empty(t, report)
	require.Len(t, m.Main.Nodes, 3)
}

// countingPass matches every candidate and maintains its own per-variant
// counters instead of relying on the derived tally.
type countingPass struct{}

func (countingPass) FusedOpType() string { return "FastGelu" }

func (countingPass) SearchOpTypes() []string { return []string{"Gelu", "Erf"} }

func (countingPass) Fuse(batch *fusion.EditBatch, scope string, node *ir.Node,
	_ map[string][]*ir.Node, _ map[string]*ir.Node) error {
	replacement := ir.NewNode(node.Name+"_fast", "FastGelu", node.Inputs, node.Outputs)
	batch.RemoveNodes(node)
	batch.AddNode(scope, replacement)
	batch.Increment("FastGelu(" + node.OpType + ")")
	return nil
}

func TestReportPrefersPassCounters(t *testing.T) {
	g := ir.NewGraph("main").AddNodes(
		ir.NewNode("gelu0", "Gelu", []string{"x"}, []string{"t1"}),
		ir.NewNode("gelu1", "Gelu", []string{"t1"}, []string{"t2"}),
		ir.NewNode("erf0", "Erf", []string{"t2"}, []string{"y"}),
	)
	g.Inputs = []string{"x"}
	g.Outputs = []string{"y"}
	m := ir.NewModel(g)

	report, err := fusion.New(m, countingPass{}).Apply()
	require.NoError(t, err)
	require.Equal(t, fusion.Report{"FastGelu(Gelu)": 2, "FastGelu(Erf)": 1}, report)
	require.Equal(t, 3, report.Total())
	require.Equal(t, "FastGelu(Erf): 1, FastGelu(Gelu): 2", report.String())
}

func TestWithDescriptionLabelsDerivedCount(t *testing.T) {
	m := chainModel(t)
	report, err := fusion.New(m, &gemmPass{}, fusion.WithDescription("MatMul+Add")).Apply()
	require.NoError(t, err)
	require.Equal(t, fusion.Report{"Gemm(MatMul+Add)": 1}, report)
}

// failingPass fuses normally but errors on a poisoned node name.
type failingPass struct{ gemmPass }

func (p *failingPass) SearchOpTypes() []string { return []string{"Add"} }

func (p *failingPass) Fuse(batch *fusion.EditBatch, scope string, node *ir.Node,
	inputToNodes map[string][]*ir.Node, outputToNode map[string]*ir.Node) error {
	if node.Name == "poisoned" {
		return errors.New("boom")
	}
	return p.gemmPass.Fuse(batch, scope, node, inputToNodes, outputToNode)
}

func TestApplyErrorCommitsNothing(t *testing.T) {
	m := chainModel(t)
	// A second fusable pair, then the poisoned candidate.
	m.Main.AddNodes(
		ir.NewNode("matmul1", "MatMul", []string{"y", "w"}, []string{"t3"}),
		ir.NewNode("poisoned", "Add", []string{"t3", "b"}, []string{"z"}),
	)
	m.Main.Outputs = []string{"z"}
	before := opTypes(m.Main)

	_, err := fusion.New(m, &failingPass{}).Apply()
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")

	// The scan failed after the first candidate had already batched a match:
	// none of it reached the model.
	require.Equal(t, before, opTypes(m.Main))
}

// doubleRemovePass removes the producer of every candidate, so a producer
// shared by two candidates gets slated twice.
type doubleRemovePass struct{}

func (doubleRemovePass) FusedOpType() string { return "Fused" }

func (doubleRemovePass) SearchOpTypes() []string { return []string{"Add"} }

func (doubleRemovePass) Fuse(batch *fusion.EditBatch, scope string, node *ir.Node,
	_ map[string][]*ir.Node, outputToNode map[string]*ir.Node) error {
	if producer := outputToNode[node.Inputs[0]]; producer != nil {
		batch.RemoveNodes(producer, node)
		batch.AddNode(scope, ir.NewNode(node.Name+"_fused", "Fused",
			[]string{producer.Inputs[0]}, node.Outputs))
	}
	return nil
}

func TestDoubleRemovalSurfacesAtCommit(t *testing.T) {
	g := ir.NewGraph("main").AddNodes(
		ir.NewNode("neg0", "Neg", []string{"x"}, []string{"t"}),
		ir.NewNode("add0", "Add", []string{"t", "x"}, []string{"y0"}),
		ir.NewNode("add1", "Add", []string{"t", "x"}, []string{"y1"}),
	)
	g.Inputs = []string{"x"}
	g.Outputs = []string{"y0", "y1"}
	m := ir.NewModel(g)

	_, err := fusion.New(m, doubleRemovePass{}).Apply()
	require.ErrorIs(t, err, ir.ErrStructural)
}

// duplicateAddPass adds a same-named replacement node for every candidate
// instead of minting fresh names with Model.UniqueName.
type duplicateAddPass struct{}

func (duplicateAddPass) FusedOpType() string { return "Fused" }

func (duplicateAddPass) SearchOpTypes() []string { return []string{"Add"} }

func (duplicateAddPass) Fuse(batch *fusion.EditBatch, scope string, node *ir.Node,
	_ map[string][]*ir.Node, _ map[string]*ir.Node) error {
	batch.RemoveNodes(node)
	batch.AddNode(scope, ir.NewNode("fused", "Fused", node.Inputs, node.Outputs))
	return nil
}

func TestDuplicateAddedNameSurfacesAtCommit(t *testing.T) {
	g := ir.NewGraph("main").AddNodes(
		ir.NewNode("add0", "Add", []string{"x", "x"}, []string{"y0"}),
		ir.NewNode("add1", "Add", []string{"x", "x"}, []string{"y1"}),
	)
	g.Inputs = []string{"x"}
	g.Outputs = []string{"y0", "y1"}
	m := ir.NewModel(g)
	before := opTypes(m.Main)

	_, err := fusion.New(m, duplicateAddPass{}).Apply()
	require.ErrorIs(t, err, ir.ErrStructural)
	// Rejected before any removal, so the model is untouched.
	require.Equal(t, before, opTypes(m.Main))
}

// pruningPass reroutes the graph output to the candidate's input and asks for
// full pruning instead of splicing replacements in.
type pruningPass struct{}

func (pruningPass) FusedOpType() string { return "Identity" }

func (pruningPass) SearchOpTypes() []string { return []string{"Relu"} }

func (pruningPass) Fuse(batch *fusion.EditBatch, scope string, node *ir.Node,
	_ map[string][]*ir.Node, _ map[string]*ir.Node) error {
	batch.RemoveNodes(node)
	batch.AddNode(scope, ir.NewNode(node.Name+"_id", "Identity", []string{"x"}, node.Outputs))
	batch.RequestPrune()
	return nil
}

func TestRequestPruneRunsDeadNodeElimination(t *testing.T) {
	m := chainModel(t)
	report, err := fusion.New(m, pruningPass{}).Apply()
	require.NoError(t, err)
	require.Equal(t, 1, report.Total())

	// Rerouting y to Identity(x) leaves MatMul and Add dead; pruning removes
	// them and collects their initializers.
	require.Equal(t, []string{"Identity"}, opTypes(m.Main))
	require.Empty(t, m.Main.Initializers)
}

// subgraphInitPass adds a constant into whatever scope its candidate lives in.
type subgraphInitPass struct{}

func (subgraphInitPass) FusedOpType() string { return "AddScaled" }

func (subgraphInitPass) SearchOpTypes() []string { return []string{"Add"} }

func (subgraphInitPass) Fuse(batch *fusion.EditBatch, scope string, node *ir.Node,
	_ map[string][]*ir.Node, _ map[string]*ir.Node) error {
	scale, err := batch.AddInitializer(scope, node.Name+"_scale", dtypes.Float32, nil, []float32{0.5}, true)
	if err != nil {
		return err
	}
	batch.RemoveNodes(node)
	batch.AddNode(scope, ir.NewNode(node.Name+"_scaled", "AddScaled",
		append(node.Inputs, scale.Name), node.Outputs))
	return nil
}

func TestInitializerLandsInTriggeringScope(t *testing.T) {
	body := ir.NewGraph("body").AddNodes(
		ir.NewNode("inner_add", "Add", []string{"t", "x"}, []string{"ty"}))
	body.Outputs = []string{"ty"}
	loop := ir.NewNode("loop0", "Loop", []string{"n"}, []string{"y"})
	loop.SetAttr(ir.GraphAttr("body", body))

	g := ir.NewGraph("main").AddNodes(
		ir.NewNode("relu0", "Relu", []string{"x"}, []string{"t"}),
		loop)
	g.Inputs = []string{"x", "n"}
	g.Outputs = []string{"y"}
	m := ir.NewModel(g)

	report, err := fusion.New(m, subgraphInitPass{}).Apply()
	require.NoError(t, err)
	require.Equal(t, 1, report.Total())

	// The constant is registered in the subgraph that triggered it, not in
	// the top-level graph.
	require.NotNil(t, body.Initializer("inner_add_scale"))
	require.Nil(t, m.Main.Initializer("inner_add_scale"))
	require.Equal(t, "AddScaled", body.Nodes[0].OpType)
	require.Equal(t, []float32{0.5}, body.Initializer("inner_add_scale").Float32Values())
}

// badEncodingPass propagates the encoding failure from AddInitializer.
type badEncodingPass struct{}

func (badEncodingPass) FusedOpType() string { return "Fused" }

func (badEncodingPass) SearchOpTypes() []string { return []string{"Relu"} }

func (badEncodingPass) Fuse(batch *fusion.EditBatch, scope string, node *ir.Node,
	_ map[string][]*ir.Node, _ map[string]*ir.Node) error {
	_, err := batch.AddInitializer(scope, "bad", dtypes.Float32, []int{2}, []string{"a", "b"}, true)
	return err
}

func TestEncodingErrorAbortsApply(t *testing.T) {
	m := chainModel(t)
	before := opTypes(m.Main)

	_, err := fusion.New(m, badEncodingPass{}).Apply()
	require.ErrorIs(t, err, ir.ErrEncoding)
	require.Equal(t, before, opTypes(m.Main))
}

type emptySearchPass struct{ gemmPass }

func (*emptySearchPass) SearchOpTypes() []string { return nil }

func TestNewPanicsOnEmptySearchOpTypes(t *testing.T) {
	m := chainModel(t)
	require.Panics(t, func() { fusion.New(m, &emptySearchPass{}) })
}
