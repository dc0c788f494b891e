// Package graphs holds the graph data model used for probabilistic rewiring:
// individual graphs, batched disjoint unions of graphs with explicit index
// bookkeeping, and padded tensor views consumable by the models.
//
// A Batch is always accompanied by the "increments" of each member graph,
// the start of its local index space within the global (batched) node index
// space. Rewiring depends on these being exact: an off-by-one here corrupts
// every downstream pooling and metric.
package graphs

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Graph is a single directed graph with dense float32 node features and an
// optional label vector. Node indices are local, in [0, NumNodes).
type Graph struct {
	NumNodes    int
	NumFeatures int

	// Features is row-major [NumNodes, NumFeatures].
	Features []float32

	// Edges are directed (source, target) pairs with local node indices.
	Edges [][2]int32

	// Label holds the training target(s) for the graph. NaN entries mark
	// missing labels and are skipped by the loss.
	Label []float32
}

// Validate checks internal consistency of the graph.
func (g *Graph) Validate() error {
	if g.NumNodes <= 0 {
		return errors.Errorf("graph must have at least one node, got %d", g.NumNodes)
	}
	if len(g.Features) != g.NumNodes*g.NumFeatures {
		return errors.Errorf("features have %d values, want NumNodes x NumFeatures = %d x %d",
			len(g.Features), g.NumNodes, g.NumFeatures)
	}
	for _, e := range g.Edges {
		if e[0] < 0 || int(e[0]) >= g.NumNodes || e[1] < 0 || int(e[1]) >= g.NumNodes {
			return errors.Errorf("edge (%d, %d) out of range for graph with %d nodes", e[0], e[1], g.NumNodes)
		}
	}
	return nil
}

// Batch is a disjoint union of graphs sharing one global node index space.
type Batch struct {
	NumGraphs   int
	NumFeatures int
	NumTargets  int

	// NumNodes per member graph.
	NumNodes []int32

	// Increments[i] is the global index where graph i's local index space
	// starts. Increments[0] == 0 and the sequence is strictly increasing;
	// together with NumNodes it partitions [0, TotalNodes) with no gaps.
	Increments []int32

	// TotalNodes is the size of the global node index space.
	TotalNodes int

	// MaxNumNodes is the padding dimension for the dense tensor views.
	MaxNumNodes int

	// BatchVector maps each global node index to its graph id.
	BatchVector []int32

	// Features is row-major [TotalNodes, NumFeatures].
	Features []float32

	// Edges are directed (source, target) pairs with global node indices.
	Edges [][2]int32

	// EdgeWeights, if non-nil, carries one weight per edge. A nil value
	// means all edges have weight 1.
	EdgeWeights []float32

	// Labels is row-major [NumGraphs, NumTargets]. NaN entries are
	// missing labels.
	Labels []float32
}

// NewBatch assembles the disjoint union of the given graphs, computing the
// global index space, increments and batch vector.
func NewBatch(members []*Graph) (*Batch, error) {
	if len(members) == 0 {
		return nil, errors.New("cannot batch zero graphs")
	}
	numFeatures := members[0].NumFeatures
	numTargets := len(members[0].Label)
	b := &Batch{
		NumGraphs:   len(members),
		NumFeatures: numFeatures,
		NumTargets:  numTargets,
		NumNodes:    make([]int32, len(members)),
		Increments:  make([]int32, len(members)),
		BatchVector: make([]int32, 0),
		Labels:      make([]float32, 0, len(members)*numTargets),
	}
	offset := int32(0)
	for i, g := range members {
		if err := g.Validate(); err != nil {
			return nil, errors.WithMessagef(err, "graph #%d of batch", i)
		}
		if g.NumFeatures != numFeatures {
			return nil, errors.Errorf("graph #%d has %d features, batch has %d", i, g.NumFeatures, numFeatures)
		}
		if len(g.Label) != numTargets {
			return nil, errors.Errorf("graph #%d has %d targets, batch has %d", i, len(g.Label), numTargets)
		}
		b.NumNodes[i] = int32(g.NumNodes)
		b.Increments[i] = offset
		if g.NumNodes > b.MaxNumNodes {
			b.MaxNumNodes = g.NumNodes
		}
		for range g.NumNodes {
			b.BatchVector = append(b.BatchVector, int32(i))
		}
		b.Features = append(b.Features, g.Features...)
		for _, e := range g.Edges {
			b.Edges = append(b.Edges, [2]int32{e[0] + offset, e[1] + offset})
		}
		b.Labels = append(b.Labels, g.Label...)
		offset += int32(g.NumNodes)
	}
	b.TotalNodes = int(offset)
	return b, nil
}

// CheckPartition verifies that the increments exactly partition the global
// node index space: contiguous, strictly increasing, no gaps or overlaps.
func (b *Batch) CheckPartition() error {
	expected := int32(0)
	for i := range b.NumGraphs {
		if b.Increments[i] != expected {
			return errors.Errorf("graph #%d starts at %d, want %d", i, b.Increments[i], expected)
		}
		if b.NumNodes[i] <= 0 {
			return errors.Errorf("graph #%d has %d nodes", i, b.NumNodes[i])
		}
		expected += b.NumNodes[i]
	}
	if int(expected) != b.TotalNodes {
		return errors.Errorf("increments cover %d nodes, batch has %d", expected, b.TotalNodes)
	}
	return nil
}

// PaddedFeatures returns node features shaped [NumGraphs, MaxNumNodes,
// NumFeatures], zero-padded past each graph's real nodes.
func (b *Batch) PaddedFeatures() *tensors.Tensor {
	flat := make([]float32, b.NumGraphs*b.MaxNumNodes*b.NumFeatures)
	for i := range b.NumGraphs {
		n := int(b.NumNodes[i])
		inc := int(b.Increments[i])
		for v := range n {
			src := (inc + v) * b.NumFeatures
			dst := (i*b.MaxNumNodes + v) * b.NumFeatures
			copy(flat[dst:dst+b.NumFeatures], b.Features[src:src+b.NumFeatures])
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, b.NumGraphs, b.MaxNumNodes, b.NumFeatures)
}

// NodeMask returns the node validity mask shaped [NumGraphs, MaxNumNodes]:
// true for real nodes, false for padding.
func (b *Batch) NodeMask() *tensors.Tensor {
	flat := make([]bool, b.NumGraphs*b.MaxNumNodes)
	for i := range b.NumGraphs {
		for v := range int(b.NumNodes[i]) {
			flat[i*b.MaxNumNodes+v] = true
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, b.NumGraphs, b.MaxNumNodes)
}

// DenseAdjacency returns the weighted adjacency shaped [NumGraphs,
// MaxNumNodes, MaxNumNodes] with adj[g][src][tgt] set to the edge weight
// (1 if the batch carries no weights).
func (b *Batch) DenseAdjacency() *tensors.Tensor {
	flat := make([]float32, b.NumGraphs*b.MaxNumNodes*b.MaxNumNodes)
	for ei, e := range b.Edges {
		gid := int(b.BatchVector[e[0]])
		src := int(e[0] - b.Increments[gid])
		tgt := int(e[1] - b.Increments[gid])
		w := float32(1)
		if b.EdgeWeights != nil {
			w = b.EdgeWeights[ei]
		}
		flat[(gid*b.MaxNumNodes+src)*b.MaxNumNodes+tgt] = w
	}
	return tensors.FromFlatDataAndDimensions(flat, b.NumGraphs, b.MaxNumNodes, b.MaxNumNodes)
}

// LabelsTensor returns the labels shaped [NumGraphs, NumTargets].
func (b *Batch) LabelsTensor() *tensors.Tensor {
	flat := make([]float32, len(b.Labels))
	copy(flat, b.Labels)
	return tensors.FromFlatDataAndDimensions(flat, b.NumGraphs, b.NumTargets)
}

// NumEdges returns the number of edges in the batch.
func (b *Batch) NumEdges() int { return len(b.Edges) }

// HasMissingLabels reports whether any label entry is NaN.
func (b *Batch) HasMissingLabels() bool {
	for _, v := range b.Labels {
		if math.IsNaN(float64(v)) {
			return true
		}
	}
	return false
}
