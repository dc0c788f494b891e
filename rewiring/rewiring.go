// Package rewiring reconstructs batched graphs from sampled edge masks.
//
// The candidate space of every graph is the fully-connected set of node
// pairs, flattened row-major to MaxNumNodes^2 padded slots per graph. A
// sampled mask assigns each candidate pair a weight per ensemble member;
// the engine turns those weights back into batched graphs, replicating the
// per-graph node data once per ensemble member, optionally followed by an
// untouched copy of the original graphs with unit edge weights.
//
// Two forms are provided: a host-side edge-list form (Rewire) used for
// evaluation and visualization, and an in-graph dense-adjacency form
// (Adjacency) used during training where gradients must keep flowing
// through zero-weight edges.
package rewiring

import (
	"github.com/jeongwhanchoi/PR-MPNN/graphs"
	"github.com/pkg/errors"
)

// PlotFn renders a rewired batch to image files. It is called at most once
// per run, at the configured (epoch, batch) checkpoint.
type PlotFn func(batch *graphs.Batch, epoch, batchIdx int) error

// Engine rewires batches under a fixed ensemble width.
type Engine struct {
	ensembleWidth   int
	includeOriginal bool

	plotFn    PlotFn
	plotEpoch int
	plotBatch int
}

// New creates a rewiring engine. ensembleWidth is the number of independent
// structural samples per graph; includeOriginal appends an unmodified copy
// of the original graphs as the last block of every rewired batch.
func New(ensembleWidth int, includeOriginal bool) (*Engine, error) {
	if ensembleWidth < 1 {
		return nil, errors.Errorf("ensemble width must be >= 1, got %d", ensembleWidth)
	}
	return &Engine{ensembleWidth: ensembleWidth, includeOriginal: includeOriginal}, nil
}

// WithPlot installs a visualization hook fired when Rewire sees the given
// epoch and batch index. The hook never alters the rewired batch.
func (e *Engine) WithPlot(fn PlotFn, epoch, batchIdx int) *Engine {
	e.plotFn = fn
	e.plotEpoch = epoch
	e.plotBatch = batchIdx
	return e
}

// EnsembleWidth returns the configured number of samples per graph.
func (e *Engine) EnsembleWidth() int { return e.ensembleWidth }

// Blocks is the replication factor of a rewired batch: one block of
// NumGraphs graphs per ensemble member, plus one for the original copy.
func (e *Engine) Blocks() int {
	if e.includeOriginal {
		return e.ensembleWidth + 1
	}
	return e.ensembleWidth
}

// Rewire reconstructs a batch from the sampled mask, shaped
// [NumGraphs][MaxNumNodes^2][ensembleWidth] with candidate pair p
// representing the directed edge (p / MaxNumNodes, p % MaxNumNodes).
//
// During training every valid candidate pair is kept as a weighted edge,
// zero weights included, so the weight channel preserves the gradient path.
// Outside training zero-weight edges are dropped instead. The returned
// batch lays out its member graphs in blocks: ensemble member 0 first,
// then member 1, and so on, with the original graphs strictly last.
func (e *Engine) Rewire(batch *graphs.Batch, mask [][][]float32, epoch, batchIdx int, training bool) (*graphs.Batch, error) {
	if err := e.checkMask(batch, mask); err != nil {
		return nil, err
	}

	members := make([]*graphs.Graph, 0, e.Blocks()*batch.NumGraphs)
	weights := make([][]float32, 0, cap(members))
	nMax := batch.MaxNumNodes
	for member := 0; member < e.ensembleWidth; member++ {
		for i := range batch.NumGraphs {
			n := int(batch.NumNodes[i])
			g := e.memberGraph(batch, i)
			w := make([]float32, 0, n*n)
			for src := 0; src < n; src++ {
				for tgt := 0; tgt < n; tgt++ {
					value := mask[i][src*nMax+tgt][member]
					if !training && value == 0 {
						continue
					}
					g.Edges = append(g.Edges, [2]int32{int32(src), int32(tgt)})
					w = append(w, value)
				}
			}
			members = append(members, g)
			weights = append(weights, w)
		}
	}
	if e.includeOriginal {
		for i := range batch.NumGraphs {
			g := e.memberGraph(batch, i)
			inc := batch.Increments[i]
			limit := inc + batch.NumNodes[i]
			w := make([]float32, 0)
			for _, edge := range batch.Edges {
				if edge[0] >= inc && edge[0] < limit {
					g.Edges = append(g.Edges, [2]int32{edge[0] - inc, edge[1] - inc})
					w = append(w, 1)
				}
			}
			members = append(members, g)
			weights = append(weights, w)
		}
	}

	rewired, err := graphs.NewBatch(members)
	if err != nil {
		return nil, err
	}
	rewired.EdgeWeights = make([]float32, 0, rewired.NumEdges())
	for _, w := range weights {
		rewired.EdgeWeights = append(rewired.EdgeWeights, w...)
	}

	if e.plotFn != nil && epoch == e.plotEpoch && batchIdx == e.plotBatch {
		if err := e.plotFn(rewired, epoch, batchIdx); err != nil {
			return nil, errors.WithMessage(err, "rewiring visualization hook")
		}
	}
	return rewired, nil
}

// memberGraph copies graph i's node data out of the batch, with an empty
// edge list. Features are copied, not aliased, since transforms downstream
// may mutate them.
func (e *Engine) memberGraph(batch *graphs.Batch, i int) *graphs.Graph {
	n := int(batch.NumNodes[i])
	inc := int(batch.Increments[i])
	features := make([]float32, n*batch.NumFeatures)
	copy(features, batch.Features[inc*batch.NumFeatures:(inc+n)*batch.NumFeatures])
	label := make([]float32, batch.NumTargets)
	copy(label, batch.Labels[i*batch.NumTargets:(i+1)*batch.NumTargets])
	return &graphs.Graph{
		NumNodes:    n,
		NumFeatures: batch.NumFeatures,
		Features:    features,
		Label:       label,
	}
}

func (e *Engine) checkMask(batch *graphs.Batch, mask [][][]float32) error {
	if len(mask) != batch.NumGraphs {
		return errors.Errorf("mask covers %d graphs, batch has %d", len(mask), batch.NumGraphs)
	}
	wantPairs := batch.MaxNumNodes * batch.MaxNumNodes
	for i := range mask {
		if len(mask[i]) != wantPairs {
			return errors.Errorf("mask of graph #%d has %d candidate pairs, want %d", i, len(mask[i]), wantPairs)
		}
		for p := range mask[i] {
			if len(mask[i][p]) != e.ensembleWidth {
				return errors.Errorf("mask of graph #%d pair #%d has %d ensemble channels, want %d",
					i, p, len(mask[i][p]), e.ensembleWidth)
			}
		}
	}
	return nil
}
