package rewiring

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jeongwhanchoi/PR-MPNN/graphs"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"
)

// DotPlotter returns a PlotFn writing each member of the rewired batch as a
// Graphviz file under dir, one file per graph, named by epoch, batch and
// member position. Zero-weight and self-loop edges are omitted from the
// rendering.
func DotPlotter(dir string) PlotFn {
	return func(batch *graphs.Batch, epoch, batchIdx int) error {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "creating plot directory")
		}
		for i := range batch.NumGraphs {
			dg := simple.NewWeightedDirectedGraph(0, 0)
			for v := range int(batch.NumNodes[i]) {
				dg.AddNode(simple.Node(v))
			}
			inc := batch.Increments[i]
			limit := inc + batch.NumNodes[i]
			for ei, edge := range batch.Edges {
				if edge[0] < inc || edge[0] >= limit {
					continue
				}
				w := float64(1)
				if batch.EdgeWeights != nil {
					w = float64(batch.EdgeWeights[ei])
				}
				if w == 0 || edge[0] == edge[1] {
					continue
				}
				dg.SetWeightedEdge(simple.WeightedEdge{
					F: simple.Node(edge[0] - inc),
					T: simple.Node(edge[1] - inc),
					W: w,
				})
			}
			name := fmt.Sprintf("epoch%03d_batch%03d_graph%02d", epoch, batchIdx, i)
			data, err := dot.Marshal(dg, name, "", "  ")
			if err != nil {
				return errors.Wrapf(err, "encoding %s", name)
			}
			if err := os.WriteFile(filepath.Join(dir, name+".dot"), data, 0644); err != nil {
				return errors.Wrapf(err, "writing %s", name)
			}
		}
		return nil
	}
}
