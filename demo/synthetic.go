package main

import (
	"math/rand/v2"
	"sort"

	"github.com/jeongwhanchoi/PR-MPNN/graphs"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

const (
	minSyntheticNodes = 6
	maxSyntheticNodes = 12

	// numDegreeClasses bounds the one-hot degree feature. Degrees are
	// strictly below maxSyntheticNodes.
	numDegreeClasses = maxSyntheticNodes + 1
)

// makeGraphs generates random undirected graphs labeled with their algebraic
// connectivity, the second-smallest Laplacian eigenvalue. Node features are
// the degree class of each node, to be one-hot encoded by the loader.
//
// When classify is true labels are binarized at the median connectivity, an
// even split by construction. Otherwise labels are normalized to zero mean
// and unit variance and the statistics returned, so predictions can be
// rescaled at evaluation time.
func makeGraphs(numGraphs int, seed int64, classify bool) (members []*graphs.Graph, mean, std float64, err error) {
	if numGraphs < 5 {
		return nil, 0, 0, errors.Errorf("synthetic dataset needs at least 5 graphs, got %d", numGraphs)
	}
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)+1))
	members = make([]*graphs.Graph, numGraphs)
	connectivity := make([]float64, numGraphs)
	for i := range numGraphs {
		numNodes := minSyntheticNodes + rng.IntN(maxSyntheticNodes-minSyntheticNodes+1)
		g := &graphs.Graph{
			NumNodes:    numNodes,
			NumFeatures: 1,
			Features:    make([]float32, numNodes),
		}
		// A spanning path keeps every graph connected, then extra edges
		// at a per-graph density spread the connectivity values.
		for v := 1; v < numNodes; v++ {
			g.Edges = append(g.Edges, [2]int32{int32(v - 1), int32(v)})
		}
		density := 0.1 + 0.5*rng.Float64()
		for u := 0; u < numNodes; u++ {
			for v := u + 2; v < numNodes; v++ {
				if rng.Float64() < density {
					g.Edges = append(g.Edges, [2]int32{int32(u), int32(v)})
				}
			}
		}
		for _, e := range g.Edges {
			g.Features[e[0]]++
			g.Features[e[1]]++
		}
		connectivity[i], err = graphs.AlgebraicConnectivity(g)
		if err != nil {
			return nil, 0, 0, errors.WithMessagef(err, "labeling synthetic graph #%d", i)
		}
		members[i] = g
	}

	if classify {
		sorted := append([]float64(nil), connectivity...)
		sort.Float64s(sorted)
		median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
		for i, g := range members {
			if connectivity[i] > median {
				g.Label = []float32{1}
			} else {
				g.Label = []float32{0}
			}
		}
		return members, 0, 0, nil
	}

	mean, std = stat.MeanStdDev(connectivity, nil)
	if std == 0 {
		std = 1
	}
	for i, g := range members {
		g.Label = []float32{float32((connectivity[i] - mean) / std)}
	}
	return members, mean, std, nil
}

// splitGraphs partitions the dataset 60/20/20 into train, validation and
// test. The generator already visits graphs in random order, so the split is
// a plain slicing.
func splitGraphs(members []*graphs.Graph) (train, validation, test []*graphs.Graph) {
	n := len(members)
	trainEnd := n * 6 / 10
	valEnd := n * 8 / 10
	return members[:trainEnd], members[trainEnd:valEnd], members[valEnd:]
}
