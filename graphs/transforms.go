package graphs

import (
	"github.com/pkg/errors"
)

// Transform rewrites a graph at dataset-construction time. Transforms are
// applied in order, before any batching.
type Transform func(*Graph) (*Graph, error)

// ApplyTransforms runs the given transforms over a copy of g, in order.
func ApplyTransforms(g *Graph, transforms ...Transform) (*Graph, error) {
	out := g.clone()
	var err error
	for _, t := range transforms {
		out, err = t(out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (g *Graph) clone() *Graph {
	out := &Graph{
		NumNodes:    g.NumNodes,
		NumFeatures: g.NumFeatures,
		Features:    append([]float32(nil), g.Features...),
		Edges:       append([][2]int32(nil), g.Edges...),
		Label:       append([]float32(nil), g.Label...),
	}
	return out
}

// AddSelfLoops adds a (v, v) edge for every node that doesn't have one yet.
func AddSelfLoops(g *Graph) (*Graph, error) {
	seen := make(map[int32]bool, g.NumNodes)
	for _, e := range g.Edges {
		if e[0] == e[1] {
			seen[e[0]] = true
		}
	}
	for v := range g.NumNodes {
		if !seen[int32(v)] {
			g.Edges = append(g.Edges, [2]int32{int32(v), int32(v)})
		}
	}
	return g, nil
}

// ToUndirected adds the reverse of every edge, deduplicating pairs so the
// resulting edge set is symmetric.
func ToUndirected(g *Graph) (*Graph, error) {
	present := make(map[[2]int32]bool, 2*len(g.Edges))
	for _, e := range g.Edges {
		present[e] = true
	}
	for _, e := range append([][2]int32(nil), g.Edges...) {
		rev := [2]int32{e[1], e[0]}
		if !present[rev] {
			g.Edges = append(g.Edges, rev)
			present[rev] = true
		}
	}
	return g, nil
}

// OneHotNodeAttr converts single-column categorical node features to a
// one-hot encoding with the given number of classes.
func OneHotNodeAttr(numClasses int) Transform {
	return func(g *Graph) (*Graph, error) {
		if g.NumFeatures != 1 {
			return nil, errors.Errorf("one-hot transform wants 1 feature column, graph has %d", g.NumFeatures)
		}
		features := make([]float32, g.NumNodes*numClasses)
		for v := range g.NumNodes {
			class := int(g.Features[v])
			if class < 0 || class >= numClasses {
				return nil, errors.Errorf("node %d has class %d, want in [0, %d)", v, class, numClasses)
			}
			features[v*numClasses+class] = 1
		}
		g.Features = features
		g.NumFeatures = numClasses
		return g, nil
	}
}
