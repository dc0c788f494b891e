package graphs

import (
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// AlgebraicConnectivity returns the second-smallest eigenvalue of the
// symmetric graph Laplacian, a standard connectivity measure: it is zero
// iff the graph is disconnected, and grows with how well-connected the
// graph is. Edge directions are ignored.
func AlgebraicConnectivity(g *Graph) (float64, error) {
	n := g.NumNodes
	if n < 2 {
		return 0, errors.Errorf("connectivity needs at least 2 nodes, got %d", n)
	}
	adj := mat.NewSymDense(n, nil)
	for _, e := range g.Edges {
		if e[0] == e[1] {
			continue
		}
		adj.SetSym(int(e[0]), int(e[1]), 1)
	}
	laplacian := mat.NewSymDense(n, nil)
	for i := range n {
		degree := 0.0
		for j := range n {
			degree += adj.At(i, j)
		}
		laplacian.SetSym(i, i, degree)
		for j := i + 1; j < n; j++ {
			laplacian.SetSym(i, j, -adj.At(i, j))
		}
	}
	var eig mat.EigenSym
	if !eig.Factorize(laplacian, false) {
		return 0, errors.New("laplacian eigendecomposition failed")
	}
	values := eig.Values(nil)
	sort.Float64s(values)
	return values[1], nil
}
