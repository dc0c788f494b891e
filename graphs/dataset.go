package graphs

import (
	"fmt"
	"io"
	"math/rand"

	humanize "github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Loader yields batches of graphs, one per training step. It follows the
// Name/Reset/Yield contract of gomlx's train.Dataset, typed to *Batch, and
// carries the optional normalization statistics of its targets so that
// regression predictions can be rescaled at evaluation time.
type Loader struct {
	name      string
	members   []*Graph
	batchSize int
	shuffle   bool
	rng       *rand.Rand

	// Mean and Std are per-dataset label statistics; Std == 0 means
	// the labels are not normalized.
	Mean, Std float64

	order []int
	next  int
}

// NewLoader creates a loader over the given graphs, applying the transforms
// to each member first.
func NewLoader(name string, members []*Graph, batchSize int, transforms ...Transform) (*Loader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be > 0, got %d", batchSize)
	}
	if len(members) == 0 {
		return nil, errors.New("loader needs at least one graph")
	}
	transformed := make([]*Graph, len(members))
	for i, g := range members {
		var err error
		transformed[i], err = ApplyTransforms(g, transforms...)
		if err != nil {
			return nil, errors.WithMessagef(err, "transforming graph #%d", i)
		}
	}
	l := &Loader{
		name:      name,
		members:   transformed,
		batchSize: batchSize,
	}
	l.Reset()
	return l, nil
}

// WithShuffle enables shuffling of the graph order at every Reset, using the
// given seed. It returns the loader to allow chaining.
func (l *Loader) WithShuffle(seed int64) *Loader {
	l.shuffle = true
	l.rng = rand.New(rand.NewSource(seed))
	l.Reset()
	return l
}

// WithNormalization records the label mean/std used to normalize this
// dataset's targets. It returns the loader to allow chaining.
func (l *Loader) WithNormalization(mean, std float64) *Loader {
	l.Mean, l.Std = mean, std
	return l
}

// Name identifies the loader, used in logs and metric reports.
func (l *Loader) Name() string { return l.name }

// NumGraphs is the total number of member graphs.
func (l *Loader) NumGraphs() int { return len(l.members) }

// NumBatches is the number of batches one epoch yields.
func (l *Loader) NumBatches() int {
	return (len(l.members) + l.batchSize - 1) / l.batchSize
}

// Reset restarts the epoch, reshuffling if configured.
func (l *Loader) Reset() {
	if l.order == nil {
		l.order = make([]int, len(l.members))
	}
	for i := range l.order {
		l.order[i] = i
	}
	if l.shuffle && l.rng != nil {
		l.rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
	l.next = 0
}

// Yield returns the next batch, or io.EOF at the end of the epoch.
func (l *Loader) Yield() (*Batch, error) {
	if l.next >= len(l.members) {
		return nil, io.EOF
	}
	end := min(l.next+l.batchSize, len(l.members))
	chunk := make([]*Graph, 0, end-l.next)
	for _, idx := range l.order[l.next:end] {
		chunk = append(chunk, l.members[idx])
	}
	l.next = end
	return NewBatch(chunk)
}

// String returns a short human-readable summary of the loader.
func (l *Loader) String() string {
	numEdges := 0
	for _, g := range l.members {
		numEdges += len(g.Edges)
	}
	return fmt.Sprintf("Loader %q: %s graphs, %s edges, batch size %d",
		l.name, humanize.Comma(int64(len(l.members))), humanize.Comma(int64(numEdges)), l.batchSize)
}
