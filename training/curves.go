package training

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// CurvesFileName is the file written under the trainer's output directory.
const CurvesFileName = "curves.gob"

// Curves holds the per-epoch metric series of a run, keyed by name. Each
// series is append-only; the whole set is reset by ClearStats and persisted
// at the end of a run.
type Curves struct {
	Series map[string][]float64
}

// NewCurves returns an empty set of curves.
func NewCurves() *Curves {
	return &Curves{Series: make(map[string][]float64)}
}

// Append adds one epoch value to the named series.
func (c *Curves) Append(name string, value float64) {
	c.Series[name] = append(c.Series[name], value)
}

// Get returns the named series, nil if it was never appended to.
func (c *Curves) Get(name string) []float64 {
	return c.Series[name]
}

// Len returns the length of the named series.
func (c *Curves) Len(name string) int {
	return len(c.Series[name])
}

// Save serializes the curves under dir as CurvesFileName.
func (c *Curves) Save(dir string) (err error) {
	if err = os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "creating %q to save curves", dir)
	}
	filePath := filepath.Join(dir, CurvesFileName)
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q to save curves", filePath)
	}
	enc := gob.NewEncoder(f)
	if err = enc.Encode(c); err != nil {
		return errors.WithMessagef(err, "encoding curves to save to %q", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "closing %q after saving curves", filePath)
	}
	return
}

// LoadCurves reads back curves saved under dir.
func LoadCurves(dir string) (c *Curves, err error) {
	filePath := filepath.Join(dir, CurvesFileName)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "trying to load curves from %q", filePath)
	}
	dec := gob.NewDecoder(f)
	c = &Curves{}
	if err = dec.Decode(c); err != nil {
		return nil, errors.Wrapf(err, "trying to decode curves from %q", filePath)
	}
	_ = f.Close()
	return
}
