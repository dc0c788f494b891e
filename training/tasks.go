// Package training drives the structure-learning loop: per-epoch training
// with two coordinated optimizers (edge scorer and downstream GNN), gradient
// micro-batching for the scorer, auxiliary mask regularization, evaluation
// with aggregated metrics, learning-rate scheduling, early stopping and
// metric-curve persistence.
package training

import (
	"math"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

// TaskKind is the prediction task, fixing the loss, the evaluation metric
// and the early-stop comparison direction.
type TaskKind int

const (
	// TaskROCAUC is binary (or multi-task binary) classification scored
	// by area under the ROC curve.
	TaskROCAUC TaskKind = iota
	// TaskRMSE is regression scored by root mean squared error.
	TaskRMSE
	// TaskAccuracy is classification scored by accuracy, with argmax
	// over multiple targets or threshold-at-zero for a single logit.
	TaskAccuracy
	// TaskRegression is regression scored by its own loss.
	TaskRegression
)

// String implements fmt.Stringer.
func (k TaskKind) String() string {
	switch k {
	case TaskROCAUC:
		return "rocauc"
	case TaskRMSE:
		return "rmse"
	case TaskAccuracy:
		return "acc"
	case TaskRegression:
		return "regression"
	}
	return "invalid"
}

// TaskKindFromString resolves a task kind by name. Unknown names are an
// error, never a silent default.
func TaskKindFromString(name string) (TaskKind, error) {
	switch strings.ToLower(name) {
	case "rocauc", "roc_auc":
		return TaskROCAUC, nil
	case "rmse":
		return TaskRMSE, nil
	case "acc", "accuracy":
		return TaskAccuracy, nil
	case "regression":
		return TaskRegression, nil
	}
	return 0, errors.Errorf("task type %q is not implemented, valid values are \"roc_auc\", \"rmse\", \"acc\" and \"regression\"", name)
}

// HigherIsBetter reports the early-stop comparison direction for the
// task's metric.
func (k TaskKind) HigherIsBetter() bool {
	return k == TaskROCAUC || k == TaskAccuracy
}

// IsClassification reports whether the task trains with a cross-entropy
// loss on logits.
func (k TaskKind) IsClassification() bool {
	return k == TaskROCAUC || k == TaskAccuracy
}

// Metric computes the task metric over the aggregated predictions and
// labels of a full evaluation pass, both row-major [numRows, numTargets].
// NaN labels are missing and skipped.
func (k TaskKind) Metric(preds, labels []float64, numTargets int) float64 {
	switch k {
	case TaskROCAUC:
		return rocAUC(preds, labels)
	case TaskRMSE:
		return math.Sqrt(meanSquaredError(preds, labels))
	case TaskAccuracy:
		return accuracy(preds, labels, numTargets)
	case TaskRegression:
		return meanSquaredError(preds, labels)
	}
	return math.NaN()
}

// rocAUC pools every labeled (prediction, label) pair, all targets
// together, and integrates the ROC curve.
func rocAUC(preds, labels []float64) float64 {
	type pair struct {
		score float64
		pos   bool
	}
	pairs := make([]pair, 0, len(preds))
	for i, label := range labels {
		if math.IsNaN(label) {
			continue
		}
		pairs = append(pairs, pair{score: preds[i], pos: label > 0.5})
	}
	if len(pairs) == 0 {
		return math.NaN()
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score < pairs[j].score })
	scores := make([]float64, len(pairs))
	classes := make([]bool, len(pairs))
	for i, p := range pairs {
		scores[i] = p.score
		classes[i] = p.pos
	}
	tpr, fpr, _ := stat.ROC(nil, scores, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}

func meanSquaredError(preds, labels []float64) float64 {
	var sum float64
	var count int
	for i, label := range labels {
		if math.IsNaN(label) {
			continue
		}
		diff := preds[i] - label
		sum += diff * diff
		count++
	}
	if count == 0 {
		return math.NaN()
	}
	return sum / float64(count)
}

// accuracy scores one row at a time: argmax over the targets when there
// are several, threshold-at-zero on the logit when there is one.
func accuracy(preds, labels []float64, numTargets int) float64 {
	numRows := len(preds) / numTargets
	var correct, counted int
	for row := range numRows {
		base := row * numTargets
		if numTargets == 1 {
			label := labels[base]
			if math.IsNaN(label) {
				continue
			}
			counted++
			if (preds[base] > 0) == (label > 0.5) {
				correct++
			}
			continue
		}
		predArg, labelArg := -1, -1
		missing := false
		for t := range numTargets {
			if math.IsNaN(labels[base+t]) {
				missing = true
				break
			}
			if predArg < 0 || preds[base+t] > preds[base+predArg] {
				predArg = t
			}
			if labelArg < 0 || labels[base+t] > labels[base+labelArg] {
				labelArg = t
			}
		}
		if missing {
			continue
		}
		counted++
		if predArg == labelArg {
			correct++
		}
	}
	if counted == 0 {
		return math.NaN()
	}
	return float64(correct) / float64(counted)
}
