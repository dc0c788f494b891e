package training

import (
	"io"
	"math"
	"path"
	"strings"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/compute/dtypes"
	"github.com/jeongwhanchoi/PR-MPNN/graphs"
	"github.com/jeongwhanchoi/PR-MPNN/models"
	"github.com/jeongwhanchoi/PR-MPNN/rewiring"
	"github.com/jeongwhanchoi/PR-MPNN/sampling"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ScopeEmbd is the context scope of the upstream edge scorer.
	ScopeEmbd = "embd"
	// ScopeModel is the context scope of the downstream GNN.
	ScopeModel = "model"

	scopeAccumulators = "accumulators"
	stepsVariableName = "accumulated_steps"
)

// gradientOptimizer applies externally accumulated gradients. The scorer's
// optimizer must implement it, since its gradients are micro-batched.
type gradientOptimizer interface {
	optimizers.Interface
	UpdateGraphWithGradients(ctx *context.Context, grads []*Node, lossDType dtypes.DType)
}

// Config of a Trainer.
type Config struct {
	Task    TaskKind
	Sampler *sampling.Sampler
	Engine  *rewiring.Engine
	Aux     AuxLoss

	// NumTargets is the width of the prediction and label rows.
	NumTargets int

	// MicroBatchEmbd is the number of minibatches whose scorer gradients
	// are accumulated before one scorer optimizer step. Defaults to 1.
	MicroBatchEmbd int

	// MaxPatience is the number of consecutive non-improving validation
	// epochs tolerated before early stop. Defaults to 50.
	MaxPatience int

	// ModelLR and EmbdLR are the initial learning rates. Default 1e-3.
	ModelLR float64
	EmbdLR  float64

	// ModelSchedule and EmbdSchedule yield the learning rate per epoch.
	// Default is a constant schedule at the initial rate.
	ModelSchedule Scheduler
	EmbdSchedule  Scheduler

	// ModelOptimizer and EmbdOptimizer default to Adam. The scorer
	// optimizer must support stepping from accumulated gradients.
	ModelOptimizer optimizers.Interface
	EmbdOptimizer  optimizers.Interface

	// OutputDir is where curves are persisted.
	OutputDir string
}

// Trainer owns the whole training state of one run: the model variables
// (through its context), both optimizers, the scorer's gradient
// accumulators, the metric curves and the early-stop bookkeeping. It is not
// safe for concurrent use; concurrent runs want separate Trainers.
type Trainer struct {
	backend backends.Backend
	ctx     *context.Context
	config  Config

	modelOptimizer optimizers.Interface
	embdOptimizer  gradientOptimizer

	trainStep *context.Exec
	flushStep *context.Exec
	evalStep  *context.Exec
	maskStep  *context.Exec

	curves        *Curves
	bestValLoss   float64
	bestValMetric float64
	patience      int
	stopped       bool
	embdSteps     int
}

// NewTrainer validates the configuration and assembles a Trainer. The
// context carries the hyperparameters of the models and will own every
// variable of the run.
func NewTrainer(backend backends.Backend, ctx *context.Context, config Config) (*Trainer, error) {
	if config.Sampler == nil || config.Engine == nil {
		return nil, errors.New("trainer requires a sampler and a rewiring engine")
	}
	if config.NumTargets < 1 {
		return nil, errors.Errorf("trainer requires NumTargets >= 1, got %d", config.NumTargets)
	}
	if config.MicroBatchEmbd == 0 {
		config.MicroBatchEmbd = 1
	}
	if config.MicroBatchEmbd < 1 {
		return nil, errors.Errorf("MicroBatchEmbd must be >= 1, got %d", config.MicroBatchEmbd)
	}
	if config.MaxPatience == 0 {
		config.MaxPatience = 50
	}
	if config.ModelLR == 0 {
		config.ModelLR = 1e-3
	}
	if config.EmbdLR == 0 {
		config.EmbdLR = 1e-3
	}
	if config.ModelSchedule == nil {
		config.ModelSchedule = NewConstant(config.ModelLR)
	}
	if config.EmbdSchedule == nil {
		config.EmbdSchedule = NewConstant(config.EmbdLR)
	}
	if config.ModelOptimizer == nil {
		config.ModelOptimizer = optimizers.Adam().Done()
	}
	if config.EmbdOptimizer == nil {
		config.EmbdOptimizer = optimizers.Adam().Done()
	}
	embdOpt, ok := config.EmbdOptimizer.(gradientOptimizer)
	if !ok {
		return nil, errors.Errorf("scorer optimizer %T cannot step from accumulated gradients", config.EmbdOptimizer)
	}

	ctx.In(ScopeModel).SetParam(optimizers.ParamLearningRate, config.ModelLR)
	ctx.In(ScopeEmbd).SetParam(optimizers.ParamLearningRate, config.EmbdLR)

	t := &Trainer{
		backend:        backend,
		ctx:            ctx,
		config:         config,
		modelOptimizer: config.ModelOptimizer,
		embdOptimizer:  embdOpt,
		curves:         NewCurves(),
	}
	t.resetEarlyStop()
	t.trainStep = context.MustNewExec(backend, ctx, t.buildTrainStep)
	t.flushStep = context.MustNewExec(backend, ctx, t.buildFlushStep)
	t.evalStep = context.MustNewExec(backend, ctx, t.buildEvalStep)
	t.maskStep = context.MustNewExec(backend, ctx, t.buildMaskStep)
	return t, nil
}

// Context returns the context holding the run's variables, e.g. for
// checkpointing.
func (t *Trainer) Context() *context.Context { return t.ctx }

// Curves returns the metric curves accumulated so far.
func (t *Trainer) Curves() *Curves { return t.curves }

// EmbdOptimizerSteps returns how many times the scorer optimizer stepped.
func (t *Trainer) EmbdOptimizerSteps() int { return t.embdSteps }

// forward builds the shared pipeline: scorer, sampler, rewiring, GNN and
// per-graph prediction pooled over the rewired replicates.
func (t *Trainer) forward(ctx *context.Context, features, nodeMask, originalAdj *Node, training bool) (preds, mask, validity *Node) {
	logits, validity := models.EdgeScores(ctx.In(ScopeEmbd), features, nodeMask)
	mask = t.config.Sampler.Sample(ctx, logits, validity, training)
	adjacency := t.config.Engine.Adjacency(mask, originalAdj)
	tiledFeatures := t.config.Engine.TileBlocks(features)
	tiledMask := t.config.Engine.TileBlocks(nodeMask)
	preds = models.Predict(ctx.In(ScopeModel), adjacency, tiledFeatures, tiledMask, t.config.NumTargets)
	preds = t.config.Engine.PoolBlocks(preds)
	return
}

// lossGraph is the primary criterion with missing-label masking: NaN label
// entries contribute nothing to the loss nor to its normalization.
func (t *Trainer) lossGraph(preds, labels *Node) *Node {
	labeled := Equal(labels, labels) // NaN is the only value unequal to itself
	safe := Where(labeled, labels, ZerosLike(labels))
	var perEntry *Node
	if t.config.Task.IsClassification() {
		perEntry = losses.BinaryCrossentropyLogits([]*Node{safe}, []*Node{preds})
	} else {
		perEntry = Square(Sub(preds, safe))
	}
	labeledF := ConvertDType(labeled, preds.DType())
	perEntry = Mul(perEntry, labeledF)
	return Div(ReduceAllSum(perEntry), MaxScalar(ReduceAllSum(labeledF), 1))
}

func (t *Trainer) buildTrainStep(ctx *context.Context, features, nodeMask, originalAdj, labels *Node) (*Node, *Node) {
	g := features.Graph()
	ctx.SetTraining(g, true)

	preds, mask, validity := t.forward(ctx, features, nodeMask, originalAdj, true)
	loss := t.lossGraph(preds, labels)
	if aux := t.config.Aux.Build(mask, validity); aux != nil {
		loss = Add(loss, aux)
	}

	// Scorer gradients are not applied here: they are added to the
	// accumulators and stepped at the micro-batch flush. They must be
	// taken before the model optimizer rewrites the model variables.
	var scorerVars []*context.Variable
	var grads []*Node
	t.withScopeFrozen(ScopeModel, func() {
		for v := range ctx.IterVariables() {
			if v.Trainable && v.InUseByGraph(g) {
				scorerVars = append(scorerVars, v)
			}
		}
		grads = ctx.BuildTrainableVariablesGradientsGraph(loss)
	})
	for i, v := range scorerVars {
		acc := t.accumulatorFor(v)
		acc.SetValueGraph(Add(acc.ValueGraph(g), grads[i]))
	}
	stepsVar := t.stepsVar()
	stepsVar.SetValueGraph(OnePlus(stepsVar.ValueGraph(g)))

	// The model optimizer steps once per minibatch, on its own variables
	// only.
	t.withScopeFrozen(ScopeEmbd, func() {
		t.modelOptimizer.UpdateGraph(ctx.In(ScopeModel), g, loss)
	})
	return loss, preds
}

// buildFlushStep rescales the accumulated scorer gradients by the number of
// accumulated minibatches, clips them by value and applies one scorer
// optimizer step, then zeroes the accumulators.
func (t *Trainer) buildFlushStep(ctx *context.Context, g *Graph) *Node {
	stepsVar := t.stepsVar()
	steps := stepsVar.ValueGraph(g)
	scale := Reciprocal(MaxScalar(ConvertDType(steps, dtypes.Float32), 1))

	var grads []*Node
	var accumulators []*context.Variable
	t.withScopeFrozen(ScopeModel, func() {
		prefix := context.ScopeSeparator + ScopeEmbd
		for v := range ctx.IterVariables() {
			if !v.Trainable || !scopeHasPrefix(v.Scope(), prefix) {
				continue
			}
			v.ValueGraph(g) // marks the variable as used by this graph
			acc := t.accumulatorFor(v)
			grads = append(grads, ClipScalar(Mul(acc.ValueGraph(g), scale), -1, 1))
			accumulators = append(accumulators, acc)
		}
		if len(grads) > 0 {
			t.embdOptimizer.UpdateGraphWithGradients(ctx.In(ScopeEmbd), grads, dtypes.Float32)
		}
	})
	for _, acc := range accumulators {
		acc.SetValueGraph(ZerosLike(acc.ValueGraph(g)))
	}
	stepsVar.SetValueGraph(ZerosLike(steps))
	return steps
}

func (t *Trainer) buildEvalStep(ctx *context.Context, features, nodeMask, originalAdj *Node) *Node {
	ctx.SetTraining(features.Graph(), false)
	preds, _, _ := t.forward(ctx, features, nodeMask, originalAdj, false)
	return preds
}

func (t *Trainer) buildMaskStep(ctx *context.Context, features, nodeMask *Node) *Node {
	ctx.SetTraining(features.Graph(), false)
	logits, validity := models.EdgeScores(ctx.In(ScopeEmbd), features, nodeMask)
	return t.config.Sampler.Sample(ctx, logits, validity, false)
}

// SampleMask runs the scorer and the deterministic sampler on a batch and
// returns the selected edge mask, indexed [graph][candidate pair][member].
// Useful to inspect or plot the learned rewiring outside of a train step.
func (t *Trainer) SampleMask(batch *graphs.Batch) ([][][]float32, error) {
	results, err := t.maskStep.Exec(batch.PaddedFeatures(), batch.NodeMask())
	if err != nil {
		return nil, errors.WithMessage(err, "sampling the edge mask")
	}
	return results[0].Value().([][][]float32), nil
}

// withScopeFrozen runs fn with every trainable variable under scope marked
// non-trainable, restoring exactly those afterwards.
func (t *Trainer) withScopeFrozen(scope string, fn func()) {
	prefix := context.ScopeSeparator + scope
	var frozen []*context.Variable
	for v := range t.ctx.IterVariables() {
		if v.Trainable && scopeHasPrefix(v.Scope(), prefix) {
			v.SetTrainable(false)
			frozen = append(frozen, v)
		}
	}
	fn()
	for _, v := range frozen {
		v.SetTrainable(true)
	}
}

func scopeHasPrefix(scope, prefix string) bool {
	return scope == prefix || strings.HasPrefix(scope, prefix+context.ScopeSeparator)
}

// accumulatorFor returns the gradient accumulator variable of v, a
// zero-initialized, non-trainable mirror under the accumulators scope.
func (t *Trainer) accumulatorFor(v *context.Variable) *context.Variable {
	return t.ctx.Checked(false).
		InAbsPath(path.Join(context.ScopeSeparator+scopeAccumulators, v.Scope())).
		WithInitializer(initializers.Zero).
		VariableWithShape(v.Name()+"_grad", v.Shape()).
		SetTrainable(false)
}

func (t *Trainer) stepsVar() *context.Variable {
	return t.ctx.Checked(false).
		InAbsPath(context.ScopeSeparator + scopeAccumulators).
		WithInitializer(initializers.Zero).
		VariableWithShape(stepsVariableName, shapes.Make(dtypes.Int32)).
		SetTrainable(false)
}

// TrainEpoch consumes the loader once, stepping the model optimizer every
// minibatch and the scorer optimizer every MicroBatchEmbd minibatches (any
// remainder is flushed on the last batch).
//
// It appends the train_loss and train_metric curves: the loss is averaged
// per graph, the metric computed over the predictions aggregated across the
// whole epoch. The regression task reuses the loss as its metric. Returns
// the mean train loss.
func (t *Trainer) TrainEpoch(loader *graphs.Loader, epoch int) (float64, error) {
	loader.Reset()
	numBatches := loader.NumBatches()
	m := t.config.MicroBatchEmbd
	var lossSum float64
	var numGraphs int
	var preds, labels []float64
	for batchIdx := 0; ; batchIdx++ {
		batch, err := loader.Yield()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
		results, err := t.trainStep.Exec(
			batch.PaddedFeatures(), batch.NodeMask(), batch.DenseAdjacency(), batch.LabelsTensor())
		if err != nil {
			return 0, errors.WithMessagef(err, "train step of batch #%d", batchIdx)
		}
		// The batch loss is weighted by its graph count, so a partial
		// final batch does not skew the epoch average.
		lossSum += float64(results[0].Value().(float32)) * float64(batch.NumGraphs)
		numGraphs += batch.NumGraphs
		for _, row := range results[1].Value().([][]float32) {
			for _, v := range row {
				preds = append(preds, float64(v))
			}
		}
		for _, v := range batch.Labels {
			labels = append(labels, float64(v))
		}
		if batchIdx%m == m-1 || batchIdx == numBatches-1 {
			if err := t.flush(); err != nil {
				return 0, err
			}
		}
	}
	if numGraphs == 0 {
		return 0, errors.Errorf("loader %q yielded no batches", loader.Name())
	}
	avg := lossSum / float64(numGraphs)
	t.curves.Append("train_loss", avg)
	metric := avg
	if t.config.Task != TaskRegression {
		t.rescale(loader, preds, labels)
		metric = t.config.Task.Metric(preds, labels, t.config.NumTargets)
	}
	t.curves.Append("train_metric", metric)
	klog.V(1).Infof("epoch %d: train loss %.5f, train %s %.5f (%d graphs, %d scorer steps)",
		epoch, avg, t.config.Task, metric, numGraphs, t.embdSteps)
	return avg, nil
}

func (t *Trainer) flush() error {
	results, err := t.flushStep.Exec()
	if err != nil {
		return errors.WithMessage(err, "scorer micro-batch flush")
	}
	if results[0].Value().(int32) > 0 {
		t.embdSteps++
	}
	return nil
}

// Inference runs a no-gradient evaluation pass, aggregating every
// prediction and label before computing the loss and metric, so variable
// batch sizes do not bias the result.
//
// When test is false this is the validation pass: curves are appended, the
// best validation loss updated, both learning-rate schedules stepped, and
// the early-stop check run. stop is true exactly once, at the epoch where
// patience first exceeds MaxPatience.
func (t *Trainer) Inference(loader *graphs.Loader, epoch int, test bool) (loss, metric float64, stop bool, err error) {
	loader.Reset()
	var preds, labels []float64
	for {
		batch, yieldErr := loader.Yield()
		if errors.Is(yieldErr, io.EOF) {
			break
		}
		if yieldErr != nil {
			err = yieldErr
			return
		}
		results, execErr := t.evalStep.Exec(batch.PaddedFeatures(), batch.NodeMask(), batch.DenseAdjacency())
		if execErr != nil {
			err = errors.WithMessage(execErr, "evaluation step")
			return
		}
		for _, row := range results[0].Value().([][]float32) {
			for _, v := range row {
				preds = append(preds, float64(v))
			}
		}
		for _, v := range batch.Labels {
			labels = append(labels, float64(v))
		}
	}
	if len(preds) == 0 {
		err = errors.Errorf("loader %q yielded no batches", loader.Name())
		return
	}

	t.rescale(loader, preds, labels)
	loss = t.evalLoss(preds, labels)
	metric = t.config.Task.Metric(preds, labels, t.config.NumTargets)

	split := "val"
	if test {
		split = "test"
	}
	t.curves.Append(split+"_loss", loss)
	t.curves.Append(split+"_metric", metric)
	klog.V(1).Infof("epoch %d: %s loss %.5f, %s %s %.5f", epoch, split, loss, split, t.config.Task, metric)
	if test {
		return
	}

	if loss < t.bestValLoss {
		t.bestValLoss = loss
	}
	optimizers.LearningRateVarWithValue(t.ctx.In(ScopeModel), dtypes.Float32, t.config.ModelSchedule.Step())
	optimizers.LearningRateVarWithValue(t.ctx.In(ScopeEmbd), dtypes.Float32, t.config.EmbdSchedule.Step())
	stop = t.earlyStopCheck(metric)
	return
}

// rescale undoes the loader's label normalization, multiplying regression
// predictions and labels back by the loader's standard deviation so losses
// and metrics are reported in label units. Classification tasks and
// unnormalized loaders are left untouched.
func (t *Trainer) rescale(loader *graphs.Loader, preds, labels []float64) {
	if loader.Std <= 0 || t.config.Task.IsClassification() {
		return
	}
	for i := range preds {
		preds[i] *= loader.Std
		labels[i] *= loader.Std
	}
}

// evalLoss is the host-side counterpart of lossGraph, over the aggregated
// predictions. NaN labels are skipped.
func (t *Trainer) evalLoss(preds, labels []float64) float64 {
	if !t.config.Task.IsClassification() {
		return meanSquaredError(preds, labels)
	}
	var sum float64
	var count int
	for i, label := range labels {
		if math.IsNaN(label) {
			continue
		}
		x := preds[i]
		sum += math.Max(x, 0) - x*label + math.Log1p(math.Exp(-math.Abs(x)))
		count++
	}
	if count == 0 {
		return math.NaN()
	}
	return sum / float64(count)
}

// earlyStopCheck updates the patience counter against the best validation
// metric. It signals at most once per run.
func (t *Trainer) earlyStopCheck(metric float64) bool {
	if t.stopped {
		return false
	}
	better := metric > t.bestValMetric
	if !t.config.Task.HigherIsBetter() {
		better = metric < t.bestValMetric
	}
	if better {
		t.bestValMetric = metric
		t.patience = 0
		return false
	}
	t.patience++
	if t.patience > t.config.MaxPatience {
		t.stopped = true
		klog.Infof("early stop: no improvement over %.5f for %d epochs", t.bestValMetric, t.patience)
		return true
	}
	return false
}

// BestValidation returns the best validation loss and metric seen so far.
func (t *Trainer) BestValidation() (loss, metric float64) {
	return t.bestValLoss, t.bestValMetric
}

// ClearStats resets the curves and the early-stop state, leaving model
// variables and optimizer state untouched.
func (t *Trainer) ClearStats() {
	t.curves = NewCurves()
	t.embdSteps = 0
	t.resetEarlyStop()
}

func (t *Trainer) resetEarlyStop() {
	t.bestValLoss = math.Inf(1)
	t.bestValMetric = math.Inf(-1)
	if !t.config.Task.HigherIsBetter() {
		t.bestValMetric = math.Inf(1)
	}
	t.patience = 0
	t.stopped = false
}

// SaveCurves persists the curves under the configured output directory.
func (t *Trainer) SaveCurves() error {
	if t.config.OutputDir == "" {
		return errors.New("trainer has no output directory configured")
	}
	return t.curves.Save(t.config.OutputDir)
}
