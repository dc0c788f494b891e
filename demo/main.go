// Demo trainer for learned graph rewiring on a synthetic connectivity task.
//
// It generates random graphs labeled by their algebraic connectivity, then
// trains the upstream edge scorer and the downstream message-passing network
// end to end through a differentiable top-k edge sampler.
//
// Usage:
//
//	go run . --task=roc_auc --sampler=imle --k=16
//	go run . --task=rmse --sampler=simple --ratio=0.1 --ensemble=4
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/jeongwhanchoi/PR-MPNN/graphs"
	"github.com/jeongwhanchoi/PR-MPNN/models"
	"github.com/jeongwhanchoi/PR-MPNN/rewiring"
	"github.com/jeongwhanchoi/PR-MPNN/sampling"
	"github.com/jeongwhanchoi/PR-MPNN/training"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagOutput         = flag.String("output", "/tmp/prmpnn", "Directory where metric curves and plots are written.")
	flagCheckpoint     = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagCheckpointKeep = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep, if --checkpoint is set.")

	flagTask      = flag.String("task", "roc_auc", "Prediction task: \"roc_auc\", \"rmse\", \"acc\" or \"regression\".")
	flagNumGraphs = flag.Int("num_graphs", 500, "Number of synthetic graphs to generate.")
	flagSeed      = flag.Int64("seed", 42, "Seed of the synthetic dataset and of the shuffling.")

	flagSampler = flag.String("sampler", "imle", "Edge sampler: \"imle\", \"gumbel\" or \"simple\".")
	flagK       = flag.Int("k", 16, "Number of edges sampled per graph. Mutually exclusive with --ratio.")
	flagRatio   = flag.Float64("ratio", 0, "Fraction of candidate edges sampled per graph. Mutually exclusive with --k.")
	flagNoise   = flag.Float64("noise", 1, "Scale of the Gumbel perturbation.")
	flagBeta    = flag.Float64("beta", 10, "Target temperature of the IMLE gradient estimator.")
	flagTau     = flag.Float64("tau", 1, "Relaxation temperature of the Gumbel sampler.")

	flagEnsemble        = flag.Int("ensemble", 1, "Number of edge masks sampled per graph.")
	flagIncludeOriginal = flag.Bool("include_original", true, "Also feed the original graph to the downstream network.")

	flagAux        = flag.String("aux", "none", "Auxiliary mask loss: \"none\", \"batch\" or \"pair\".")
	flagAuxScale   = flag.Float64("aux_scale", 0.1, "Scale of the auxiliary mask loss.")
	flagAuxDensity = flag.Float64("aux_density", 0.1, "Target edge density of the \"batch\" auxiliary loss.")

	flagEpochs         = flag.Int("epochs", 100, "Maximum number of training epochs.")
	flagPatience       = flag.Int("patience", 20, "Number of non-improving validation epochs tolerated before early stop.")
	flagBatchSize      = flag.Int("batch_size", 32, "Number of graphs per minibatch.")
	flagMicroBatchEmbd = flag.Int("micro_batch_embd", 1, "Number of minibatches accumulated per scorer optimizer step.")
	flagModelLR        = flag.Float64("learning_rate", 1e-3, "Learning rate of the downstream network.")
	flagEmbdLR         = flag.Float64("embd_learning_rate", 1e-3, "Learning rate of the edge scorer.")
	flagSchedule       = flag.String("schedule", "cosine", "Learning rate schedule: \"constant\", \"multistep\" or \"cosine\".")

	flagPlot = flag.Bool("plot", false, "Write the learned rewiring of one validation batch as Graphviz files under --output.")
)

// createDefaultContext sets the context with default hyperparameters.
func createDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		models.ParamScorerHiddenDim: 32,
		models.ParamScorerNumLayers: 2,
		models.ParamGNNStateDim:     32,
		models.ParamGNNNumLayers:    3,
		models.ParamGNNResidual:     true,
	})
	return ctx
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	run()
}

func run() {
	backend := backends.MustNew()
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	must.M(os.MkdirAll(*flagOutput, 0777))

	task := must.M1(training.TaskKindFromString(*flagTask))
	samplerKind := must.M1(sampling.KindFromString(*flagSampler))
	budget := sampling.Budget{K: *flagK}
	if *flagRatio > 0 {
		budget = sampling.Budget{Ratio: *flagRatio}
	}
	sampler := must.M1(sampling.New(sampling.Config{
		Kind:       samplerKind,
		Budget:     budget,
		NoiseScale: *flagNoise,
		Beta:       *flagBeta,
		Tau:        *flagTau,
	}))
	engine := must.M1(rewiring.New(*flagEnsemble, *flagIncludeOriginal))
	auxKind := must.M1(training.AuxKindFromString(*flagAux))

	// Synthetic dataset: random graphs labeled by algebraic connectivity.
	members, mean, std, err := makeGraphs(*flagNumGraphs, *flagSeed, task.IsClassification())
	must.M(err)
	trainGraphs, valGraphs, testGraphs := splitGraphs(members)
	oneHot := graphs.OneHotNodeAttr(numDegreeClasses)
	trainDS := must.M1(graphs.NewLoader("train", trainGraphs, *flagBatchSize, oneHot, graphs.ToUndirected)).
		WithShuffle(*flagSeed).WithNormalization(mean, std)
	valDS := must.M1(graphs.NewLoader("validation", valGraphs, *flagBatchSize, oneHot, graphs.ToUndirected)).
		WithNormalization(mean, std)
	testDS := must.M1(graphs.NewLoader("test", testGraphs, *flagBatchSize, oneHot, graphs.ToUndirected)).
		WithNormalization(mean, std)
	fmt.Println(trainDS)
	fmt.Println(valDS)
	fmt.Println(testDS)

	ctx := createDefaultContext()
	ctx.SetParam(models.ParamEnsembleWidth, *flagEnsemble)

	var checkpoint *checkpoints.Handler
	if *flagCheckpoint != "" {
		checkpoint = must.M1(checkpoints.Build(ctx).Dir(*flagCheckpoint).Keep(*flagCheckpointKeep).Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}

	scheduleConfig := training.ScheduleConfig{Kind: *flagSchedule, TotalEpochs: *flagEpochs}
	trainer := must.M1(training.NewTrainer(backend, ctx, training.Config{
		Task:           task,
		Sampler:        sampler,
		Engine:         engine,
		Aux:            training.AuxLoss{Kind: auxKind, Scale: *flagAuxScale, TargetDensity: *flagAuxDensity},
		NumTargets:     1,
		MicroBatchEmbd: *flagMicroBatchEmbd,
		MaxPatience:    *flagPatience,
		ModelLR:        *flagModelLR,
		EmbdLR:         *flagEmbdLR,
		ModelSchedule:  must.M1(training.NewScheduler(*flagModelLR, scheduleConfig)),
		EmbdSchedule:   must.M1(training.NewScheduler(*flagEmbdLR, scheduleConfig)),
		OutputDir:      *flagOutput,
	}))

	pBar := progressbar.NewOptions(*flagEpochs,
		progressbar.OptionSetDescription("Training"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("epochs"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	lastEpoch := 0
	for epoch := range *flagEpochs {
		lastEpoch = epoch
		trainLoss := must.M1(trainer.TrainEpoch(trainDS, epoch))
		valLoss, valMetric, stop, err := trainer.Inference(valDS, epoch, false)
		must.M(err)
		pBar.Describe(fmt.Sprintf("train loss %.4f, val loss %.4f, val %s %.4f",
			trainLoss, valLoss, task, valMetric))
		must.M(pBar.Add(1))
		if checkpoint != nil {
			must.M(checkpoint.Save())
		}
		if stop {
			fmt.Printf("\nEarly stop at epoch %d.\n", epoch)
			break
		}
	}
	must.M(pBar.Close())
	fmt.Println()

	_, testMetric, _, err := trainer.Inference(testDS, lastEpoch, true)
	must.M(err)
	bestLoss, bestMetric := trainer.BestValidation()
	fmt.Printf("Best validation loss: %.5f, best validation %s: %.5f\n", bestLoss, task, bestMetric)
	fmt.Printf("Test %s: %.5f\n", task, testMetric)
	fmt.Printf("Scorer optimizer steps: %d\n", trainer.EmbdOptimizerSteps())

	must.M(trainer.SaveCurves())
	fmt.Printf("Curves saved to %q\n", *flagOutput)

	if *flagPlot {
		plotRewiring(trainer, engine, valDS, lastEpoch)
	}
}

// plotRewiring samples the learned edge mask of the first validation batch
// and writes each rewired graph as a Graphviz file under --output.
func plotRewiring(trainer *training.Trainer, engine *rewiring.Engine, valDS *graphs.Loader, epoch int) {
	valDS.Reset()
	batch, err := valDS.Yield()
	if err == io.EOF {
		return
	}
	must.M(err)
	mask := must.M1(trainer.SampleMask(batch))
	engine.WithPlot(rewiring.DotPlotter(*flagOutput), epoch, 0)
	_ = must.M1(engine.Rewire(batch, mask, epoch, 0, false))
	fmt.Printf("Rewired graphs plotted to %q\n", *flagOutput)
}
