// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package anomaly

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlcontext "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	gomlxoptimizers "github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/lensgo/lensvae/faults"
	"github.com/lensgo/lensvae/pkg/ml/checkpoints"
	"github.com/lensgo/lensvae/pkg/ml/data"
	"github.com/lensgo/lensvae/pkg/ml/train/optimizers"
	"github.com/lensgo/lensvae/pkg/ml/train/optimizers/onecycle"
	"github.com/lensgo/lensvae/ui/commandline"
	"github.com/lensgo/lensvae/vae"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Short names of the train metrics added to the loss.
const (
	ReconstructionMetric = "recon"
	KLMetric             = "kl"
)

// Trainer trains the VAE on a dataset with a GoMLX train.Loop: each step is a forward pass, the
// variational loss, the gradients by automatic differentiation, one step of the learning rate
// schedule and one optimizer update, all in one compiled graph.
//
// Create it with NewTrainer and run it once with Run.
type Trainer struct {
	cfg      TrainConfig
	ds       *data.Grouped
	model    *vae.Model
	schedule *onecycle.Schedule
	handler  *checkpoints.Handler
	trainer  *train.Trainer
	loop     *train.Loop

	runCtx       context.Context
	stepsInEpoch int
	epochSum     float64
	epochStart   time.Time
	epochDone    bool
	losses       []float64
	stopProgress func()
}

// NewTrainer loads the dataset at cfg.DataPath, builds the model (loading the pretrained weights
// if configured) and prepares the training loop.
func NewTrainer(ctx context.Context, cfg TrainConfig) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ds, err := data.FromNpyFile(cfg.DataPath)
	if err != nil {
		return nil, err
	}
	if cfg.BatchSize > 0 {
		ds.BatchSize(cfg.BatchSize)
	}
	if stats := data.ComputeStatistics(ds); stats.OutsideTanhRange() {
		klog.Warningf("pixel values of %q range over [%g, %g]: the reconstructions are bounded to (-1, 1)",
			cfg.DataPath, stats.Min, stats.Max)
	}

	model, err := buildModel(ds, cfg.Device, cfg.LatentDim, cfg.Seed, true)
	if err != nil {
		return nil, err
	}
	var startStep int
	if cfg.Pretrain.Enabled {
		ckpt, err := loadPretrained(ctx, model, cfg.Pretrain, cfg.CheckpointDir)
		if err != nil {
			return nil, err
		}
		if cfg.Pretrain.Mode == PretrainContinue {
			startStep = ckpt.GlobalStep
		}
	}

	t := &Trainer{
		cfg:      cfg,
		ds:       ds,
		model:    model,
		schedule: onecycle.New(cfg.LearningRate, cfg.Epochs, ds.Len()).Done(),
	}
	t.handler, err = checkpoints.Build(cfg.CheckpointDir).
		DType(cfg.CheckpointDType).
		Compression(cfg.CheckpointCompression).
		Done()
	if err != nil {
		return nil, err
	}
	t.handler.Attach(model.Context().In(vae.Scope), model.Architecture())

	optimizer := optimizers.New(cfg.Optimizer).
		LearningRate(cfg.LearningRate).
		WeightDecay(WeightDecay).
		Done()
	trainCtx := model.Context().Reuse()
	if startStep > 0 {
		// The step counter of the loop continues from the checkpoint; the schedule starts over.
		if err = gomlxoptimizers.GetGlobalStepVar(trainCtx).SetValue(tensors.FromScalar(int64(startStep))); err != nil {
			return nil, errors.WithMessagef(err, "restoring global step %d", startStep)
		}
	}
	trainMetrics := []metrics.Interface{
		metrics.NewBaseMetric("Reconstruction error", ReconstructionMetric, metrics.LossMetricType,
			func(_ *mlcontext.Context, _, predictions []*Node) *Node { return predictions[2] }, nil),
		metrics.NewBaseMetric("KL-divergence", KLMetric, metrics.LossMetricType,
			func(_ *mlcontext.Context, _, predictions []*Node) *Node { return predictions[3] }, nil),
	}
	t.trainer = train.NewTrainer(model.Backend(), trainCtx, t.modelGraph,
		func(_, predictions []*Node) *Node { return predictions[1] },
		optimizer, trainMetrics, nil)

	t.loop = train.NewLoop(t.trainer)
	t.loop.OnStart("epoch", DivergencePriority, func(*train.Loop, train.Dataset) error {
		t.epochStart = time.Now()
		return nil
	})
	t.loop.OnStep("epoch", DivergencePriority, t.onStep)
	t.loop.OnStep("checkpoint", CheckpointPriority, t.saveOnEpochEnd)
	if cfg.CheckpointPeriod > 0 {
		train.PeriodicCallback(t.loop, cfg.CheckpointPeriod, false, "periodic checkpoint", PeriodicCheckpointPriority,
			t.handler.OnStepFn)
	}
	if cfg.LogEverySteps > 0 {
		train.EveryNSteps(t.loop, cfg.LogEverySteps, "log step", LogPriority, t.logStep)
	}
	if cfg.ProgressBar {
		t.stopProgress = commandline.AttachProgressBar(t.loop, func() (string, string) {
			return "Epoch", fmt.Sprintf("%d of %d", t.loop.Epoch+1, cfg.Epochs)
		})
	}
	return t, nil
}

// Model being trained.
func (t *Trainer) Model() *vae.Model { return t.model }

// Dataset trained on.
func (t *Trainer) Dataset() *data.Grouped { return t.ds }

// Checkpoints returns the handler saving the checkpoints.
func (t *Trainer) Checkpoints() *checkpoints.Handler { return t.handler }

// Loop returns the training loop, e.g. to attach more hooks before Run.
func (t *Trainer) Loop() *train.Loop { return t.loop }

// modelGraph implements train.ModelFn: it returns the reconstruction and the total, reconstruction and
// KL-divergence losses of the batch.
func (t *Trainer) modelGraph(ctx *mlcontext.Context, _ any, inputs []*Node) []*Node {
	images := inputs[0]
	t.schedule.UpdateGraph(ctx, images.Graph(), images.DType())
	reconstruction, loss := t.model.LossGraph(ctx, t.cfg.Beta, images)
	return []*Node{reconstruction, loss.Total, loss.Reconstruction, loss.KL}
}

// onStep aborts on cancellation or a non-finite loss, and accumulates the loss of the epoch.
func (t *Trainer) onStep(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
	if err := t.runCtx.Err(); err != nil {
		return errors.Wrapf(err, "training interrupted at epoch %d, step %d", loop.Epoch+1, loop.LoopStep)
	}
	loss := shapes.ConvertTo[float64](stepMetrics[0].Value())
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return faults.Errorf(faults.TrainingDiverged, "loss is %g at epoch %d, step %d", loss, loop.Epoch+1, loop.LoopStep)
	}
	t.epochSum += loss * float64(t.ds.LastBatchItems())
	t.stepsInEpoch++
	if t.stepsInEpoch < t.ds.Len() {
		return nil
	}
	epochLoss := t.epochSum / float64(t.ds.Len())
	t.losses = append(t.losses, epochLoss)
	klog.Infof("epoch %d/%d: loss=%.6g (%d steps, %s)", loop.Epoch+1, t.cfg.Epochs, epochLoss, t.stepsInEpoch,
		time.Since(t.epochStart).Round(time.Millisecond))
	t.stepsInEpoch, t.epochSum, t.epochStart = 0, 0, time.Now()
	t.epochDone = true
	return nil
}

// saveOnEpochEnd overwrites the checkpoint after the last step of each epoch.
func (t *Trainer) saveOnEpochEnd(loop *train.Loop, _ []*tensors.Tensor) error {
	if !t.epochDone {
		return nil
	}
	t.epochDone = false
	return t.handler.Save(loop.Epoch+1, loop.LoopStep+1)
}

// metricIndex returns the position of the train metric with the short name in the metrics of a step.
func (t *Trainer) metricIndex(shortName string) int {
	for ii, metric := range t.trainer.TrainMetrics() {
		if metric.ShortName() == shortName {
			return ii
		}
	}
	return -1
}

func (t *Trainer) logStep(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
	if !klog.V(1).Enabled() {
		return nil
	}
	value := func(shortName string) float64 {
		idx := t.metricIndex(shortName)
		if idx < 0 || idx >= len(stepMetrics) {
			return math.NaN()
		}
		return shapes.ConvertTo[float64](stepMetrics[idx].Value())
	}
	learningRate, _ := optimizers.CurrentLearningRate(t.model.Context())
	klog.Infof("step %d: loss=%.6g (reconstruction=%.6g, kl=%.6g), learning rate=%.3g",
		loop.LoopStep, shapes.ConvertTo[float64](stepMetrics[0].Value()), value(ReconstructionMetric), value(KLMetric),
		learningRate)
	return nil
}

// Run trains for the configured number of epochs and returns the loss of each epoch: the sum over
// the batches of the batch loss times its number of images, divided by the number of batches.
//
// The checkpoint is overwritten at the end of each epoch. If training fails midway, the losses of
// the completed epochs are returned along with the error.
func (t *Trainer) Run(ctx context.Context) ([]float64, error) {
	if t.runCtx != nil {
		return nil, faults.Errorf(faults.InvalidConfig, "anomaly.Trainer.Run can only be called once")
	}
	t.runCtx = ctx
	if t.stopProgress != nil {
		defer t.stopProgress()
	}
	klog.Infof("training %s for %d epochs of %d steps: optimizer=%s, learning rate=%g, beta=%g",
		t.model.Architecture(), t.cfg.Epochs, t.ds.Len(), t.cfg.Optimizer, t.cfg.LearningRate, t.cfg.Beta)
	var err error
	if panicErr := exceptions.TryCatch[error](func() { _, err = t.loop.RunEpochs(t.ds, t.cfg.Epochs) }); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return t.losses, errors.WithMessagef(err, "training on %q", t.cfg.DataPath)
	}
	klog.Infof("training finished: final loss %.6g, checkpoint saved to %q", t.losses[len(t.losses)-1], t.handler.Path())
	return t.losses, nil
}
