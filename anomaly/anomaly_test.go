// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package anomaly

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/lensgo/lensvae/backends"
	"github.com/lensgo/lensvae/faults"
	"github.com/lensgo/lensvae/pkg/core/tensors/numpy"
	"github.com/lensgo/lensvae/pkg/ml/checkpoints"
	"github.com/lensgo/lensvae/pkg/ml/data"
	"github.com/lensgo/lensvae/pkg/ml/layers"
	"github.com/lensgo/lensvae/pkg/ml/train/optimizers"
	"github.com/lensgo/lensvae/vae"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLatentDim = 16

// writeImages writes a (groups, items, channels, 28, 28) dataset, with pixel p of the image
// (group, item) set to value(group, item, p).
func writeImages(t *testing.T, groups, items, channels int, value func(group, item, pixel int) float32) string {
	imageSize := channels * 28 * 28
	values := make([]float32, groups*items*imageSize)
	for group := range groups {
		for item := range items {
			offset := (group*items + item) * imageSize
			for pixel := range imageSize {
				values[offset+pixel] = value(group, item, pixel)
			}
		}
	}
	path := filepath.Join(t.TempDir(), "data.npy")
	images := tensors.FromFlatDataAndDimensions(values, groups, items, channels, 28, 28)
	require.NoError(t, numpy.ToNpyFile(images, path))
	return path
}

// writeDataset writes a (groups, items, channels, 28, 28) dataset filled with value.
func writeDataset(t *testing.T, groups, items, channels int, value float32) string {
	return writeImages(t, groups, items, channels, func(_, _, _ int) float32 { return value })
}

func testTrainConfig(dataPath, checkpointDir string) TrainConfig {
	cfg := DefaultTrainConfig()
	cfg.DataPath = dataPath
	cfg.CheckpointDir = checkpointDir
	cfg.Epochs = 1
	cfg.Beta = 0
	cfg.Pretrain.Enabled = false
	cfg.Device = backends.DeviceCPU
	cfg.Seed = 7
	cfg.LatentDim = testLatentDim
	return cfg
}

func testEvalConfig(dataPath, checkpointDir, outputDir string) EvalConfig {
	cfg := DefaultEvalConfig()
	cfg.DataPath = dataPath
	cfg.CheckpointDir = checkpointDir
	cfg.OutputDir = outputDir
	cfg.Pretrain.Enabled = false
	cfg.Device = backends.DeviceCPU
	cfg.DisableNoise = true
	cfg.LatentDim = testLatentDim
	return cfg
}

// archiveSource serves a local checkpoint file as the archive of every variant.
type archiveSource struct {
	path     string
	variants []string
}

func (s *archiveSource) Name() string { return "test archives" }

func (s *archiveSource) FileName(variant string) string { return "VAE_" + variant + ".ckpt" }

func (s *archiveSource) Fetch(_ context.Context, variant, destPath string) error {
	s.variants = append(s.variants, variant)
	contents, err := os.ReadFile(s.path)
	if err != nil {
		return faults.Wrapf(faults.ArchiveFetch, err, "variant %q", variant)
	}
	if err = os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(destPath, contents, 0o644)
}

func flat(t *tensors.Tensor) []float32 {
	return tensors.MustCopyFlatData[float32](t)
}

func TestDefaultConfigs(t *testing.T) {
	train := DefaultTrainConfig()
	assert.Equal(t, 50, train.Epochs)
	assert.Equal(t, 2e-3, train.LearningRate)
	assert.Equal(t, 0.0, train.Beta)
	assert.Equal(t, optimizers.KindAdam, train.Optimizer)
	assert.True(t, train.Pretrain.Enabled)
	assert.Equal(t, PretrainTransfer, train.Pretrain.Mode)
	assert.Equal(t, "A", train.Pretrain.Variant)
	assert.Equal(t, vae.DefaultLatentDim, train.LatentDim)
	assert.NoError(t, train.Validate())

	eval := DefaultEvalConfig()
	assert.Equal(t, "./Results", eval.OutputDir)
	assert.NoError(t, eval.Validate())

	for _, mutate := range []func(*TrainConfig){
		func(c *TrainConfig) { c.Epochs = 0 },
		func(c *TrainConfig) { c.LearningRate = 0 },
		func(c *TrainConfig) { c.LearningRate = math.NaN() },
		func(c *TrainConfig) { c.Beta = -1 },
		func(c *TrainConfig) { c.BatchSize = -1 },
		func(c *TrainConfig) { c.DataPath = "" },
		func(c *TrainConfig) { c.Pretrain.Variant = "" },
		func(c *TrainConfig) { c.Pretrain.Mode = PretrainMode(7) },
		func(c *TrainConfig) { c.CheckpointPeriod = -time.Second },
	} {
		cfg := DefaultTrainConfig()
		mutate(&cfg)
		assert.ErrorIs(t, cfg.Validate(), faults.InvalidConfig)
	}
}

func TestParsePretrainMode(t *testing.T) {
	assert.Equal(t, PretrainTransfer, must.M1(ParsePretrainMode("Transfer")))
	assert.Equal(t, PretrainContinue, must.M1(ParsePretrainMode("continue")))
	_, err := ParsePretrainMode("resume")
	assert.ErrorIs(t, err, faults.InvalidConfig)
}

func TestTrainOneEpoch(t *testing.T) {
	ctx := context.Background()
	dataPath := writeDataset(t, 2, 3, 1, 0)
	checkpointDir := filepath.Join(t.TempDir(), "Weights")
	trainer, err := NewTrainer(ctx, testTrainConfig(dataPath, checkpointDir))
	require.NoError(t, err)
	assert.Equal(t, 2, trainer.Dataset().Len())
	before := flat(trainer.Model().Variables()[0].MustValue())

	losses, err := trainer.Run(ctx)
	require.NoError(t, err)
	require.Len(t, losses, 1)
	assert.False(t, math.IsNaN(losses[0]))
	assert.NotEqual(t, before, flat(trainer.Model().Variables()[0].MustValue()), "weights must be updated")

	// Exactly one save: after epoch 1, with one step per group.
	assert.Equal(t, 1, trainer.Checkpoints().SaveCount())
	ckpt, err := checkpoints.Load(CheckpointPath(checkpointDir))
	require.NoError(t, err)
	assert.Equal(t, 1, ckpt.Epoch)
	assert.Equal(t, 2, ckpt.GlobalStep)
	arch, err := vae.ReadArchitecture(ckpt)
	require.NoError(t, err)
	assert.Equal(t, vae.Architecture{Geometry: vae.Compact.Name, ImageSize: 28, Channels: 1, LatentDim: testLatentDim}, arch)

	// A trainer runs once.
	_, err = trainer.Run(ctx)
	assert.ErrorIs(t, err, faults.InvalidConfig)
	assert.Equal(t, 1, trainer.Checkpoints().SaveCount())
}

func TestTrainEpochSaves(t *testing.T) {
	ctx := context.Background()
	dataPath := writeDataset(t, 3, 2, 1, 0.1)
	cfg := testTrainConfig(dataPath, t.TempDir())
	cfg.Epochs = 3
	trainer, err := NewTrainer(ctx, cfg)
	require.NoError(t, err)
	losses, err := trainer.Run(ctx)
	require.NoError(t, err)
	assert.Len(t, losses, 3)
	assert.Equal(t, 3, trainer.Checkpoints().SaveCount())
	ckpt, err := checkpoints.Load(trainer.Checkpoints().Path())
	require.NoError(t, err)
	assert.Equal(t, 3, ckpt.Epoch)
	assert.Equal(t, 9, ckpt.GlobalStep)
}

func TestTrainPeriodicCheckpoint(t *testing.T) {
	ctx := context.Background()
	dataPath := writeDataset(t, 3, 2, 1, 0)
	checkpointDir := t.TempDir()
	cfg := testTrainConfig(dataPath, checkpointDir)
	cfg.Epochs = 2
	cfg.CheckpointPeriod = time.Nanosecond
	trainer, err := NewTrainer(ctx, cfg)
	require.NoError(t, err)
	_, err = trainer.Run(ctx)
	require.NoError(t, err)
	assert.Greater(t, trainer.Checkpoints().SaveCount(), 2)

	// The end of epoch save runs after the periodic one of the same step.
	ckpt, err := checkpoints.Load(CheckpointPath(checkpointDir))
	require.NoError(t, err)
	assert.Equal(t, 2, ckpt.Epoch)
	assert.Equal(t, 6, ckpt.GlobalStep)
}

func TestTrainLossDecreases(t *testing.T) {
	dataPath := writeDataset(t, 4, 2, 1, 0.5)
	cfg := testTrainConfig(dataPath, t.TempDir())
	cfg.Epochs = 8
	cfg.LearningRate = 1e-3
	losses, err := Train(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, losses, 8)
	assert.Less(t, losses[7], losses[0])
}

func TestTrainEpochLoss(t *testing.T) {
	// With a learning rate this small the weights barely move: the epoch loss is the sum of the
	// batch losses weighted by their sizes, over the number of batches.
	ctx := context.Background()
	dataPath := writeDataset(t, 1, 3, 1, 0.3)
	cfg := testTrainConfig(dataPath, t.TempDir())
	cfg.LearningRate = 1e-12
	cfg.BatchSize = 2
	trainer, err := NewTrainer(ctx, cfg)
	require.NoError(t, err)
	trainer.Model().SetNoise(false)
	_, errs, err := trainer.Model().Reconstruct(trainer.Dataset().Images())
	require.NoError(t, err)
	perImage := flat(errs)
	losses, err := trainer.Run(ctx)
	require.NoError(t, err)
	require.Len(t, losses, 1)
	var sum float64
	for _, v := range perImage {
		sum += float64(v)
	}
	assert.InDelta(t, sum/2, losses[0], 1e-4)
}

func TestTrainBatchSizeAndOptimizers(t *testing.T) {
	dataPath := writeDataset(t, 2, 3, 1, 0.1)
	for _, kind := range []optimizers.Kind{optimizers.KindAdam, optimizers.KindRMSProp, optimizers.KindSGD} {
		t.Run(kind.String(), func(t *testing.T) {
			checkpointDir := t.TempDir()
			cfg := testTrainConfig(dataPath, checkpointDir)
			cfg.Optimizer = kind
			cfg.BatchSize = 4
			cfg.Beta = 0.5
			cfg.CheckpointCompression = checkpoints.Zstd
			cfg.CheckpointDType = checkpoints.Float16
			losses, err := Train(context.Background(), cfg)
			require.NoError(t, err)
			require.Len(t, losses, 1)
			ckpt, err := checkpoints.Load(CheckpointPath(checkpointDir))
			require.NoError(t, err)
			assert.Equal(t, 2, ckpt.GlobalStep, "6 images in batches of 4")
			assert.Equal(t, "zstd", ckpt.Compression)
		})
	}
}

func TestTrainDiverges(t *testing.T) {
	// The squared error of pixels this large overflows float32.
	ctx := context.Background()
	dataPath := writeDataset(t, 2, 1, 1, 1e30)
	checkpointDir := t.TempDir()
	trainer, err := NewTrainer(ctx, testTrainConfig(dataPath, checkpointDir))
	require.NoError(t, err)
	losses, err := trainer.Run(ctx)
	require.ErrorIs(t, err, faults.TrainingDiverged)
	assert.Empty(t, losses)
	assert.Equal(t, 0, trainer.Checkpoints().SaveCount())
	_, err = os.Stat(CheckpointPath(checkpointDir))
	assert.True(t, os.IsNotExist(err), "no checkpoint saved for a diverged epoch")
}

func TestTrainPretrain(t *testing.T) {
	dataPath := writeDataset(t, 2, 1, 1, 0.2)
	ctx := context.Background()
	sourceDir := t.TempDir()
	_, err := Train(ctx, testTrainConfig(dataPath, sourceDir))
	require.NoError(t, err)
	sourceCkpt, err := checkpoints.Load(CheckpointPath(sourceDir))
	require.NoError(t, err)

	// Transfer: the archive is fetched next to the checkpoint, and its weights are the starting point.
	archives := &archiveSource{path: CheckpointPath(sourceDir)}
	checkpointDir := t.TempDir()
	cfg := testTrainConfig(dataPath, checkpointDir)
	cfg.Pretrain = Pretrain{Enabled: true, Mode: PretrainTransfer, Variant: "B", Archives: archives}
	trainer, err := NewTrainer(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, archives.variants)
	assert.FileExists(t, filepath.Join(checkpointDir, "VAE_B.ckpt"))
	meanWeights := vae.EncoderScope + "/mean/" + layers.ParamWeights
	for _, v := range trainer.Model().Variables() {
		if checkpoints.VariableName(trainer.Model().Context().In(vae.Scope), v) == meanWeights {
			assert.Equal(t, flat(sourceCkpt.Values[meanWeights]), flat(v.MustValue()))
		}
	}
	_, err = trainer.Run(ctx)
	require.NoError(t, err)
	ckpt, err := checkpoints.Load(CheckpointPath(checkpointDir))
	require.NoError(t, err)
	assert.Equal(t, 2, ckpt.GlobalStep, "transfer starts counting steps from 0")

	// Continue: the global step carries on from the saved checkpoint.
	cfg.Pretrain.Mode = PretrainContinue
	trainer, err = NewTrainer(ctx, cfg)
	require.NoError(t, err)
	assert.Len(t, archives.variants, 1, "continue must not fetch")
	_, err = trainer.Run(ctx)
	require.NoError(t, err)
	ckpt, err = checkpoints.Load(CheckpointPath(checkpointDir))
	require.NoError(t, err)
	assert.Equal(t, 4, ckpt.GlobalStep)
	assert.Equal(t, 1, ckpt.Epoch)

	// Continue without a saved checkpoint.
	cfg.CheckpointDir = t.TempDir()
	_, err = Train(ctx, cfg)
	assert.ErrorIs(t, err, faults.CheckpointLoad)

	// Incompatible architecture: the checkpoint has 1 channel.
	rgbPath := writeDataset(t, 1, 1, 3, 0.2)
	cfg = testTrainConfig(rgbPath, t.TempDir())
	cfg.Pretrain = Pretrain{Enabled: true, Mode: PretrainTransfer, Variant: "A", Archives: archives}
	_, err = Train(ctx, cfg)
	assert.ErrorIs(t, err, faults.ShapeMismatch)
}

func TestTrainErrors(t *testing.T) {
	ctx := context.Background()
	_, err := Train(ctx, testTrainConfig(filepath.Join(t.TempDir(), "missing.npy"), t.TempDir()))
	assert.ErrorIs(t, err, faults.DatasetLoad)

	dataPath := filepath.Join(t.TempDir(), "data.npy")
	require.NoError(t, numpy.ToNpyFile(tensors.FromFlatDataAndDimensions(make([]float32, 32*32), 1, 1, 1, 32, 32), dataPath))
	_, err = Train(ctx, testTrainConfig(dataPath, t.TempDir()))
	assert.ErrorIs(t, err, faults.ShapeMismatch)

	cfg := testTrainConfig(dataPath, t.TempDir())
	cfg.Epochs = -1
	_, err = Train(ctx, cfg)
	assert.ErrorIs(t, err, faults.InvalidConfig)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	checkpointDir := t.TempDir()
	_, err = Train(cancelled, testTrainConfig(writeDataset(t, 1, 1, 1, 0), checkpointDir))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, CheckpointPath(checkpointDir))
}

// pixelValue gives each image (group, item) of the dataset its own content.
func pixelValue(group, item, pixel int) float32 {
	return float32(0.15*float64(group) - 0.1*float64(item) + 0.3*math.Sin(float64(pixel)*float64(1+group+item)/50))
}

func TestEvaluate(t *testing.T) {
	ctx := context.Background()
	const groups, items = 3, 2
	dataPath := writeImages(t, groups, items, 1, pixelValue)
	checkpointDir := t.TempDir()
	_, err := Train(ctx, testTrainConfig(dataPath, checkpointDir))
	require.NoError(t, err)

	outputDir := filepath.Join(t.TempDir(), "Results")
	cfg := testEvalConfig(dataPath, checkpointDir, outputDir)
	scores, err := Evaluate(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, scores, groups*items)
	reconstructions, err := numpy.FromNpyFile(filepath.Join(outputDir, ReconstructionsFileName))
	require.NoError(t, err)
	assert.Equal(t, []int{groups * items, 1, 28, 28}, reconstructions.Shape().Dimensions)
	saved, err := numpy.FromNpyFile(filepath.Join(outputDir, ScoresFileName))
	require.NoError(t, err)
	assert.Equal(t, []int{groups * items}, saved.Shape().Dimensions)

	// Score i is the mean squared error between input image i and reconstruction i.
	ds, err := data.FromNpyFile(dataPath)
	require.NoError(t, err)
	inputs, outputs, savedScores := ds.Values(), flat(reconstructions), flat(saved)
	const imageSize = 28 * 28
	for ii, score := range scores {
		var sum float64
		for pixel := ii * imageSize; pixel < (ii+1)*imageSize; pixel++ {
			diff := float64(outputs[pixel] - inputs[pixel])
			sum += diff * diff
		}
		assert.InDelta(t, sum/imageSize, score, 1e-6, "score %d", ii)
		assert.InDelta(t, float64(savedScores[ii]), score, 1e-6)
	}

	// The order is group-major: image (group, item) is at group*items+item.
	model, err := buildModel(ds, backends.DeviceCPU, testLatentDim, 1, false)
	require.NoError(t, err)
	_, err = loadCheckpoint(model, CheckpointPath(checkpointDir))
	require.NoError(t, err)
	for group := range groups {
		for item := range items {
			image := tensors.FromFlatDataAndDimensions(
				ds.GroupValues(group)[item*imageSize:(item+1)*imageSize], 1, 1, 28, 28)
			reconstruction, errs, err := model.Reconstruct(image)
			require.NoError(t, err)
			index := group*items + item
			assert.InDeltaSlice(t, outputs[index*imageSize:(index+1)*imageSize], flat(reconstruction), 1e-5,
				"image (%d, %d)", group, item)
			assert.InDelta(t, scores[index], float64(flat(errs)[0]), 1e-6, "image (%d, %d)", group, item)
		}
	}
	for ii := 1; ii < len(scores); ii++ {
		assert.NotEqual(t, scores[0], scores[ii], "distinct images have distinct scores")
	}

	// Without noise evaluation is deterministic.
	again, err := Evaluate(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, scores, again)
	reconstructionsAgain, err := numpy.FromNpyFile(filepath.Join(outputDir, ReconstructionsFileName))
	require.NoError(t, err)
	assert.Equal(t, outputs, flat(reconstructionsAgain))

	// With noise the latent vectors are sampled.
	cfg.DisableNoise = false
	cfg.Seed = 3
	noisy, err := Evaluate(ctx, cfg)
	require.NoError(t, err)
	assert.NotEqual(t, scores, noisy)
}

func TestEvaluateTransfer(t *testing.T) {
	ctx := context.Background()
	dataPath := writeDataset(t, 1, 2, 1, 0.1)
	sourceDir := t.TempDir()
	_, err := Train(ctx, testTrainConfig(dataPath, sourceDir))
	require.NoError(t, err)
	fromCheckpoint, err := Evaluate(ctx, testEvalConfig(dataPath, sourceDir, t.TempDir()))
	require.NoError(t, err)

	archives := &archiveSource{path: CheckpointPath(sourceDir)}
	cfg := testEvalConfig(dataPath, t.TempDir(), t.TempDir())
	cfg.Pretrain = Pretrain{Enabled: true, Mode: PretrainTransfer, Variant: "C", Archives: archives}
	fromArchive, err := Evaluate(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"C"}, archives.variants)
	assert.Equal(t, fromCheckpoint, fromArchive)
}

func TestEvaluateErrors(t *testing.T) {
	ctx := context.Background()
	dataPath := writeDataset(t, 1, 2, 1, 0)
	_, err := Evaluate(ctx, testEvalConfig(dataPath, t.TempDir(), t.TempDir()))
	assert.ErrorIs(t, err, faults.CheckpointLoad)

	checkpointDir := t.TempDir()
	_, err = Train(ctx, testTrainConfig(dataPath, checkpointDir))
	require.NoError(t, err)

	// Latent dimension mismatch.
	cfg := testEvalConfig(dataPath, checkpointDir, t.TempDir())
	cfg.LatentDim = testLatentDim * 2
	_, err = Evaluate(ctx, cfg)
	assert.ErrorIs(t, err, faults.ShapeMismatch)

	// Channel mismatch.
	_, err = Evaluate(ctx, testEvalConfig(writeDataset(t, 1, 1, 2, 0), checkpointDir, t.TempDir()))
	assert.ErrorIs(t, err, faults.ShapeMismatch)

	// Transfer from a failing source.
	cfg = testEvalConfig(dataPath, t.TempDir(), t.TempDir())
	cfg.Pretrain = Pretrain{Enabled: true, Mode: PretrainTransfer, Variant: "A",
		Archives: &archiveSource{path: filepath.Join(t.TempDir(), "missing")}}
	_, err = Evaluate(ctx, cfg)
	assert.ErrorIs(t, err, faults.ArchiveFetch)

	// Cancelled before the first group.
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	outputDir := t.TempDir()
	_, err = Evaluate(cancelled, testEvalConfig(dataPath, checkpointDir, outputDir))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(outputDir, ScoresFileName))
}

func TestScores(t *testing.T) {
	scores := Scores{0.1, 0.5, 0.2, 0.9, 0.3}
	summary := scores.Summary()
	assert.Equal(t, 5, summary.Count)
	assert.InDelta(t, 0.4, summary.Mean, 1e-12)
	assert.Equal(t, 0.1, summary.Min)
	assert.Equal(t, 0.9, summary.Max)
	assert.Equal(t, 0.3, summary.Median)
	assert.Equal(t, 0.9, summary.Quantile95)
	assert.Contains(t, summary.String(), "count=5")

	assert.Equal(t, []int{1, 3}, scores.Outliers(0.5))
	assert.Equal(t, []int{3}, scores.Outliers(0.7))
	assert.Empty(t, scores.Outliers(1))
	assert.Len(t, scores.Outliers(0), 4)
	assert.Equal(t, []float32{0.1, 0.5, 0.2, 0.9, 0.3}, flat(scores.Tensor()))

	empty := Scores{}
	assert.True(t, math.IsNaN(empty.Summary().Mean))
	assert.Nil(t, empty.Outliers(0.5))
}
