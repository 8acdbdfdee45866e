// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package anomaly

import (
	"strings"
	"time"

	"github.com/lensgo/lensvae/backends"
	"github.com/lensgo/lensvae/faults"
	"github.com/lensgo/lensvae/pkg/ml/checkpoints"
	"github.com/lensgo/lensvae/pkg/ml/train/optimizers"
	"github.com/lensgo/lensvae/pretrained"
	"github.com/lensgo/lensvae/vae"
)

// WeightDecay is the L2 regularization used by all optimizers.
const WeightDecay = 1e-5

// PretrainMode selects where the pretrained weights come from.
type PretrainMode int

const (
	// PretrainTransfer fetches a published archive into the checkpoint directory (see ArchivePath) and loads it.
	PretrainTransfer PretrainMode = iota

	// PretrainContinue loads the checkpoint saved by a previous run at the checkpoint path.
	PretrainContinue
)

// String implements fmt.Stringer.
func (m PretrainMode) String() string {
	switch m {
	case PretrainTransfer:
		return "transfer"
	case PretrainContinue:
		return "continue"
	}
	return "unknown"
}

// ParsePretrainMode converts "transfer" or "continue" (case-insensitive) to a PretrainMode.
func ParsePretrainMode(name string) (PretrainMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "transfer":
		return PretrainTransfer, nil
	case "continue":
		return PretrainContinue, nil
	}
	return PretrainTransfer, faults.Errorf(faults.InvalidConfig,
		"unknown pretrain mode %q, valid values are \"transfer\" and \"continue\"", name)
}

// Pretrain configures the loading of existing weights before training or evaluation.
type Pretrain struct {
	// Enabled loads the weights. If false, training starts from random weights, and evaluation
	// loads the checkpoint at the checkpoint path.
	Enabled bool

	// Mode selects the pretrained weights.
	Mode PretrainMode

	// Variant of the published archive used by PretrainTransfer.
	Variant string

	// Archives is the source of the published archives. If nil, the Google Drive registry is used.
	Archives pretrained.Source
}

// DefaultPretrain transfers the published variant "A".
func DefaultPretrain() Pretrain {
	return Pretrain{
		Enabled: true,
		Mode:    PretrainTransfer,
		Variant: pretrained.DefaultVariant,
	}
}

func (p Pretrain) validate() error {
	if p.Mode != PretrainTransfer && p.Mode != PretrainContinue {
		return faults.Errorf(faults.InvalidConfig, "invalid pretrain mode %d", int(p.Mode))
	}
	if p.Enabled && p.Mode == PretrainTransfer && p.Variant == "" {
		return faults.Errorf(faults.InvalidConfig, "pretrain variant must be set for transfer")
	}
	return nil
}

// TrainConfig holds the configuration of Train.
type TrainConfig struct {
	// DataPath of the .npy dataset, shaped (groups, items, c, H, W).
	DataPath string

	// Epochs to train for.
	Epochs int

	// LearningRate is the peak learning rate of the one-cycle schedule.
	LearningRate float64

	// Beta is the weight of the KL-divergence term. 0 disables it.
	Beta float64

	// Optimizer used for the updates, see optimizers.ParseKind.
	Optimizer optimizers.Kind

	// CheckpointDir where the checkpoint (checkpoints.FileName) is written after each epoch.
	CheckpointDir string

	// Pretrain configuration.
	Pretrain Pretrain

	// Device where the model runs.
	Device backends.Device

	// Seed of the initialization and of the reparameterization noise. 0 seeds from the current time.
	Seed int64

	// BatchSize, if > 0, regroups the images in batches of this size. 0 keeps the grouping of the dataset.
	BatchSize int

	// LatentDim is the length of the latent vectors.
	LatentDim int

	// CheckpointDType and CheckpointCompression of the saved checkpoints.
	CheckpointDType       checkpoints.DType
	CheckpointCompression checkpoints.Compression

	// CheckpointPeriod, if > 0, also saves a checkpoint in the middle of an epoch when this much time
	// has passed since the last save.
	CheckpointPeriod time.Duration

	// ProgressBar displays a progress bar on the terminal.
	ProgressBar bool

	// LogEverySteps logs the step loss (with verbosity 1) every so many steps. 0 disables it.
	LogEverySteps int
}

// DefaultTrainConfig returns the default training configuration.
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		DataPath:              "./Data/no_sub_train.npy",
		Epochs:                50,
		LearningRate:          2e-3,
		Beta:                  0,
		Optimizer:             optimizers.KindAdam,
		CheckpointDir:         "./Weights",
		Pretrain:              DefaultPretrain(),
		Device:                backends.DeviceAuto,
		LatentDim:             vae.DefaultLatentDim,
		CheckpointDType:       checkpoints.Float32,
		CheckpointCompression: checkpoints.Uncompressed,
		LogEverySteps:         100,
	}
}

// Validate returns a faults.InvalidConfig error for invalid values.
func (c TrainConfig) Validate() error {
	switch {
	case c.DataPath == "":
		return faults.Errorf(faults.InvalidConfig, "training data path not set")
	case c.CheckpointDir == "":
		return faults.Errorf(faults.InvalidConfig, "checkpoint directory not set")
	case c.Epochs <= 0:
		return faults.Errorf(faults.InvalidConfig, "number of epochs must be > 0, got %d", c.Epochs)
	case !(c.LearningRate > 0):
		return faults.Errorf(faults.InvalidConfig, "learning rate must be > 0, got %g", c.LearningRate)
	case !(c.Beta >= 0):
		return faults.Errorf(faults.InvalidConfig, "beta must be >= 0, got %g", c.Beta)
	case c.BatchSize < 0:
		return faults.Errorf(faults.InvalidConfig, "batch size must be >= 0, got %d", c.BatchSize)
	case c.LatentDim <= 0:
		return faults.Errorf(faults.InvalidConfig, "latent dimension must be > 0, got %d", c.LatentDim)
	case c.LogEverySteps < 0:
		return faults.Errorf(faults.InvalidConfig, "log frequency must be >= 0, got %d", c.LogEverySteps)
	case c.CheckpointPeriod < 0:
		return faults.Errorf(faults.InvalidConfig, "checkpoint period must be >= 0, got %s", c.CheckpointPeriod)
	}
	return c.Pretrain.validate()
}

// EvalConfig holds the configuration of Evaluate.
type EvalConfig struct {
	// DataPath of the .npy dataset, shaped (groups, items, c, H, W).
	DataPath string

	// CheckpointDir with the checkpoint to evaluate (or where the pretrained archive is fetched to).
	CheckpointDir string

	// OutputDir where ReconstructionsFileName and ScoresFileName are written.
	OutputDir string

	// Pretrain configuration. If not enabled, the checkpoint in CheckpointDir is loaded.
	Pretrain Pretrain

	// Device where the model runs.
	Device backends.Device

	// Seed of the reparameterization noise. 0 seeds from the current time.
	Seed int64

	// DisableNoise decodes the latent mean: reconstructions become deterministic.
	DisableNoise bool

	// LatentDim is the length of the latent vectors, it must match the checkpoint.
	LatentDim int
}

// DefaultEvalConfig returns the default evaluation configuration.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		DataPath:      "./Data/no_sub_test.npy",
		CheckpointDir: "./Weights",
		OutputDir:     "./Results",
		Pretrain:      DefaultPretrain(),
		Device:        backends.DeviceAuto,
		LatentDim:     vae.DefaultLatentDim,
	}
}

// Validate returns a faults.InvalidConfig error for invalid values.
func (c EvalConfig) Validate() error {
	switch {
	case c.DataPath == "":
		return faults.Errorf(faults.InvalidConfig, "evaluation data path not set")
	case c.CheckpointDir == "":
		return faults.Errorf(faults.InvalidConfig, "checkpoint directory not set")
	case c.OutputDir == "":
		return faults.Errorf(faults.InvalidConfig, "output directory not set")
	case c.LatentDim <= 0:
		return faults.Errorf(faults.InvalidConfig, "latent dimension must be > 0, got %d", c.LatentDim)
	}
	return c.Pretrain.validate()
}
