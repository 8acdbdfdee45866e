// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/lensgo/lensvae/anomaly"
	"github.com/lensgo/lensvae/faults"
	"github.com/lensgo/lensvae/pkg/ml/checkpoints"
	"github.com/lensgo/lensvae/pkg/ml/train/optimizers"
	"github.com/spf13/cobra"
)

func newTrainCmd() *cobra.Command {
	defaults := anomaly.DefaultTrainConfig()
	var (
		common                  commonFlags
		epochs, batchSize       int
		learningRate, beta      float64
		optimizer               string
		ckptDType, ckptCompress string
		progressBar             bool
		logEverySteps           int
		checkpointPeriod        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the model, saving a checkpoint after every epoch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			device, pretrain, err := common.devicePretrain(cmd)
			if err != nil {
				return err
			}
			dtype, err := checkpoints.ParseDType(ckptDType)
			if err != nil {
				return faults.Wrapf(faults.InvalidConfig, err, "--checkpoint_dtype")
			}
			compression, err := checkpoints.ParseCompression(ckptCompress)
			if err != nil {
				return faults.Wrapf(faults.InvalidConfig, err, "--checkpoint_compression")
			}
			cfg := anomaly.TrainConfig{
				DataPath:              common.dataPath,
				Epochs:                epochs,
				LearningRate:          learningRate,
				Beta:                  beta,
				Optimizer:             optimizers.ParseKind(optimizer),
				CheckpointDir:         common.checkpointDir,
				Pretrain:              pretrain,
				Device:                device,
				Seed:                  common.seed,
				BatchSize:             batchSize,
				LatentDim:             common.latentDim,
				CheckpointDType:       dtype,
				CheckpointCompression: compression,
				CheckpointPeriod:      checkpointPeriod,
				ProgressBar:           progressBar,
				LogEverySteps:         logEverySteps,
			}
			losses, err := anomaly.Train(cmd.Context(), cfg)
			for epoch, loss := range losses {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "epoch %d: loss=%.6g\n", epoch+1, loss)
			}
			return err
		},
	}
	flags := cmd.Flags()
	common.register(flags, defaults.DataPath, defaults.LatentDim)
	flags.IntVar(&epochs, "epochs", defaults.Epochs, "Number of passes over the dataset.")
	flags.Float64Var(&learningRate, "learning_rate", defaults.LearningRate, "Peak learning rate of the one-cycle schedule.")
	flags.Float64Var(&beta, "beta", defaults.Beta, "Weight of the KL-divergence term, 0 trains a plain autoencoder.")
	flags.StringVar(&optimizer, "optimizer", defaults.Optimizer.String(),
		"Optimizer: Adam, RMSProp or SGD (case-insensitive). Unknown names fall back to SGD.")
	flags.IntVar(&batchSize, "batch_size", defaults.BatchSize, "If > 0, regroup the images in batches of this size.")
	flags.StringVar(&ckptDType, "checkpoint_dtype", defaults.CheckpointDType.String(), "Checkpoint values: float32 or float16.")
	flags.StringVar(&ckptCompress, "checkpoint_compression", defaults.CheckpointCompression.String(),
		"Checkpoint compression: none, zstd or lz4.")
	flags.DurationVar(&checkpointPeriod, "checkpoint_period", defaults.CheckpointPeriod,
		"If > 0, also save a checkpoint in the middle of an epoch every so much time, e.g. \"10m\".")
	flags.BoolVar(&progressBar, "progress", true, "Display a progress bar.")
	flags.IntVar(&logEverySteps, "log_every", defaults.LogEverySteps, "Log the step loss (with -v=1) every so many steps.")
	return cmd
}
