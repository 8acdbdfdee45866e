// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

// Package anomaly trains the VAE on images of gravitational lenses and scores new images by their
// reconstruction error: images unlike the training set reconstruct poorly.
//
// Train fits the model with a GoMLX training loop, and saves a checkpoint after every epoch:
//
//	cfg := anomaly.DefaultTrainConfig()
//	cfg.Epochs = 10
//	cfg.Pretrain.Enabled = false
//	losses, err := anomaly.Train(ctx, cfg)
//
// Evaluate loads a checkpoint, saves the reconstructions and returns one anomaly score per image:
//
//	scores, err := anomaly.Evaluate(ctx, anomaly.DefaultEvalConfig())
//	outliers := scores.Outliers(0.95)
//
// Errors carry a faults.Kind, see package faults.
package anomaly

import (
	"context"

	"github.com/gomlx/gomlx/pkg/ml/train"
)

// Hook priorities in the training loop: lower values run first.
const (
	DivergencePriority         train.Priority = -100
	LogPriority                train.Priority = 0
	PeriodicCheckpointPriority train.Priority = 90
	CheckpointPriority         train.Priority = 100
)

// Train trains the model on the dataset at cfg.DataPath, see Trainer.Run.
func Train(ctx context.Context, cfg TrainConfig) ([]float64, error) {
	trainer, err := NewTrainer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return trainer.Run(ctx)
}
