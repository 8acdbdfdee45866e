// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package anomaly

import (
	"context"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/lensgo/lensvae/pkg/core/tensors/numpy"
	"github.com/lensgo/lensvae/pkg/ml/data"
	"github.com/lensgo/lensvae/pkg/support/fsutil"
	"github.com/lensgo/lensvae/vae"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Output files written by Evaluate in EvalConfig.OutputDir.
const (
	ReconstructionsFileName = "Recon_samples.npy"
	ScoresFileName          = "anomaly_scores.npy"
)

// Evaluate reconstructs every image of the dataset at cfg.DataPath and returns their anomaly scores:
// the mean squared error between each image and its reconstruction, in the order of the flattened
// dataset (group by group, item by item).
//
// The reconstructions, shaped (groups×items, c, H, W), are written to ReconstructionsFileName, and
// the scores to ScoresFileName, in cfg.OutputDir.
func Evaluate(ctx context.Context, cfg EvalConfig) (Scores, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ds, err := data.FromNpyFile(cfg.DataPath)
	if err != nil {
		return nil, err
	}
	model, err := buildModel(ds, cfg.Device, cfg.LatentDim, cfg.Seed, !cfg.DisableNoise)
	if err != nil {
		return nil, err
	}
	if cfg.Pretrain.Enabled {
		_, err = loadPretrained(ctx, model, cfg.Pretrain, cfg.CheckpointDir)
	} else {
		_, err = loadCheckpoint(model, CheckpointPath(cfg.CheckpointDir))
	}
	if err != nil {
		return nil, err
	}

	reconstructions, scores, err := reconstructDataset(ctx, model, ds)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("evaluated %d images of %q", len(scores), cfg.DataPath)

	outputDir, err := fsutil.EnsureDir(cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	reconstructionsPath := filepath.Join(outputDir, ReconstructionsFileName)
	if err = numpy.ToNpyFile(reconstructions, reconstructionsPath); err != nil {
		return nil, errors.WithMessagef(err, "saving reconstructions")
	}
	scoresPath := filepath.Join(outputDir, ScoresFileName)
	if err = numpy.ToNpyFile(scores.Tensor(), scoresPath); err != nil {
		return nil, errors.WithMessagef(err, "saving anomaly scores")
	}
	klog.Infof("reconstructions saved to %q, anomaly scores saved to %q", reconstructionsPath, scoresPath)
	return scores, nil
}

// reconstructDataset reconstructs the dataset one group at a time. It returns the reconstructions of
// the flattened dataset, shaped (groups×items, c, H, W), and the score of each image.
func reconstructDataset(ctx context.Context, model *vae.Model, ds *data.Grouped) (*tensors.Tensor, Scores, error) {
	numImages := ds.NumImages()
	values := make([]float32, 0, numImages*ds.ImageSize())
	scores := make(Scores, 0, numImages)
	for group := range ds.NumGroups() {
		if err := ctx.Err(); err != nil {
			return nil, nil, errors.Wrapf(err, "evaluation interrupted at group %d of %d", group, ds.NumGroups())
		}
		reconstruction, errs, err := model.Reconstruct(ds.Group(group))
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "evaluating group %d", group)
		}
		values = append(values, tensors.MustCopyFlatData[float32](reconstruction)...)
		for _, score := range tensors.MustCopyFlatData[float32](errs) {
			scores = append(scores, float64(score))
		}
		reconstruction.MustFinalizeAll()
		errs.MustFinalizeAll()
	}
	reconstructions := tensors.FromFlatDataAndDimensions(values, numImages, ds.Channels(), ds.Height(), ds.Width())
	return reconstructions, scores, nil
}
