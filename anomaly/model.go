// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package anomaly

import (
	"context"
	"path/filepath"

	"github.com/lensgo/lensvae/backends"
	"github.com/lensgo/lensvae/faults"
	"github.com/lensgo/lensvae/pkg/ml/checkpoints"
	"github.com/lensgo/lensvae/pkg/ml/data"
	"github.com/lensgo/lensvae/pretrained"
	"github.com/lensgo/lensvae/vae"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CheckpointPath returns the path of the checkpoint file within dir.
func CheckpointPath(dir string) string {
	return filepath.Join(dir, checkpoints.FileName)
}

// ArchivePath returns where the archive of the variant is fetched to, within dir.
func ArchivePath(dir string, archives pretrained.Source, variant string) string {
	return filepath.Join(dir, archives.FileName(variant))
}

// buildModel creates a randomly initialized model for the images of ds.
func buildModel(ds *data.Grouped, device backends.Device, latentDim int, seed int64, noise bool) (*vae.Model, error) {
	geometry, err := vae.GeometryForImageSize(ds.Height(), ds.Width())
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q", ds.Name())
	}
	backend, err := backends.New(device)
	if err != nil {
		return nil, err
	}
	return vae.New(backend, ds.Channels()).
		ImageSize(geometry.ImageSize).
		LatentDim(latentDim).
		Seed(seed).
		Noise(noise).
		Done()
}

// loadPretrained replaces the model weights according to the pretrain configuration: either the
// published archive, fetched into the checkpoint directory first, or the checkpoint saved by a
// previous run.
func loadPretrained(ctx context.Context, model *vae.Model, p Pretrain, checkpointDir string) (*checkpoints.Checkpoint, error) {
	switch p.Mode {
	case PretrainTransfer:
		archives := p.Archives
		if archives == nil {
			archives = pretrained.NewGoogleDrive()
		}
		path := ArchivePath(checkpointDir, archives, p.Variant)
		klog.Infof("transfer learning from pretrained variant %q (%s)", p.Variant, archives.Name())
		if err := archives.Fetch(ctx, p.Variant, path); err != nil {
			return nil, err
		}
		return loadCheckpoint(model, path)
	case PretrainContinue:
		path := CheckpointPath(checkpointDir)
		klog.Infof("continuing from checkpoint %q", path)
		return loadCheckpoint(model, path)
	}
	return nil, faults.Errorf(faults.InvalidConfig, "invalid pretrain mode %d", int(p.Mode))
}

// readCheckpoint reads a checkpoint, or imports the weights saved by PyTorch if path has the
// vae.PyTorchExtension.
func readCheckpoint(path string) (*checkpoints.Checkpoint, error) {
	if vae.IsPyTorchFile(path) {
		return vae.ImportPyTorch(path)
	}
	return checkpoints.Load(path)
}

// loadCheckpoint validates the checkpoint at path against the model and loads its weights.
func loadCheckpoint(model *vae.Model, path string) (*checkpoints.Checkpoint, error) {
	ckpt, err := readCheckpoint(path)
	if err != nil {
		return nil, err
	}
	if err = model.LoadCheckpoint(ckpt); err != nil {
		return nil, errors.WithMessagef(err, "checkpoint %q", path)
	}
	klog.Infof("loaded weights from %q (run %s, epoch %d)", path, ckpt.RunID, ckpt.Epoch)
	return ckpt, nil
}
