// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

// Package pretrained retrieves pretrained weight archives: checkpoint files published by a previous
// training run, or the weights saved by PyTorch (".pth") of the published models, fetched to the
// local checkpoint directory before being loaded.
//
// A Source maps a variant name ("A", "B", ...) to a remote archive. Three sources are provided:
// GoogleDrive (the default registry), MinIO and S3 object stores. Sources are blocking and
// never retry: retry policies belong to the caller.
//
// Archives are downloaded to a temporary file next to the destination and validated before they
// replace it: a failed or rejected fetch leaves any existing file untouched.
package pretrained

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/lensgo/lensvae/faults"
	"github.com/lensgo/lensvae/pkg/ml/checkpoints"
	"github.com/lensgo/lensvae/pkg/support/fsutil"
	"github.com/lensgo/lensvae/vae"
	"github.com/pkg/errors"
)

// DefaultVariant of the pretrained archives.
const DefaultVariant = "A"

// Source of pretrained archives.
type Source interface {
	// Fetch the archive of the given variant and write it to destPath, replacing any existing file.
	// Failures are faults.ArchiveFetch errors.
	Fetch(ctx context.Context, variant, destPath string) error

	// FileName of the archive of the variant. Its extension tells the format: vae.PyTorchExtension
	// for the weights saved by PyTorch, a checkpoint otherwise.
	FileName(variant string) string

	// Name of the source, for logging.
	Name() string
}

// ObjectKey returns the key of the archive of the variant within an object store, under prefix.
func ObjectKey(prefix, variant string) string {
	key := "VAE_" + variant + ".ckpt"
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// fetchAtomic calls fetch to write the archive into a temporary file in the directory of destPath,
// validates it and renames it to destPath. On failure the temporary file is removed.
func fetchAtomic(destPath string, fetch func(tmpPath string) (int64, error)) (size int64, err error) {
	dir, err := fsutil.EnsureDir(filepath.Dir(destPath))
	if err != nil {
		return 0, err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(destPath)+".*.fetch")
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create temporary file for %q", destPath)
	}
	tmpPath := f.Name()
	_ = f.Close()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()
	if size, err = fetch(tmpPath); err != nil {
		return size, err
	}
	if err = checkArchive(tmpPath, destPath); err != nil {
		return size, err
	}
	if err = os.Rename(tmpPath, destPath); err != nil {
		return size, errors.Wrapf(err, "failed to rename %q to %q", tmpPath, destPath)
	}
	return size, nil
}

// checkArchive verifies the file fetched for destPath holds the weights its extension announces:
// hosts often answer with an HTML error page instead of failing.
func checkArchive(filePath, destPath string) error {
	var err error
	if vae.IsPyTorchFile(destPath) {
		_, err = vae.ImportPyTorch(filePath)
	} else {
		_, err = checkpoints.Load(filePath)
	}
	if err == nil {
		return nil
	}
	if isHTML(filePath) {
		return errors.Errorf("fetched archive for %q is an HTML page, not a checkpoint", destPath)
	}
	return errors.WithMessagef(err, "fetched archive for %q is not valid", destPath)
}

// isHTML returns whether the file starts like an HTML page.
func isHTML(filePath string) bool {
	f, err := os.Open(filePath)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()
	head := make([]byte, 64)
	n, _ := f.Read(head)
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(string(head[:n]))), "<")
}

func fetchError(source Source, variant string, err error) error {
	return faults.Wrapf(faults.ArchiveFetch, err, "failed to fetch pretrained variant %q from %s", variant, source.Name())
}
