// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

// Package data implements the grouped image dataset used to train and evaluate the model.
//
// A dataset is a tensor shaped (groups, items, c, H, W): each group is the batch of one
// optimizer step. A 4-D tensor (N, c, H, W) is accepted as N groups of one image.
package data

import (
	"io"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/lensgo/lensvae/faults"
	"github.com/lensgo/lensvae/pkg/core/tensors/numpy"
	"k8s.io/klog/v2"
)

// Grouped is a dataset held in memory, yielding one group of images at a time.
//
// It implements train.Dataset: each yield returns the batch as the only input, and a copy of it as
// the only label, since the model reconstructs its input.
type Grouped struct {
	name string

	// values holds the full dataset, in row-major order, and dims its shape (groups, items, c, H, W).
	values []float32
	dims   []int

	muSampling sync.Mutex
	batchSize  int
	next       int
	lastItems  int
}

// Assert Grouped implements train.Dataset.
var _ train.Dataset = (*Grouped)(nil)

// FromFlat creates a dataset from values in row-major order shaped dims, either
// (groups, items, c, H, W) or (N, c, H, W). The dataset keeps a reference to values.
//
// It fails with faults.ShapeMismatch for any other rank, an empty axis or a size mismatch.
func FromFlat(name string, values []float32, dims ...int) (*Grouped, error) {
	dims = slices.Clone(dims)
	switch len(dims) {
	case 5:
	case 4:
		dims = []int{dims[0], 1, dims[1], dims[2], dims[3]}
	default:
		return nil, faults.Errorf(faults.ShapeMismatch,
			"dataset %q: expected shape (groups, items, c, H, W) or (N, c, H, W), got %v", name, dims)
	}
	size := 1
	for _, dim := range dims {
		if dim <= 0 {
			return nil, faults.Errorf(faults.ShapeMismatch, "dataset %q: empty axis in shape %v", name, dims)
		}
		size *= dim
	}
	if size != len(values) {
		return nil, faults.Errorf(faults.ShapeMismatch, "dataset %q: shape %v needs %d values, got %d",
			name, dims, size, len(values))
	}
	return &Grouped{name: name, values: values, dims: dims}, nil
}

// FromTensor creates a dataset from a float32 tensor shaped (groups, items, c, H, W) or (N, c, H, W).
// The values are copied out of the tensor.
func FromTensor(name string, images *tensors.Tensor) (*Grouped, error) {
	var values []float32
	err := tensors.ConstFlatData(images, func(flat []float32) {
		values = slices.Clone(flat)
	})
	if err != nil {
		return nil, faults.Wrapf(faults.ShapeMismatch, err, "dataset %q: images shaped %s", name, images.Shape())
	}
	return FromFlat(name, values, images.Shape().Dimensions...)
}

// FromNpyFile loads the dataset from a .npy file.
//
// It fails with faults.DatasetLoad if the file can't be read, and faults.ShapeMismatch if its shape is not valid.
func FromNpyFile(filePath string) (*Grouped, error) {
	images, err := numpy.FromNpyFile(filePath)
	if err != nil {
		return nil, faults.Wrapf(faults.DatasetLoad, err, "failed to load dataset")
	}
	name := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	ds, err := FromTensor(name, images)
	if err != nil {
		return nil, err
	}
	klog.Infof("data imported from %q: %d groups of %d images, %d channels, %dx%d",
		filePath, ds.NumGroups(), ds.ItemsPerGroup(), ds.Channels(), ds.Height(), ds.Width())
	return ds, nil
}

// BatchSize regroups the images: if n > 0, the dataset ignores the original grouping and yields
// batches of n images, in order, the last one possibly smaller. If n == 0 it yields the original groups.
//
// It returns the modified dataset, so calls can be cascaded.
func (ds *Grouped) BatchSize(n int) *Grouped {
	ds.muSampling.Lock()
	defer ds.muSampling.Unlock()
	ds.batchSize = max(n, 0)
	ds.next = 0
	return ds
}

// Name implements train.Dataset.
func (ds *Grouped) Name() string { return ds.name }

// Len is the number of batches per epoch.
func (ds *Grouped) Len() int {
	ds.muSampling.Lock()
	defer ds.muSampling.Unlock()
	return ds.lenLocked()
}

func (ds *Grouped) lenLocked() int {
	if ds.batchSize == 0 {
		return ds.NumGroups()
	}
	return (ds.NumImages() + ds.batchSize - 1) / ds.batchSize
}

// Reset implements train.Dataset, restarting from the first batch.
func (ds *Grouped) Reset() {
	ds.muSampling.Lock()
	defer ds.muSampling.Unlock()
	ds.next = 0
}

// Yield implements train.Dataset: it returns the next batch, shaped (items, c, H, W), both as input and
// as label, or io.EOF at the end of the epoch.
func (ds *Grouped) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.muSampling.Lock()
	defer ds.muSampling.Unlock()
	if ds.next >= ds.lenLocked() {
		return nil, nil, nil, io.EOF
	}
	idx := ds.next
	ds.next++
	start, end := idx*ds.ItemsPerGroup(), (idx+1)*ds.ItemsPerGroup()
	if ds.batchSize > 0 {
		start = idx * ds.batchSize
		end = min(start+ds.batchSize, ds.NumImages())
	}
	ds.lastItems = end - start
	return nil, []*tensors.Tensor{ds.imageRange(start, end)}, []*tensors.Tensor{ds.imageRange(start, end)}, nil
}

// LastBatchItems is the number of images in the last batch yielded.
func (ds *Grouped) LastBatchItems() int {
	ds.muSampling.Lock()
	defer ds.muSampling.Unlock()
	return ds.lastItems
}

// imageRange returns a new tensor with the images [start, end) of the flattened dataset.
func (ds *Grouped) imageRange(start, end int) *tensors.Tensor {
	imageSize := ds.ImageSize()
	values := slices.Clone(ds.values[start*imageSize : end*imageSize])
	return tensors.FromFlatDataAndDimensions(values, end-start, ds.Channels(), ds.Height(), ds.Width())
}

// Group returns a copy of the i-th group of the original grouping, shaped (items, c, H, W).
func (ds *Grouped) Group(i int) *tensors.Tensor {
	return ds.imageRange(i*ds.ItemsPerGroup(), (i+1)*ds.ItemsPerGroup())
}

// GroupValues returns the values of the i-th group, in row-major order. They must not be modified.
func (ds *Grouped) GroupValues(i int) []float32 {
	size := ds.ItemsPerGroup() * ds.ImageSize()
	return ds.values[i*size : (i+1)*size]
}

// Images returns a copy of all images flattened to (groups·items, c, H, W), in dataset order.
func (ds *Grouped) Images() *tensors.Tensor { return ds.imageRange(0, ds.NumImages()) }

// Values of all images in dataset order. They must not be modified.
func (ds *Grouped) Values() []float32 { return ds.values }

// Shape of the dataset: (groups, items, c, H, W).
func (ds *Grouped) Shape() []int { return slices.Clone(ds.dims) }

// NumGroups in the original grouping.
func (ds *Grouped) NumGroups() int { return ds.dims[0] }

// ItemsPerGroup in the original grouping.
func (ds *Grouped) ItemsPerGroup() int { return ds.dims[1] }

// NumImages is the total number of images.
func (ds *Grouped) NumImages() int { return ds.NumGroups() * ds.ItemsPerGroup() }

// Channels of the images.
func (ds *Grouped) Channels() int { return ds.dims[2] }

// Height of the images.
func (ds *Grouped) Height() int { return ds.dims[3] }

// Width of the images.
func (ds *Grouped) Width() int { return ds.dims[4] }

// ImageSize is the number of values of one image: c·H·W.
func (ds *Grouped) ImageSize() int { return ds.Channels() * ds.Height() * ds.Width() }
