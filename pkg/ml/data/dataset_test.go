// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package data

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/lensgo/lensvae/faults"
	"github.com/lensgo/lensvae/pkg/core/tensors/numpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// iota5D returns a (groups, items, 1, 2, 2) dataset where every pixel of image #i has the value i.
func iota5D(groups, items int) []float32 {
	values := make([]float32, groups*items*4)
	for ii := range values {
		values[ii] = float32(ii / 4)
	}
	return values
}

func yieldAll(t *testing.T, ds *Grouped) []*tensors.Tensor {
	var batches []*tensors.Tensor
	for {
		batchInfo, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			return batches
		}
		require.NoError(t, err)
		assert.Nil(t, batchInfo)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		assert.NotSame(t, inputs[0], labels[0], "labels are a separate tensor")
		assert.True(t, inputs[0].Equal(labels[0]))
		batches = append(batches, inputs[0])
	}
}

func TestGrouped(t *testing.T) {
	ds, err := FromFlat("test", iota5D(2, 3), 2, 3, 1, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, ds.Len())
	assert.Equal(t, 6, ds.NumImages())
	assert.Equal(t, 1, ds.Channels())
	assert.Equal(t, 2, ds.Height())
	assert.Equal(t, 2, ds.Width())

	batches := yieldAll(t, ds)
	require.Len(t, batches, 2)
	assert.Equal(t, []int{3, 1, 2, 2}, batches[1].Shape().Dimensions)
	assert.Equal(t, float32(3), tensors.MustCopyFlatData[float32](batches[1])[0])
	assert.Equal(t, 3, ds.LastBatchItems())

	// Exhausted until reset.
	_, _, _, err = ds.Yield()
	assert.Equal(t, io.EOF, err)
	ds.Reset()
	assert.Len(t, yieldAll(t, ds), 2)

	flat := ds.Images()
	assert.Equal(t, []int{6, 1, 2, 2}, flat.Shape().Dimensions)
	assert.Equal(t, float32(5), tensors.MustCopyFlatData[float32](flat)[23])
	assert.Equal(t, []float32{4, 4, 4, 4}, ds.GroupValues(1)[4:8])
}

func TestGroupedBatchSize(t *testing.T) {
	ds, err := FromFlat("test", iota5D(2, 3), 2, 3, 1, 2, 2)
	require.NoError(t, err)
	ds.BatchSize(4)
	assert.Equal(t, 2, ds.Len())
	batches := yieldAll(t, ds)
	require.Len(t, batches, 2)
	assert.Equal(t, 4, batches[0].Shape().Dimensions[0])
	assert.Equal(t, 2, batches[1].Shape().Dimensions[0])
	assert.Equal(t, float32(4), tensors.MustCopyFlatData[float32](batches[1])[0])
	assert.Equal(t, 2, ds.LastBatchItems())

	// Back to the original grouping.
	ds.BatchSize(0)
	assert.Equal(t, 2, ds.Len())
	assert.Equal(t, 3, yieldAll(t, ds)[0].Shape().Dimensions[0])
}

func TestFromFlatShapes(t *testing.T) {
	ds, err := FromFlat("4d", make([]float32, 5*28*28), 5, 1, 28, 28)
	require.NoError(t, err)
	assert.Equal(t, 5, ds.NumGroups())
	assert.Equal(t, 1, ds.ItemsPerGroup())

	_, err = FromFlat("3d", make([]float32, 5*28*28), 5, 28, 28)
	assert.ErrorIs(t, err, faults.ShapeMismatch)

	_, err = FromFlat("empty", nil, 0, 1, 1, 28, 28)
	assert.ErrorIs(t, err, faults.ShapeMismatch)

	_, err = FromFlat("short", make([]float32, 3), 1, 1, 1, 2, 2)
	assert.ErrorIs(t, err, faults.ShapeMismatch)

	_, err = FromTensor("int", tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4}, 1, 1, 2, 2))
	assert.ErrorIs(t, err, faults.ShapeMismatch)
}

func TestFromNpyFile(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "no_sub_train.npy")
	require.NoError(t, numpy.ToNpyFile(tensors.FromFlatDataAndDimensions(iota5D(2, 3), 2, 3, 1, 2, 2), filePath))
	ds, err := FromNpyFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "no_sub_train", ds.Name())
	assert.Equal(t, []int{2, 3, 1, 2, 2}, ds.Shape())

	_, err = FromNpyFile(filepath.Join(dir, "missing.npy"))
	assert.ErrorIs(t, err, faults.DatasetLoad)

	corrupt := filepath.Join(dir, "corrupt.npy")
	require.NoError(t, os.WriteFile(corrupt, []byte("not numpy"), 0o600))
	_, err = FromNpyFile(corrupt)
	assert.ErrorIs(t, err, faults.DatasetLoad)
}

func TestComputeStatistics(t *testing.T) {
	ds, err := FromFlat("test", iota5D(1, 2), 1, 2, 1, 2, 2)
	require.NoError(t, err)
	s := ComputeStatistics(ds)
	assert.Equal(t, 8, s.Count)
	assert.InDelta(t, 0.5, s.Mean, 1e-9)
	assert.InDelta(t, 0.5, s.StdDev, 1e-9)
	assert.Equal(t, 0.0, s.Min)
	assert.Equal(t, 1.0, s.Max)
	assert.True(t, s.OutsideTanhRange())
}
