// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/lensgo/lensvae/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testMetadata struct {
	ImageSize int    `json:"image_size"`
	Name      string `json:"name"`
}

var (
	testWeights = []float32{0.5, -1.25, 3, 0.125, -2, 1024}
	testBiases  = []float32{1.5, -0.75}
)

// newModel returns a context with the variables "/model/dense/weights" (2x3) and "/model/dense/biases" (2),
// set to the given values, or zeros if nil.
func newModel(weights, biases []float32) *context.Context {
	if weights == nil {
		weights, biases = make([]float32, 6), make([]float32, 2)
	}
	ctx := context.New()
	dense := ctx.In("model").In("dense")
	dense.VariableWithValue("weights", tensors.FromFlatDataAndDimensions(weights, 2, 3))
	dense.VariableWithValue("biases", tensors.FromFlatDataAndDimensions(biases, 2))
	return ctx
}

func variableValues(ctx *context.Context, scope, name string) []float32 {
	return tensors.MustCopyFlatData[float32](ctx.GetVariableByScopeAndName(scope, name).MustValue())
}

func TestSaveAndRestore(t *testing.T) {
	for _, dtype := range []DType{Float32, Float16} {
		for _, compression := range []Compression{Uncompressed, Zstd, LZ4} {
			t.Run(dtype.String()+"/"+compression.String(), func(t *testing.T) {
				dir := filepath.Join(t.TempDir(), "ckpt")
				handler, err := Build(dir).DType(dtype).Compression(compression).RunID("run-1").Done()
				require.NoError(t, err)
				exists, err := handler.Exists()
				require.NoError(t, err)
				assert.False(t, exists)

				ctx := newModel(testWeights, testBiases)
				handler.Attach(ctx.In("model"), testMetadata{ImageSize: 28, Name: "compact"})
				require.NoError(t, handler.Save(2, 10))
				assert.Equal(t, 1, handler.SaveCount())
				assert.Equal(t, filepath.Join(dir, FileName), handler.Path())

				ckpt, err := Load(handler.Path())
				require.NoError(t, err)
				assert.Equal(t, "run-1", ckpt.RunID)
				assert.Equal(t, 2, ckpt.Epoch)
				assert.Equal(t, 10, ckpt.GlobalStep)
				assert.Equal(t, dtype.String(), ckpt.DType)
				assert.Equal(t, compression.String(), ckpt.Compression)

				var metadata testMetadata
				require.NoError(t, ckpt.DecodeMetadata(&metadata))
				assert.Equal(t, testMetadata{ImageSize: 28, Name: "compact"}, metadata)

				assert.Equal(t, []int{2, 3}, ckpt.Values["dense/weights"].Shape().Dimensions)

				restored := newModel(nil, nil)
				require.NoError(t, ckpt.Restore(restored.In("model")))
				// All test values are exactly representable in float16.
				assert.Equal(t, testWeights, variableValues(restored, "/model/dense", "weights"))
				assert.Equal(t, testBiases, variableValues(restored, "/model/dense", "biases"))
			})
		}
	}
}

func TestSaveOverwrites(t *testing.T) {
	handler, err := Build(t.TempDir()).Done()
	require.NoError(t, err)
	ctx := newModel(testWeights, testBiases)
	handler.Attach(ctx.In("model"), nil)
	require.NoError(t, handler.Save(1, 1))
	biases := ctx.GetVariableByScopeAndName("/model/dense", "biases")
	require.NoError(t, biases.SetValue(tensors.FromFlatDataAndDimensions([]float32{7, 7}, 2)))
	require.NoError(t, handler.Save(2, 2))
	assert.Equal(t, 2, handler.SaveCount())

	entries, err := os.ReadDir(filepath.Dir(handler.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "only the checkpoint file should remain")

	ckpt, err := Load(handler.Path())
	require.NoError(t, err)
	assert.Equal(t, 2, ckpt.Epoch)
	assert.Equal(t, []float32{7, 7}, tensors.MustCopyFlatData[float32](ckpt.Values["dense/biases"]))
	assert.ErrorIs(t, ckpt.DecodeMetadata(&testMetadata{}), faults.CheckpointLoad)
}

func TestSaveWithoutVariables(t *testing.T) {
	handler, err := Build(t.TempDir()).Done()
	require.NoError(t, err)
	require.Error(t, handler.Save(1, 1))
	handler.Attach(newModel(nil, nil).In("other"), nil)
	require.Error(t, handler.Save(1, 1))
	assert.Equal(t, 0, handler.SaveCount())
}

func TestRestoreValidation(t *testing.T) {
	handler, err := Build(t.TempDir()).Done()
	require.NoError(t, err)
	handler.Attach(newModel(testWeights, testBiases).In("model"), nil)
	require.NoError(t, handler.Save(1, 1))
	ckpt, err := Load(handler.Path())
	require.NoError(t, err)

	t.Run("Missing", func(t *testing.T) {
		ctx := newModel(nil, nil)
		ctx.In("model").In("dense").VariableWithValue("scale", float32(1))
		assert.ErrorIs(t, ckpt.Restore(ctx.In("model")), faults.CheckpointLoad)
		assert.ErrorIs(t, ckpt.Restore(ctx.In("empty")), faults.CheckpointLoad)
	})

	t.Run("ShapeMismatch", func(t *testing.T) {
		ctx := context.New()
		dense := ctx.In("model").In("dense")
		dense.VariableWithValue("biases", tensors.FromFlatDataAndDimensions([]float32{0, 0}, 2))
		dense.VariableWithValue("weights", tensors.FromFlatDataAndDimensions(make([]float32, 6), 3, 2))
		err := ckpt.Restore(ctx.In("model"))
		assert.ErrorIs(t, err, faults.ShapeMismatch)
		// Nothing is set if any variable fails validation.
		assert.Equal(t, []float32{0, 0}, variableValues(ctx, "/model/dense", "biases"))
	})
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.ckpt"))
	assert.ErrorIs(t, err, faults.CheckpointLoad)

	badMagic := filepath.Join(dir, "bad.ckpt")
	require.NoError(t, os.WriteFile(badMagic, []byte("definitely not a checkpoint"), 0o600))
	_, err = Load(badMagic)
	assert.ErrorIs(t, err, faults.CheckpointLoad)

	handler, err := Build(dir).Compression(Zstd).Done()
	require.NoError(t, err)
	handler.Attach(newModel(testWeights, testBiases).In("model"), nil)
	require.NoError(t, handler.Save(1, 1))
	contents, err := os.ReadFile(handler.Path())
	require.NoError(t, err)
	truncated := filepath.Join(dir, "truncated.ckpt")
	require.NoError(t, os.WriteFile(truncated, contents[:len(contents)-8], 0o600))
	_, err = Load(truncated)
	assert.ErrorIs(t, err, faults.CheckpointLoad)
}

func TestParseOptions(t *testing.T) {
	c, err := ParseCompression("ZSTD")
	require.NoError(t, err)
	assert.Equal(t, Zstd, c)
	_, err = ParseCompression("gzip")
	require.Error(t, err)

	d, err := ParseDType("f16")
	require.NoError(t, err)
	assert.Equal(t, Float16, d)
	_, err = ParseDType("int8")
	require.Error(t, err)

	_, err = Build(t.TempDir()).FileName("a/b.ckpt").Done()
	assert.ErrorIs(t, err, faults.InvalidConfig)
}

func TestVariables(t *testing.T) {
	ctx := newModel(testWeights, testBiases)
	ctx.In("other").VariableWithValue("x", float32(1))
	vars := Variables(ctx.In("model"))
	require.Len(t, vars, 2)
	assert.Equal(t, "dense/biases", VariableName(ctx.In("model"), vars[0]))
	assert.Equal(t, "dense/weights", VariableName(ctx.In("model"), vars[1]))
	assert.Equal(t, "model/dense/weights", VariableName(ctx, vars[1]))
}

func TestOnStepFn(t *testing.T) {
	handler, err := Build(t.TempDir()).Done()
	require.NoError(t, err)
	handler.Attach(newModel(testWeights, testBiases).In("model"), nil)
	loop := &train.Loop{Epoch: 2, LoopStep: 4}
	require.NoError(t, handler.OnStepFn(loop, nil))
	assert.Equal(t, 1, handler.SaveCount())

	ckpt, err := Load(handler.Path())
	require.NoError(t, err)
	assert.Equal(t, 2, ckpt.Epoch)
	assert.Equal(t, 5, ckpt.GlobalStep)
}
