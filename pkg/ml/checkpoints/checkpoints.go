// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements saving and loading of the variables of a model to a single checkpoint file.
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done. Once the context scope holding the model
// variables is attached, one can call Handler.Save at any time, typically at the end of each epoch, and
// optionally also periodically with Handler.OnStepFn:
//
//	handler, err := checkpoints.Build(*flagCheckpointDir).Compression(checkpoints.Zstd).Done()
//	if err != nil { ... }
//	handler.Attach(ctx.In("vae"), model.Architecture())
//	loop := train.NewLoop(trainer)
//	const priority = 100 // Large number here, means it runs last.
//	train.PeriodicCallback(loop, 10*time.Minute, false, "checkpointing", priority, handler.OnStepFn)
//
// To restore a model, use Load followed by Checkpoint.DecodeMetadata (to validate the architecture)
// and Checkpoint.Restore.
//
// Each save overwrites the previous checkpoint: it's written to a temporary file that is then
// renamed, so a crash never leaves a truncated checkpoint behind.
package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/google/uuid"
	"github.com/lensgo/lensvae/faults"
	"github.com/lensgo/lensvae/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// FileName is the default name of the checkpoint file within the checkpoint directory.
const FileName = "VAE.ckpt"

// Config for the Handler, created with Build.
type Config struct {
	dir, fileName string
	dtype         DType
	compression   Compression
	runID         string
}

// Build a configuration for a checkpoint Handler saving to dir. Call Config.Done when finished
// configuring.
func Build(dir string) *Config {
	return &Config{dir: dir, fileName: FileName, dtype: Float32, compression: Uncompressed}
}

// FileName within the directory. Default is FileName ("VAE.ckpt").
func (c *Config) FileName(name string) *Config {
	c.fileName = name
	return c
}

// DType used to store the values. Default is Float32.
func (c *Config) DType(dtype DType) *Config {
	c.dtype = dtype
	return c
}

// Compression of the data. Default is Uncompressed.
func (c *Config) Compression(compression Compression) *Config {
	c.compression = compression
	return c
}

// RunID identifying the training run in the saved checkpoints. Default is a random UUID.
func (c *Config) RunID(id string) *Config {
	c.runID = id
	return c
}

// Done creates the checkpoint directory, if it doesn't exist yet, and returns the Handler.
func (c *Config) Done() (*Handler, error) {
	if c.fileName == "" || filepath.Base(c.fileName) != c.fileName {
		return nil, faults.Errorf(faults.InvalidConfig, "invalid checkpoint file name %q", c.fileName)
	}
	if c.dtype.String() == "unknown" || c.compression.String() == "unknown" {
		return nil, faults.Errorf(faults.InvalidConfig, "invalid checkpoint dtype %s or compression %s",
			c.dtype, c.compression)
	}
	dir, err := fsutil.EnsureDir(c.dir)
	if err != nil {
		return nil, faults.Wrapf(faults.InvalidConfig, err, "checkpoint directory %q", c.dir)
	}
	runID := c.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	return &Handler{config: *c, path: filepath.Join(dir, c.fileName), runID: runID}, nil
}

// Handler saves the variables of the attached context scope to the checkpoint file.
type Handler struct {
	config    Config
	path      string
	runID     string
	ctx       *context.Context
	metadata  any
	saveCount int
}

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return h.path
}

// Path to the checkpoint file.
func (h *Handler) Path() string { return h.path }

// RunID of the checkpoints saved.
func (h *Handler) RunID() string { return h.runID }

// SaveCount is the number of successful saves so far.
func (h *Handler) SaveCount() int { return h.saveCount }

// Exists returns whether a checkpoint file already exists.
func (h *Handler) Exists() (bool, error) {
	return fsutil.FileExists(h.path)
}

// Attach the context whose current scope holds the variables to save, and the metadata describing
// them (it must be JSON serializable). Variables are saved with their names relative to that scope.
func (h *Handler) Attach(ctx *context.Context, metadata any) {
	h.ctx = ctx
	h.metadata = metadata
}

// VariableName is the name of v relative to the scope of ctx, as stored in checkpoints:
// e.g. "encoder/conv1/weights" for the variable "/vae/encoder/conv1" "weights" in the scope "/vae".
func VariableName(ctx *context.Context, v *context.Variable) string {
	scope := strings.TrimPrefix(v.Scope(), ctx.Scope())
	scope = strings.Trim(scope, context.ScopeSeparator)
	if scope == "" {
		return v.Name()
	}
	return scope + "/" + v.Name()
}

// Variables returns the variables in the current scope of ctx, sorted by their VariableName.
func Variables(ctx *context.Context) []*context.Variable {
	var vars []*context.Variable
	for v := range ctx.IterVariablesInScope() {
		vars = append(vars, v)
	}
	slices.SortFunc(vars, func(a, b *context.Variable) int {
		return strings.Compare(VariableName(ctx, a), VariableName(ctx, b))
	})
	return vars
}

// Save the attached variables, replacing the previous checkpoint.
//
// The variables are encoded in parallel, each into its own buffer, and then concatenated.
func (h *Handler) Save(epoch, globalStep int) error {
	if h.ctx == nil {
		return errors.Errorf("checkpoints.Handler.Save(%q): no context attached", h.path)
	}
	vars := Variables(h.ctx)
	if len(vars) == 0 {
		return errors.Errorf("checkpoints.Handler.Save(%q): no variables in scope %q", h.path, h.ctx.Scope())
	}
	header := &Header{
		DType:       h.config.dtype.String(),
		Compression: h.config.compression.String(),
		Variables:   make([]Variable, len(vars)),
		RunID:       h.runID,
		Epoch:       epoch,
		GlobalStep:  globalStep,
		SavedAt:     time.Now().UTC(),
	}
	if h.metadata != nil {
		metadata, err := json.Marshal(h.metadata)
		if err != nil {
			return errors.Wrapf(err, "failed to encode metadata of checkpoint %q", h.path)
		}
		header.Metadata = metadata
	}

	encoded := make([][]byte, len(vars))
	var group errgroup.Group
	for ii, v := range vars {
		header.Variables[ii] = Variable{Name: VariableName(h.ctx, v), Dimensions: slices.Clone(v.Shape().Dimensions)}
		group.Go(func() error {
			value, err := v.Value()
			if err != nil {
				return errors.WithMessagef(err, "reading variable %q", header.Variables[ii].Name)
			}
			return tensors.ConstFlatData(value, func(flat []float32) {
				encoded[ii] = encodeValues(nil, flat, h.config.dtype)
			})
		})
	}
	if err := group.Wait(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint %q", h.path)
	}
	var data []byte
	for ii, values := range encoded {
		header.Variables[ii].Pos = len(data)
		header.Variables[ii].Length = len(values)
		data = append(data, values...)
	}
	header.DataLength = len(data)
	compressed, err := compress(data, h.config.compression)
	if err != nil {
		return errors.WithMessagef(err, "saving checkpoint %q", h.path)
	}
	err = fsutil.WriteFileAtomic(h.path, func(f *os.File) error {
		return writeFile(f, header, compressed)
	})
	if err != nil {
		return err
	}
	h.saveCount++
	if klog.V(1).Enabled() {
		klog.Infof("saved checkpoint %q: epoch=%d, step=%d, %d variables, %s (%s)", h.path, epoch, globalStep,
			len(header.Variables), humanize.Bytes(uint64(len(compressed))), h.config.compression)
	}
	return nil
}

// OnStepFn implements train.OnStepFn: it saves a checkpoint in the middle of an epoch. Use it with
// train.PeriodicCallback. The epoch saved is the number of epochs completed.
func (h *Handler) OnStepFn(loop *train.Loop, _ []*tensors.Tensor) error {
	return h.Save(loop.Epoch, loop.LoopStep+1)
}

// Checkpoint loaded from a file.
type Checkpoint struct {
	Header

	// Values of each variable, by name.
	Values map[string]*tensors.Tensor
}

// Load the checkpoint file at path.
//
// It fails with faults.CheckpointLoad if the file is missing or corrupt.
func Load(path string) (*Checkpoint, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, faults.Wrapf(faults.CheckpointLoad, err, "checkpoint %q", path)
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Wrapf(faults.CheckpointLoad, err, "failed to read checkpoint")
	}
	header, data, err := parseFile(contents)
	if err != nil {
		return nil, faults.Wrapf(faults.CheckpointLoad, err, "checkpoint %q", path)
	}
	dtype, err := ParseDType(header.DType)
	if err != nil {
		return nil, faults.Wrapf(faults.CheckpointLoad, err, "checkpoint %q", path)
	}
	ckpt := &Checkpoint{Header: *header, Values: make(map[string]*tensors.Tensor, len(header.Variables))}
	for _, v := range header.Variables {
		if slices.ContainsFunc(v.Dimensions, func(dim int) bool { return dim < 0 }) {
			return nil, faults.Errorf(faults.CheckpointLoad, "checkpoint %q: variable %q has invalid shape %v",
				path, v.Name, v.Dimensions)
		}
		size := 1
		for _, dim := range v.Dimensions {
			size *= dim
		}
		if v.Pos < 0 || v.Length != size*dtype.Size() || v.Pos+v.Length > len(data) {
			return nil, faults.Errorf(faults.CheckpointLoad,
				"checkpoint %q: variable %q with shape %v has an invalid position (pos=%d, length=%d, data=%d)",
				path, v.Name, v.Dimensions, v.Pos, v.Length, len(data))
		}
		if _, found := ckpt.Values[v.Name]; found {
			return nil, faults.Errorf(faults.CheckpointLoad, "checkpoint %q: duplicate variable %q", path, v.Name)
		}
		values := make([]float32, size)
		decodeValues(values, data[v.Pos:v.Pos+v.Length], dtype)
		ckpt.Values[v.Name] = newTensor(values, v.Dimensions)
	}
	klog.V(1).Infof("loaded checkpoint %q: run %s, epoch=%d, step=%d, %d variables",
		path, ckpt.RunID, ckpt.Epoch, ckpt.GlobalStep, len(ckpt.Values))
	return ckpt, nil
}

// DecodeMetadata decodes the metadata saved with the checkpoint into v.
func (c *Checkpoint) DecodeMetadata(v any) error {
	if len(c.Header.Metadata) == 0 {
		return faults.Errorf(faults.CheckpointLoad, "checkpoint has no metadata")
	}
	if err := json.Unmarshal(c.Header.Metadata, v); err != nil {
		return faults.Wrapf(faults.CheckpointLoad, err, "invalid checkpoint metadata")
	}
	return nil
}

// Restore sets the checkpoint values into the variables in the current scope of ctx (see Variables),
// matching them by VariableName.
//
// All variables are validated before any value is set: on error they are left untouched.
// A missing variable is a faults.CheckpointLoad, a variable with a different shape a faults.ShapeMismatch.
func (c *Checkpoint) Restore(ctx *context.Context) error {
	vars := Variables(ctx)
	if len(vars) == 0 {
		return faults.Errorf(faults.CheckpointLoad, "no variables in scope %q to restore", ctx.Scope())
	}
	for _, v := range vars {
		name := VariableName(ctx, v)
		value, found := c.Values[name]
		if !found {
			return faults.Errorf(faults.CheckpointLoad, "variable %q missing from checkpoint", name)
		}
		if !slices.Equal(value.Shape().Dimensions, v.Shape().Dimensions) {
			return faults.Errorf(faults.ShapeMismatch, "variable %q has shape %v in checkpoint, model expects %v",
				name, value.Shape().Dimensions, v.Shape().Dimensions)
		}
	}
	for _, v := range vars {
		value := c.Values[VariableName(ctx, v)]
		copied := newTensor(tensors.MustCopyFlatData[float32](value), value.Shape().Dimensions)
		if err := v.SetValue(copied); err != nil {
			return faults.Wrapf(faults.CheckpointLoad, err, "restoring variable %q", VariableName(ctx, v))
		}
	}
	return nil
}

// newTensor creates a float32 tensor with the given values and dimensions, including scalars.
func newTensor(values []float32, dims []int) *tensors.Tensor {
	if len(dims) == 0 {
		return tensors.FromScalar(values[0])
	}
	return tensors.FromFlatDataAndDimensions(values, dims...)
}
