// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

// Package vae implements the variational autoencoder: an encoder producing the parameters of a
// latent normal distribution, the reparameterization trick, and a decoder reconstructing the
// images from a latent sample.
//
// The model variables live in a GoMLX context, under the Scope "vae". The model is created with New,
// followed by the optional configuration and Config.Done, which also creates and initializes the
// variables:
//
//	model, err := vae.New(backend, channels).ImageSize(150).Seed(seed).Done()
//	reconstructions, scores, err := model.Reconstruct(images)
//
// For training, Model.BuildGraph builds the forward pass in any graph using the model context, and
// the gradients come from GoMLX's automatic differentiation (see package anomaly).
package vae

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/lensgo/lensvae/faults"
	"github.com/lensgo/lensvae/pkg/ml/checkpoints"
	"github.com/lensgo/lensvae/pkg/ml/train/losses"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scope of the model variables in its context.
const Scope = "vae"

// Config for a Model, created with New.
type Config struct {
	backend backends.Backend
	arch    Architecture
	noise   bool
	seed    int64
}

// New creates a configuration for a model on the given backend, for images with the given number of channels.
//
// Defaults: lensing geometry (150×150 images), DefaultLatentDim, reparameterization noise enabled and
// the random number generator seeded from the clock.
func New(backend backends.Backend, channels int) *Config {
	return &Config{
		backend: backend,
		arch: Architecture{
			Geometry:  Lensing.Name,
			ImageSize: Lensing.ImageSize,
			Channels:  channels,
			LatentDim: DefaultLatentDim,
		},
		noise: true,
	}
}

// ImageSize selects the geometry for square images of the given size.
func (c *Config) ImageSize(size int) *Config {
	c.arch.ImageSize = size
	c.arch.Geometry = ""
	for _, g := range Geometries {
		if g.ImageSize == size {
			c.arch.Geometry = g.Name
		}
	}
	return c
}

// LatentDim sets the length of the latent vectors. Default is DefaultLatentDim.
func (c *Config) LatentDim(dim int) *Config {
	c.arch.LatentDim = dim
	return c
}

// Architecture sets the whole architecture, e.g. read from a checkpoint.
func (c *Config) Architecture(arch Architecture) *Config {
	c.arch = arch
	return c
}

// Noise enables the sampling of the latent vectors. If disabled, the decoder reconstructs from the
// latent mean, and reconstructions are deterministic. Default is true.
func (c *Config) Noise(enabled bool) *Config {
	c.noise = enabled
	return c
}

// Seed of the random number generator used for the initialization of the variables and for the
// reparameterization noise. 0 seeds from the clock.
func (c *Config) Seed(seed int64) *Config {
	c.seed = seed
	return c
}

// Done validates the configuration and creates the model with randomly initialized variables.
func (c *Config) Done() (*Model, error) {
	if c.arch.Geometry == "" {
		return nil, faults.Errorf(faults.ShapeMismatch, "no geometry for %dx%d images, supported sizes are %s",
			c.arch.ImageSize, c.arch.ImageSize, supportedSizes())
	}
	geometry, err := c.arch.Validate()
	if err != nil {
		return nil, err
	}
	if c.backend == nil {
		return nil, faults.Errorf(faults.InvalidConfig, "no backend for model %s", c.arch)
	}
	ctx := context.New()
	if c.seed != 0 {
		ctx.SetRNGStateFromSeed(c.seed)
	} else if err = ctx.ResetRNGState(); err != nil {
		return nil, errors.WithMessagef(err, "initializing random number generator")
	}
	m := &Model{
		backend:  c.backend,
		ctx:      ctx,
		arch:     c.arch,
		geometry: geometry,
		noise:    c.noise,
	}

	// A first pass on a single empty image creates and initializes the variables.
	size := geometry.ImageSize
	empty := tensors.FromShape(shapes.Make(dtypes.Float32, 1, c.arch.Channels, size, size))
	_, err = context.ExecOnce(c.backend, ctx, func(ctx *context.Context, images *Node) *Node {
		reconstruction, _, _ := m.BuildGraph(ctx, images)
		return reconstruction
	}, empty)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating the variables of model %s", m.arch)
	}
	klog.V(1).Infof("vae: created model %s on %s with %d parameters", m.arch, c.backend.Name(), m.NumParameters())
	return m, nil
}

// Model is the variational autoencoder: its configuration and the context holding its variables.
//
// Reconstruct is safe for concurrent use, but not concurrently with the training of the model.
type Model struct {
	backend  backends.Backend
	ctx      *context.Context
	arch     Architecture
	geometry Geometry
	noise    bool

	muExec          sync.Mutex
	reconstructExec *context.Exec
}

// Architecture of the model.
func (m *Model) Architecture() Architecture { return m.arch }

// Geometry of the model.
func (m *Model) Geometry() Geometry { return m.geometry }

// Backend executing the model.
func (m *Model) Backend() backends.Backend { return m.backend }

// Context holding the model variables under Scope, and the state of the random number generator.
// Training uses it with Context.Reuse, so the optimizer state is stored there too.
func (m *Model) Context() *context.Context { return m.ctx }

// Noise returns whether the latent vectors are sampled.
func (m *Model) Noise() bool { return m.noise }

// SetNoise enables or disables the sampling of the latent vectors.
func (m *Model) SetNoise(enabled bool) {
	m.muExec.Lock()
	defer m.muExec.Unlock()
	if m.noise == enabled {
		return
	}
	m.noise = enabled
	if m.reconstructExec != nil {
		m.reconstructExec.Finalize()
		m.reconstructExec = nil
	}
}

// Variables of the model, sorted by their name relative to Scope (see checkpoints.Variables).
func (m *Model) Variables() []*context.Variable {
	return checkpoints.Variables(m.ctx.In(Scope))
}

// NumParameters is the total number of scalar parameters.
func (m *Model) NumParameters() int {
	total := 0
	for _, v := range m.Variables() {
		total += v.Shape().Size()
	}
	return total
}

// CheckInput returns a faults.ShapeMismatch error if images are not shaped (B, c, H, W) for the model.
func (m *Model) CheckInput(images *tensors.Tensor) error {
	size := m.geometry.ImageSize
	shape := images.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 4 || shape.Dimensions[0] == 0 {
		return faults.Errorf(faults.ShapeMismatch,
			"images must be float32 shaped (batch, channels, height, width), got %s", shape)
	}
	dims := shape.Dimensions
	if dims[1] != m.arch.Channels {
		return faults.Errorf(faults.ShapeMismatch, "images have %d channels, model %s expects %d",
			dims[1], m.arch, m.arch.Channels)
	}
	if dims[2] != size || dims[3] != size {
		return faults.Errorf(faults.ShapeMismatch, "images are %dx%d, model %s expects %dx%d",
			dims[2], dims[3], m.arch, size, size)
	}
	return nil
}

// BuildGraph builds the forward pass of the model for images (B, c, H, W): it encodes them, samples the
// latent vectors z = mean + exp(logVar/2) ⊙ ε with ε ~ N(0, 1), and decodes them.
//
// ctx must hold the model variables under Scope: it is the model Context, or a reference to it. Each
// execution of the graph draws fresh noise. If the noise is disabled, z is the mean.
func (m *Model) BuildGraph(ctx *context.Context, images *Node) (reconstruction, mean, logVar *Node) {
	ctx = ctx.In(Scope)
	mean, logVar = Encode(ctx, m.arch, m.geometry, images)
	z := mean
	if m.noise {
		stdDev := Exp(MulScalar(logVar, 0.5))
		epsilon := ctx.RandomNormal(images.Graph(), mean.Shape())
		z = Add(mean, Mul(stdDev, epsilon))
	}
	reconstruction = Decode(ctx, m.arch, m.geometry, z)
	return
}

// LossGraph builds the forward pass and the variational loss with the KL-divergence weighted by beta.
func (m *Model) LossGraph(ctx *context.Context, beta float64, images *Node) (reconstruction *Node, loss *losses.Variational) {
	reconstruction, mean, logVar := m.BuildGraph(ctx, images)
	loss = losses.VariationalLoss(beta, images, reconstruction, mean, logVar)
	return
}

// Reconstruct returns the reconstruction of the images (B, c, H, W), and the mean squared error of each
// image to its reconstruction (B,). With the noise enabled, each call samples new latent vectors.
//
// Invalid shapes are a faults.ShapeMismatch.
func (m *Model) Reconstruct(images *tensors.Tensor) (reconstructions, errs *tensors.Tensor, err error) {
	if err = m.CheckInput(images); err != nil {
		return nil, nil, err
	}
	m.muExec.Lock()
	defer m.muExec.Unlock()
	if m.reconstructExec == nil {
		m.reconstructExec, err = context.NewExec(m.backend, m.ctx.Reuse(),
			func(ctx *context.Context, images *Node) []*Node {
				reconstruction, _, _ := m.BuildGraph(ctx, images)
				return []*Node{reconstruction, losses.MeanSquaredErrorPerExample(images, reconstruction)}
			})
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "building reconstruction of model %s", m.arch)
		}
	}
	var outputs []*tensors.Tensor
	if panicErr := exceptions.TryCatch[error](func() { outputs, err = m.reconstructExec.Exec(images) }); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "reconstructing %s images", images.Shape())
	}
	return outputs[0], outputs[1], nil
}

// LoadCheckpoint validates the architecture stored in the checkpoint against the model's, and
// replaces all the model variables with the checkpoint values.
//
// An incompatible architecture is a faults.ShapeMismatch, and the model is left untouched.
func (m *Model) LoadCheckpoint(ckpt *checkpoints.Checkpoint) error {
	var arch Architecture
	if err := ckpt.DecodeMetadata(&arch); err != nil {
		return err
	}
	if err := m.arch.CheckCompatible(arch); err != nil {
		return err
	}
	if err := ckpt.Restore(m.ctx.In(Scope)); err != nil {
		return err
	}
	klog.V(1).Infof("vae: loaded weights of run %s (epoch %d, step %d)", ckpt.RunID, ckpt.Epoch, ckpt.GlobalStep)
	return nil
}

// ReadArchitecture returns the architecture stored in the checkpoint.
func ReadArchitecture(ckpt *checkpoints.Checkpoint) (Architecture, error) {
	var arch Architecture
	if err := ckpt.DecodeMetadata(&arch); err != nil {
		return arch, err
	}
	if _, err := arch.Validate(); err != nil {
		return arch, faults.Wrapf(faults.CheckpointLoad, err, "invalid architecture in checkpoint")
	}
	return arch, nil
}
