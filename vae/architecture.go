// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package vae

import (
	"fmt"
	"strings"

	"github.com/lensgo/lensvae/faults"
)

// DefaultLatentDim is the default length of the mean and log-variance vectors.
const DefaultLatentDim = 1000

// HiddenChannels of the three encoder convolutions. The decoder mirrors them in reverse.
var HiddenChannels = [3]int{16, 32, 64}

// ConvSpec configures one (possibly transposed) convolution.
type ConvSpec struct {
	KernelSize, Strides, Padding int

	// OutputPadding is only used by transposed convolutions.
	OutputPadding int
}

// Geometry is a preset of convolution configurations tied to one image size.
type Geometry struct {
	Name string

	// ImageSize is the height and width of the (square) images.
	ImageSize int

	// Encoder convolutions and Decoder transposed convolutions.
	Encoder, Decoder [3]ConvSpec

	// FeatureSize is the height and width of the encoder output, and of the decoder input once reshaped.
	FeatureSize int
}

var (
	// Lensing geometry, for 150×150 images.
	Lensing = Geometry{
		Name:      "lensing",
		ImageSize: 150,
		Encoder: [3]ConvSpec{
			{KernelSize: 7, Strides: 3, Padding: 1},
			{KernelSize: 7, Strides: 3, Padding: 1},
			{KernelSize: 7, Strides: 1},
		},
		Decoder: [3]ConvSpec{
			{KernelSize: 7, Strides: 1},
			{KernelSize: 7, Strides: 3, Padding: 1, OutputPadding: 2},
			{KernelSize: 6, Strides: 3, Padding: 1, OutputPadding: 2},
		},
		FeatureSize: 9,
	}

	// Compact geometry, for 28×28 images.
	Compact = Geometry{
		Name:      "compact",
		ImageSize: 28,
		Encoder: [3]ConvSpec{
			{KernelSize: 4, Strides: 2, Padding: 1},
			{KernelSize: 4, Strides: 2, Padding: 1},
			{KernelSize: 3, Strides: 1},
		},
		Decoder: [3]ConvSpec{
			{KernelSize: 3, Strides: 1},
			{KernelSize: 4, Strides: 2, Padding: 1},
			{KernelSize: 4, Strides: 2, Padding: 1},
		},
		FeatureSize: 5,
	}

	// Geometries lists all the presets.
	Geometries = []Geometry{Lensing, Compact}
)

// FlatFeatures is the length of the flattened encoder output.
func (g Geometry) FlatFeatures() int {
	return HiddenChannels[2] * g.FeatureSize * g.FeatureSize
}

// GeometryForImageSize returns the preset for images of the given height and width.
//
// It fails with faults.ShapeMismatch if there is none.
func GeometryForImageSize(height, width int) (Geometry, error) {
	for _, g := range Geometries {
		if height == g.ImageSize && width == g.ImageSize {
			return g, nil
		}
	}
	return Geometry{}, faults.Errorf(faults.ShapeMismatch,
		"no geometry for %dx%d images, supported sizes are %s", height, width, supportedSizes())
}

// GeometryByName returns the preset with the given name.
func GeometryByName(name string) (Geometry, error) {
	for _, g := range Geometries {
		if strings.EqualFold(g.Name, name) {
			return g, nil
		}
	}
	return Geometry{}, faults.Errorf(faults.InvalidConfig, "unknown geometry %q", name)
}

func supportedSizes() string {
	parts := make([]string, len(Geometries))
	for ii, g := range Geometries {
		parts[ii] = fmt.Sprintf("%dx%d (%s)", g.ImageSize, g.ImageSize, g.Name)
	}
	return strings.Join(parts, ", ")
}

// Architecture describes a model, independently of its weights. It is stored as the metadata of
// checkpoints, so they can be validated before loading.
type Architecture struct {
	Geometry  string `json:"geometry"`
	ImageSize int    `json:"image_size"`
	Channels  int    `json:"channels"`
	LatentDim int    `json:"latent_dim"`
}

// String implements fmt.Stringer.
func (a Architecture) String() string {
	return fmt.Sprintf("%s(%dx%dx%d, latent=%d)", a.Geometry, a.Channels, a.ImageSize, a.ImageSize, a.LatentDim)
}

// Validate the architecture, returning its geometry.
func (a Architecture) Validate() (Geometry, error) {
	if a.Channels <= 0 || a.LatentDim <= 0 {
		return Geometry{}, faults.Errorf(faults.InvalidConfig,
			"architecture %s: channels and latent dimension must be > 0", a)
	}
	g, err := GeometryByName(a.Geometry)
	if err != nil {
		return Geometry{}, err
	}
	if g.ImageSize != a.ImageSize {
		return Geometry{}, faults.Errorf(faults.InvalidConfig, "architecture %s: geometry %q requires %dx%d images",
			a, g.Name, g.ImageSize, g.ImageSize)
	}
	return g, nil
}

// CheckCompatible returns a faults.ShapeMismatch error if the weights of other can't be loaded into a model
// with architecture a.
func (a Architecture) CheckCompatible(other Architecture) error {
	if a != other {
		return faults.Errorf(faults.ShapeMismatch, "incompatible architectures: model is %s, checkpoint is %s", a, other)
	}
	return nil
}
