// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package vae

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/lensgo/lensvae/pkg/ml/layers"
)

// EncoderScope holds the variables of the encoder, under the model Scope.
const EncoderScope = "encoder"

// Encode maps images (B, c, H, W) to the parameters of the latent distribution, mean and
// log-variance, each (B, LatentDim).
//
// Three convolutions c→16→32→64, each followed by a ReLU, are flattened and projected by two
// independent linear layers, "mean" and "log_variance".
func Encode(ctx *context.Context, arch Architecture, geometry Geometry, images *Node) (mean, logVar *Node) {
	dims := images.Shape().Dimensions
	if images.Rank() != 4 || dims[1] != arch.Channels || dims[2] != geometry.ImageSize || dims[3] != geometry.ImageSize {
		exceptions.Panicf("Encode: images must be shaped [batch, %d, %d, %d], got %s",
			arch.Channels, geometry.ImageSize, geometry.ImageSize, images.Shape())
	}
	ctx = ctx.In(EncoderScope)
	x := images
	for ii, conv := range geometry.Encoder {
		x = layers.Convolution(ctx.In(fmt.Sprintf("conv%d", ii+1)), x).
			Channels(HiddenChannels[ii]).
			KernelSize(conv.KernelSize).
			Strides(conv.Strides).
			Padding(conv.Padding).
			Done()
		x = activations.Relu(x)
	}
	x = Reshape(x, dims[0], geometry.FlatFeatures())
	mean = layers.Linear(ctx.In("mean"), x, arch.LatentDim)
	logVar = layers.Linear(ctx.In("log_variance"), x, arch.LatentDim)
	return
}
