// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package vae

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/lensgo/lensvae/pkg/ml/layers"
)

// DecoderScope holds the variables of the decoder, under the model Scope.
const DecoderScope = "decoder"

// Decode maps latent vectors (B, LatentDim) to images (B, c, H, W) with values in the open interval (-1, 1).
//
// A linear layer "dense" is reshaped to (B, 64, s, s) and followed by three transposed convolutions
// 64→32→16→c, with ReLU after the first two and tanh after the last.
func Decode(ctx *context.Context, arch Architecture, geometry Geometry, z *Node) *Node {
	if z.Rank() != 2 || z.Shape().Dimensions[1] != arch.LatentDim {
		exceptions.Panicf("Decode: input must be shaped [batch, %d], got %s", arch.LatentDim, z.Shape())
	}
	ctx = ctx.In(DecoderScope)
	s := geometry.FeatureSize
	x := layers.Linear(ctx.In("dense"), z, geometry.FlatFeatures())
	x = Reshape(x, z.Shape().Dimensions[0], HiddenChannels[2], s, s)
	outputChannels := [3]int{HiddenChannels[1], HiddenChannels[0], arch.Channels}
	for ii, conv := range geometry.Decoder {
		x = layers.ConvTranspose(ctx.In(fmt.Sprintf("deconv%d", ii+1)), x).
			Channels(outputChannels[ii]).
			KernelSize(conv.KernelSize).
			Strides(conv.Strides).
			Padding(conv.Padding).
			OutputPadding(conv.OutputPadding).
			Done()
		if ii < 2 {
			x = activations.Relu(x)
		}
	}
	return ClipScalar(Tanh(x), -maxTanh, maxTanh)
}

// maxTanh is the largest float32 below 1: tanh saturates to exactly ±1 in float32, and the clip keeps
// the reconstructions in the open interval (-1, 1).
var maxTanh = float64(math.Nextafter32(1, 0))
