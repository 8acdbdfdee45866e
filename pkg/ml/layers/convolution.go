// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	gomlxlayers "github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/lensgo/lensvae/pkg/ml/initializer"
)

// ConvBuilder configures a 2D convolution. Create it with Convolution, set the desired parameters,
// and call ConvBuilder.Done.
type ConvBuilder struct {
	ctx                  *context.Context
	x                    *Node
	channels, kernelSize int
	strides, padding     int
}

// Convolution prepares a 2D convolution of x, shaped `[batch, channels, height, width]`. The variables
// "weights", shaped `[outputChannels, inputChannels, k, k]`, and "biases" are created in the current
// scope of ctx, initialized with initializer.FanInUniform.
//
// Channels and KernelSize must be set. Strides default to 1 and padding to 0.
func Convolution(ctx *context.Context, x *Node) *ConvBuilder {
	return &ConvBuilder{ctx: ctx, x: x, strides: 1}
}

// Channels sets the number of output channels.
func (conv *ConvBuilder) Channels(channels int) *ConvBuilder {
	conv.channels = channels
	return conv
}

// KernelSize sets the (square) kernel size.
func (conv *ConvBuilder) KernelSize(size int) *ConvBuilder {
	conv.kernelSize = size
	return conv
}

// Strides sets the strides for both spatial axes.
func (conv *ConvBuilder) Strides(strides int) *ConvBuilder {
	conv.strides = strides
	return conv
}

// Padding sets the number of zero rows/columns added to each side of the input.
func (conv *ConvBuilder) Padding(padding int) *ConvBuilder {
	conv.padding = padding
	return conv
}

// Done builds the convolution and returns its output, shaped `[batch, channels, outH, outW]`.
func (conv *ConvBuilder) Done() *Node {
	checkImages("Convolution", conv.x)
	if conv.channels <= 0 || conv.kernelSize <= 0 || conv.strides <= 0 || conv.padding < 0 {
		exceptions.Panicf("Convolution: invalid configuration channels=%d, kernel=%d, strides=%d, padding=%d",
			conv.channels, conv.kernelSize, conv.strides, conv.padding)
	}
	x := conv.x
	for axis := 2; axis < 4; axis++ {
		x = ZeroPad(x, axis, conv.padding, conv.padding)
		if x.Shape().Dimensions[axis] < conv.kernelSize {
			exceptions.Panicf("Convolution: padded input %s is smaller than the kernel (%d)", x.Shape(), conv.kernelSize)
		}
	}
	fanIn := conv.x.Shape().Dimensions[1] * conv.kernelSize * conv.kernelSize
	return gomlxlayers.Convolution(initializer.WithFanIn(conv.ctx, fanIn), x).
		ChannelsAxis(images.ChannelsFirst).
		Channels(conv.channels).
		KernelSize(conv.kernelSize).
		Strides(conv.strides).
		NoPadding().
		CurrentScope().
		Done()
}
