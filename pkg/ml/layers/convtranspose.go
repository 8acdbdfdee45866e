// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/lensgo/lensvae/pkg/ml/initializer"
)

// ConvTransposeBuilder configures a transposed 2D convolution. Create it with ConvTranspose, set the
// desired parameters, and call ConvTransposeBuilder.Done.
type ConvTransposeBuilder struct {
	ctx                  *context.Context
	x                    *Node
	channels, kernelSize int
	strides, padding     int
	outputPadding        int
}

// ConvTranspose prepares a transposed 2D convolution (sometimes called "deconvolution") of x, shaped
// `[batch, channels, height, width]`.
//
// The variables "weights", shaped `[inputChannels, outputChannels, k, k]`, and "biases" are created in the
// current scope of ctx, initialized with initializer.FanInUniform with a fan-in of `outputChannels * k * k`.
//
// It is computed as a plain convolution, with stride 1, of the input dilated by the strides (see Dilate) and
// zero-padded by `k - 1 - padding` (plus the output padding at the end), with the kernel transposed and
// spatially flipped.
//
// Channels and KernelSize must be set. Strides default to 1, padding and output padding to 0.
func ConvTranspose(ctx *context.Context, x *Node) *ConvTransposeBuilder {
	return &ConvTransposeBuilder{ctx: ctx, x: x, strides: 1}
}

// Channels sets the number of output channels.
func (ct *ConvTransposeBuilder) Channels(channels int) *ConvTransposeBuilder {
	ct.channels = channels
	return ct
}

// KernelSize sets the (square) kernel size.
func (ct *ConvTransposeBuilder) KernelSize(size int) *ConvTransposeBuilder {
	ct.kernelSize = size
	return ct
}

// Strides sets the strides for both spatial axes.
func (ct *ConvTransposeBuilder) Strides(strides int) *ConvTransposeBuilder {
	ct.strides = strides
	return ct
}

// Padding sets the number of rows/columns cropped from each side of the full transposed output.
func (ct *ConvTransposeBuilder) Padding(padding int) *ConvTransposeBuilder {
	ct.padding = padding
	return ct
}

// OutputPadding sets the number of rows/columns added to one side (bottom/right) of the output.
// It must be smaller than the strides.
func (ct *ConvTransposeBuilder) OutputPadding(padding int) *ConvTransposeBuilder {
	ct.outputPadding = padding
	return ct
}

// Done builds the transposed convolution and returns its output, shaped `[batch, channels, outH, outW]`,
// with the spatial sizes given by ConvTransposeOutputSize.
func (ct *ConvTransposeBuilder) Done() *Node {
	checkImages("ConvTranspose", ct.x)
	if ct.channels <= 0 || ct.kernelSize <= 0 || ct.strides <= 0 || ct.padding < 0 ||
		ct.outputPadding < 0 || ct.outputPadding >= ct.strides {
		exceptions.Panicf("ConvTranspose: invalid configuration channels=%d, kernel=%d, strides=%d, padding=%d, "+
			"output padding=%d", ct.channels, ct.kernelSize, ct.strides, ct.padding, ct.outputPadding)
	}
	g := ct.x.Graph()
	dtype := ct.x.DType()
	inputChannels := ct.x.Shape().Dimensions[1]
	k := ct.kernelSize
	ctx := initializer.WithFanIn(ct.ctx, ct.channels*k*k)
	weightsVar := ctx.VariableWithShape(ParamWeights, shapes.Make(dtype, inputChannels, ct.channels, k, k))
	biasesVar := ctx.VariableWithShape(ParamBiases, shapes.Make(dtype, ct.channels))

	x := ct.x
	for axis := 2; axis < 4; axis++ {
		outputSize := ConvTransposeOutputSize(x.Shape().Dimensions[axis], k, ct.strides, ct.padding, ct.outputPadding)
		if outputSize <= 0 {
			exceptions.Panicf("ConvTranspose: input %s yields an empty output", ct.x.Shape())
		}
		x = Dilate(x, axis, ct.strides)
		x = ZeroPad(x, axis, k-1-ct.padding, k-1-ct.padding+ct.outputPadding)
	}

	// [in, out, k, k] -> [out, in, k, k], flipped spatially.
	kernel := Reverse(Transpose(weightsVar.ValueGraph(g), 0, 1), 2, 3)
	output := Convolve(x, kernel).ChannelsAxis(images.ChannelsFirst).NoPadding().Done()
	biases := Reshape(biasesVar.ValueGraph(g), 1, ct.channels, 1, 1)
	return Add(output, biases)
}
