// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

// Package layers implements the building blocks of the models on top of GoMLX: explicitly padded 2D
// convolutions, transposed 2D convolutions and linear projections.
//
// Layers are graph building functions: they take a context.Context, holding the variables under its
// current scope, and the input Node. Images are laid out channels first: `[batch, channels, height, width]`.
//
// Padding and zero-insertion are built from Concatenate and Reshape, so every backend that supports
// plain convolutions (including the pure Go one) can run them, and their gradients come from the
// GoMLX autodiff.
//
// Invalid configurations panic (see package github.com/gomlx/exceptions), as usual in GoMLX graph
// building functions.
package layers

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

const (
	// ParamWeights is the name of the weights variable of every layer.
	ParamWeights = "weights"

	// ParamBiases is the name of the biases variable of every layer.
	ParamBiases = "biases"
)

// ConvOutputSize returns the spatial output size of a convolution.
func ConvOutputSize(inputSize, kernelSize, strides, padding int) int {
	return (inputSize+2*padding-kernelSize)/strides + 1
}

// ConvTransposeOutputSize returns the spatial output size of a transposed convolution.
func ConvTransposeOutputSize(inputSize, kernelSize, strides, padding, outputPadding int) int {
	return (inputSize-1)*strides - 2*padding + kernelSize + outputPadding
}

// zerosLikeAxis returns zeros shaped like x, except for axis, which has the given size.
func zerosLikeAxis(x *Node, axis, size int) *Node {
	dims := slices.Clone(x.Shape().Dimensions)
	dims[axis] = size
	return Zeros(x.Graph(), shapes.Make(x.DType(), dims...))
}

// ZeroPad adds before zeros at the start and after zeros at the end of the axis of x. Negative values crop
// instead.
func ZeroPad(x *Node, axis, before, after int) *Node {
	axis = adjustAxis(x, axis)
	if before < 0 || after < 0 {
		size := x.Shape().Dimensions[axis]
		start, end := max(-before, 0), size-max(-after, 0)
		if start >= end {
			exceptions.Panicf("ZeroPad(axis=%d, before=%d, after=%d) crops all of %s", axis, before, after, x.Shape())
		}
		x = SliceAxis(x, axis, AxisRange(start, end))
		before, after = max(before, 0), max(after, 0)
	}
	if before == 0 && after == 0 {
		return x
	}
	parts := make([]*Node, 0, 3)
	if before > 0 {
		parts = append(parts, zerosLikeAxis(x, axis, before))
	}
	parts = append(parts, x)
	if after > 0 {
		parts = append(parts, zerosLikeAxis(x, axis, after))
	}
	return Concatenate(parts, axis)
}

// Dilate inserts factor-1 zeros in between consecutive elements of the axis of x: an axis of size n becomes
// (n-1)*factor+1.
func Dilate(x *Node, axis, factor int) *Node {
	if factor < 1 {
		exceptions.Panicf("Dilate: factor must be >= 1, got %d", factor)
	}
	if factor == 1 {
		return x
	}
	axis = adjustAxis(x, axis)
	dims := x.Shape().Dimensions
	size := dims[axis]

	// [..., n, ...] -> [..., n, 1, ...] -> [..., n, factor, ...] -> [..., n*factor, ...]
	expandedDims := slices.Insert(slices.Clone(dims), axis+1, 1)
	expanded := Reshape(x, expandedDims...)
	interleaved := Concatenate([]*Node{expanded, zerosLikeAxis(expanded, axis+1, factor-1)}, axis+1)
	dilatedDims := slices.Clone(dims)
	dilatedDims[axis] = size * factor
	dilated := Reshape(interleaved, dilatedDims...)
	return SliceAxis(dilated, axis, AxisRange(0, (size-1)*factor+1))
}

func adjustAxis(x *Node, axis int) int {
	rank := x.Rank()
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		exceptions.Panicf("invalid axis %d for shape %s", axis, x.Shape())
	}
	return axis
}

// checkImages panics if x is not a batch of images shaped `[batch, channels, height, width]`.
func checkImages(layer string, x *Node) {
	if x.Rank() != 4 {
		exceptions.Panicf("%s: input must be shaped [batch, channels, height, width], got %s", layer, x.Shape())
	}
}
