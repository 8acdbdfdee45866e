// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/lensgo/lensvae/pkg/ml/initializer"
)

// Linear projects x, shaped `[batch, inputDim]`, to `[batch, outputDim]`: `x·weights + biases`.
//
// The variables "weights", shaped `[inputDim, outputDim]`, and "biases" are created in the current scope
// of ctx, initialized with initializer.FanInUniform.
func Linear(ctx *context.Context, x *Node, outputDim int) *Node {
	if x.Rank() != 2 || outputDim <= 0 {
		exceptions.Panicf("Linear: input must be shaped [batch, features] and outputDim > 0, got %s and %d",
			x.Shape(), outputDim)
	}
	g := x.Graph()
	inputDim := x.Shape().Dimensions[1]
	ctx = initializer.WithFanIn(ctx, inputDim)
	weights := ctx.VariableWithShape(ParamWeights, shapes.Make(x.DType(), inputDim, outputDim)).ValueGraph(g)
	biases := ctx.VariableWithShape(ParamBiases, shapes.Make(x.DType(), outputDim)).ValueGraph(g)
	output := Einsum("bi,io->bo", x, weights)
	return Add(output, Reshape(biases, 1, outputDim))
}
