// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

// Package initializer implements initial values for the variables of the layers.
package initializer

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// FanInUniform returns an initializer that samples uniformly from [-1/sqrt(fanIn), 1/sqrt(fanIn)),
// using the random number generator of ctx.
//
// It is the default of convolutions and linear layers, for both weights and biases, and it matches
// a Kaiming (He) uniform initialization with a negative slope of sqrt(5).
// A non-positive fanIn initializes with zeros.
func FanInUniform(ctx *context.Context, fanIn int) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		if fanIn <= 0 {
			return Zeros(g, shape)
		}
		limit := 1.0 / math.Sqrt(float64(fanIn))
		values := ctx.RandomUniform(g, shape)
		return AddScalar(MulScalar(values, 2*limit), -limit)
	}
}

// WithFanIn returns ctx configured to initialize new variables with FanInUniform.
func WithFanIn(ctx *context.Context, fanIn int) *context.Context {
	return ctx.WithInitializer(FanInUniform(ctx, fanIn))
}
