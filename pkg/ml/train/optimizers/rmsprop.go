// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

type rmsProp struct {
	config Config
}

var _ optimizers.Interface = (*rmsProp)(nil)

// UpdateGraph builds the graph to update the weights for one training step:
//
//	squareAverage = alpha * squareAverage + (1 - alpha) * grad²
//	buffer = momentum * buffer + grad / (√squareAverage + epsilon)
//	param -= learningRate * buffer
//
// It implements optimizers.Interface.
func (o *rmsProp) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	checkScalarLoss(loss)
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		exceptions.Panicf("Context.BuildTrainableVariablesGradientsGraph returned 0 gradients, are there any trainable variables ?")
	}
	dtype := loss.DType()
	c := &o.config
	vars := trainableVariables(ctx, g, grads)
	grads = gradientsWithDecay(ctx, vars, grads, dtype, c.weightDecay)

	learningRate := optimizers.LearningRateVar(ctx, dtype, c.learningRate).ValueGraph(g)
	momentum := MomentumVar(ctx, dtype, c.momentum).ValueGraph(g)
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	for ii, v := range vars {
		grad := grads[ii]
		squareAverageVar := stateVariable(ctx, RMSPropScope, v, "square_average", dtype)
		bufferVar := stateVariable(ctx, RMSPropScope, v, "momentum_buffer", dtype)
		squareAverage := Add(MulScalar(squareAverageVar.ValueGraph(g), c.alpha), MulScalar(Square(grad), 1-c.alpha))
		squareAverageVar.SetValueGraph(squareAverage)
		buffer := Add(Mul(momentum, bufferVar.ValueGraph(g)), Div(grad, AddScalar(Sqrt(squareAverage), c.epsilon)))
		bufferVar.SetValueGraph(buffer)
		applyStep(ctx, v, Mul(learningRate, buffer))
	}
}

// Clear deletes the square averages and momentum buffers.
// It implements optimizers.Interface.
func (o *rmsProp) Clear(ctx *context.Context) error {
	return ctx.In(RMSPropScope).DeleteVariablesInScope()
}
