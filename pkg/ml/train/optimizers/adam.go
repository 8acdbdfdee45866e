// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

type adam struct {
	config Config
}

var _ optimizers.Interface = (*adam)(nil)

// UpdateGraph builds the graph to update the weights for one training step.
// It implements optimizers.Interface.
func (o *adam) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
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
	beta1 := MomentumVar(ctx, dtype, c.beta1).ValueGraph(g)

	// The global step is updated, but Adam keeps its own step count, reset by Clear.
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	adamStep := optimizers.IncrementGlobalStepGraph(ctx.In(AdamScope), g, dtype)

	// Bias corrections use the current beta1, as it may be changed by a schedule.
	biasCorrection1 := OneMinus(Pow(beta1, adamStep))
	biasCorrection2Sqrt := Sqrt(OneMinus(Pow(Scalar(g, dtype, c.beta2), adamStep)))
	stepSize := Div(learningRate, biasCorrection1)

	for ii, v := range vars {
		grad := grads[ii]
		m1Var := stateVariable(ctx, AdamScope, v, "1st_moment", dtype)
		m2Var := stateVariable(ctx, AdamScope, v, "2nd_moment", dtype)
		moment1 := Add(Mul(beta1, m1Var.ValueGraph(g)), Mul(OneMinus(beta1), grad))
		moment2 := Add(MulScalar(m2Var.ValueGraph(g), c.beta2), MulScalar(Square(grad), 1-c.beta2))
		m1Var.SetValueGraph(moment1)
		m2Var.SetValueGraph(moment2)
		denominator := AddScalar(Div(Sqrt(moment2), biasCorrection2Sqrt), c.epsilon)
		applyStep(ctx, v, Div(Mul(stepSize, moment1), denominator))
	}
}

// Clear deletes the moments and Adam's step counter.
// It implements optimizers.Interface.
func (o *adam) Clear(ctx *context.Context) error {
	return ctx.In(AdamScope).DeleteVariablesInScope()
}
