// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
)

// sgd adds the weight decay to the gradients, and defers the update to GoMLX's SGD.
type sgd struct {
	config Config
}

var _ optimizers.Interface = (*sgd)(nil)

// UpdateGraph implements optimizers.Interface.
func (o *sgd) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	checkScalarLoss(loss)
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		return
	}
	vars := trainableVariables(ctx, g, grads)
	grads = gradientsWithDecay(ctx, vars, grads, loss.DType(), o.config.weightDecay)
	optimizers.StochasticGradientDescent().
		WithDecay(false).
		WithLearningRate(o.config.learningRate).
		UpdateGraphWithGradients(ctx, grads, loss.DType())
}

// Clear implements optimizers.Interface. SGD has no state.
func (o *sgd) Clear(_ *context.Context) error {
	return nil
}
