// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the losses used to train the variational autoencoder, as computation
// graph functions: gradients are derived by GoMLX's automatic differentiation.
package losses

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	gomlxlosses "github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/exceptions"
)

func checkSameShape(op string, a, b *Node) {
	if !a.Shape().Equal(b.Shape()) {
		exceptions.Panicf("%s: shapes %s and %s differ", op, a.Shape(), b.Shape())
	}
}

// MeanSquaredError returns the mean over all elements of `(predictions - labels)²`, a scalar.
func MeanSquaredError(labels, predictions *Node) *Node {
	checkSameShape("MeanSquaredError", labels, predictions)
	return gomlxlosses.MeanSquaredError([]*Node{labels}, []*Node{predictions})
}

// MeanSquaredErrorPerExample returns the mean squared error of each example, where examples are indexed
// by the first axis of labels and predictions. The result is shaped (batch,).
func MeanSquaredErrorPerExample(labels, predictions *Node) *Node {
	checkSameShape("MeanSquaredErrorPerExample", labels, predictions)
	if predictions.Rank() == 0 {
		exceptions.Panicf("MeanSquaredErrorPerExample: scalars have no examples axis")
	}
	squares := Square(Sub(predictions, labels))
	if predictions.Rank() == 1 {
		return squares
	}
	axes := make([]int, 0, predictions.Rank()-1)
	for axis := 1; axis < predictions.Rank(); axis++ {
		axes = append(axes, axis)
	}
	return ReduceMean(squares, axes...)
}

// KLDivergence returns the Kullback-Leibler divergence of the diagonal normal distributions
// N(mean, exp(logVar)) from the standard normal, summed over all elements:
//
//	-0.5 * Σ(1 + logVar - mean² - exp(logVar))
//
// It is 0 when mean and logVar are all zeros.
func KLDivergence(mean, logVar *Node) *Node {
	checkSameShape("KLDivergence", mean, logVar)
	terms := Sub(Sub(OnePlus(logVar), Square(mean)), Exp(logVar))
	return MulScalar(ReduceAllSum(terms), -0.5)
}

// Variational holds the terms of the composite loss of a variational autoencoder, as scalar nodes.
type Variational struct {
	// Total is Reconstruction + beta * KL.
	Total *Node

	// Reconstruction is the mean squared error between the reconstruction and the input.
	Reconstruction *Node

	// KL is the (unweighted) KL-divergence of the latent distribution. It is reported even when beta is 0.
	KL *Node
}

// VariationalLoss builds `MSE(reconstruction, images) + beta * KL(mean, logVar)`.
//
// With beta == 0 the total loss depends only on the reconstruction: the KL term is wrapped in
// StopGradient and left out of the total, so a diverging KL doesn't leak into the loss or the gradients.
func VariationalLoss(beta float64, images, reconstruction, mean, logVar *Node) *Variational {
	if beta < 0 {
		exceptions.Panicf("VariationalLoss: beta must be >= 0, got %g", beta)
	}
	v := &Variational{
		Reconstruction: MeanSquaredError(images, reconstruction),
		KL:             KLDivergence(mean, logVar),
	}
	if beta == 0 {
		v.KL = StopGradient(v.KL)
		v.Total = v.Reconstruction
		return v
	}
	v.Total = Add(v.Reconstruction, MulScalar(v.KL, beta))
	return v
}
