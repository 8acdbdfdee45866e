// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

// Package onecycle implements the "1cycle" learning rate policy, see [Smith & Topin, 2017].
//
// The learning rate anneals from an initial value (maxLearningRate / DivFactor) up to maxLearningRate,
// and then down to a minimum (initial / FinalDivFactor), following cosine curves. Optionally the optimizer
// momentum (see optimizers.MomentumVar) is cycled inversely, between MaxMomentum and BaseMomentum.
//
// The schedule advances one step per optimizer step (not per epoch), and it is built into the training
// graph, before the optimizer update:
//
//	schedule := onecycle.New(learningRate, numEpochs, stepsPerEpoch).Done()
//	modelFn := func(ctx *context.Context, spec any, inputs []*Node) []*Node {
//		g := inputs[0].Graph()
//		schedule.UpdateGraph(ctx, g, dtypes.Float32)
//		...
//	}
//
// [Smith & Topin, 2017]: https://arxiv.org/abs/1708.07120
package onecycle

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	gomlxoptimizers "github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/lensgo/lensvae/pkg/ml/train/optimizers"
)

// Scope under optimizers.Scope where the schedule keeps its step counter.
const Scope = "one_cycle"

// Config of the one-cycle schedule. Create it with New and finalize it with Done.
type Config struct {
	maxLearningRate           float64
	totalSteps                int
	pctStart                  float64
	divFactor, finalDivFactor float64
	cycleMomentum             bool
	baseMomentum, maxMomentum float64
}

// New configures a one-cycle schedule peaking at maxLearningRate, for the given number of epochs
// of stepsPerEpoch steps each.
//
// Defaults: PctStart 0.3, DivFactor 25, FinalDivFactor 1e4, momentum cycled between 0.85 and 0.95.
func New(maxLearningRate float64, epochs, stepsPerEpoch int) *Config {
	return &Config{
		maxLearningRate: maxLearningRate,
		totalSteps:      epochs * stepsPerEpoch,
		pctStart:        0.3,
		divFactor:       25,
		finalDivFactor:  1e4,
		cycleMomentum:   true,
		baseMomentum:    0.85,
		maxMomentum:     0.95,
	}
}

// PctStart sets the fraction of the steps spent increasing the learning rate.
func (c *Config) PctStart(pct float64) *Config {
	c.pctStart = pct
	return c
}

// DivFactor sets the initial learning rate as maxLearningRate / divFactor.
func (c *Config) DivFactor(divFactor float64) *Config {
	c.divFactor = divFactor
	return c
}

// FinalDivFactor sets the final learning rate as initialLearningRate / finalDivFactor.
func (c *Config) FinalDivFactor(finalDivFactor float64) *Config {
	c.finalDivFactor = finalDivFactor
	return c
}

// CycleMomentum enables or disables cycling the momentum variable of the optimizer.
func (c *Config) CycleMomentum(enabled bool) *Config {
	c.cycleMomentum = enabled
	return c
}

// Momentum sets the range in which momentum is cycled: it starts (and ends) at maxMomentum, and is at
// baseMomentum when the learning rate peaks.
func (c *Config) Momentum(baseMomentum, maxMomentum float64) *Config {
	c.baseMomentum, c.maxMomentum = baseMomentum, maxMomentum
	return c
}

// Done returns the schedule. It panics if the configuration is invalid.
func (c *Config) Done() *Schedule {
	if c.totalSteps <= 0 {
		exceptions.Panicf("onecycle: total number of steps must be > 0, got %d", c.totalSteps)
	}
	if c.maxLearningRate <= 0 || c.divFactor <= 0 || c.finalDivFactor <= 0 {
		exceptions.Panicf("onecycle: learning rate (%g), DivFactor (%g) and FinalDivFactor (%g) must be > 0",
			c.maxLearningRate, c.divFactor, c.finalDivFactor)
	}
	if c.pctStart < 0 || c.pctStart > 1 {
		exceptions.Panicf("onecycle: PctStart must be in [0, 1], got %g", c.pctStart)
	}
	initial := c.maxLearningRate / c.divFactor
	return &Schedule{
		config:              *c,
		initialLearningRate: initial,
		minLearningRate:     initial / c.finalDivFactor,
		warmUpEnd:           c.pctStart*float64(c.totalSteps) - 1,
		end:                 float64(c.totalSteps - 1),
	}
}

// Schedule of the one-cycle policy. The current step is kept in the context, see CurrentStep.
type Schedule struct {
	config                               Config
	initialLearningRate, minLearningRate float64
	warmUpEnd, end                       float64
}

// cosineAnneal goes from start (pct=0) to end (pct=1).
func cosineAnneal(start, end, pct float64) float64 {
	return end + (start-end)/2*(math.Cos(math.Pi*pct)+1)
}

// At returns the learning rate and momentum for the given step.
func (s *Schedule) At(step int) (learningRate, momentum float64) {
	x := float64(step)
	c := &s.config
	if s.warmUpEnd > 0 && x <= s.warmUpEnd {
		pct := x / s.warmUpEnd
		return cosineAnneal(s.initialLearningRate, c.maxLearningRate, pct),
			cosineAnneal(c.maxMomentum, c.baseMomentum, pct)
	}
	start := s.warmUpEnd
	pct := 1.0
	if s.end > start {
		pct = (x - start) / (s.end - start)
	}
	return cosineAnneal(c.maxLearningRate, s.minLearningRate, pct),
		cosineAnneal(c.baseMomentum, c.maxMomentum, pct)
}

// TotalSteps the schedule was configured for.
func (s *Schedule) TotalSteps() int { return s.config.totalSteps }

// stepContext is where the schedule step counter lives.
func stepContext(ctx *context.Context) *context.Context {
	return ctx.Checked(false).In(gomlxoptimizers.Scope).In(Scope)
}

// CurrentStep returns the number of steps taken so far, as stored in ctx.
func CurrentStep(ctx *context.Context) int64 {
	return gomlxoptimizers.GetGlobalStep(stepContext(ctx))
}

// Reset restarts the schedule stored in ctx from step 0.
func Reset(ctx *context.Context) error {
	ctx = stepContext(ctx)
	if ctx.GetVariableByScopeAndName(ctx.Scope(), gomlxoptimizers.GlobalStepVariableName) == nil {
		return nil
	}
	return gomlxoptimizers.DeleteGlobalStep(ctx)
}

// UpdateGraph increments the schedule step counter, and sets the learning rate (and the momentum, if
// cycled) of the current step into the optimizer variables. It must be called before the optimizer builds
// its update.
//
// It is a no-op if g is not a training graph. Steps beyond TotalSteps stay at the final learning rate.
func (s *Schedule) UpdateGraph(ctx *context.Context, g *Graph, dtype dtypes.DType) {
	ctx = ctx.Checked(false)
	if !ctx.IsTraining(g) {
		return
	}
	c := &s.config
	step := MinusOne(gomlxoptimizers.IncrementGlobalStepGraph(stepContext(ctx), g, dtype))
	step = MinScalar(step, s.end)

	pct := OnesLike(step)
	if s.end > s.warmUpEnd {
		pct = DivScalar(AddScalar(step, -s.warmUpEnd), s.end-s.warmUpEnd)
	}
	lr := cosineAnnealGraph(c.maxLearningRate, s.minLearningRate, pct)
	momentum := cosineAnnealGraph(c.baseMomentum, c.maxMomentum, pct)
	if s.warmUpEnd > 0 {
		inWarmUp := LessOrEqual(step, Scalar(g, dtype, s.warmUpEnd))
		warmUpPct := DivScalar(step, s.warmUpEnd)
		lr = Where(inWarmUp, cosineAnnealGraph(s.initialLearningRate, c.maxLearningRate, warmUpPct), lr)
		momentum = Where(inWarmUp, cosineAnnealGraph(c.maxMomentum, c.baseMomentum, warmUpPct), momentum)
	}

	gomlxoptimizers.LearningRateVarWithValue(ctx, dtype, s.initialLearningRate).SetValueGraph(lr)
	if c.cycleMomentum {
		optimizers.MomentumVar(ctx, dtype, c.maxMomentum).SetValueGraph(momentum)
	}
}

// cosineAnnealGraph is cosineAnneal on a node.
func cosineAnnealGraph(start, end float64, pct *Node) *Node {
	cosine := OnePlus(Cos(MulScalar(pct, math.Pi)))
	return AddScalar(MulScalar(cosine, (start-end)/2), end)
}
