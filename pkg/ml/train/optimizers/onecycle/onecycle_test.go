// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package onecycle

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	gomlxoptimizers "github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/lensgo/lensvae/backends"
	"github.com/lensgo/lensvae/pkg/ml/train/optimizers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedule(t *testing.T) {
	schedule := New(0.01, 10, 10).Done()
	require.Equal(t, 100, schedule.TotalSteps())

	lr, momentum := schedule.At(0)
	assert.InDelta(t, 0.01/25, lr, 1e-12)
	assert.InDelta(t, 0.95, momentum, 1e-12)

	// Peak at the end of the warm-up: 30% of the steps.
	lr, momentum = schedule.At(29)
	assert.InDelta(t, 0.01, lr, 1e-12)
	assert.InDelta(t, 0.85, momentum, 1e-12)

	// Half-way through the annealing phase.
	lr, _ = schedule.At(64)
	assert.InDelta(t, (0.01+0.01/25/1e4)/2, lr, 1e-12)

	lr, momentum = schedule.At(99)
	assert.InDelta(t, 0.01/25/1e4, lr, 1e-15)
	assert.InDelta(t, 0.95, momentum, 1e-12)

	// Monotonic in each phase.
	previous, _ := schedule.At(0)
	for step := 1; step <= 29; step++ {
		lr, _ := schedule.At(step)
		assert.Greater(t, lr, previous)
		previous = lr
	}
	for step := 30; step < 100; step++ {
		lr, _ := schedule.At(step)
		assert.Less(t, lr, previous)
		previous = lr
	}
}

func TestShortSchedules(t *testing.T) {
	// Warm-up shorter than one step: the schedule starts directly annealing.
	schedule := New(0.002, 1, 2).Done()
	lr, _ := schedule.At(0)
	assert.Greater(t, lr, 0.0)
	assert.Less(t, lr, 0.002)
	lr1, _ := schedule.At(1)
	assert.Less(t, lr1, lr)

	schedule = New(0.002, 1, 1).Done()
	lr, _ = schedule.At(0)
	assert.InDelta(t, 0.002/25/1e4, lr, 1e-15)
}

// scheduleExec returns an exec that runs one step of the schedule and returns the learning rate and momentum.
func scheduleExec(t *testing.T, ctx *context.Context, schedule *Schedule) *context.Exec {
	exec, err := context.NewExec(backends.MustNew(backends.DeviceCPU), ctx,
		func(ctx *context.Context, g *Graph) []*Node {
			ctx.SetTraining(g, true)
			schedule.UpdateGraph(ctx, g, dtypes.Float32)
			return []*Node{
				gomlxoptimizers.LearningRateVar(ctx, dtypes.Float32, 0).ValueGraph(g),
				optimizers.MomentumVar(ctx, dtypes.Float32, 0).ValueGraph(g),
			}
		})
	require.NoError(t, err)
	return exec
}

func TestUpdateGraph(t *testing.T) {
	schedule := New(0.01, 2, 10).Done()
	ctx := context.New().Checked(false)
	exec := scheduleExec(t, ctx, schedule)
	for step := range schedule.TotalSteps() + 3 {
		outputs, err := exec.Exec()
		require.NoErrorf(t, err, "step %d", step)
		wantLR, wantMomentum := schedule.At(min(step, schedule.TotalSteps()-1))
		assert.InDeltaf(t, wantLR, tensors.ToScalar[float32](outputs[0]), 1e-5*wantLR+1e-8, "step %d", step)
		assert.InDeltaf(t, wantMomentum, tensors.ToScalar[float32](outputs[1]), 1e-6, "step %d", step)
		assert.Equal(t, int64(step+1), CurrentStep(ctx))
	}

	require.NoError(t, Reset(ctx))
	assert.Equal(t, int64(0), CurrentStep(ctx))
	require.NoError(t, Reset(ctx))
}

func TestUpdateGraphNotTraining(t *testing.T) {
	schedule := New(0.01, 1, 10).Done()
	ctx := context.New().Checked(false)
	lr, err := context.ExecOnce(backends.MustNew(backends.DeviceCPU), ctx, func(ctx *context.Context, g *Graph) *Node {
		schedule.UpdateGraph(ctx, g, dtypes.Float32)
		return gomlxoptimizers.LearningRateVar(ctx, dtypes.Float32, 0.5).ValueGraph(g)
	})
	require.NoError(t, err)
	assert.Equal(t, float32(0.5), tensors.ToScalar[float32](lr))
	assert.Equal(t, int64(0), CurrentStep(ctx))
}

// TestDrivesRMSPropMomentum trains x on Σ(x-target)² with RMSProp, and checks each step used the
// learning rate and momentum of the schedule.
func TestDrivesRMSPropMomentum(t *testing.T) {
	const numSteps = 12
	schedule := New(0.05, 3, numSteps/3).Done()
	start, target := []float32{1, -1}, []float32{0.3, 0.3}

	ctx := context.New()
	ctx.In("model").VariableWithValue("x", start)
	opt := optimizers.RMSProp().Done()
	exec, err := context.NewExec(backends.MustNew(backends.DeviceCPU), ctx.Reuse(),
		func(ctx *context.Context, g *Graph) *Node {
			ctx.SetTraining(g, true)
			schedule.UpdateGraph(ctx, g, dtypes.Float32)
			x := ctx.In("model").VariableWithValue("x", start).ValueGraph(g)
			loss := ReduceAllSum(Square(Sub(x, Const(g, target))))
			opt.UpdateGraph(ctx, g, loss)
			return loss
		})
	require.NoError(t, err)

	x := []float64{1, -1}
	squareAverage, buffer := make([]float64, 2), make([]float64, 2)
	for step := range numSteps {
		_, err := exec.Exec1()
		require.NoError(t, err)
		lr, momentum := schedule.At(step)
		gotMomentum, found := optimizers.CurrentMomentum(ctx)
		require.True(t, found)
		assert.InDeltaf(t, momentum, gotMomentum, 1e-6, "step %d", step)

		for i := range x {
			g := 2 * (x[i] - float64(target[i]))
			squareAverage[i] = 0.99*squareAverage[i] + 0.01*g*g
			buffer[i] = momentum*buffer[i] + g/(math.Sqrt(squareAverage[i])+1e-8)
			x[i] -= lr * buffer[i]
		}
		got := tensors.MustCopyFlatData[float32](ctx.GetVariableByScopeAndName("/model", "x").MustValue())
		for i := range x {
			assert.InDeltaf(t, x[i], got[i], 1e-4, "step %d, x[%d]", step, i)
		}
	}
	_, first := schedule.At(0)
	_, middle := schedule.At(3)
	_, last := schedule.At(numSteps - 1)
	assert.InDelta(t, 0.95, first, 1e-12)
	assert.Less(t, middle, 0.9)
	assert.InDelta(t, 0.95, last, 1e-12)
}

func TestDrivesSGDLearningRate(t *testing.T) {
	schedule := New(0.05, 1, 4).Done()
	ctx := context.New()
	ctx.In("model").VariableWithValue("x", float32(1))
	exec, err := context.NewExec(backends.MustNew(backends.DeviceCPU), ctx.Reuse(),
		func(ctx *context.Context, g *Graph) *Node {
			ctx.SetTraining(g, true)
			schedule.UpdateGraph(ctx, g, dtypes.Float32)
			x := ctx.In("model").VariableWithValue("x", float32(1)).ValueGraph(g)
			loss := Square(x)
			optimizers.StochasticGradientDescent().Done().UpdateGraph(ctx, g, loss)
			return loss
		})
	require.NoError(t, err)
	_, err = exec.Exec1()
	require.NoError(t, err)
	lr, _ := schedule.At(0)
	got := tensors.ToScalar[float32](ctx.GetVariableByScopeAndName("/model", "x").MustValue())
	assert.InDelta(t, 1-lr*2, got, 1e-6)
}

func TestInvalid(t *testing.T) {
	require.Panics(t, func() { New(0.01, 0, 10).Done() })
	require.Panics(t, func() { New(0, 1, 10).Done() })
	require.Panics(t, func() { New(0.01, 1, 10).PctStart(1.5).Done() })
}
