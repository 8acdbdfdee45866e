// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the optimizers used to train the models: Adam, RMSProp and plain
// stochastic gradient descent, with PyTorch semantics for weight decay (an L2 penalty added to the
// gradients) and momentum.
//
// They all implement GoMLX's optimizers.Interface, and build the update of the trainable variables
// in the training graph. The learning rate and the momentum are read from context variables
// (see optimizers.LearningRateVar and MomentumVar), so a schedule (see package onecycle) can change
// them from within the same graph.
package optimizers

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"k8s.io/klog/v2"
)

// Kind enumerates the supported optimizers.
type Kind int

const (
	KindAdam Kind = iota
	KindRMSProp
	KindSGD
)

// DefaultFallbackKind is the optimizer used for unrecognized names.
const DefaultFallbackKind = KindSGD

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindAdam:
		return "Adam"
	case KindRMSProp:
		return "RMSProp"
	case KindSGD:
		return "SGD"
	default:
		return "Unknown"
	}
}

// KnownOptimizers maps the lower case names of the optimizers to their kind.
var KnownOptimizers = map[string]Kind{
	"adam":    KindAdam,
	"rmsprop": KindRMSProp,
	"sgd":     KindSGD,
}

// ParseKind returns the Kind for the case-insensitive name. Unrecognized names fall back
// to DefaultFallbackKind: this is logged, but it is not an error.
func ParseKind(name string) Kind {
	if kind, found := KnownOptimizers[strings.ToLower(strings.TrimSpace(name))]; found {
		return kind
	}
	klog.Warningf("optimizer %q not recognized, using %s", name, DefaultFallbackKind)
	return DefaultFallbackKind
}

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	// RMSPropDefaultLearningRate is used by RMSProp if no learning rate is set.
	RMSPropDefaultLearningRate = 0.01

	// SGDDefaultLearningRate is the default learning rate used by the StochasticGradientDescent optimizer.
	SGDDefaultLearningRate = 0.1

	// AdamScope holds Adam's moments and step counter.
	AdamScope = "adam_optimizer"

	// RMSPropScope holds RMSProp's square averages and momentum buffers.
	RMSPropScope = "rmsprop_optimizer"

	// MomentumVariableName is the name of the momentum variable, stored in the optimizers.Scope,
	// next to the learning rate. For Adam, it holds beta1.
	MomentumVariableName = "momentum"
)

// MomentumVar returns the momentum variable, a scalar of the given dtype, creating it with
// initialValue if it doesn't exist yet.
func MomentumVar(ctx *context.Context, dtype dtypes.DType, initialValue float64) *context.Variable {
	ctx = ctx.Checked(false).In(optimizers.Scope)
	return ctx.VariableWithValue(MomentumVariableName, shapes.CastAsDType(initialValue, dtype)).SetTrainable(false)
}

// CurrentLearningRate returns the value of the learning rate variable in ctx, if it was already created
// by an optimizer.
func CurrentLearningRate(ctx *context.Context) (float64, bool) {
	return scalarVariable(ctx, optimizers.ParamLearningRate)
}

// CurrentMomentum returns the value of the momentum variable in ctx, if it was already created
// by an optimizer.
func CurrentMomentum(ctx *context.Context) (float64, bool) {
	return scalarVariable(ctx, MomentumVariableName)
}

func scalarVariable(ctx *context.Context, name string) (float64, bool) {
	scope := ctx.In(optimizers.Scope).Scope()
	v := ctx.GetVariableByScopeAndName(scope, name)
	if v == nil || !v.HasValue() {
		return 0, false
	}
	switch value := v.MustValue().Value().(type) {
	case float32:
		return float64(value), true
	case float64:
		return value, true
	default:
		return 0, false
	}
}

// Config holds the hyperparameters of an optimizer. Create it with Adam, RMSProp,
// StochasticGradientDescent or New, and once configured call Done.
type Config struct {
	kind         Kind
	learningRate float64
	weightDecay  float64
	beta1, beta2 float64
	alpha        float64
	epsilon      float64
	momentum     float64
}

// New returns the configuration of the optimizer of the given kind, with its default hyperparameters.
func New(kind Kind) *Config {
	switch kind {
	case KindAdam:
		return Adam()
	case KindRMSProp:
		return RMSProp()
	default:
		return StochasticGradientDescent()
	}
}

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments, see [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
//
// Weight decay is applied as an L2 penalty added to the gradient (not decoupled as in AdamW), and beta1
// is read from the momentum variable (see MomentumVar), so it can be cycled by a schedule.
func Adam() *Config {
	return &Config{
		kind:         KindAdam,
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// RMSProp is an optimizer that divides the learning rate for a weight by a running average
// of the recent gradients magnitudes (L2) for that weight.
//
// It was described first in the following sources:
// * https://www.cs.toronto.edu/~tijmen/csc321/slides/lecture_slides_lec6.pdf (Hinton)
// * https://arxiv.org/pdf/1308.0850 (Graves)
//
// The momentum buffer is always kept, and with a momentum of 0 it holds just the last normalized
// gradient, so a schedule can raise the momentum at any step.
func RMSProp() *Config {
	return &Config{
		kind:         KindRMSProp,
		learningRate: RMSPropDefaultLearningRate,
		alpha:        0.99,
		epsilon:      1e-8,
	}
}

// StochasticGradientDescent creates the configuration of a momentum-free gradient descent:
// `param -= learningRate * (grad + weightDecay * param)`.
//
// The update itself is GoMLX's SGD, without the learning rate decay.
func StochasticGradientDescent() *Config {
	return &Config{
		kind:         KindSGD,
		learningRate: SGDDefaultLearningRate,
	}
}

// LearningRate sets the initial learning rate.
func (c *Config) LearningRate(value float64) *Config {
	c.learningRate = value
	return c
}

// WeightDecay sets the L2 regularization coefficient, added to the gradients as `weightDecay * param`.
// Default is 0.
func (c *Config) WeightDecay(weightDecay float64) *Config {
	c.weightDecay = weightDecay
	return c
}

// Betas sets the moving average coefficients of Adam's first and second moments. Defaults to 0.9 and 0.999.
func (c *Config) Betas(beta1, beta2 float64) *Config {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Alpha sets RMSProp's smoothing constant of the squared gradients average. Default is 0.99.
func (c *Config) Alpha(alpha float64) *Config {
	c.alpha = alpha
	return c
}

// Epsilon sets the value added to denominators for numerical stability. Default is 1e-8.
func (c *Config) Epsilon(epsilon float64) *Config {
	c.epsilon = epsilon
	return c
}

// Momentum sets RMSProp's initial momentum. Default is 0.
func (c *Config) Momentum(momentum float64) *Config {
	c.momentum = momentum
	return c
}

// Kind of the optimizer configured.
func (c *Config) Kind() Kind { return c.kind }

// Done returns the configured optimizer.
func (c *Config) Done() optimizers.Interface {
	switch c.kind {
	case KindAdam:
		return &adam{config: *c}
	case KindRMSProp:
		return &rmsProp{config: *c}
	default:
		return &sgd{config: *c}
	}
}

// trainableVariables returns the variables for which ctx.BuildTrainableVariablesGradientsGraph
// returned grads, in the same order.
func trainableVariables(ctx *context.Context, g *Graph, grads []*Node) []*context.Variable {
	vars := make([]*context.Variable, 0, len(grads))
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			vars = append(vars, v)
		}
	}
	if len(vars) != len(grads) {
		exceptions.Panicf("BuildTrainableVariablesGradientsGraph returned gradients for %d variables, but "+
			"the optimizer sees %d variables: were new variables created in between ?", len(grads), len(vars))
	}
	return vars
}

// gradientsWithDecay converts the gradients to dtype, and adds the weight decay term `weightDecay * value`.
func gradientsWithDecay(ctx *context.Context, vars []*context.Variable, grads []*Node, dtype dtypes.DType,
	weightDecay float64) []*Node {
	decayed := make([]*Node, len(grads))
	for ii, grad := range grads {
		v := vars[ii]
		if grad.DType() != dtype {
			grad = ConvertDType(grad, dtype)
		}
		optimizers.TraceNaNInGradients(ctx, v, grad)
		grad = optimizers.ClipNaNsInGradients(ctx, grad)
		if weightDecay > 0 {
			value := v.ValueGraph(grad.Graph())
			if value.DType() != dtype {
				value = ConvertDType(value, dtype)
			}
			grad = Add(grad, MulScalar(value, weightDecay))
		}
		decayed[ii] = grad
	}
	return decayed
}

// stateVariable returns the optimizer state variable named "<trainable name>_<suffix>", zero initialized,
// stored under scopeName, mirroring the scope of the trainable variable.
func stateVariable(ctx *context.Context, scopeName string, trainable *context.Variable, suffix string,
	dtype dtypes.DType) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, scopeName, trainable.Scope())
	shape := trainable.Shape().Clone()
	shape.DType = dtype
	return ctx.Checked(false).InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(trainable.Name()+"_"+suffix, shape).
		SetTrainable(false)
}

// applyStep sets `value - step` as the new value of v, converted back to the variable dtype.
func applyStep(ctx *context.Context, v *context.Variable, step *Node) {
	g := step.Graph()
	value := v.ValueGraph(g)
	if value.DType() != step.DType() {
		step = ConvertDType(step, value.DType())
	}
	step = optimizers.ClipStepByValue(ctx, step)
	updated := Sub(value, step)
	v.SetValueGraph(optimizers.ClipNaNsInUpdates(ctx, value, updated))
}

func checkScalarLoss(loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("optimizer requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
}
