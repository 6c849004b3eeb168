package model

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
)

const (
	// ParamMomentum is the context hyperparameter with the momentum of the SGD optimizer.
	ParamMomentum = "momentum"

	// MomentumScope is the absolute scope where the velocities of the trainable variables are stored.
	MomentumScope = "/sgd_momentum"
)

// MomentumSGD is stochastic gradient descent with (non-Nesterov) momentum:
//
//	velocity = momentum * velocity - learning_rate * gradient
//	variable = variable + velocity
//
// It reads optimizers.ParamLearningRate and ParamMomentum from the context.
type MomentumSGD struct{}

var _ optimizers.Interface = (*MomentumSGD)(nil)

// NewMomentumSGD returns the optimizer used to train the depth models.
func NewMomentumSGD() *MomentumSGD {
	return &MomentumSGD{}
}

// UpdateGraph implements optimizers.Interface.
// Only trainable variables used by the graph are updated, frozen variables are left untouched.
func (o *MomentumSGD) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	var variables []*context.Variable
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && v.InUseByGraph(g) {
			variables = append(variables, v)
		}
	})
	if len(variables) == 0 {
		// Nothing to train.
		return
	}
	dtype := loss.DType()
	_ = optimizers.IncrementGlobalStepGraph(ctx, g, dtype)
	learningRate := context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.01)
	momentum := context.GetParamOr(ctx, ParamMomentum, 0.9)

	values := make([]*Node, len(variables))
	for ii, v := range variables {
		values[ii] = v.ValueGraph(g)
	}
	gradients := Gradient(loss, values...)
	for ii, v := range variables {
		velocityVar := o.velocity(ctx, v)
		velocity := Sub(
			MulScalar(velocityVar.ValueGraph(g), momentum),
			MulScalar(ConvertDType(gradients[ii], v.Shape().DType), learningRate))
		velocityVar.SetValueGraph(velocity)
		v.SetValueGraph(Add(values[ii], velocity))
	}
}

// velocity returns the (non-trainable) velocity variable associated to v, creating it with zeros if needed.
func (o *MomentumSGD) velocity(ctx *context.Context, v *context.Variable) *context.Variable {
	velocityCtx := ctx.InAbsPath(MomentumScope + v.Scope()).Checked(false)
	velocityVar := velocityCtx.GetVariable(v.Name())
	if velocityVar == nil {
		velocityVar = velocityCtx.VariableWithValue(v.Name(), tensors.FromShape(v.Shape()))
	}
	return velocityVar.SetTrainable(false)
}

// Clear implements optimizers.Interface: it drops all velocities.
func (o *MomentumSGD) Clear(ctx *context.Context) {
	ctx.InAbsPath(MomentumScope).DeleteVariablesInScope()
}
