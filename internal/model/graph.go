package model

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	timage "github.com/gomlx/gomlx/types/tensors/images"
)

const (
	// CoarseScope is the context scope holding all the variables of the coarse model.
	CoarseScope = "coarse"

	// FineScope is the context scope holding the variables of the fine branch.
	FineScope = "fine"
)

// Handle of a model built in a graph: the input images node and the predicted depths node.
// The fine model uses the coarse Handle to tap both.
type Handle struct {
	Input, Output *Node
}

// convStage applies the convolution stage, with its own sub-scope named after the stage.
func convStage(ctx *context.Context, x *Node, stage ConvStage) *Node {
	ctx = ctx.In(stage.Name)
	x = layers.Convolution(ctx, x).
		Filters(stage.Filters).
		KernelSize(stage.KernelSize).
		Strides(stage.Strides).
		PadSame().
		ChannelsAxis(timage.ChannelsFirst).
		Done()
	if !stage.Linear {
		x = activations.Relu(x)
	}
	if stage.Pool > 1 {
		x = MaxPool(x).ChannelsAxis(timage.ChannelsFirst).Window(stage.Pool).Done()
	}
	return x
}

// CoarseGraph builds the coarse model on images shaped [batchSize, 3, InputHeight, InputWidth] (values in [0, 1]).
// The output is shaped [batchSize, OutputHeight, OutputWidth].
//
// Dropout is only active if the context is set to training for the graph.
func CoarseGraph(ctx *context.Context, arch *Architecture, images *Node) *Handle {
	if images.Rank() != 4 || images.Shape().Dim(1) != 3 ||
		images.Shape().Dim(2) != arch.InputHeight || images.Shape().Dim(3) != arch.InputWidth {
		exceptions.Panicf("%s model expects images shaped [batch_size, 3, %d, %d], got %s",
			arch.Kind, arch.InputHeight, arch.InputWidth, images.Shape())
	}
	ctx = ctx.In(CoarseScope)
	batchSize := images.Shape().Dim(0)
	x := images
	for _, stage := range arch.Coarse.Convs {
		x = convStage(ctx, x, stage)
	}
	x = Reshape(x, batchSize, x.Shape().Size()/batchSize)
	x = layers.Dense(ctx.In("hidden"), x, true, arch.Coarse.HiddenUnits)
	x = activations.Relu(x)
	if arch.Coarse.DropoutRate > 0 {
		x = layers.Dropout(ctx, x, Scalar(x.Graph(), x.DType(), arch.Coarse.DropoutRate))
	}
	x = layers.Dense(ctx.In("output"), x, true, arch.OutputHeight*arch.OutputWidth)
	return &Handle{
		Input:  images,
		Output: Reshape(x, batchSize, arch.OutputHeight, arch.OutputWidth),
	}
}

// FineGraph builds the fine branch on top of the coarse model: the image features of the first fine stage are
// concatenated with the coarse prediction as an extra channel, and refined by the following stages.
//
// No gradient flows back to the coarse model.
func FineGraph(ctx *context.Context, arch *Architecture, coarse *Handle) *Node {
	if arch.Fine == nil {
		exceptions.Panicf("%s model architecture has no fine branch", arch.Kind)
	}
	ctx = ctx.In(FineScope)
	batchSize := coarse.Input.Shape().Dim(0)
	fine := convStage(ctx, coarse.Input, arch.Fine.Input)
	coarseDepth := Reshape(StopGradient(coarse.Output), batchSize, 1, arch.OutputHeight, arch.OutputWidth)
	x := Concatenate([]*Node{fine, coarseDepth}, 1)
	for _, stage := range arch.Fine.Refine {
		x = convStage(ctx, x, stage)
	}
	return Reshape(x, batchSize, arch.OutputHeight, arch.OutputWidth)
}

// ForwardGraph builds the model described by arch and returns the predicted depths.
func ForwardGraph(ctx *context.Context, arch *Architecture, images *Node) *Node {
	coarse := CoarseGraph(ctx, arch, images)
	if arch.Kind == KindCoarse {
		return coarse.Output
	}
	return FineGraph(ctx, arch, coarse)
}
