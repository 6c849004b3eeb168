// Package loss implements the scale-invariant error used to train the depth models, and the metrics used to
// evaluate them.
//
// The scale-invariant error compares log-depths: with d = log(prediction+1) - log(truth+1) for every pixel of
// a sample, it is mean(d²) - λ·mean(d)². With λ=0 it is the squared log error, with λ=1 a constant offset of
// all the log-depths of a sample costs nothing.
package loss

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/train/losses"
)

const (
	// Epsilon is the floor applied to depths before taking the log.
	Epsilon = 1e-7

	// DefaultLambda is the default weight of the scale-invariance term.
	DefaultLambda = 0.5

	// AccuracyThreshold is the maximum ratio between prediction and truth for a pixel to count as accurate.
	AccuracyThreshold = 1.25
)

// flattenPerSample reshapes x to [batchSize, numValuesPerSample].
func flattenPerSample(x *Node) *Node {
	if x.Rank() == 0 {
		exceptions.Panicf("loss requires a batch of depths, got a scalar")
	}
	batchSize := x.Shape().Dim(0)
	return Reshape(x, batchSize, x.Shape().Size()/batchSize)
}

// logDepth is log(max(x, ε) + 1).
func logDepth(x *Node) *Node {
	return Log(AddScalar(MaxScalar(x, Epsilon), 1))
}

// PerSampleScaleInvariantError returns the scale-invariant error of each example, shaped [batchSize].
func PerSampleScaleInvariantError(truth, predictions *Node, lambda float64) *Node {
	if !truth.Shape().Equal(predictions.Shape()) {
		if truth.Shape().Size() != predictions.Shape().Size() {
			exceptions.Panicf("depth labels shaped %s and predictions shaped %s are incompatible",
				truth.Shape(), predictions.Shape())
		}
		truth = Reshape(truth, predictions.Shape().Dimensions...)
	}
	diff := Sub(logDepth(flattenPerSample(predictions)), logDepth(flattenPerSample(truth)))
	meanSquares := ReduceMean(Square(diff), 1)
	meanDiff := ReduceMean(diff, 1)
	return Sub(meanSquares, MulScalar(Square(meanDiff), lambda))
}

// ScaleInvariantError returns a loss function (to use with GoMLX training) that returns the mean over the batch
// of the scale-invariant error. It expects one label and one prediction, the depths.
func ScaleInvariantError(lambda float64) losses.LossFn {
	return func(labels, predictions []*Node) *Node {
		if len(labels) < 1 || len(predictions) != 1 {
			exceptions.Panicf("ScaleInvariantError requires one label and one prediction, got %d labels "+
				"and %d predictions", len(labels), len(predictions))
		}
		return ReduceAllMean(PerSampleScaleInvariantError(labels[0], predictions[0], lambda))
	}
}

// ThresholdAccuracy returns the fraction of pixels where max(prediction/truth, truth/prediction) is below
// AccuracyThreshold. Both are floored at Epsilon. It returns a scalar.
func ThresholdAccuracy(truth, predictions *Node) *Node {
	truth = Reshape(MaxScalar(truth, Epsilon), predictions.Shape().Dimensions...)
	predictions = MaxScalar(predictions, Epsilon)
	ratio := Max(Div(predictions, truth), Div(truth, predictions))
	accurate := LessThan(ratio, Scalar(ratio.Graph(), ratio.DType(), AccuracyThreshold))
	return ReduceAllMean(ConvertDType(accurate, predictions.DType()))
}

// RootMeanSquaredError of the depths, in the normalized linear scale. It returns a scalar.
func RootMeanSquaredError(truth, predictions *Node) *Node {
	truth = Reshape(truth, predictions.Shape().Dimensions...)
	return Sqrt(ReduceAllMean(Square(Sub(predictions, truth))))
}

// Metrics returns the evaluation metrics of a batch as scalars: the scale-invariant error, the threshold
// accuracy and the root-mean-squared error, in this order.
func Metrics(truth, predictions *Node, lambda float64) []*Node {
	lossFn := ScaleInvariantError(lambda)
	return []*Node{
		lossFn([]*Node{truth}, []*Node{predictions}),
		ThresholdAccuracy(truth, predictions),
		RootMeanSquaredError(truth, predictions),
	}
}

// MetricNames in the same order as returned by Metrics.
var MetricNames = []string{"loss", "accuracy", "rmse"}
