package model

import (
	"context"
	"fmt"
	"github.com/janpfeifer/eigendepth/internal/dataset"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"math"
	"slices"
)

// Metrics of a model over a dataset.
type Metrics struct {
	// Loss is the scale-invariant error.
	Loss float64

	// Accuracy is the fraction of pixels whose predicted depth is within a 1.25 ratio of the truth.
	Accuracy float64

	// RMSE is the root-mean-squared error of the normalized depths.
	RMSE float64
}

// String implements fmt.Stringer.
func (m Metrics) String() string {
	return fmt.Sprintf("loss=%.5g accuracy=%.4f rmse=%.5g", m.Loss, m.Accuracy, m.RMSE)
}

// Evaluate the model over all the examples of ds, in order, with batches of up to batchSize examples.
// Metrics of each batch are weighted by the batch size.
func (m *Model) Evaluate(ctx context.Context, ds *dataset.Dataset, batchSize int) (Metrics, error) {
	if ds.Len() == 0 {
		return Metrics{}, errors.Errorf("dataset %q is empty", ds.Name)
	}
	numBatches := ds.NumBatches(batchSize)
	losses := make([]float64, 0, numBatches)
	accuracies := make([]float64, 0, numBatches)
	squaredErrors := make([]float64, 0, numBatches)
	weights := make([]float64, 0, numBatches)
	for images, depths := range ds.Batches(batchSize, nil) {
		if err := ctx.Err(); err != nil {
			return Metrics{}, errors.Wrapf(err, "evaluation of %s interrupted", m)
		}
		numExamples := depths.Shape().Dim(0)
		batchMetrics, err := m.BatchMetrics(images, depths)
		if err != nil {
			return Metrics{}, err
		}
		losses = append(losses, float64(batchMetrics[0]))
		accuracies = append(accuracies, float64(batchMetrics[1]))
		squaredErrors = append(squaredErrors, float64(batchMetrics[2]*batchMetrics[2]))
		weights = append(weights, float64(numExamples))
	}
	return Metrics{
		Loss:     stat.Mean(losses, weights),
		Accuracy: stat.Mean(accuracies, weights),
		RMSE:     math.Sqrt(stat.Mean(squaredErrors, weights)),
	}, nil
}

// CheckDataset verifies the dataset examples have the input and output sizes of the model.
func (m *Model) CheckDataset(ds *dataset.Dataset) error {
	wantImage := []int{3, m.Arch.InputHeight, m.Arch.InputWidth}
	wantDepth := []int{m.Arch.OutputHeight, m.Arch.OutputWidth}
	if !slices.Equal(ds.ImageDims(), wantImage) || !slices.Equal(ds.DepthDims(), wantDepth) {
		return errors.Errorf("dataset %q has images %v and depths %v, but the %s requires %v and %v",
			ds.Name, ds.ImageDims(), ds.DepthDims(), m, wantImage, wantDepth)
	}
	return nil
}
