package model

import (
	"context"
	"fmt"
	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/eigendepth/internal/dataset"
	"github.com/stretchr/testify/require"
	"image/color"
	"math"
	"math/rand/v2"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/xla"
)

const testSize = 32

var testHyperparameters = Hyperparameters{LearningRate: 0.01, Momentum: 0.9, Lambda: 0.5, Seed: 42}

// tinyCoarse is a coarse architecture small enough to train in a test: 32x32 images to 8x8 depths.
func tinyCoarse() *Architecture {
	return NewCoarse(testSize, testSize).Scaled(1.0 / 64)
}

// randomBatch returns images and depths with values in [0, 1), generated from seed.
func randomBatch(seed uint64, batchSize int, arch *Architecture) (images, depths *tensors.Tensor) {
	rng := rand.New(rand.NewPCG(seed, seed))
	imageValues := make([]float32, batchSize*3*arch.InputHeight*arch.InputWidth)
	for ii := range imageValues {
		imageValues[ii] = rng.Float32()
	}
	depthValues := make([]float32, batchSize*arch.OutputHeight*arch.OutputWidth)
	for ii := range depthValues {
		depthValues[ii] = 0.1 + 0.8*rng.Float32()
	}
	images = tensors.FromFlatDataAndDimensions(imageValues, batchSize, 3, arch.InputHeight, arch.InputWidth)
	depths = tensors.FromFlatDataAndDimensions(depthValues, batchSize, arch.OutputHeight, arch.OutputWidth)
	return
}

func TestArchitecture(t *testing.T) {
	coarse := NewCoarse(240, 320)
	require.NoError(t, coarse.Validate())
	require.Equal(t, 60, coarse.OutputHeight)
	require.Equal(t, 80, coarse.OutputWidth)
	fine := coarse.WithFine()
	require.NoError(t, fine.Validate())
	require.Equal(t, KindFine, fine.Kind)
	require.Nil(t, coarse.Fine, "WithFine must not change the original architecture")

	scaled := fine.Scaled(0.01)
	require.NoError(t, scaled.Validate())
	require.Equal(t, 1, scaled.Coarse.Convs[0].Filters)
	require.Equal(t, 41, scaled.Coarse.HiddenUnits)
	require.Equal(t, 1, scaled.Fine.Refine[len(scaled.Fine.Refine)-1].Filters)
	require.Equal(t, 96, fine.Coarse.Convs[0].Filters, "Scaled must not change the original architecture")

	// Too small: spatial dimensions vanish.
	require.ErrorContains(t, NewCoarse(16, 16).Validate(), "vanishes")

	// Fine branch not matching the coarse output.
	mismatch := fine.clone()
	mismatch.Fine.Input.Strides = 4
	require.ErrorContains(t, mismatch.Validate(), "outputs 30x40")

	// Save and load.
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, fine.Save(path))
	loaded, err := LoadArchitecture(path)
	require.NoError(t, err)
	require.Equal(t, fine, loaded)

	_, err = LoadArchitecture(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestCoarseModel(t *testing.T) {
	arch := tinyCoarse()
	m, err := New(arch, testHyperparameters)
	require.NoError(t, err)
	defer m.Finalize()
	m.Summary()
	total, trainable := m.NumParameters()
	require.Greater(t, total, 0)
	require.Equal(t, total, trainable)

	images, _ := randomBatch(1, 2, arch)
	depths, err := m.Predict(images)
	require.NoError(t, err)
	require.Equal(t, []int{2, 8, 8}, depths.Shape().Dimensions)

	// Training changes the weights, and gives a finite loss.
	before := m.Variables(CoarseScope)
	images, depths = randomBatch(2, 2, arch)
	lossValue, err := m.TrainStep(images, depths)
	require.NoError(t, err)
	require.False(t, math.IsNaN(float64(lossValue)), "loss is NaN")
	after := m.Variables(CoarseScope)
	require.Equal(t, len(before), len(after))
	require.NotEqual(t, before, after)

	images, depths = randomBatch(3, 3, arch)
	metrics, err := m.BatchMetrics(images, depths)
	require.NoError(t, err)
	require.Len(t, metrics, 3)
	require.True(t, metrics[1] >= 0 && metrics[1] <= 1, "accuracy %f out of [0, 1]", metrics[1])
	require.GreaterOrEqual(t, metrics[2], float32(0))

	// Wrong input shape is reported as an error.
	bad := tensors.FromFlatDataAndDimensions(make([]float32, 3*16*16), 1, 3, 16, 16)
	_, err = m.Predict(bad)
	require.Error(t, err)
}

func TestSaveAndLoad(t *testing.T) {
	arch := tinyCoarse()
	m, err := New(arch, testHyperparameters)
	require.NoError(t, err)
	defer m.Finalize()
	images, depths := randomBatch(1, 2, arch)
	_, err = m.TrainStep(images, depths)
	require.NoError(t, err)

	dir := t.TempDir()
	archPath := filepath.Join(dir, "coarse.json")
	weightsDir := filepath.Join(dir, "weights")
	require.NoError(t, arch.Save(archPath))
	require.NoError(t, m.SaveWeights(weightsDir))
	require.Error(t, m.SaveWeights(weightsDir), "saving over existing weights must fail")

	loaded, err := Load(archPath, weightsDir, testHyperparameters)
	require.NoError(t, err)
	defer loaded.Finalize()
	require.Equal(t, m.Variables(CoarseScope), loaded.Variables(CoarseScope))

	images, _ = randomBatch(7, 2, arch)
	want, err := m.Predict(images)
	require.NoError(t, err)
	images, _ = randomBatch(7, 2, arch)
	got, err := loaded.Predict(images)
	require.NoError(t, err)
	require.InDeltaSlice(t, tensors.CopyFlatData[float32](want), tensors.CopyFlatData[float32](got), 1e-6)

	_, err = Load(archPath, filepath.Join(dir, "missing"), testHyperparameters)
	require.Error(t, err)
	_, err = Load(archPath, t.TempDir(), testHyperparameters)
	require.ErrorContains(t, err, "no weights found")

	// Weights saved for a differently sized architecture fail on the first prediction.
	otherPath := filepath.Join(dir, "other.json")
	require.NoError(t, NewCoarse(testSize, testSize).Scaled(1.0/32).Save(otherPath))
	_, err = Load(otherPath, weightsDir, testHyperparameters)
	require.ErrorContains(t, err, "failed to predict")
}

func TestFineModel(t *testing.T) {
	arch := tinyCoarse()
	coarse, err := New(arch, testHyperparameters)
	require.NoError(t, err)
	defer coarse.Finalize()
	dir := t.TempDir()
	archPath := filepath.Join(dir, "coarse.json")
	weightsDir := filepath.Join(dir, "weights")
	require.NoError(t, arch.Save(archPath))
	require.NoError(t, coarse.SaveWeights(weightsDir))

	fine, err := NewFine(archPath, weightsDir, 1.0/16, testHyperparameters)
	require.NoError(t, err)
	defer fine.Finalize()
	require.Equal(t, KindFine, fine.Arch.Kind)
	require.Equal(t, arch.Coarse, fine.Arch.Coarse)
	require.Equal(t, 4, fine.Arch.Fine.Input.Filters)
	total, trainable := fine.NumParameters()
	require.Less(t, trainable, total)

	coarseBefore := fine.Variables(CoarseScope)
	require.Equal(t, coarse.Variables(CoarseScope), coarseBefore)
	fineBefore := fine.Variables(FineScope)
	require.NotEmpty(t, fineBefore)

	images, depths := randomBatch(5, 2, arch)
	_, err = fine.TrainStep(images, depths)
	require.NoError(t, err)
	images, depths = randomBatch(6, 2, arch)
	_, err = fine.TrainStep(images, depths)
	require.NoError(t, err)

	require.Equal(t, coarseBefore, fine.Variables(CoarseScope), "coarse weights must stay frozen")
	require.NotEqual(t, fineBefore, fine.Variables(FineScope), "fine weights must be trained")

	images, _ = randomBatch(8, 1, arch)
	predictions, err := fine.Predict(images)
	require.NoError(t, err)
	require.Equal(t, []int{1, 8, 8}, predictions.Shape().Dimensions)

	// A fine model can't be the base of another fine model.
	fineArchPath := filepath.Join(dir, "fine.json")
	require.NoError(t, fine.Arch.Save(fineArchPath))
	_, err = NewFine(fineArchPath, weightsDir, 1, testHyperparameters)
	require.ErrorContains(t, err, "coarse model is required")
}

func TestEvaluate(t *testing.T) {
	dir := t.TempDir()
	for ii := range 5 {
		base := filepath.Join(dir, fmt.Sprintf("%02d", ii))
		img := imaging.New(2*testSize, 2*testSize, color.NRGBA{R: uint8(50 * ii), G: 128, B: 200, A: 255})
		require.NoError(t, imaging.Save(img, base+"_image.png"))
		depth := imaging.New(2*testSize, 2*testSize, color.NRGBA{R: 100, G: 100, B: 100, A: 255})
		require.NoError(t, imaging.Save(depth, base+"_depth.png"))
	}
	ds, err := dataset.Load(context.Background(), dir, dataset.Options{Width: 2 * testSize, Height: 2 * testSize})
	require.NoError(t, err)

	m, err := New(tinyCoarse(), testHyperparameters)
	require.NoError(t, err)
	defer m.Finalize()

	// Batch size doesn't change the metrics: they are weighted by the number of examples.
	metrics, err := m.Evaluate(context.Background(), ds, 2)
	require.NoError(t, err)
	fmt.Printf("Metrics: %s\n", metrics)
	allAtOnce, err := m.Evaluate(context.Background(), ds, 5)
	require.NoError(t, err)
	require.InDelta(t, allAtOnce.Loss, metrics.Loss, 1e-5)
	require.InDelta(t, allAtOnce.Accuracy, metrics.Accuracy, 1e-5)
	require.InDelta(t, allAtOnce.RMSE, metrics.RMSE, 1e-5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Evaluate(ctx, ds, 2)
	require.ErrorIs(t, err, context.Canceled)
}
