package trainer

import (
	"context"
	"encoding/json"
	"github.com/chewxy/math32"
	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/eigendepth/internal/config"
	"github.com/janpfeifer/eigendepth/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/xla"
)

func TestHistory(t *testing.T) {
	h := NewHistory(KeyLoss, KeyValLoss)
	require.Equal(t, 0, h.Len())
	h.Append(KeyValLoss, 2)
	h.Append(KeyLoss, 1)
	h.Append(KeyLoss, math.NaN())
	h.Append("extra", 7)
	require.Equal(t, 2, h.Len())
	require.Equal(t, []string{KeyLoss, KeyValLoss, "extra"}, h.Keys())
	blob, err := json.Marshal(h)
	require.NoError(t, err)
	require.Equal(t, `{"loss":[1,null],"val_loss":[2],"extra":[7]}`, string(blob))

	path := filepath.Join(t.TempDir(), "hist.json")
	require.NoError(t, h.Save(path))
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, string(blob), string(contents))
}

type fakeSaver struct {
	numSaves int
	err      error
}

func (s *fakeSaver) Save() error {
	if s.err != nil {
		return s.err
	}
	s.numSaves++
	return nil
}

func (s *fakeSaver) Dir() string { return "fake" }

func TestBestCheckpoint(t *testing.T) {
	s := &fakeSaver{}
	best := NewBestCheckpoint(s)
	var savedEpochs []int
	for epoch, loss := range []float64{3, 2, 2.5, 1, math.NaN(), 1.5, 1} {
		saved, err := best.Update(epoch, loss)
		require.NoError(t, err)
		if saved {
			savedEpochs = append(savedEpochs, epoch)
		}
	}
	require.Equal(t, []int{0, 1, 3}, savedEpochs)
	require.Equal(t, 3, s.numSaves)
	require.Equal(t, 1.0, best.Loss)
	require.Equal(t, 3, best.Epoch)

	// The first epoch always counts, even with a NaN loss.
	s = &fakeSaver{}
	best = NewBestCheckpoint(s)
	for epoch, loss := range []float64{math.NaN(), math.NaN(), 5, 6} {
		_, err := best.Update(epoch, loss)
		require.NoError(t, err)
	}
	require.Equal(t, 2, s.numSaves)
	require.Equal(t, 2, best.Epoch)

	// Failures to save are reported.
	best = NewBestCheckpoint(&fakeSaver{err: errors.New("disk full")})
	_, err := best.Update(0, 1)
	require.ErrorContains(t, err, "disk full")
	require.False(t, best.Saved)
}

func TestCloseEnough(t *testing.T) {
	require.True(t, closeEnough(0.5, 0.5))
	require.True(t, closeEnough(100, 100.005))
	require.False(t, closeEnough(0.5, 0.51))
	require.True(t, closeEnough(math.NaN(), math.NaN()))
	require.False(t, closeEnough(math.NaN(), 1))
}

func TestCreateRunDir(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = config.ModeTrainCoarse
	cfg.OutputDir = filepath.Join(t.TempDir(), "models")
	tr, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, tr.createRunDir())
	require.DirExists(t, tr.RunDir)

	// Same timestamp: collision.
	other, err := New(cfg)
	require.NoError(t, err)
	other.Timestamp = tr.Timestamp
	require.ErrorContains(t, other.createRunDir(), "failed to create run directory")

	cfg.Mode = config.ModeEval
	_, err = New(cfg)
	require.Error(t, err)
}

// writeGrayDataset writes one mid-gray 640x480 image/depth pair in each of the train and test splits.
func writeGrayDataset(t *testing.T, cfg *config.Config) {
	gray := color.NRGBA{R: 128, G: 128, B: 128, A: 255}
	for _, dir := range []string{cfg.TrainDir(), cfg.TestDir()} {
		require.NoError(t, os.MkdirAll(dir, 0755))
		img := imaging.New(cfg.ImageWidth, cfg.ImageHeight, gray)
		require.NoError(t, imaging.Save(img, filepath.Join(dir, "gray_image.png")))
		require.NoError(t, imaging.Save(img, filepath.Join(dir, "gray_depth.png")))
	}
}

func TestRun(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default()
	cfg.Mode = config.ModeTrainCoarse
	cfg.DataDir = filepath.Join(root, "data")
	cfg.OutputDir = filepath.Join(root, "coarse")
	cfg.BatchSize = 1
	cfg.NumEpochs = 2
	cfg.LearningRate = 0.01
	cfg.ModelScale = 1.0 / 64
	cfg.Seed = 7
	cfg.Parallelism = 2
	require.NoError(t, cfg.Validate())
	writeGrayDataset(t, cfg)

	coarse, err := New(cfg)
	require.NoError(t, err)
	coarse.Progress = io.Discard
	require.NoError(t, coarse.Run(context.Background()))
	require.FileExists(t, coarse.ArchitecturePath)
	require.DirExists(t, coarse.WeightsDir)
	require.DirExists(t, coarse.BestWeightsDir)
	require.FileExists(t, coarse.HistoryPath)
	require.Equal(t, "depth_coarse_model_"+coarse.Timestamp+".json", filepath.Base(coarse.ArchitecturePath))
	require.Equal(t, 2, coarse.History().Len())
	require.Len(t, coarse.History().Keys(), 4)
	// Only the best checkpoint is kept, however many epochs improved.
	bestCheckpoints, err := filepath.Glob(filepath.Join(coarse.BestWeightsDir, "checkpoint-*.json"))
	require.NoError(t, err)
	require.Len(t, bestCheckpoints, 1)

	// Reloaded model predicts depths of the right shape, with finite values not far from the mid-gray truth.
	reloaded, err := model.Load(coarse.ArchitecturePath, coarse.WeightsDir, model.Hyperparameters{Lambda: 0.5})
	require.NoError(t, err)
	defer reloaded.Finalize()
	images, _ := coarse.testData.Sample(0)
	depths, err := reloaded.Predict(images)
	require.NoError(t, err)
	require.Equal(t, []int{1, 60, 80}, depths.Shape().Dimensions)
	_, truth := coarse.testData.Example(0)
	for ii, v := range tensors.CopyFlatData[float32](depths) {
		require.False(t, math32.IsNaN(v) || math32.IsInf(v, 0), "prediction %f is not finite", v)
		require.InDelta(t, truth[ii], v, 1.5, "prediction %d out of range", ii)
	}

	// Fine model on top of it.
	fineCfg := *cfg
	fineCfg.Mode = config.ModeTrainFine
	fineCfg.OutputDir = filepath.Join(root, "fine")
	fineCfg.ModelFile = coarse.ArchitecturePath
	fineCfg.WeightsDir = coarse.BestWeightsDir
	fineCfg.ModelScale = 1.0 / 16
	fineCfg.NumEpochs = 1
	require.NoError(t, fineCfg.Validate())
	fine, err := New(&fineCfg)
	require.NoError(t, err)
	fine.Progress = io.Discard
	require.NoError(t, fine.Run(context.Background()))
	require.Equal(t, "depth_fine_weights_"+fine.Timestamp, filepath.Base(fine.WeightsDir))
	arch, err := model.LoadArchitecture(fine.ArchitecturePath)
	require.NoError(t, err)
	require.Equal(t, model.KindFine, arch.Kind)
}

func TestRunInterrupted(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default()
	cfg.Mode = config.ModeTrainCoarse
	cfg.DataDir = filepath.Join(root, "data")
	cfg.OutputDir = filepath.Join(root, "models")
	cfg.BatchSize = 1
	cfg.NumEpochs = 3
	cfg.ModelScale = 1.0 / 64
	writeGrayDataset(t, cfg)

	tr, err := New(cfg)
	require.NoError(t, err)
	tr.Progress = io.Discard
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Loading the data is interrupted, nothing is trained.
	err = tr.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.FileExists(t, tr.ArchitecturePath)
}

func TestRunInterruptedDuringFit(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default()
	cfg.Mode = config.ModeTrainCoarse
	cfg.DataDir = filepath.Join(root, "data")
	cfg.OutputDir = filepath.Join(root, "models")
	cfg.BatchSize = 1
	cfg.NumEpochs = 3
	cfg.ModelScale = 1.0 / 64
	cfg.Seed = 11
	writeGrayDataset(t, cfg)
	// A second training pair, so the epoch is interrupted between steps.
	gray := imaging.New(cfg.ImageWidth, cfg.ImageHeight, color.NRGBA{R: 100, G: 100, B: 100, A: 255})
	require.NoError(t, imaging.Save(gray, filepath.Join(cfg.TrainDir(), "dark_image.png")))
	require.NoError(t, imaging.Save(gray, filepath.Join(cfg.TrainDir(), "dark_depth.png")))

	tr, err := New(cfg)
	require.NoError(t, err)
	tr.Progress = io.Discard
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var numSteps int
	tr.afterStep = func(epoch, step int) {
		numSteps++
		cancel()
	}
	err = tr.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorContains(t, err, "partial results saved")
	require.Equal(t, 1, numSteps)

	// Weights and history are saved anyway, and the weights can be loaded.
	require.DirExists(t, tr.WeightsDir)
	require.FileExists(t, tr.HistoryPath)
	require.Equal(t, 0, tr.History().Len())
	reloaded, err := model.Load(tr.ArchitecturePath, tr.WeightsDir, model.Hyperparameters{Lambda: 0.5})
	require.NoError(t, err)
	reloaded.Finalize()
}
