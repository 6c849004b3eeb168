package evaluator

import (
	"bytes"
	"context"
	"fmt"
	"github.com/disintegration/imaging"
	"github.com/janpfeifer/eigendepth/internal/config"
	"github.com/janpfeifer/eigendepth/internal/model"
	"github.com/janpfeifer/eigendepth/internal/viewer"
	"github.com/stretchr/testify/require"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/xla"
)

// recorder is a viewer.Viewer that records the frames shown, and quits after quitAfter shows (if > 0).
type recorder struct {
	shows     [][]viewer.Frame
	quitAfter int
}

func (r *recorder) Show(_ context.Context, frames []viewer.Frame) error {
	r.shows = append(r.shows, frames)
	if r.quitAfter > 0 && len(r.shows) >= r.quitAfter {
		return viewer.ErrQuit
	}
	return nil
}

// setup writes a tiny saved model and a test set of 64x64 images, and returns the configuration to evaluate it.
func setup(t *testing.T) *config.Config {
	root := t.TempDir()
	cfg := config.Default()
	cfg.Mode = config.ModeEval
	cfg.DataDir = filepath.Join(root, "data")
	cfg.ImageWidth, cfg.ImageHeight = 64, 64
	cfg.BatchSize = 2
	cfg.Seed = 3
	cfg.ModelFile = filepath.Join(root, "model.json")
	cfg.WeightsDir = filepath.Join(root, "weights")

	require.NoError(t, os.MkdirAll(cfg.TestDir(), 0755))
	for ii := range 3 {
		base := filepath.Join(cfg.TestDir(), fmt.Sprintf("%02d", ii))
		img := imaging.New(64, 64, color.NRGBA{R: uint8(80 * ii), G: 30, B: 200, A: 255})
		require.NoError(t, imaging.Save(img, base+"_image.png"))
		depth := imaging.New(64, 64, color.NRGBA{R: 90, G: 90, B: 90, A: 255})
		require.NoError(t, imaging.Save(depth, base+"_depth.png"))
	}

	arch := model.NewCoarse(32, 32).Scaled(1.0 / 64)
	m, err := model.New(arch, model.Hyperparameters{Lambda: 0.5, Seed: 1})
	require.NoError(t, err)
	defer m.Finalize()
	require.NoError(t, arch.Save(cfg.ModelFile))
	require.NoError(t, m.SaveWeights(cfg.WeightsDir))
	return cfg
}

func TestRun(t *testing.T) {
	cfg := setup(t)
	cfg.NumSamples = 5
	require.NoError(t, cfg.Validate())

	// Quit after 2 samples.
	r := &recorder{quitAfter: 2}
	e, err := New(cfg, r)
	require.NoError(t, err)
	var out bytes.Buffer
	e.Out = &out
	require.NoError(t, e.Run(context.Background()))
	require.Len(t, r.shows, 2)
	require.Len(t, e.Scores, 2)
	require.Contains(t, out.String(), "coarse model [32x32 -> 8x8]:")
	require.Contains(t, out.String(), "trainable")
	require.Contains(t, out.String(), "Test set: loss=")
	require.Contains(t, out.String(), "Sample 2/5")
	frames := r.shows[0]
	require.Len(t, frames, 3)
	require.Equal(t, "Prediction (coarse)", frames[1].Title)
	require.Equal(t, 32, frames[0].Image.Bounds().Dx())
	require.Equal(t, 8, frames[1].Image.Bounds().Dx())
	require.Equal(t, 8, frames[2].Image.Bounds().Dy())
	for _, score := range e.Scores {
		require.GreaterOrEqual(t, score, float32(0))
	}

	// All samples.
	r = &recorder{}
	cfg.NumSamples = 3
	e, err = New(cfg, r)
	require.NoError(t, err)
	e.Out = &out
	require.NoError(t, e.Run(context.Background()))
	require.Len(t, r.shows, 3)
	require.True(t, e.Metrics.Accuracy >= 0 && e.Metrics.Accuracy <= 1)
}

func TestRunErrors(t *testing.T) {
	cfg := setup(t)
	cfg.Mode = config.ModeTrainCoarse
	_, err := New(cfg, &recorder{})
	require.Error(t, err)

	// Images of a different size than the model input.
	cfg.Mode = config.ModeEval
	cfg.ImageWidth = 128
	e, err := New(cfg, &recorder{})
	require.NoError(t, err)
	require.ErrorContains(t, e.Run(context.Background()), "expected 128x64")
}
