// Package evaluator scores a trained depth model on the test set, and shows random test samples with their
// predicted and true depth maps.
package evaluator

import (
	"context"
	"fmt"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/eigendepth/internal/config"
	"github.com/janpfeifer/eigendepth/internal/dataset"
	"github.com/janpfeifer/eigendepth/internal/loss"
	"github.com/janpfeifer/eigendepth/internal/model"
	"github.com/janpfeifer/eigendepth/internal/ui/spinning"
	"github.com/janpfeifer/eigendepth/internal/viewer"
	"github.com/pkg/errors"
	"io"
	"k8s.io/klog/v2"
	"math/rand/v2"
	"os"
	"path/filepath"
)

// Evaluator of a saved model. Create it with New and call Run.
type Evaluator struct {
	cfg    *config.Config
	viewer viewer.Viewer
	rng    *rand.Rand

	// Out is where the metrics and per-sample scores are printed. Defaults to os.Stdout.
	Out io.Writer

	// Metrics of the model on the test set, set by Run.
	Metrics model.Metrics

	// Scores of the samples shown, set by Run.
	Scores []float32
}

// New creates an Evaluator for the configuration, whose mode must be config.ModeEval.
// Samples are shown with v.
func New(cfg *config.Config, v viewer.Viewer) (*Evaluator, error) {
	if cfg.Mode != config.ModeEval {
		return nil, errors.Errorf("evaluator can't run in mode %s", cfg.Mode)
	}
	seed := uint64(cfg.Seed)
	if seed == 0 {
		seed = rand.Uint64()
	}
	return &Evaluator{
		cfg:    cfg,
		viewer: v,
		rng:    rand.New(rand.NewPCG(seed, seed)),
		Out:    os.Stdout,
	}, nil
}

// Run loads the model and the test set, evaluates the model and shows cfg.NumSamples random samples,
// or until the viewer returns viewer.ErrQuit.
func (e *Evaluator) Run(ctx context.Context) error {
	klog.Infof("[build] %q with weights %q", e.cfg.ModelFile, e.cfg.WeightsDir)
	m, err := model.Load(e.cfg.ModelFile, e.cfg.WeightsDir, model.Hyperparameters{
		LearningRate: e.cfg.LearningRate,
		Momentum:     e.cfg.Momentum,
		Lambda:       e.cfg.Lambda,
	})
	if err != nil {
		return err
	}
	defer m.Finalize()
	klog.Infof("[compile] %s", m)
	_, _ = fmt.Fprintln(e.Out, m.SummaryText())

	klog.Infof("[load data] from %q", e.cfg.TestDir())
	spinner := spinning.New(ctx, "Loading test set")
	testData, err := dataset.Load(ctx, e.cfg.TestDir(), dataset.Options{
		Width:       e.cfg.ImageWidth,
		Height:      e.cfg.ImageHeight,
		Parallelism: e.cfg.Parallelism,
	})
	spinner.Done()
	if err != nil {
		return err
	}
	if err = m.CheckDataset(testData); err != nil {
		return err
	}

	klog.Infof("[evaluate] %d test examples", testData.Len())
	e.Metrics, err = m.Evaluate(ctx, testData, e.cfg.BatchSize)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(e.Out, "Test set: %s\n", e.Metrics)

	for n := range e.cfg.NumSamples {
		err = e.showSample(ctx, m, testData, n)
		if errors.Is(err, viewer.ErrQuit) {
			klog.V(1).Infof("Quit after %d samples", n+1)
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// showSample predicts a random test example, prints its score and shows it.
func (e *Evaluator) showSample(ctx context.Context, m *model.Model, testData *dataset.Dataset, n int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	idx := e.rng.IntN(testData.Len())
	images, _ := testData.Sample(idx)
	predictionT, err := m.Predict(images)
	if err != nil {
		return err
	}
	prediction := tensors.CopyFlatData[float32](predictionT)
	imageValues, depthValues := testData.Example(idx)
	score, err := loss.HostScaleInvariantError(depthValues, prediction, e.cfg.Lambda)
	if err != nil {
		return err
	}
	e.Scores = append(e.Scores, score)
	_, _ = fmt.Fprintf(e.Out, "Sample %d/%d (%s): scale-invariant error %.5g\n",
		n+1, e.cfg.NumSamples, filepath.Base(testData.Pairs[idx].Image), score)

	input, err := dataset.ToImage(imageValues, testData.ImageDims()...)
	if err != nil {
		return err
	}
	predicted, err := dataset.ToImage(prediction, testData.DepthDims()...)
	if err != nil {
		return err
	}
	truth, err := dataset.ToImage(depthValues, testData.DepthDims()...)
	if err != nil {
		return err
	}
	return e.viewer.Show(ctx, []viewer.Frame{
		{Title: "Input", Image: input},
		{Title: fmt.Sprintf("Prediction (%s)", m.Arch.Kind), Image: predicted},
		{Title: "Ground truth", Image: truth},
	})
}
