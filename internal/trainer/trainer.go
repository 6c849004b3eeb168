// Package trainer implements the training of the coarse and the fine depth models.
//
// A run goes through these stages, in order: build the model, compile its executors, persist the
// architecture, load the data, fit, persist the weights and the history, reload the model from disk and
// re-evaluate it. All artifacts are written to a new run directory named after the start time.
package trainer

import (
	"context"
	"fmt"
	"github.com/janpfeifer/eigendepth/internal/config"
	"github.com/janpfeifer/eigendepth/internal/dataset"
	"github.com/janpfeifer/eigendepth/internal/durable"
	"github.com/janpfeifer/eigendepth/internal/model"
	"github.com/janpfeifer/eigendepth/internal/ui/spinning"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/stat"
	"io"
	"k8s.io/klog/v2"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"
)

// TimestampLayout is used to name the run directory and its artifacts.
const TimestampLayout = "2006-01-02-150405"

// History keys.
const (
	KeyLoss        = "loss"
	KeyValLoss     = "val_loss"
	KeyValAccuracy = "val_accuracy"
	KeyValRMSE     = "val_rmse"
)

// ReloadTolerance is the maximum relative difference of the test loss between the trained model and the same
// model reloaded from disk.
const ReloadTolerance = 1e-4

// Trainer of one depth model. Create it with New, and call Run once.
type Trainer struct {
	cfg  *config.Config
	kind model.Kind
	rng  *rand.Rand

	model               *model.Model
	trainData, testData *dataset.Dataset
	history             *History

	// Timestamp of the run, used in the name of all its artifacts.
	Timestamp string

	// Paths of the artifacts, set as the run progresses.
	RunDir, ArchitecturePath, WeightsDir, BestWeightsDir, HistoryPath string

	// Progress is where the progress bar is drawn. Defaults to os.Stderr.
	Progress io.Writer

	// Final is the metrics on the test set of the model reloaded from disk, at the end of the run.
	Final model.Metrics

	// afterStep, if set, is called after each training step.
	afterStep func(epoch, step int)
}

// New creates a Trainer for the configuration, whose mode must be config.ModeTrainCoarse or
// config.ModeTrainFine.
func New(cfg *config.Config) (*Trainer, error) {
	t := &Trainer{
		cfg:       cfg,
		Timestamp: time.Now().Format(TimestampLayout),
		Progress:  os.Stderr,
		history:   NewHistory(KeyLoss, KeyValLoss, KeyValAccuracy, KeyValRMSE),
	}
	switch cfg.Mode {
	case config.ModeTrainCoarse:
		t.kind = model.KindCoarse
	case config.ModeTrainFine:
		t.kind = model.KindFine
	default:
		return nil, errors.Errorf("trainer can't run in mode %s", cfg.Mode)
	}
	seed := uint64(cfg.Seed)
	if seed == 0 {
		seed = rand.Uint64()
	}
	t.rng = rand.New(rand.NewPCG(seed, seed))
	return t, nil
}

// History of the run so far.
func (t *Trainer) History() *History {
	return t.history
}

// hyperparameters used to build the model.
func (t *Trainer) hyperparameters() model.Hyperparameters {
	return model.Hyperparameters{
		LearningRate: t.cfg.LearningRate,
		Momentum:     t.cfg.Momentum,
		Lambda:       t.cfg.Lambda,
		Seed:         t.cfg.Seed,
	}
}

// artifactPath returns the path in the run directory of an artifact named depth_<kind>_<what>_<timestamp><ext>.
func (t *Trainer) artifactPath(what, ext string) string {
	return filepath.Join(t.RunDir, fmt.Sprintf("depth_%s_%s_%s%s", t.kind, what, t.Timestamp, ext))
}

// Run the training, from building the model to checking the saved model can be reloaded.
//
// If ctx is cancelled during the fit, the weights and the history are still saved, and the error returned
// wraps ctx.Err().
func (t *Trainer) Run(ctx context.Context) error {
	klog.Infof("[build] %s model", t.kind)
	if err := t.build(); err != nil {
		return err
	}
	defer t.model.Finalize()
	klog.Infof("[compile] %s", t.model)
	t.model.Summary()

	klog.Infof("[persist architecture]")
	if err := t.createRunDir(); err != nil {
		return err
	}
	t.ArchitecturePath = t.artifactPath("model", ".json")
	if err := t.model.Arch.Save(t.ArchitecturePath); err != nil {
		return err
	}

	klog.Infof("[load data] from %q", t.cfg.DataDir)
	if err := t.loadData(ctx); err != nil {
		return err
	}

	klog.Infof("[fit] %d epochs, batch size %d, %d training and %d test examples",
		t.cfg.NumEpochs, t.cfg.BatchSize, t.trainData.Len(), t.testData.Len())
	t.BestWeightsDir = filepath.Join(t.RunDir, fmt.Sprintf("%s-weights-best", t.kind))
	bestCheckpoint, err := t.model.NewCheckpoint(t.BestWeightsDir, 1)
	if err != nil {
		return err
	}
	fitErr := t.fit(ctx, NewBestCheckpoint(bestCheckpoint))
	if fitErr != nil && ctx.Err() == nil {
		return fitErr
	}

	klog.Infof("[persist weights and history]")
	t.WeightsDir = t.artifactPath("weights", "")
	if err = t.model.SaveWeights(t.WeightsDir); err != nil {
		return err
	}
	t.HistoryPath = t.artifactPath("hist", ".json")
	if err = t.history.Save(t.HistoryPath); err != nil {
		return err
	}
	if err = durable.SyncPath(t.RunDir); err != nil {
		return err
	}
	if fitErr != nil {
		return errors.WithMessagef(fitErr, "training interrupted, partial results saved in %q", t.RunDir)
	}

	klog.Infof("[reload] %q", t.WeightsDir)
	return t.reloadAndEvaluate(ctx)
}

// build the model: a new coarse model, or a fine model on top of the configured coarse model.
func (t *Trainer) build() (err error) {
	switch t.kind {
	case model.KindCoarse:
		arch := model.NewCoarse(t.cfg.ImageHeight/2, t.cfg.ImageWidth/2).Scaled(t.cfg.ModelScale)
		t.model, err = model.New(arch, t.hyperparameters())
	case model.KindFine:
		t.model, err = model.NewFine(t.cfg.ModelFile, t.cfg.WeightsDir, t.cfg.ModelScale, t.hyperparameters())
	}
	return err
}

// createRunDir creates a new directory for this run under the output directory. It fails if it already exists.
func (t *Trainer) createRunDir() error {
	if err := os.MkdirAll(t.cfg.OutputDir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create output directory")
	}
	t.RunDir = filepath.Join(t.cfg.OutputDir, t.Timestamp)
	if err := os.Mkdir(t.RunDir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create run directory")
	}
	klog.Infof("Run directory: %s", t.RunDir)
	return nil
}

// loadData loads the train and test splits, and checks they match the model input and output sizes.
func (t *Trainer) loadData(ctx context.Context) error {
	opts := dataset.Options{
		Width:       t.cfg.ImageWidth,
		Height:      t.cfg.ImageHeight,
		Parallelism: t.cfg.Parallelism,
	}
	spinner := spinning.New(ctx, "Loading dataset")
	defer spinner.Done()
	var err error
	t.trainData, err = dataset.Load(ctx, t.cfg.TrainDir(), opts)
	if err != nil {
		return err
	}
	t.testData, err = dataset.Load(ctx, t.cfg.TestDir(), opts)
	if err != nil {
		return err
	}
	if err = t.model.CheckDataset(t.trainData); err != nil {
		return err
	}
	return t.model.CheckDataset(t.testData)
}

// fit trains for the configured number of epochs, validating after each one.
func (t *Trainer) fit(ctx context.Context, best *BestCheckpoint) error {
	numEpochs := t.cfg.NumEpochs
	for epoch := range numEpochs {
		trainLoss, err := t.trainEpoch(ctx, epoch)
		if err != nil {
			return err
		}
		metrics, err := t.model.Evaluate(ctx, t.testData, t.cfg.BatchSize)
		if err != nil {
			return err
		}
		t.history.Append(KeyLoss, trainLoss)
		t.history.Append(KeyValLoss, metrics.Loss)
		t.history.Append(KeyValAccuracy, metrics.Accuracy)
		t.history.Append(KeyValRMSE, metrics.RMSE)
		saved, err := best.Update(epoch, metrics.Loss)
		if err != nil {
			return err
		}
		var note string
		if saved {
			note = " (best so far, saved)"
		}
		klog.Infof("Epoch %d/%d: loss=%.5g val_loss=%.5g val_accuracy=%.4f val_rmse=%.5g%s",
			epoch+1, numEpochs, trainLoss, metrics.Loss, metrics.Accuracy, metrics.RMSE, note)
	}
	return nil
}

// trainEpoch trains over one shuffled pass of the training data, and returns the mean loss of the steps,
// weighted by their batch sizes.
func (t *Trainer) trainEpoch(ctx context.Context, epoch int) (float64, error) {
	numBatches := t.trainData.NumBatches(t.cfg.BatchSize)
	bar := progressbar.NewOptions(numBatches,
		progressbar.OptionSetWriter(t.Progress),
		progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d/%d", epoch+1, t.cfg.NumEpochs)),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish())
	defer func() { _ = bar.Finish() }()

	losses := make([]float64, 0, numBatches)
	weights := make([]float64, 0, numBatches)
	for images, depths := range t.trainData.Batches(t.cfg.BatchSize, t.rng) {
		if err := ctx.Err(); err != nil {
			return 0, errors.Wrapf(err, "epoch %d interrupted after %d steps", epoch+1, len(losses))
		}
		numExamples := depths.Shape().Dim(0)
		loss, err := t.model.TrainStep(images, depths)
		if err != nil {
			return 0, err
		}
		losses = append(losses, float64(loss))
		weights = append(weights, float64(numExamples))
		if t.afterStep != nil {
			t.afterStep(epoch, len(losses))
		}
		bar.Describe(fmt.Sprintf("Epoch %d/%d: loss=%.4g", epoch+1, t.cfg.NumEpochs, loss))
		_ = bar.Add(1)
	}
	return stat.Mean(losses, weights), nil
}

// reloadAndEvaluate loads the saved architecture and weights into a new model, and checks it scores the same
// as the trained model on the test set.
func (t *Trainer) reloadAndEvaluate(ctx context.Context) error {
	want, err := t.model.Evaluate(ctx, t.testData, t.cfg.BatchSize)
	if err != nil {
		return err
	}
	reloaded, err := model.Load(t.ArchitecturePath, t.WeightsDir, t.hyperparameters())
	if err != nil {
		return errors.WithMessagef(err, "failed to reload the trained model")
	}
	defer reloaded.Finalize()
	klog.Infof("[re-evaluate] %s", reloaded)
	t.Final, err = reloaded.Evaluate(ctx, t.testData, t.cfg.BatchSize)
	if err != nil {
		return err
	}
	fmt.Printf("Test set: %s\n", t.Final)
	if !closeEnough(want.Loss, t.Final.Loss) {
		return errors.Errorf("reloaded model test loss %.6g differs from the trained model test loss %.6g",
			t.Final.Loss, want.Loss)
	}
	return nil
}

// closeEnough compares losses with a relative tolerance. Two NaNs are considered equal.
func closeEnough(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	return math.Abs(a-b) <= ReloadTolerance*max(1, math.Abs(a))
}
