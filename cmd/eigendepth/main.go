// eigendepth trains and evaluates the coarse and fine depth estimation models.
//
// Train the coarse model first, then the fine model on top of it, then evaluate it:
//
//	$ eigendepth -mode=train_coarse -data=nyu -output=models
//	$ eigendepth -mode=train_fine -data=nyu -output=models \
//	    -model=models/<run>/depth_coarse_model_<run>.json -weights=models/<run>/coarse-weights-best
//	$ eigendepth -mode=eval -data=nyu \
//	    -model=models/<run>/depth_fine_model_<run>.json -weights=models/<run>/fine-weights-best
//
// The dataset directory must have a "train" and a "test" subdirectory, with "<name>_image.png" and
// "<name>_depth.png" pairs.
package main

import (
	"context"
	"flag"
	"github.com/janpfeifer/eigendepth/internal/config"
	"github.com/janpfeifer/eigendepth/internal/evaluator"
	"github.com/janpfeifer/eigendepth/internal/profilers"
	"github.com/janpfeifer/eigendepth/internal/trainer"
	"github.com/janpfeifer/eigendepth/internal/ui/spinning"
	"github.com/janpfeifer/eigendepth/internal/viewer"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"os"
	"time"
)

var (
	defaults = config.Default()
	flagMode = defaults.Mode

	flagData        = flag.String("data", "", "Dataset directory, with the \"train\" and \"test\" subdirectories.")
	flagOutput      = flag.String("output", defaults.OutputDir, "Directory where training runs are saved.")
	flagModel       = flag.String("model", "", "Model architecture JSON file: the coarse model to build on for train_fine, or the model to evaluate.")
	flagWeights     = flag.String("weights", "", "Model weights directory matching -model.")
	flagBatchSize   = flag.Int("batch_size", defaults.BatchSize, "Batch size for training and evaluation.")
	flagEpochs      = flag.Int("epochs", defaults.NumEpochs, "Number of training epochs.")
	flagWidth       = flag.Int("width", defaults.ImageWidth, "Width of the dataset images.")
	flagHeight      = flag.Int("height", defaults.ImageHeight, "Height of the dataset images.")
	flagSamples     = flag.Int("samples", defaults.NumSamples, "Number of random test samples to show in eval mode.")
	flagSaveSamples = flag.String("save_samples", "", "If set, samples shown in eval mode are also saved as PNG files in this directory.")
	flagParallelism = flag.Int("parallelism", defaults.Parallelism, "Number of images decoded in parallel.")
	flagSeed        = flag.Int64("seed", 0, "Seed for weights initialization, shuffling and sampling. 0 uses a random seed.")
	flagConfig      = flag.String("config", "", "Comma-separated hyperparameters settings, e.g. \"learning_rate=0.1,momentum=0.9,lambda=0.5,model_scale=1\".")
	flagViewer      = flag.String("viewer", "auto", "How samples are shown in eval mode: \"gtk\" (one window per image), \"terminal\", or \"auto\" (gtk if a display is available).")
	flagGracePeriod = flag.Duration("grace_period", 0, "Time given to stop after an interrupt (Ctrl+C) before exiting. 0 uses the mode default: no limit when training (interrupt again to exit right away), 5s for eval.")
)

// evalGracePeriod is the default grace period after an interrupt in eval mode.
const evalGracePeriod = 5 * time.Second

func init() {
	flag.TextVar(&flagMode, "mode", defaults.Mode, "Run mode, one of train_coarse, train_fine or eval.")
}

// Runner is a run strategy, selected by the mode.
type Runner interface {
	Run(ctx context.Context) error
}

var (
	_ Runner = (*trainer.Trainer)(nil)
	_ Runner = (*evaluator.Evaluator)(nil)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	cfg := must.M1(configFromFlags())
	if err := run(cfg); err != nil {
		klog.Exitf("Failed to %s: %+v", cfg.Mode, err)
	}
}

// run the configured mode. Deferred cleanups (profiles, viewer windows) are done before returning.
func run(cfg *config.Config) error {
	// Capture Control+C
	globalCtx, globalCancel := context.WithCancel(context.Background())
	defer globalCancel()
	spinning.SafeInterrupt(globalCancel, gracePeriod(cfg.Mode, *flagGracePeriod))

	// Profilers: HTTP profiler server and CPU profile.
	profilers.Setup(globalCtx)
	defer profilers.OnQuit()

	klog.Infof("Configuration: %s", cfg)
	runner, cleanup, err := newRunner(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	return runner.Run(globalCtx)
}

// gracePeriod after an interrupt: training saves its weights before stopping, which can take long for a
// full size model, so by default it is given as long as it needs.
func gracePeriod(mode config.Mode, flagValue time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if mode == config.ModeEval {
		return evalGracePeriod
	}
	return 0
}

// configFromFlags builds and validates the configuration.
func configFromFlags() (*config.Config, error) {
	cfg := config.Default()
	cfg.Mode = flagMode
	cfg.DataDir = *flagData
	cfg.OutputDir = *flagOutput
	cfg.ModelFile = *flagModel
	cfg.WeightsDir = *flagWeights
	cfg.BatchSize = *flagBatchSize
	cfg.NumEpochs = *flagEpochs
	cfg.ImageWidth = *flagWidth
	cfg.ImageHeight = *flagHeight
	cfg.NumSamples = *flagSamples
	cfg.SaveSamplesDir = *flagSaveSamples
	cfg.Parallelism = *flagParallelism
	cfg.Seed = *flagSeed
	if err := cfg.ApplySettings(*flagConfig); err != nil {
		return nil, errors.WithMessagef(err, "invalid -config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newRunner returns the run strategy for the configured mode, and a function to release its resources.
func newRunner(cfg *config.Config) (Runner, func(), error) {
	switch cfg.Mode {
	case config.ModeTrainCoarse, config.ModeTrainFine:
		t, err := trainer.New(cfg)
		return t, func() {}, err
	case config.ModeEval:
		v, closeViewer, err := newViewer(*flagViewer, cfg.SaveSamplesDir)
		if err != nil {
			return nil, nil, err
		}
		e, err := evaluator.New(cfg, v)
		if err != nil {
			closeViewer()
			return nil, nil, err
		}
		return e, closeViewer, nil
	}
	return nil, nil, errors.Errorf("mode %s not implemented", cfg.Mode)
}

// newViewer creates the viewer selected by kind ("gtk", "terminal" or "auto"), and a function to close it.
func newViewer(kind, saveDir string) (viewer.Viewer, func(), error) {
	switch kind {
	case "auto":
		if hasDisplay() {
			v, closeViewer, err := newGTKViewer(saveDir)
			if err == nil {
				return v, closeViewer, nil
			}
			klog.Warningf("GTK viewer not available, using the terminal: %v", err)
		}
		return newViewer("terminal", saveDir)
	case "gtk":
		return newGTKViewer(saveDir)
	case "terminal":
		t := viewer.NewTerminal(os.Stdin, os.Stdout)
		t.SaveDir = saveDir
		return t, func() {}, nil
	}
	return nil, nil, errors.Errorf("invalid -viewer=%q, valid values are \"auto\", \"gtk\" or \"terminal\"", kind)
}

// hasDisplay returns whether there is an X11 or Wayland display to open windows on.
func hasDisplay() bool {
	return os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
}
