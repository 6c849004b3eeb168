// Package config holds the configuration of a run: which mode to run, where the dataset and the models are
// and the training hyperparameters.
//
// It is created once at startup (from flags, see cmd/eigendepth) and passed explicitly to the run strategies.
package config

import (
	"fmt"
	"github.com/pkg/errors"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
)

// Config of a run. Use Default to get a Config with all the default values.
type Config struct {
	// Mode selects the run strategy.
	Mode Mode

	// DataDir is the dataset root. It must contain the "train" and "test" subdirectories.
	DataDir string

	// OutputDir is where a new timestamped run directory is created when training.
	OutputDir string

	// ModelFile is the architecture JSON file and WeightsDir the matching checkpoint directory.
	// They are the coarse model to build on for ModeTrainFine, or the model to evaluate for ModeEval.
	ModelFile, WeightsDir string

	// ImageWidth and ImageHeight of the original images in the dataset.
	// The network input is half of that, and the depth map is 1/8.
	ImageWidth, ImageHeight int

	BatchSize int
	NumEpochs int

	// LearningRate and Momentum of the SGD optimizer.
	LearningRate, Momentum float64

	// Lambda is the weight of the scale-invariance term of the loss.
	Lambda float64

	// ModelScale multiplies the number of filters and hidden units of every layer. 1.0 is the published
	// architecture, smaller values are handy to try things on a CPU.
	ModelScale float64

	// NumSamples is the number of random test samples shown during evaluation.
	NumSamples int

	// SaveSamplesDir, if set, is where the displayed samples are also saved as PNG files.
	SaveSamplesDir string

	// Parallelism is the number of images decoded in parallel when loading the dataset. Values below 1 mean 1.
	Parallelism int

	// Seed for the random number generators used for shuffling and sampling. 0 means a random seed.
	Seed int64
}

// Default configuration, matching the values used to train the published models.
func Default() *Config {
	return &Config{
		Mode:         ModeEval,
		OutputDir:    "models",
		ImageWidth:   640,
		ImageHeight:  480,
		BatchSize:    32,
		NumEpochs:    1000,
		LearningRate: 0.1,
		Momentum:     0.9,
		Lambda:       0.5,
		ModelScale:   1.0,
		NumSamples:   100,
		Parallelism:  runtime.NumCPU(),
	}
}

// TrainDir returns the directory with the training split of the dataset.
func (c *Config) TrainDir() string { return filepath.Join(c.DataDir, "train") }

// TestDir returns the directory with the test split of the dataset.
func (c *Config) TestDir() string { return filepath.Join(c.DataDir, "test") }

// ApplySettings overrides the hyperparameters with the values in a "key=value,..." settings string.
// Unknown keys are reported as errors.
func (c *Config) ApplySettings(s string) error {
	settings := ParseSettings(s)
	var err error
	if c.LearningRate, err = Pop(settings, "learning_rate", c.LearningRate); err != nil {
		return err
	}
	if c.Momentum, err = Pop(settings, "momentum", c.Momentum); err != nil {
		return err
	}
	if c.Lambda, err = Pop(settings, "lambda", c.Lambda); err != nil {
		return err
	}
	if c.ModelScale, err = Pop(settings, "model_scale", c.ModelScale); err != nil {
		return err
	}
	if c.BatchSize, err = Pop(settings, "batch_size", c.BatchSize); err != nil {
		return err
	}
	if c.NumEpochs, err = Pop(settings, "epochs", c.NumEpochs); err != nil {
		return err
	}
	if c.Seed, err = Pop(settings, "seed", c.Seed); err != nil {
		return err
	}
	if len(settings) > 0 {
		keys := make([]string, 0, len(settings))
		for key := range settings {
			keys = append(keys, key)
		}
		slices.Sort(keys)
		return errors.Errorf("unknown settings %q: valid keys are learning_rate, momentum, lambda, "+
			"model_scale, batch_size, epochs and seed", strings.Join(keys, ","))
	}
	return nil
}

// Validate checks that the configuration is consistent for its Mode.
func (c *Config) Validate() error {
	if !c.Mode.IsAMode() {
		return errors.Errorf("invalid mode %s, valid values are %q", c.Mode, ModeStrings())
	}
	if c.DataDir == "" {
		return errors.New("dataset directory not set")
	}
	if c.ImageWidth <= 0 || c.ImageHeight <= 0 || c.ImageWidth%8 != 0 || c.ImageHeight%8 != 0 {
		return errors.Errorf("invalid image size %dx%d: dimensions must be positive multiples of 8",
			c.ImageWidth, c.ImageHeight)
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("invalid batch size %d", c.BatchSize)
	}
	if c.Lambda < 0 || c.Lambda > 1 {
		return errors.Errorf("invalid lambda %g, it must be in [0, 1]", c.Lambda)
	}
	if c.ModelScale <= 0 {
		return errors.Errorf("invalid model scale %g", c.ModelScale)
	}
	switch c.Mode {
	case ModeTrainCoarse:
		if c.OutputDir == "" {
			return errors.New("output directory not set")
		}
		if c.NumEpochs <= 0 {
			return errors.Errorf("invalid number of epochs %d", c.NumEpochs)
		}
	case ModeTrainFine:
		if c.OutputDir == "" {
			return errors.New("output directory not set")
		}
		if c.NumEpochs <= 0 {
			return errors.Errorf("invalid number of epochs %d", c.NumEpochs)
		}
		if c.ModelFile == "" || c.WeightsDir == "" {
			return errors.New("training the fine model requires the coarse model architecture file and weights")
		}
	case ModeEval:
		if c.ModelFile == "" || c.WeightsDir == "" {
			return errors.New("evaluation requires the model architecture file and weights")
		}
		if c.NumSamples < 0 {
			return errors.Errorf("invalid number of samples %d", c.NumSamples)
		}
	}
	return nil
}

// String implements fmt.Stringer, with a one-line summary of the configuration.
func (c *Config) String() string {
	return fmt.Sprintf("mode=%s, data=%q, image=%dx%d, batch_size=%d, epochs=%d, learning_rate=%g, "+
		"momentum=%g, lambda=%g, model_scale=%g",
		c.Mode, c.DataDir, c.ImageWidth, c.ImageHeight, c.BatchSize, c.NumEpochs, c.LearningRate,
		c.Momentum, c.Lambda, c.ModelScale)
}
