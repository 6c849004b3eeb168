package model

import (
	"encoding/json"
	"github.com/janpfeifer/eigendepth/internal/durable"
	"github.com/pkg/errors"
	"math"
	"os"
)

// ConvStage describes one convolution stage: convolution with "same" padding, then ReLU (unless Linear),
// then max-pooling (if Pool > 1).
type ConvStage struct {
	Name       string `json:"name"`
	Filters    int    `json:"filters"`
	KernelSize int    `json:"kernel_size"`
	Strides    int    `json:"strides"`
	Pool       int    `json:"pool,omitempty"`
	Linear     bool   `json:"linear,omitempty"`
}

// CoarseArchitecture is the global estimator: convolution stages, a hidden fully-connected layer with dropout,
// and a fully-connected output layer with one unit per output pixel.
type CoarseArchitecture struct {
	Convs       []ConvStage `json:"convs"`
	HiddenUnits int         `json:"hidden_units"`
	DropoutRate float64     `json:"dropout_rate"`
}

// FineArchitecture is the refinement branch: Input is applied to the image, its output is concatenated with
// the coarse output, and then the Refine stages follow. The last Refine stage must have 1 filter.
type FineArchitecture struct {
	Input  ConvStage   `json:"input"`
	Refine []ConvStage `json:"refine"`
}

// Architecture is the topology of a depth model, independent of its weights.
// It is what is saved as the model JSON file, next to the weights checkpoint.
type Architecture struct {
	Kind Kind `json:"kind"`

	// InputHeight and InputWidth of the images fed to the network: that is, after downsampling.
	InputHeight int `json:"input_height"`
	InputWidth  int `json:"input_width"`

	// OutputHeight and OutputWidth of the predicted depth map.
	OutputHeight int `json:"output_height"`
	OutputWidth  int `json:"output_width"`

	// InitRange: weights are initialized uniformly in [-InitRange, InitRange].
	InitRange float64 `json:"init_range"`

	Coarse CoarseArchitecture `json:"coarse"`
	Fine   *FineArchitecture  `json:"fine,omitempty"`
}

// DefaultInitRange is the range of the uniform initialization of the weights.
const DefaultInitRange = 0.05

// NewCoarse returns the coarse architecture for input images of the given size (after downsampling).
// The depth map predicted is 1/4 of the input size.
func NewCoarse(inputHeight, inputWidth int) *Architecture {
	return &Architecture{
		Kind:         KindCoarse,
		InputHeight:  inputHeight,
		InputWidth:   inputWidth,
		OutputHeight: inputHeight / 4,
		OutputWidth:  inputWidth / 4,
		InitRange:    DefaultInitRange,
		Coarse: CoarseArchitecture{
			Convs: []ConvStage{
				{Name: "coarse_1", Filters: 96, KernelSize: 11, Strides: 4, Pool: 2},
				{Name: "coarse_2", Filters: 256, KernelSize: 5, Strides: 1, Pool: 2},
				{Name: "coarse_3", Filters: 384, KernelSize: 3, Strides: 1},
				{Name: "coarse_4", Filters: 384, KernelSize: 3, Strides: 1},
				{Name: "coarse_5", Filters: 256, KernelSize: 3, Strides: 1, Pool: 2},
			},
			HiddenUnits: 4096,
			DropoutRate: 0.5,
		},
	}
}

// WithFine returns a copy of the architecture with the default fine branch attached: it becomes a KindFine
// architecture whose coarse part is unchanged.
func (a *Architecture) WithFine() *Architecture {
	fine := a.clone()
	fine.Kind = KindFine
	fine.Fine = &FineArchitecture{
		Input: ConvStage{Name: "fine_1", Filters: 63, KernelSize: 9, Strides: 2, Pool: 2},
		Refine: []ConvStage{
			{Name: "fine_3", Filters: 64, KernelSize: 5, Strides: 1},
			{Name: "fine_4", Filters: 1, KernelSize: 5, Strides: 1, Linear: true},
		},
	}
	return fine
}

// Scaled returns a copy of the architecture with the number of filters and hidden units multiplied by factor.
// Every value is at least 1, and the last fine stage is kept with 1 filter.
func (a *Architecture) Scaled(factor float64) *Architecture {
	scaled := a.clone()
	scale := func(n int) int { return max(1, int(math.Round(float64(n)*factor))) }
	for ii := range scaled.Coarse.Convs {
		scaled.Coarse.Convs[ii].Filters = scale(scaled.Coarse.Convs[ii].Filters)
	}
	scaled.Coarse.HiddenUnits = scale(scaled.Coarse.HiddenUnits)
	if scaled.Fine != nil {
		scaled.Fine.Input.Filters = scale(scaled.Fine.Input.Filters)
		for ii := range len(scaled.Fine.Refine) - 1 {
			scaled.Fine.Refine[ii].Filters = scale(scaled.Fine.Refine[ii].Filters)
		}
	}
	return scaled
}

func (a *Architecture) clone() *Architecture {
	c := *a
	c.Coarse.Convs = append([]ConvStage(nil), a.Coarse.Convs...)
	if a.Fine != nil {
		fine := *a.Fine
		fine.Refine = append([]ConvStage(nil), a.Fine.Refine...)
		c.Fine = &fine
	}
	return &c
}

// stageOutputSize returns the spatial size after the stage: "same" padding rounds up, pooling rounds down.
func stageOutputSize(size int, stage ConvStage) int {
	size = (size + stage.Strides - 1) / stage.Strides
	if stage.Pool > 1 {
		size /= stage.Pool
	}
	return size
}

// Validate checks the architecture is well-formed: every stage has positive values, no spatial dimension
// vanishes and the fine branch output matches the coarse output.
func (a *Architecture) Validate() error {
	if !a.Kind.IsAKind() {
		return errors.Errorf("invalid model kind %s", a.Kind)
	}
	if a.InputHeight <= 0 || a.InputWidth <= 0 || a.OutputHeight <= 0 || a.OutputWidth <= 0 {
		return errors.Errorf("invalid input (%dx%d) or output (%dx%d) size",
			a.InputHeight, a.InputWidth, a.OutputHeight, a.OutputWidth)
	}
	if len(a.Coarse.Convs) == 0 || a.Coarse.HiddenUnits <= 0 {
		return errors.New("coarse model needs at least one convolution and one hidden unit")
	}
	if a.Coarse.DropoutRate < 0 || a.Coarse.DropoutRate >= 1 {
		return errors.Errorf("invalid dropout rate %g", a.Coarse.DropoutRate)
	}
	names := make(map[string]bool)
	checkStage := func(stage ConvStage) error {
		if stage.Name == "" || names[stage.Name] {
			return errors.Errorf("stage name %q is empty or duplicate", stage.Name)
		}
		names[stage.Name] = true
		if stage.Filters <= 0 || stage.KernelSize <= 0 || stage.Strides <= 0 || stage.Pool < 0 {
			return errors.Errorf("stage %q has invalid configuration %+v", stage.Name, stage)
		}
		return nil
	}
	height, width := a.InputHeight, a.InputWidth
	for _, stage := range a.Coarse.Convs {
		if err := checkStage(stage); err != nil {
			return err
		}
		height, width = stageOutputSize(height, stage), stageOutputSize(width, stage)
		if height <= 0 || width <= 0 {
			return errors.Errorf("input %dx%d vanishes at coarse stage %q", a.InputHeight, a.InputWidth, stage.Name)
		}
	}

	switch a.Kind {
	case KindCoarse:
		if a.Fine != nil {
			return errors.New("coarse model must not have a fine branch")
		}
	case KindFine:
		if a.Fine == nil || len(a.Fine.Refine) == 0 {
			return errors.New("fine model requires the fine branch with at least one refinement stage")
		}
		if err := checkStage(a.Fine.Input); err != nil {
			return err
		}
		height, width = stageOutputSize(a.InputHeight, a.Fine.Input), stageOutputSize(a.InputWidth, a.Fine.Input)
		if height != a.OutputHeight || width != a.OutputWidth {
			return errors.Errorf("fine stage %q outputs %dx%d, but the coarse model outputs %dx%d",
				a.Fine.Input.Name, height, width, a.OutputHeight, a.OutputWidth)
		}
		for _, stage := range a.Fine.Refine {
			if err := checkStage(stage); err != nil {
				return err
			}
			if stage.Strides != 1 || stage.Pool > 1 {
				return errors.Errorf("fine refinement stage %q must keep the resolution (strides=1, no pooling)",
					stage.Name)
			}
		}
		if last := a.Fine.Refine[len(a.Fine.Refine)-1]; last.Filters != 1 {
			return errors.Errorf("last fine stage %q must have 1 filter, got %d", last.Name, last.Filters)
		}
	}
	return nil
}

// Save writes the architecture as JSON to path, and syncs it to disk.
func (a *Architecture) Save(path string) error {
	blob, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize %s model architecture", a.Kind)
	}
	return durable.WriteFile(path, blob)
}

// LoadArchitecture reads and validates an architecture saved with Architecture.Save.
func LoadArchitecture(path string) (*Architecture, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model architecture")
	}
	a := &Architecture{}
	if err = json.Unmarshal(blob, a); err != nil {
		return nil, errors.Wrapf(err, "failed to parse model architecture in %q", path)
	}
	if err = a.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid model architecture in %q", path)
	}
	return a, nil
}
