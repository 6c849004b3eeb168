// Package model implements the coarse and fine depth estimation models with GoMLX: their graphs, the optimizer
// used to train them, and the executors to train, evaluate and predict.
//
// A model is made of its Architecture (saved as JSON) and its weights (saved as a GoMLX checkpoint directory).
package model

import (
	"fmt"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/eigendepth/internal/generics"
	"github.com/janpfeifer/eigendepth/internal/loss"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"sync"
)

const (
	// ParamLambda is the context hyperparameter with the weight of the scale-invariance term of the loss.
	ParamLambda = "lambda"
)

var (
	// Backend is a singleton, shared by all models.
	backend = sync.OnceValue(func() backends.Backend { return backends.New() })

	// muNewExec serializes the creation of executors.
	muNewExec sync.Mutex
)

// Hyperparameters used to train a model. They are not saved with the model.
type Hyperparameters struct {
	LearningRate, Momentum, Lambda float64

	// Seed for the initialization of the weights and for dropout. If 0 a random seed is used.
	Seed int64
}

// Model is a depth model with its weights, ready to predict, evaluate or train.
type Model struct {
	Arch *Architecture

	ctx       *context.Context
	optimizer optimizers.Interface

	// Executors.
	predictExec, metricsExec, trainStepExec *context.Exec

	// muTrain "write" for training, "read" for predictions and evaluation.
	muTrain sync.RWMutex
}

// New creates a model with randomly initialized weights.
func New(arch *Architecture, hp Hyperparameters) (*Model, error) {
	return newModel(arch, hp, "", false)
}

// Load creates a model from its saved architecture and weights.
func Load(archPath, weightsDir string, hp Hyperparameters) (*Model, error) {
	arch, err := LoadArchitecture(archPath)
	if err != nil {
		return nil, err
	}
	if weightsDir == "" {
		return nil, errors.Errorf("no weights directory given for %s model %q", arch.Kind, archPath)
	}
	return newModel(arch, hp, weightsDir, false)
}

// NewFine creates a fine model on top of the saved coarse model: the coarse weights are loaded and frozen,
// the fine branch is randomly initialized. Model scale factor is applied to the fine branch only.
func NewFine(coarseArchPath, coarseWeightsDir string, scale float64, hp Hyperparameters) (*Model, error) {
	coarseArch, err := LoadArchitecture(coarseArchPath)
	if err != nil {
		return nil, err
	}
	if coarseArch.Kind != KindCoarse {
		return nil, errors.Errorf("model %q is a %s model, a coarse model is required to train the fine model",
			coarseArchPath, coarseArch.Kind)
	}
	fineArch := coarseArch.WithFine()
	if scale != 1 {
		// Scale only the fine branch: the coarse part must match the saved weights.
		scaledFine := fineArch.Scaled(scale)
		fineArch.Fine = scaledFine.Fine
	}
	return newModel(fineArch, hp, coarseWeightsDir, true)
}

func newModel(arch *Architecture, hp Hyperparameters, weightsDir string, freezeCoarse bool) (m *Model, err error) {
	if err = arch.Validate(); err != nil {
		return nil, err
	}
	m = &Model{
		Arch:      arch,
		ctx:       context.New(),
		optimizer: NewMomentumSGD(),
	}
	if hp.Seed != 0 {
		m.ctx.RngStateFromSeed(hp.Seed)
		m.ctx.SetParam(initializers.ParamInitialSeed, hp.Seed)
	} else {
		m.ctx.RngStateReset()
	}
	if weightsDir != "" {
		if err = m.loadWeights(weightsDir); err != nil {
			return nil, err
		}
	}
	// Hyperparameters given always take precedence over the ones saved in the checkpoint.
	m.ctx.SetParams(map[string]any{
		optimizers.ParamLearningRate: hp.LearningRate,
		ParamMomentum:                hp.Momentum,
		ParamLambda:                  hp.Lambda,
	})
	if freezeCoarse {
		numFrozen := m.freeze(CoarseScope)
		if numFrozen == 0 {
			return nil, errors.Errorf("no coarse model weights found in %q", weightsDir)
		}
		klog.V(1).Infof("Froze %d coarse model variables", numFrozen)
		// The fine model starts its own training.
		m.optimizer.Clear(m.ctx)
		optimizers.DeleteGlobalStep(m.ctx)
	}
	m.ctx = m.ctx.Checked(false).
		WithInitializer(initializers.RandomUniformFn(m.ctx, -arch.InitRange, arch.InitRange))

	if err = m.buildExecutors(); err != nil {
		return nil, err
	}

	// Force creating/loading of variables first.
	blank := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 3, arch.InputHeight, arch.InputWidth))
	if _, err = m.Predict(blank); err != nil {
		// E.g.: weights with shapes that don't match the architecture.
		m.Finalize()
		return nil, err
	}
	return m, nil
}

// buildExecutors for prediction, evaluation and training.
func (m *Model) buildExecutors() error {
	muNewExec.Lock()
	defer muNewExec.Unlock()
	err := exceptions.TryCatch[error](func() {
		m.predictExec = context.NewExec(backend(), m.ctx,
			func(ctx *context.Context, images *graph.Node) *graph.Node {
				return ForwardGraph(ctx, m.Arch, images)
			})
		m.metricsExec = context.NewExec(backend(), m.ctx,
			func(ctx *context.Context, images, depths *graph.Node) []*graph.Node {
				lambda := context.GetParamOr(ctx, ParamLambda, loss.DefaultLambda)
				return loss.Metrics(depths, ForwardGraph(ctx, m.Arch, images), lambda)
			})
		m.trainStepExec = context.NewExec(backend(), m.ctx,
			func(ctx *context.Context, images, depths *graph.Node) *graph.Node {
				g := images.Graph()
				ctx.SetTraining(g, true)
				lambda := context.GetParamOr(ctx, ParamLambda, loss.DefaultLambda)
				predictions := ForwardGraph(ctx, m.Arch, images)
				lossValue := loss.ScaleInvariantError(lambda)([]*graph.Node{depths}, []*graph.Node{predictions})
				m.optimizer.UpdateGraph(ctx, g, lossValue)
				train.ExecPerStepUpdateGraphFn(ctx, g)
				return lossValue
			})
	})
	return errors.WithMessagef(err, "failed to create %s model executors", m.Arch.Kind)
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	return fmt.Sprintf("%s model [%dx%d -> %dx%d]", m.Arch.Kind,
		m.Arch.InputWidth, m.Arch.InputHeight, m.Arch.OutputWidth, m.Arch.OutputHeight)
}

// freeze marks all variables under scope as not trainable, and returns how many were frozen.
func (m *Model) freeze(scope string) int {
	var count int
	m.ctx.InAbsPath(context.RootScope + scope).EnumerateVariablesInScope(func(v *context.Variable) {
		v.SetTrainable(false)
		count++
	})
	return count
}

// donate converts the tensors to the executors arguments, donating their buffers.
func donate(inputs ...*tensors.Tensor) []any {
	return generics.SliceMap(inputs, func(t *tensors.Tensor) any {
		return graph.DonateTensorBuffer(t, backend())
	})
}

// Predict returns the predicted depths, shaped [batchSize, OutputHeight, OutputWidth], for the images shaped
// [batchSize, 3, InputHeight, InputWidth]. The images tensor is consumed.
func (m *Model) Predict(images *tensors.Tensor) (depths *tensors.Tensor, err error) {
	m.muTrain.RLock()
	defer m.muTrain.RUnlock()
	err = exceptions.TryCatch[error](func() {
		depths = m.predictExec.Call(donate(images)...)[0]
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "%s failed to predict", m)
	}
	return depths, nil
}

// BatchMetrics returns the loss.Metrics (loss, accuracy, rmse) of one batch. The tensors are consumed.
func (m *Model) BatchMetrics(images, depths *tensors.Tensor) (metrics []float32, err error) {
	m.muTrain.RLock()
	defer m.muTrain.RUnlock()
	err = exceptions.TryCatch[error](func() {
		outputs := m.metricsExec.Call(donate(images, depths)...)
		metrics = generics.SliceMap(outputs, tensors.ToScalar[float32])
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "%s failed to evaluate batch", m)
	}
	return metrics, nil
}

// TrainStep runs one step of the optimizer on the batch, and returns the loss of the batch (measured before
// the update, with dropout on). The tensors are consumed.
func (m *Model) TrainStep(images, depths *tensors.Tensor) (lossValue float32, err error) {
	m.muTrain.Lock()
	defer m.muTrain.Unlock()
	err = exceptions.TryCatch[error](func() {
		lossValue = tensors.ToScalar[float32](m.trainStepExec.Call(donate(images, depths)...)[0])
	})
	if err != nil {
		return 0, errors.WithMessagef(err, "%s failed train step", m)
	}
	return lossValue, nil
}
