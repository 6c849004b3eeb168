package model

import (
	"fmt"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/janpfeifer/eigendepth/internal/durable"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"os"
	"strings"
)

// loadWeights loads all variables saved in the checkpoint directory into the model context.
func (m *Model) loadWeights(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to access weights of %s model", m.Arch.Kind)
	}
	if !info.IsDir() {
		return errors.Errorf("weights path %q is not a directory", dir)
	}
	_, err = checkpoints.Build(m.ctx).Dir(dir).Immediate().Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to load weights from %q", dir)
	}
	var numVariables int
	m.ctx.InAbsPath(context.RootScope + CoarseScope).EnumerateVariablesInScope(func(v *context.Variable) {
		numVariables++
	})
	if numVariables == 0 {
		return errors.Errorf("no weights found in %q", dir)
	}
	klog.V(1).Infof("Loaded %d coarse model variables from %q", numVariables, dir)
	return nil
}

// Checkpoint saves the model weights into a directory, keeping only the most recent saves.
type Checkpoint struct {
	model   *Model
	handler *checkpoints.Handler
}

// NewCheckpoint creates a checkpoint in dir, which must not exist yet or be empty: a checkpoint is never
// used to load weights into a model that is already built.
func (m *Model) NewCheckpoint(dir string, keep int) (*Checkpoint, error) {
	entries, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "failed to read checkpoint directory")
	}
	if len(entries) > 0 {
		return nil, errors.Errorf("checkpoint directory %q is not empty", dir)
	}
	handler, err := checkpoints.Build(m.ctx).Dir(dir).Keep(keep).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create checkpoint in %q", dir)
	}
	return &Checkpoint{model: m, handler: handler}, nil
}

// Dir where the checkpoint is saved.
func (c *Checkpoint) Dir() string {
	return c.handler.Dir()
}

// Save the current weights, and sync the files to disk, so they can be read back right away.
func (c *Checkpoint) Save() error {
	c.model.muTrain.RLock()
	defer c.model.muTrain.RUnlock()
	if err := c.handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save %s weights to %q", c.model.Arch.Kind, c.Dir())
	}
	return durable.SyncDir(c.Dir())
}

// SaveWeights saves the current weights into a new directory dir.
func (m *Model) SaveWeights(dir string) error {
	checkpoint, err := m.NewCheckpoint(dir, 1)
	if err != nil {
		return err
	}
	return checkpoint.Save()
}

// Variables returns a copy of the values of the model variables under the given scope (e.g.: CoarseScope),
// indexed by their scope and name. It doesn't include the optimizer variables.
func (m *Model) Variables(scope string) map[string][]float32 {
	m.muTrain.RLock()
	defer m.muTrain.RUnlock()
	values := make(map[string][]float32)
	m.ctx.InAbsPath(context.RootScope + scope).EnumerateVariablesInScope(func(v *context.Variable) {
		if v.Value() == nil {
			return
		}
		values[v.ScopeAndName()] = tensors.CopyFlatData[float32](v.Value())
	})
	return values
}

// NumParameters returns the number of scalar weights of the model, and how many of those are trainable.
func (m *Model) NumParameters() (total, trainable int) {
	for _, scope := range []string{CoarseScope, FineScope} {
		m.ctx.InAbsPath(context.RootScope + scope).EnumerateVariablesInScope(func(v *context.Variable) {
			size := v.Shape().Size()
			total += size
			if v.Trainable {
				trainable += size
			}
		})
	}
	return
}

// SummaryText describes the variables of the model, their shapes and whether they are trainable, followed by
// the number of parameters.
func (m *Model) SummaryText() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s:\n", m)
	for _, scope := range []string{CoarseScope, FineScope} {
		m.ctx.InAbsPath(context.RootScope + scope).EnumerateVariablesInScope(func(v *context.Variable) {
			frozen := ""
			if !v.Trainable {
				frozen = " (frozen)"
			}
			_, _ = fmt.Fprintf(&sb, "\t%s: %s%s\n", v.ScopeAndName(), v.Shape(), frozen)
		})
	}
	total, trainable := m.NumParameters()
	_, _ = fmt.Fprintf(&sb, "\t%d parameters, %d trainable", total, trainable)
	return sb.String()
}

// Summary logs SummaryText.
func (m *Model) Summary() {
	klog.Info(m.SummaryText())
}

// Finalize frees the executors of the model. The model can't be used afterward.
func (m *Model) Finalize() {
	m.muTrain.Lock()
	defer m.muTrain.Unlock()
	for _, exec := range []*context.Exec{m.predictExec, m.metricsExec, m.trainStepExec} {
		if exec != nil {
			exec.Finalize()
		}
	}
}
