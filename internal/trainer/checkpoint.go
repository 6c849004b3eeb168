package trainer

import (
	"k8s.io/klog/v2"
	"math"
)

// saver of model weights, implemented by model.Checkpoint.
type saver interface {
	Save() error
	Dir() string
}

// BestCheckpoint saves the weights whenever the validation loss improves over all previous epochs.
// The first epoch is always saved.
type BestCheckpoint struct {
	saver saver

	// Loss and Epoch of the weights currently saved, valid if Saved is true.
	Loss  float64
	Epoch int
	Saved bool
}

// NewBestCheckpoint returns a BestCheckpoint that saves with the given saver.
func NewBestCheckpoint(s saver) *BestCheckpoint {
	return &BestCheckpoint{saver: s}
}

// isImprovement returns whether loss is better than the one saved. A NaN loss never improves on a saved loss,
// and any number improves on a saved NaN.
func (b *BestCheckpoint) isImprovement(loss float64) bool {
	if !b.Saved {
		return true
	}
	if math.IsNaN(b.Loss) {
		return !math.IsNaN(loss)
	}
	return loss < b.Loss
}

// Update is called at the end of every epoch with its validation loss. It saves the weights if they are the best
// so far, and returns whether they were saved.
func (b *BestCheckpoint) Update(epoch int, loss float64) (saved bool, err error) {
	if !b.isImprovement(loss) {
		return false, nil
	}
	if err = b.saver.Save(); err != nil {
		return false, err
	}
	klog.V(1).Infof("Epoch %d: validation loss improved to %.5g (was %.5g at epoch %d), saved to %s",
		epoch, loss, b.Loss, b.Epoch, b.saver.Dir())
	b.Loss, b.Epoch, b.Saved = loss, epoch, true
	return true, nil
}
