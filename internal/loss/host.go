package loss

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// HostScaleInvariantError computes the scale-invariant error of one example on the host.
// It matches PerSampleScaleInvariantError up to float32 rounding.
func HostScaleInvariantError(truth, predictions []float32, lambda float64) (float32, error) {
	if len(truth) != len(predictions) {
		return 0, errors.Errorf("%d depth labels but %d predictions", len(truth), len(predictions))
	}
	if len(truth) == 0 {
		return 0, errors.New("empty depth map")
	}
	var sum, sumSquares float32
	for ii, p := range predictions {
		d := hostLogDepth(p) - hostLogDepth(truth[ii])
		sum += d
		sumSquares += d * d
	}
	n := float32(len(truth))
	mean := sum / n
	return sumSquares/n - float32(lambda)*mean*mean, nil
}

func hostLogDepth(x float32) float32 {
	return math32.Log(math32.Max(x, Epsilon) + 1)
}
