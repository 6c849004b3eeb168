package trainer

import (
	"bytes"
	"encoding/json"
	"github.com/janpfeifer/eigendepth/internal/durable"
	"github.com/pkg/errors"
	"math"
	"slices"
)

// History of the metrics of a training run: one value per epoch for each metric, in the order the
// metrics were declared.
type History struct {
	keys   []string
	values map[string][]float64
}

// NewHistory creates an empty history for the given metrics.
func NewHistory(keys ...string) *History {
	h := &History{
		keys:   slices.Clone(keys),
		values: make(map[string][]float64, len(keys)),
	}
	for _, key := range keys {
		h.values[key] = nil
	}
	return h
}

// Append the value of the epoch for the metric key. Keys not declared in NewHistory are added at the end.
func (h *History) Append(key string, value float64) {
	if _, found := h.values[key]; !found {
		h.keys = append(h.keys, key)
	}
	h.values[key] = append(h.values[key], value)
}

// Keys of the metrics, in order.
func (h *History) Keys() []string {
	return slices.Clone(h.keys)
}

// Values of the metric key, one per epoch.
func (h *History) Values(key string) []float64 {
	return h.values[key]
}

// Len returns the number of epochs recorded: the length of the longest metric.
func (h *History) Len() int {
	var n int
	for _, values := range h.values {
		n = max(n, len(values))
	}
	return n
}

// MarshalJSON implements json.Marshaler: an object with the metrics in order, each mapping to the list of
// per-epoch values. Non-finite values are encoded as null.
func (h *History) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for ii, key := range h.keys {
		if ii > 0 {
			buf.WriteByte(',')
		}
		keyJSON, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(keyJSON)
		buf.WriteByte(':')
		values := make([]*float64, len(h.values[key]))
		for jj, v := range h.values[key] {
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				values[jj] = &v
			}
		}
		valuesJSON, err := json.Marshal(values)
		if err != nil {
			return nil, err
		}
		buf.Write(valuesJSON)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Save the history as JSON to path, and sync it to disk.
func (h *History) Save(path string) error {
	blob, err := h.MarshalJSON()
	if err != nil {
		return errors.Wrapf(err, "failed to serialize training history")
	}
	return durable.WriteFile(path, blob)
}
