package main

import (
	"github.com/janpfeifer/eigendepth/internal/config"
	"github.com/janpfeifer/eigendepth/internal/viewer"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestGracePeriod(t *testing.T) {
	// Training waits for the weights to be saved, unless interrupted again.
	require.Equal(t, time.Duration(0), gracePeriod(config.ModeTrainCoarse, 0))
	require.Equal(t, time.Duration(0), gracePeriod(config.ModeTrainFine, 0))
	require.Equal(t, evalGracePeriod, gracePeriod(config.ModeEval, 0))
	require.Equal(t, time.Minute, gracePeriod(config.ModeTrainCoarse, time.Minute))
}

func TestNewViewer(t *testing.T) {
	v, closeViewer, err := newViewer("terminal", "samples")
	require.NoError(t, err)
	defer closeViewer()
	require.IsType(t, &viewer.Terminal{}, v)
	require.Equal(t, "samples", v.(*viewer.Terminal).SaveDir)

	t.Setenv("DISPLAY", "")
	t.Setenv("WAYLAND_DISPLAY", "")
	v, closeViewer, err = newViewer("auto", "")
	require.NoError(t, err)
	defer closeViewer()
	require.IsType(t, &viewer.Terminal{}, v)

	_, _, err = newViewer("browser", "")
	require.ErrorContains(t, err, "invalid -viewer")
}
