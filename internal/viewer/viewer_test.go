package viewer

import (
	"bytes"
	"context"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"image"
	"image/color"
	"path/filepath"
	"strings"
	"testing"
)

func testFrames() []Frame {
	return []Frame{
		{Title: "Input", Image: imaging.New(8, 6, color.NRGBA{R: 255, A: 255})},
		{Title: "Ground truth", Image: image.NewGray(image.Rect(0, 0, 8, 6))},
	}
}

func TestTerminal(t *testing.T) {
	var out bytes.Buffer
	v := NewTerminal(strings.NewReader("\nq\n"), &out)
	v.Width = 62
	v.SaveDir = filepath.Join(t.TempDir(), "samples")
	ctx := context.Background()

	require.NoError(t, v.Show(ctx, testFrames()))
	rendered := out.String()
	require.Contains(t, rendered, "Input")
	require.Contains(t, rendered, "Ground truth")
	// 2 frames 30 characters wide, 8x6 images are scaled to 30x22 pixels: 11 rows of characters.
	require.Equal(t, 2*30*11, strings.Count(rendered, halfBlock))
	require.FileExists(t, filepath.Join(v.SaveDir, "sample-001-input.png"))
	require.FileExists(t, filepath.Join(v.SaveDir, "sample-001-ground_truth.png"))

	// "q" quits.
	require.ErrorIs(t, v.Show(ctx, testFrames()), ErrQuit)
	require.FileExists(t, filepath.Join(v.SaveDir, "sample-002-input.png"))

	// End of input also quits.
	require.ErrorIs(t, v.Show(ctx, testFrames()), ErrQuit)

	// Errors.
	require.Error(t, v.Show(ctx, nil))
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.ErrorIs(t, v.Show(cancelled, testFrames()), context.Canceled)
}

func TestQuitKeys(t *testing.T) {
	for _, key := range []string{"q", "Q", "quit", "\x1b", "\x03"} {
		require.True(t, isQuit(key), "key %q", key)
	}
	// Arrow keys and other escape sequences start with Esc but move on.
	for _, key := range []string{"\n", " ", "n", "\x1b[A", "\x1b[C", "\x1bOB"} {
		require.False(t, isQuit(key), "key %q", key)
	}

	var out bytes.Buffer
	v := NewTerminal(strings.NewReader("\x1b[B\n\x1b\n"), &out)
	v.Width = 20
	ctx := context.Background()
	require.NoError(t, v.Show(ctx, testFrames()))
	require.ErrorIs(t, v.Show(ctx, testFrames()), ErrQuit)
}

func TestFileSafe(t *testing.T) {
	require.Equal(t, "ground_truth", fileSafe("Ground truth"))
	require.Equal(t, "prediction__fine_", fileSafe("Prediction (fine)"))
}
