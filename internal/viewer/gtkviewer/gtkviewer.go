// Package gtkviewer implements viewer.Viewer with one GTK window per frame.
//
// The GTK main loop runs on its own locked OS thread, started by New: all GTK calls are made from it,
// scheduled with glib.IdleAdd.
package gtkviewer

import (
	"context"
	"github.com/gotk3/gotk3/cairo"
	"github.com/gotk3/gotk3/gdk"
	"github.com/gotk3/gotk3/glib"
	"github.com/gotk3/gotk3/gtk"
	"github.com/janpfeifer/eigendepth/internal/viewer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"math"
	"os"
	"runtime"
)

const (
	// MinWindowWidth in pixels: smaller images (the depth maps) are scaled up by an integer factor to at
	// least this width.
	MinWindowWidth = 320

	// windowGap in pixels between windows, and from the top-left corner of the screen.
	windowGap = 16
)

// GTK shows each frame in its own window, titled after the frame, and waits for a key press on any of them.
// "q" or Esc, as well as closing one of the windows, quits.
type GTK struct {
	// SaveDir, if not empty, is where each shown frame is also saved as a PNG file.
	SaveDir string

	tmpDir   string
	numShown int

	// windows are only accessed from the GTK thread.
	windows []*window

	keys chan bool     // Key presses: true if it asks to quit.
	done chan struct{} // Closed when the GTK main loop exits.
}

var _ viewer.Viewer = (*GTK)(nil)

// window showing one frame.
type window struct {
	win     *gtk.Window
	area    *gtk.DrawingArea
	surface *cairo.Surface
}

// New initializes GTK and starts its main loop. It fails if there is no display to connect to.
// Call Close when done.
func New() (*GTK, error) {
	tmpDir, err := os.MkdirTemp("", "eigendepth-viewer-")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create temporary directory for the viewer")
	}
	g := &GTK{
		tmpDir: tmpDir,
		keys:   make(chan bool, 1),
		done:   make(chan struct{}),
	}
	initErr := make(chan error, 1)
	go g.mainLoop(initErr)
	if err = <-initErr; err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, err
	}
	return g, nil
}

// mainLoop runs GTK on the current goroutine, locked to its OS thread.
func (g *GTK) mainLoop(initErr chan<- error) {
	runtime.LockOSThread()
	defer close(g.done)
	if err := gtk.InitCheck(nil); err != nil {
		initErr <- errors.Wrapf(err, "failed to initialize GTK")
		return
	}
	initErr <- nil
	gtk.Main()
}

// Close the windows and stop the GTK main loop.
func (g *GTK) Close() {
	glib.IdleAdd(func() {
		for _, w := range g.windows {
			w.win.Destroy()
		}
		g.windows = nil
		gtk.MainQuit()
	})
	<-g.done
	if err := os.RemoveAll(g.tmpDir); err != nil {
		klog.Warningf("Failed to remove viewer temporary files in %q: %+v", g.tmpDir, err)
	}
}

// sendKey without blocking the GTK thread: only the first key press after the frames are shown counts.
func (g *GTK) sendKey(quit bool) {
	select {
	case g.keys <- quit:
	default:
	}
}

// Show implements viewer.Viewer: it draws each frame in its own window, and waits for a key press.
func (g *GTK) Show(ctx context.Context, frames []viewer.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(frames) == 0 {
		return errors.New("no frames to show")
	}
	g.numShown++
	dir := g.SaveDir
	if dir == "" {
		dir = g.tmpDir
	}
	paths, err := viewer.SavePNGs(dir, g.numShown, frames)
	if err != nil {
		return err
	}

	// Discard keys pressed before the frames are shown.
	select {
	case <-g.keys:
	default:
	}
	updated := make(chan error, 1)
	glib.IdleAdd(func() { updated <- g.update(frames, paths) })
	select {
	case err = <-updated:
	case <-g.done:
		return viewer.ErrQuit
	}
	if g.SaveDir == "" {
		for _, path := range paths {
			_ = os.Remove(path)
		}
	}
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-g.done:
		return viewer.ErrQuit
	case quit := <-g.keys:
		if quit {
			return viewer.ErrQuit
		}
		return nil
	}
}

// update the windows with the frames saved as PNG files in paths. It must be called from the GTK thread.
func (g *GTK) update(frames []viewer.Frame, paths []string) error {
	x := windowGap
	for ii, frame := range frames {
		if ii >= len(g.windows) {
			w, err := g.newWindow()
			if err != nil {
				return err
			}
			g.windows = append(g.windows, w)
		}
		w := g.windows[ii]
		surface, err := cairo.NewSurfaceFromPNG(paths[ii])
		if err != nil {
			return errors.Wrapf(err, "failed to load frame %q", frame.Title)
		}
		w.surface = surface
		width, height := windowSize(surface.GetWidth(), surface.GetHeight())
		w.win.SetTitle(frame.Title)
		w.area.SetSizeRequest(width, height)
		w.win.Move(x, windowGap)
		x += width + windowGap
		w.win.ShowAll()
		w.area.QueueDraw()
	}
	for _, w := range g.windows[len(frames):] {
		w.win.Hide()
	}
	return nil
}

// newWindow creates a hidden window with a drawing area.
func (g *GTK) newWindow() (*window, error) {
	win, err := gtk.WindowNew(gtk.WINDOW_TOPLEVEL)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create window")
	}
	area, err := gtk.DrawingAreaNew()
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create drawing area")
	}
	w := &window{win: win, area: area}
	area.Connect("draw", func(da *gtk.DrawingArea, cr *cairo.Context) {
		w.draw(da, cr)
	})
	win.Connect("key-press-event", func(win *gtk.Window, event *gdk.Event) bool {
		g.sendKey(isQuitKey(gdk.EventKeyNewFromEvent(event).KeyVal()))
		return true
	})
	// Closing a window quits, the window itself is destroyed in Close.
	win.Connect("delete-event", func() bool {
		g.sendKey(true)
		return true
	})
	win.Add(area)
	return w, nil
}

// draw the frame surface centered and scaled to fit the drawing area.
func (w *window) draw(da *gtk.DrawingArea, cr *cairo.Context) {
	if w.surface == nil {
		return
	}
	cr.Save()
	defer cr.Restore()

	width, height := float64(da.GetAllocatedWidth()), float64(da.GetAllocatedHeight())
	imgWidth, imgHeight := float64(w.surface.GetWidth()), float64(w.surface.GetHeight())
	scale := fitScale(width, height, imgWidth, imgHeight)
	if scale <= 0 {
		return
	}
	cr.Scale(scale, scale)
	cr.SetSourceSurface(w.surface, (width-imgWidth*scale)/2/scale, (height-imgHeight*scale)/2/scale)
	cr.Paint()
}

// isQuitKey returns whether the GDK key value asks to quit.
func isQuitKey(keyVal uint) bool {
	switch keyVal {
	case gdk.KEY_q, gdk.KEY_Q, gdk.KEY_Escape:
		return true
	}
	return false
}

// windowSize returns the size of the drawing area for an image: scaled up by the smallest integer factor
// that makes it at least MinWindowWidth wide.
func windowSize(imgWidth, imgHeight int) (width, height int) {
	if imgWidth <= 0 || imgHeight <= 0 {
		return MinWindowWidth, MinWindowWidth
	}
	factor := max(1, (MinWindowWidth+imgWidth-1)/imgWidth)
	return imgWidth * factor, imgHeight * factor
}

// fitScale returns the scale that makes an image fit in the area, keeping its aspect ratio.
func fitScale(width, height, imgWidth, imgHeight float64) float64 {
	if imgWidth <= 0 || imgHeight <= 0 {
		return 0
	}
	return math.Min(width/imgWidth, height/imgHeight)
}
