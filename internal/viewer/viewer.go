// Package viewer displays images for the user to inspect, one set at a time, waiting for a key press before
// moving on.
//
// Terminal draws the images directly in the terminal, with two pixels per character using the upper half block
// character ("▀") with the foreground set to the top pixel and the background to the bottom pixel.
package viewer

import (
	"bufio"
	"context"
	"fmt"
	"github.com/charmbracelet/lipgloss"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"golang.org/x/term"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrQuit is returned by Viewer.Show when the user asked to stop.
var ErrQuit = errors.New("viewer: quit requested")

// Frame is one titled image.
type Frame struct {
	Title string
	Image image.Image
}

// Viewer shows frames side by side and blocks until the user wants to move on.
type Viewer interface {
	Show(ctx context.Context, frames []Frame) error
}

const (
	// DefaultWidth in characters used when the output is not a terminal.
	DefaultWidth = 120

	// gap in characters between frames.
	gap = 2

	// halfBlock is the upper half block character: foreground is the top pixel, background the bottom one.
	halfBlock = "▀"
)

var titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))

// Terminal implements Viewer by drawing the frames to a terminal.
type Terminal struct {
	in     io.Reader
	inFile *os.File
	reader *bufio.Reader
	out    io.Writer

	// Width of the output in characters. If 0 it uses the width of the terminal, or DefaultWidth.
	Width int

	// SaveDir, if not empty, is where each shown frame is also saved as a PNG file.
	SaveDir string

	numShown int
}

var _ Viewer = (*Terminal)(nil)

// NewTerminal returns a Terminal viewer reading keys from in and drawing to out.
// If in is a terminal, keys are read in raw mode (no need for enter), otherwise a line is read per key.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	t := &Terminal{in: in, out: out, reader: bufio.NewReader(in)}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		t.inFile = f
	}
	return t
}

// width returns the number of characters available.
func (t *Terminal) width() int {
	if t.Width > 0 {
		return t.Width
	}
	if f, ok := t.out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if width, _, err := term.GetSize(int(f.Fd())); err == nil && width > 0 {
			return width
		}
	}
	return DefaultWidth
}

// Show implements Viewer: it draws the frames side by side, each with its title on top, saves them if SaveDir
// is set, and waits for a key. It returns ErrQuit if the key was "q", a lone Esc or Ctrl+C, or if the input
// ended.
func (t *Terminal) Show(ctx context.Context, frames []Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(frames) == 0 {
		return errors.New("no frames to show")
	}
	t.numShown++
	if t.SaveDir != "" {
		if err := t.save(frames); err != nil {
			return err
		}
	}
	frameWidth := (t.width() - gap*(len(frames)-1)) / len(frames)
	if frameWidth < 1 {
		return errors.Errorf("terminal too narrow (%d characters) for %d frames", t.width(), len(frames))
	}
	blocks := make([]string, 0, 2*len(frames)-1)
	for ii, frame := range frames {
		if ii > 0 {
			blocks = append(blocks, strings.Repeat(" ", gap))
		}
		blocks = append(blocks, renderFrame(frame, frameWidth))
	}
	_, _ = fmt.Fprintln(t.out, lipgloss.JoinHorizontal(lipgloss.Top, blocks...))
	_, _ = fmt.Fprint(t.out, "Press any key for the next sample, or q to quit ... ")
	key, err := t.readKey()
	_, _ = fmt.Fprintln(t.out)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ErrQuit
		}
		return errors.Wrapf(err, "failed to read key")
	}
	if isQuit(key) {
		return ErrQuit
	}
	return nil
}

// isQuit returns whether the key (as read by readKey) asks to quit: "q", a lone Esc or Ctrl+C.
// Escape sequences, like the arrow keys, start with Esc but don't quit.
func isQuit(key string) bool {
	switch key {
	case "q", "Q", "quit", "\x1b", "\x03":
		return true
	}
	return false
}

// maxKeyLength is the longest escape sequence read as one key.
const maxKeyLength = 8

// readKey reads one key press: in raw mode on a terminal, otherwise the first word of a line.
// In raw mode the bytes of an escape sequence arrive together and are returned as one key.
func (t *Terminal) readKey() (string, error) {
	if t.inFile != nil {
		fd := int(t.inFile.Fd())
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return "", err
		}
		defer func() { _ = term.Restore(fd, oldState) }()
		var buf [maxKeyLength]byte
		n, err := t.inFile.Read(buf[:])
		if err != nil {
			return "", err
		}
		return string(buf[:n]), nil
	}
	line, err := t.reader.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "\n", nil
	}
	return fields[0], nil
}

// renderFrame renders the frame title and image, scaled to width characters.
func renderFrame(frame Frame, width int) string {
	bounds := frame.Image.Bounds()
	// Each character is about twice as tall as wide, and holds 2 pixels vertically.
	height := max(2, (width*bounds.Dy()/bounds.Dx()+1)/2*2)
	scaled := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), frame.Image, bounds, draw.Src, nil)

	var sb strings.Builder
	title := frame.Title
	if len(title) > width {
		title = title[:width]
	}
	sb.WriteString(titleStyle.Width(width).Align(lipgloss.Center).Render(title))
	for y := 0; y < height; y += 2 {
		sb.WriteByte('\n')
		for x := range width {
			top, bottom := scaled.NRGBAAt(x, y), scaled.NRGBAAt(x, y+1)
			sb.WriteString(lipgloss.NewStyle().
				Foreground(lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", top.R, top.G, top.B))).
				Background(lipgloss.Color(fmt.Sprintf("#%02x%02x%02x", bottom.R, bottom.G, bottom.B))).
				Render(halfBlock))
		}
	}
	return sb.String()
}

// save the frames as sample-<n>-<title>.png in SaveDir.
func (t *Terminal) save(frames []Frame) error {
	_, err := SavePNGs(t.SaveDir, t.numShown, frames)
	return err
}

// SavePNGs saves the frames of the n-th sample shown as sample-<n>-<title>.png files in dir, and returns
// their paths, in the order of the frames.
func SavePNGs(dir string, n int, frames []Frame) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create directory for the samples")
	}
	paths := make([]string, 0, len(frames))
	for _, frame := range frames {
		path := filepath.Join(dir, fmt.Sprintf("sample-%03d-%s.png", n, fileSafe(frame.Title)))
		if err := imaging.Save(frame.Image, path); err != nil {
			return nil, errors.Wrapf(err, "failed to save sample image")
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// fileSafe converts a title to a lower case string with only letters, digits, '-' and '_'.
func fileSafe(title string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r - 'A' + 'a'
		default:
			return '_'
		}
	}, title)
}
