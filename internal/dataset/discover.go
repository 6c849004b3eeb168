package dataset

import (
	"github.com/pkg/errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	// ImageMarker is the substring that identifies the RGB input files of a dataset directory.
	ImageMarker = "_image"

	// DepthMarker replaces every ImageMarker in the file name of the matching depth map.
	DepthMarker = "_depth"
)

// Pair of files for one example: the RGB image and its depth map.
type Pair struct {
	Image, Depth string
}

// Discover lists the image/depth pairs in dir, sorted by the image file name.
//
// It fails if dir doesn't exist, has no image files, or if any image is missing its depth file.
func Discover(dir string) ([]Pair, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list dataset directory %q", dir)
	}
	var pairs []Pair
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.Contains(name, ImageMarker) {
			continue
		}
		depthName := strings.ReplaceAll(name, ImageMarker, DepthMarker)
		pair := Pair{
			Image: filepath.Join(dir, name),
			Depth: filepath.Join(dir, depthName),
		}
		info, err := os.Stat(pair.Depth)
		if err != nil {
			return nil, errors.Wrapf(err, "depth map for %q not found", pair.Image)
		}
		if info.IsDir() {
			return nil, errors.Errorf("depth map %q for %q is a directory", pair.Depth, pair.Image)
		}
		pairs = append(pairs, pair)
	}
	if len(pairs) == 0 {
		return nil, errors.Errorf("no %q files found in dataset directory %q", ImageMarker, dir)
	}
	slices.SortFunc(pairs, func(a, b Pair) int { return strings.Compare(a.Image, b.Image) })
	return pairs, nil
}
