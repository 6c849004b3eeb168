// Package dataset loads the image/depth pairs used to train and evaluate the depth models.
//
// Images are downsampled once (to the network input resolution) and depth maps three times (to the
// network output resolution), with a Gaussian pyramid step each time. Both are normalized to [0, 1].
package dataset

import (
	"context"
	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"image"
	"iter"
	"k8s.io/klog/v2"
	"math/rand/v2"
)

const (
	// ImageDownsamples is the number of pyramid steps applied to the RGB images.
	ImageDownsamples = 1

	// DepthDownsamples is the number of pyramid steps applied to the depth maps.
	DepthDownsamples = 3

	// MaxChannelValue is used to normalize 8-bit channel values to [0, 1].
	MaxChannelValue = 255.0
)

// Options for Load.
type Options struct {
	// Width and Height expected for every image and depth file.
	Width, Height int

	// Parallelism is the maximum number of files decoded at the same time. Defaults to 1.
	Parallelism int
}

// Dataset holds all examples of a directory in memory, normalized and downsampled.
type Dataset struct {
	// Name of the dataset, the directory it was loaded from.
	Name string

	// Pairs of files, in the same order as the examples.
	Pairs []Pair

	images, depths []float32

	// imageDims is [channels, height, width], depthDims is [height, width].
	imageDims [3]int
	depthDims [2]int
}

// PyrDown blurs img with a Gaussian filter and halves its size, like one step of a Gaussian pyramid.
// Odd dimensions are rounded up.
func PyrDown(img image.Image) *image.NRGBA {
	bounds := img.Bounds()
	return imaging.Resize(img, (bounds.Dx()+1)/2, (bounds.Dy()+1)/2, imaging.Gaussian)
}

// downsample applies n pyramid steps.
func downsample(img image.Image, n int) *image.NRGBA {
	nrgba := imaging.Clone(img)
	for range n {
		nrgba = PyrDown(nrgba)
	}
	return nrgba
}

// downsampledSize returns the size of a dimension after n pyramid steps.
func downsampledSize(size, n int) int {
	for range n {
		size = (size + 1) / 2
	}
	return size
}

// Load discovers and loads all pairs in dir. See Discover for the naming convention.
//
// Any file that fails to decode or with an unexpected size aborts the load.
func Load(ctx context.Context, dir string, opts Options) (*Dataset, error) {
	pairs, err := Discover(dir)
	if err != nil {
		return nil, err
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, errors.Errorf("invalid image size %dx%d", opts.Width, opts.Height)
	}
	ds := &Dataset{
		Name:  dir,
		Pairs: pairs,
		imageDims: [3]int{3,
			downsampledSize(opts.Height, ImageDownsamples),
			downsampledSize(opts.Width, ImageDownsamples)},
		depthDims: [2]int{
			downsampledSize(opts.Height, DepthDownsamples),
			downsampledSize(opts.Width, DepthDownsamples)},
	}
	imageSize, depthSize := ds.imageSize(), ds.depthSize()
	ds.images = make([]float32, len(pairs)*imageSize)
	ds.depths = make([]float32, len(pairs)*depthSize)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Parallelism, 1))
	for exampleIdx, pair := range pairs {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			return ds.loadPair(pair, opts,
				ds.images[exampleIdx*imageSize:(exampleIdx+1)*imageSize],
				ds.depths[exampleIdx*depthSize:(exampleIdx+1)*depthSize])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("Loaded %d examples from %q: images %v, depths %v", len(pairs), dir, ds.imageDims, ds.depthDims)
	return ds, nil
}

// loadPair decodes one pair of files into the given slices of the dataset.
func (ds *Dataset) loadPair(pair Pair, opts Options, imageValues, depthValues []float32) error {
	img, err := openWithSize(pair.Image, opts.Width, opts.Height)
	if err != nil {
		return err
	}
	fillChannelsFirst(downsample(img, ImageDownsamples), 3, imageValues)

	depth, err := openWithSize(pair.Depth, opts.Width, opts.Height)
	if err != nil {
		return err
	}
	fillChannelsFirst(downsample(imaging.Grayscale(depth), DepthDownsamples), 1, depthValues)
	return nil
}

func openWithSize(path string, width, height int) (image.Image, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %q", path)
	}
	if bounds := img.Bounds(); bounds.Dx() != width || bounds.Dy() != height {
		return nil, errors.Errorf("%q is %dx%d, expected %dx%d", path, bounds.Dx(), bounds.Dy(), width, height)
	}
	return img, nil
}

// fillChannelsFirst writes the first numChannels channels of img to values, laid out as
// [channel, height, width] and normalized to [0, 1].
func fillChannelsFirst(img *image.NRGBA, numChannels int, values []float32) {
	bounds := img.Bounds()
	height, width := bounds.Dy(), bounds.Dx()
	planeSize := height * width
	for y := range height {
		row := img.Pix[y*img.Stride:]
		for x := range width {
			for channel := range numChannels {
				values[channel*planeSize+y*width+x] = float32(row[x*4+channel]) / MaxChannelValue
			}
		}
	}
}

func (ds *Dataset) imageSize() int { return ds.imageDims[0] * ds.imageDims[1] * ds.imageDims[2] }
func (ds *Dataset) depthSize() int { return ds.depthDims[0] * ds.depthDims[1] }

// Len returns the number of examples.
func (ds *Dataset) Len() int { return len(ds.Pairs) }

// ImageDims returns the dimensions of one input example: [channels, height, width].
func (ds *Dataset) ImageDims() []int { return ds.imageDims[:] }

// DepthDims returns the dimensions of one depth example: [height, width].
func (ds *Dataset) DepthDims() []int { return ds.depthDims[:] }

// Example returns the normalized values of the example at index idx.
// The returned slices are shared with the dataset and must not be modified.
func (ds *Dataset) Example(idx int) (imageValues, depthValues []float32) {
	imageSize, depthSize := ds.imageSize(), ds.depthSize()
	return ds.images[idx*imageSize : (idx+1)*imageSize], ds.depths[idx*depthSize : (idx+1)*depthSize]
}

// Batch returns the tensors for the examples at the given indices: images shaped [batch, 3, height, width]
// and depths shaped [batch, depthHeight, depthWidth].
func (ds *Dataset) Batch(indices []int) (images, depths *tensors.Tensor) {
	imageSize, depthSize := ds.imageSize(), ds.depthSize()
	imageValues := make([]float32, 0, len(indices)*imageSize)
	depthValues := make([]float32, 0, len(indices)*depthSize)
	for _, idx := range indices {
		img, depth := ds.Example(idx)
		imageValues = append(imageValues, img...)
		depthValues = append(depthValues, depth...)
	}
	images = tensors.FromFlatDataAndDimensions(imageValues,
		len(indices), ds.imageDims[0], ds.imageDims[1], ds.imageDims[2])
	depths = tensors.FromFlatDataAndDimensions(depthValues, len(indices), ds.depthDims[0], ds.depthDims[1])
	return
}

// Sample returns the batch with only the example idx.
func (ds *Dataset) Sample(idx int) (images, depths *tensors.Tensor) {
	return ds.Batch([]int{idx})
}

// Batches iterates over the whole dataset in batches of batchSize examples, the last one may be smaller.
// If rng is not nil the examples are shuffled, otherwise they are yielded in order.
func (ds *Dataset) Batches(batchSize int, rng *rand.Rand) iter.Seq2[*tensors.Tensor, *tensors.Tensor] {
	return func(yield func(*tensors.Tensor, *tensors.Tensor) bool) {
		order := make([]int, ds.Len())
		for ii := range order {
			order[ii] = ii
		}
		if rng != nil {
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		for start := 0; start < len(order); start += batchSize {
			end := min(start+batchSize, len(order))
			if !yield(ds.Batch(order[start:end])) {
				return
			}
		}
	}
}

// NumBatches returns the number of batches yielded by Batches.
func (ds *Dataset) NumBatches(batchSize int) int {
	return (ds.Len() + batchSize - 1) / batchSize
}
