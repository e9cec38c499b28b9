package preprocessing

import (
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-scatter/tensor"
)

// ImageProcessor decodes images and converts them to square CHW float tensors
type ImageProcessor struct {
	mu            sync.Mutex
	processBuffer []float32
	targetSize    int
	channels      int
}

// NewImageProcessor creates a processor producing targetSize x targetSize
// images with 1 (luma) or 3 (RGB) channels
func NewImageProcessor(targetSize, channels int) *ImageProcessor {
	return &ImageProcessor{
		targetSize: targetSize,
		channels:   channels,
	}
}

// ProcessedImage represents a preprocessed image ready for network input
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// Tensor wraps the processed pixels in a [C, H, W] host tensor
func (p *ProcessedImage) Tensor() (*tensor.Tensor, error) {
	return tensor.New([]int{p.Channels, p.Height, p.Width}, p.Data)
}

// DecodeAndPreprocess decodes a JPEG or PNG image, resizes it with nearest
// neighbour sampling and returns CHW data normalized to [0, 1]
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	if p.channels != 1 && p.channels != 3 {
		return nil, errors.Errorf("unsupported channel count %d", p.channels)
	}
	if p.targetSize <= 0 {
		return nil, errors.Errorf("invalid target size %d", p.targetSize)
	}

	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}

	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("image has zero size")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	plane := p.targetSize * p.targetSize
	requiredSize := p.channels * plane
	if len(p.processBuffer) < requiredSize {
		p.processBuffer = make([]float32, requiredSize)
	}
	data := p.processBuffer[:requiredSize]

	scaleX := float64(width) / float64(p.targetSize)
	scaleY := float64(height) / float64(p.targetSize)

	for y := 0; y < p.targetSize; y++ {
		srcY := int(float64(y) * scaleY)
		if srcY >= height {
			srcY = height - 1
		}
		for x := 0; x < p.targetSize; x++ {
			srcX := int(float64(x) * scaleX)
			if srcX >= width {
				srcX = width - 1
			}

			px := img.At(bounds.Min.X+srcX, bounds.Min.Y+srcY)
			idx := y*p.targetSize + x

			if p.channels == 1 {
				gray := color.Gray16Model.Convert(px).(color.Gray16)
				data[idx] = float32(gray.Y) / 65535.0
				continue
			}

			r, g, b, _ := px.RGBA()
			data[idx] = float32(r) / 65535.0
			data[plane+idx] = float32(g) / 65535.0
			data[2*plane+idx] = float32(b) / 65535.0
		}
	}

	// The buffer is reused, so hand out a copy
	result := make([]float32, len(data))
	copy(result, data)

	return &ProcessedImage{
		Data:     result,
		Width:    p.targetSize,
		Height:   p.targetSize,
		Channels: p.channels,
	}, nil
}

// PreprocessBatch preprocesses multiple images concurrently. Results keep the
// order of imagePaths; the first failure is reported with its path.
func PreprocessBatch(imagePaths []string, targetSize, channels, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	errs := make([]error, len(imagePaths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(targetSize, channels)

			for j := range jobs {
				file, err := os.Open(j.path)
				if err != nil {
					errs[j.index] = err
					continue
				}

				img, err := processor.DecodeAndPreprocess(file)
				file.Close()

				if err != nil {
					errs[j.index] = err
				} else {
					results[j.index] = img
				}
			}
		}()
	}

	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, &BatchError{Path: imagePaths[i], Err: err}
		}
	}

	return results, nil
}

// BatchError identifies the file that failed inside PreprocessBatch
type BatchError struct {
	Path string
	Err  error
}

func (e *BatchError) Error() string {
	return "failed to process image " + e.Path + ": " + e.Err.Error()
}

func (e *BatchError) Unwrap() error { return e.Err }
