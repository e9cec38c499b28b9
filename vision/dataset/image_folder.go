package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/tsawler/go-scatter/vision/preprocessing"
)

// DefaultExtensions are the image file extensions picked up by LoadImageFolder
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

// LoadOptions controls how an image folder is read
type LoadOptions struct {
	SamplesPerClass int // 0 loads every file
	ImageSize       int
	Channels        int
	Workers         int
	Extensions      []string
	Logger          *zap.Logger
}

// DataLoadError reports a class folder or image file that could not be read
type DataLoadError struct {
	Class string
	Path  string
	Err   error
}

func (e *DataLoadError) Error() string {
	if e.Class == "" {
		return fmt.Sprintf("failed to load data from %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("failed to load class %q from %s: %v", e.Class, e.Path, e.Err)
}

func (e *DataLoadError) Unwrap() error { return e.Err }

// Cause supports github.com/pkg/errors.Cause
func (e *DataLoadError) Cause() error { return e.Err }

// LoadImageFolder loads root/<class>/* for each class in classes. Labels are
// the position of the class in classes, files are read in name order.
func LoadImageFolder(root string, classes []string, opts LoadOptions) (*Dataset, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	extensions := opts.Extensions
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	if len(classes) == 0 {
		return nil, &DataLoadError{Path: root, Err: fmt.Errorf("no classes given")}
	}

	var samples []Sample
	for label, className := range classes {
		classDir := filepath.Join(root, className)
		files, err := listImages(classDir, extensions)
		if err != nil {
			return nil, &DataLoadError{Class: className, Path: classDir, Err: err}
		}

		if len(files) == 0 {
			logger.Warn("class folder has no images", zap.String("class", className), zap.String("path", classDir))
			continue
		}
		if opts.SamplesPerClass > 0 && len(files) > opts.SamplesPerClass {
			files = files[:opts.SamplesPerClass]
		}

		images, err := preprocessing.PreprocessBatch(files, opts.ImageSize, opts.Channels, opts.Workers)
		if err != nil {
			path := classDir
			if be, ok := err.(*preprocessing.BatchError); ok {
				path = be.Path
			}
			return nil, &DataLoadError{Class: className, Path: path, Err: err}
		}

		for i, img := range images {
			t, err := img.Tensor()
			if err != nil {
				return nil, &DataLoadError{Class: className, Path: files[i], Err: err}
			}
			samples = append(samples, Sample{Data: t, Label: label})
		}

		logger.Debug("loaded class", zap.String("class", className), zap.Int("label", label), zap.Int("samples", len(images)))
	}

	if len(samples) == 0 {
		return nil, &DataLoadError{Path: root, Err: fmt.Errorf("no images found for classes %v", classes)}
	}

	return New(samples, classes)
}

func listImages(dir string, extensions []string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		for _, allowed := range extensions {
			if ext == allowed {
				files = append(files, filepath.Join(dir, entry.Name()))
				break
			}
		}
	}
	sort.Strings(files)
	return files, nil
}
