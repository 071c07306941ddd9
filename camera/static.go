package camera

import (
	"context"
	"image"
	"os"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// StaticSource returns the same image on every read. It stands in for a camera when replaying a
// single image file.
type StaticSource struct {
	path string

	mu  sync.Mutex
	img image.Image
}

// NewStaticSource returns a source that always reads img.
func NewStaticSource(img image.Image) *StaticSource {
	return &StaticSource{img: img}
}

// NewImageFileSource returns a source that reads the image at path. The file is decoded on the
// first read.
func NewImageFileSource(path string) *StaticSource {
	return &StaticSource{path: path}
}

// RequestPermission grants access when the image file can be opened.
func (s *StaticSource) RequestPermission(ctx context.Context) (Permission, error) {
	if s.path == "" {
		return Granted, nil
	}
	return filePermission(s.path)
}

// Read returns the image.
func (s *StaticSource) Read(ctx context.Context) (image.Image, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.img == nil {
		if s.path == "" {
			return nil, nil, errors.New("no image to read")
		}
		img, err := imaging.Open(s.path, imaging.AutoOrientation(true))
		if err != nil {
			return nil, nil, errors.Wrapf(err, "cannot read image file %q", s.path)
		}
		s.img = img
	}
	return s.img, func() {}, nil
}

// Close does nothing.
func (s *StaticSource) Close(ctx context.Context) error {
	return nil
}

// filePermission maps the result of opening path to a camera permission.
func filePermission(path string) (Permission, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		if os.IsPermission(err) {
			return Denied, errors.Wrapf(ErrPermissionDenied, "cannot open %q", path)
		}
		return Denied, err
	}
	return Granted, f.Close()
}
