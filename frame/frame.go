// Package frame defines the camera frame tensor handed from frame sources to detectors.
// A frame is a rank-3 uint8 tensor laid out height × width × depth.
package frame

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"gorgonia.org/tensor"
)

// ErrReleased is returned when a frame is used after Release.
var ErrReleased = errors.New("frame has been released")

// Shape is the spatial shape of a frame tensor.
type Shape struct {
	Height int
	Width  int
	Depth  int
}

// String renders the shape the way tensors print theirs.
func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s.Height, s.Width, s.Depth)
}

// Validate checks the shape describes a frame we can build.
func (s Shape) Validate() error {
	if s.Height <= 0 || s.Width <= 0 {
		return errors.Errorf("frame dimensions must be positive, got %dx%d", s.Width, s.Height)
	}
	switch s.Depth {
	case 1, 3, 4:
		return nil
	default:
		return errors.Errorf("frame depth must be 1, 3 or 4, got %d", s.Depth)
	}
}

// Len is the number of elements in a tensor of this shape.
func (s Shape) Len() int {
	return s.Height * s.Width * s.Depth
}

// Frame is one camera frame as a tensor.
type Frame struct {
	data     *tensor.Dense
	shape    Shape
	captured time.Time
	released atomic.Bool
}

// New wraps pix, which must be laid out height × width × depth, into a frame.
func New(shape Shape, pix []uint8, captured time.Time) (*Frame, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if len(pix) != shape.Len() {
		return nil, errors.Errorf("expected %d values for shape %s, got %d", shape.Len(), shape, len(pix))
	}
	data := tensor.New(
		tensor.WithShape(shape.Height, shape.Width, shape.Depth),
		tensor.WithBacking(pix),
	)
	return &Frame{data: data, shape: shape, captured: captured}, nil
}

// FromImage resizes img to the shape's width and height and converts it to a frame.
func FromImage(img image.Image, shape Shape, captured time.Time) (*Frame, error) {
	if img == nil {
		return nil, errors.New("cannot build a frame from a nil image")
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	resized := img
	if b := img.Bounds(); b.Dx() != shape.Width || b.Dy() != shape.Height {
		resized = resize.Resize(uint(shape.Width), uint(shape.Height), img, resize.Bilinear)
	}

	pix := make([]uint8, shape.Len())
	bounds := resized.Bounds()
	i := 0
	for y := bounds.Min.Y; y < bounds.Min.Y+shape.Height; y++ {
		for x := bounds.Min.X; x < bounds.Min.X+shape.Width; x++ {
			if shape.Depth == 1 {
				pix[i] = color.GrayModel.Convert(resized.At(x, y)).(color.Gray).Y
				i++
				continue
			}
			c := color.NRGBAModel.Convert(resized.At(x, y)).(color.NRGBA)
			pix[i], pix[i+1], pix[i+2] = c.R, c.G, c.B
			if shape.Depth == 4 {
				pix[i+3] = c.A
			}
			i += shape.Depth
		}
	}
	return New(shape, pix, captured)
}

// Shape returns the frame's spatial shape.
func (f *Frame) Shape() Shape {
	return f.shape
}

// Captured returns when the underlying image was read from the camera.
func (f *Frame) Captured() time.Time {
	return f.captured
}

// Pix returns the raw height × width × depth values.
func (f *Frame) Pix() ([]uint8, error) {
	if f.released.Load() {
		return nil, ErrReleased
	}
	pix, ok := f.data.Data().([]uint8)
	if !ok {
		return nil, errors.Errorf("frame tensor has unexpected dtype %v", f.data.Dtype())
	}
	return pix, nil
}

// Release marks the frame consumed. A frame is handed to exactly one inference call and released
// after it returns. Release is idempotent.
func (f *Frame) Release() {
	f.released.Store(true)
}

// Released reports whether Release was called.
func (f *Frame) Released() bool {
	return f.released.Load()
}
