// Package objectdetection defines detections, detectors and the postprocessors that filter them.
package objectdetection

import (
	"context"
	"fmt"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"go.viam.com/overlaycam/frame"
)

// Box is an axis aligned bounding box in the pixel space of the frame it was detected in.
type Box struct {
	X, Y          float64
	Width, Height float64
}

// BoxFromRect converts an r2 rectangle to a Box.
func BoxFromRect(r r2.Rect) Box {
	return Box{X: r.X.Lo, Y: r.Y.Lo, Width: r.X.Length(), Height: r.Y.Length()}
}

// Rect returns the box as an r2 rectangle.
func (b Box) Rect() r2.Rect {
	return r2.Rect{
		X: r1.Interval{Lo: b.X, Hi: b.X + b.Width},
		Y: r1.Interval{Lo: b.Y, Hi: b.Y + b.Height},
	}
}

// Area of the box.
func (b Box) Area() float64 {
	return b.Width * b.Height
}

func (b Box) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f, %.2f)", b.X, b.Y, b.Width, b.Height)
}

// Detection returns a bounding box around the object, a confidence score of the detection
// and a label of the object.
type Detection interface {
	BoundingBox() Box
	Score() float64
	Label() string
}

// NewDetection creates a simple 2D detection.
func NewDetection(box Box, score float64, label string) Detection {
	return &detection2D{box, score, label}
}

// detection2D is a simple struct for storing 2D detections.
type detection2D struct {
	boundingBox Box
	score       float64
	label       string
}

// BoundingBox returns a bounding box around the detected object.
func (d *detection2D) BoundingBox() Box {
	return d.boundingBox
}

// Score returns a confidence score of the detection between 0.0 and 1.0.
func (d *detection2D) Score() float64 {
	return d.score
}

// Label returns the class label of the object in the bounding box.
func (d *detection2D) Label() string {
	return d.label
}

// String turns the detection into a string.
func (d *detection2D) String() string {
	return fmt.Sprintf("Label: %s, Score: %.2f, Box: %s", d.label, d.score, d.boundingBox)
}

// Detector returns the detections found in a frame. The frame is in the tensor space the model
// consumes, and boxes are returned in that same space.
type Detector interface {
	Detect(ctx context.Context, f *frame.Frame) ([]Detection, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, f *frame.Frame) ([]Detection, error)

// Detect calls fn.
func (fn DetectorFunc) Detect(ctx context.Context, f *frame.Frame) ([]Detection, error) {
	return fn(ctx, f)
}

// Model is a loaded detection model. It is loaded once and closed once.
type Model interface {
	Detector
	Name() string
	Close(ctx context.Context) error
}

// Build chains a detector with postprocessors applied in order.
func Build(det Detector, posts ...Postprocessor) (Detector, error) {
	if det == nil {
		return nil, errors.New("must have a Detector to build a detection pipeline")
	}
	return DetectorFunc(func(ctx context.Context, f *frame.Frame) ([]Detection, error) {
		dets, err := det.Detect(ctx, f)
		if err != nil {
			return nil, err
		}
		for _, post := range posts {
			if post != nil {
				dets = post(dets)
			}
		}
		return dets, nil
	}), nil
}

// withPostprocessors wraps a model so that its detections pass through posts.
type withPostprocessors struct {
	Model
	pipeline Detector
}

// WithPostprocessors returns a model whose Detect output is filtered by posts.
func WithPostprocessors(m Model, posts ...Postprocessor) (Model, error) {
	if m == nil {
		return nil, errors.New("must have a Model to attach postprocessors to")
	}
	if len(posts) == 0 {
		return m, nil
	}
	pipeline, err := Build(m, posts...)
	if err != nil {
		return nil, err
	}
	return &withPostprocessors{Model: m, pipeline: pipeline}, nil
}

func (w *withPostprocessors) Detect(ctx context.Context, f *frame.Frame) ([]Detection, error) {
	return w.pipeline.Detect(ctx, f)
}
