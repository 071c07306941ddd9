// Package overlay draws detection boxes and labels onto a transparent surface laid over the
// camera preview.
package overlay

import (
	"image"
	"image/color"
	"sync"

	"go.uber.org/atomic"

	"go.viam.com/overlaycam/frame"
	"go.viam.com/overlaycam/logging"
	"go.viam.com/overlaycam/vision/objectdetection"
)

const (
	// DefaultLineWidth is the stroke width of detection rectangles.
	DefaultLineWidth = 3
	// DefaultFontSize is the label font size in points.
	DefaultFontSize = 14
	// labelOffset places labels up and to the left of a box's top-left corner.
	labelOffset = 5
)

// Style configures how detections are drawn.
type Style struct {
	StrokeColor color.Color
	FillColor   color.Color
	LineWidth   float64
}

// DefaultStyle draws red boxes and labels.
func DefaultStyle() Style {
	red := color.RGBA{R: 255, A: 255}
	return Style{StrokeColor: red, FillColor: red, LineWidth: DefaultLineWidth}
}

// Renderer maps detections from tensor space onto a display-space surface.
type Renderer struct {
	mu       sync.Mutex
	surface  Surface
	width    float64
	height   float64
	mirrored bool
	style    Style
	drawn    atomic.Uint64
	logger   logging.Logger
}

// NewRenderer returns a renderer for a display of the given size. No surface is attached yet.
func NewRenderer(width, height float64, mirrored bool, style Style, logger logging.Logger) *Renderer {
	return &Renderer{
		width:    width,
		height:   height,
		mirrored: mirrored,
		style:    style,
		logger:   logger,
	}
}

// Attach makes s the drawing surface and applies the renderer's style to it.
func (r *Renderer) Attach(s Surface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.SetStrokeColor(r.style.StrokeColor)
	s.SetFillColor(r.style.FillColor)
	s.SetLineWidth(r.style.LineWidth)
	r.surface = s
}

// Detach drops the surface. Draw calls are no-ops until a surface is attached again.
func (r *Renderer) Detach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.surface = nil
}

// Mirrored reports whether boxes are flipped horizontally.
func (r *Renderer) Mirrored() bool {
	return r.mirrored
}

// Frames returns how many times Draw reached a surface.
func (r *Renderer) Frames() uint64 {
	return r.drawn.Load()
}

// Draw clears the surface and draws one rectangle and label per detection. Boxes are in the
// pixel space of a tensor with the given shape.
func (r *Renderer) Draw(detections []objectdetection.Detection, shape frame.Shape) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.surface == nil {
		r.logger.Debug("no surface attached; skipping draw")
		return
	}
	if shape.Width <= 0 || shape.Height <= 0 {
		r.logger.Warnw("cannot draw detections for an empty frame shape", "shape", shape.String())
		return
	}

	scaleX := r.width / float64(shape.Width)
	scaleY := r.height / float64(shape.Height)
	surfaceWidth := r.surface.Width()

	r.surface.ClearRect(0, 0, r.surface.Width(), r.surface.Height())
	for _, d := range detections {
		box := Transform(d.BoundingBox(), scaleX, scaleY, surfaceWidth, r.mirrored)
		r.surface.StrokeRect(box.X, box.Y, box.Width, box.Height)
		r.surface.FillText(d.Label(), box.X-labelOffset, box.Y-labelOffset)
	}
	r.drawn.Inc()
}

// View calls fn with the current overlay image while holding the draw lock. It returns false
// when no surface is attached.
func (r *Renderer) View(fn func(overlay image.Image)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.surface == nil {
		return false
	}
	fn(r.surface.Image())
	return true
}

// Transform maps a box from tensor space to display space. When mirrored, the box is flipped
// about the surface's vertical center line so its distance from the right edge equals its
// scaled distance from the left edge in tensor space.
func Transform(box objectdetection.Box, scaleX, scaleY, surfaceWidth float64, mirrored bool) objectdetection.Box {
	out := objectdetection.Box{
		X:      box.X * scaleX,
		Y:      box.Y * scaleY,
		Width:  box.Width * scaleX,
		Height: box.Height * scaleY,
	}
	if mirrored {
		out.X = surfaceWidth - box.X*scaleX - out.Width
	}
	return out
}
