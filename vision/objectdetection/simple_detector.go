package objectdetection

import (
	"context"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"go.viam.com/overlaycam/frame"
)

// LuminanceLabel is the label given to detections from the luminance detector.
const LuminanceLabel = "dark"

// luminanceDetector finds the connected components with luminance below a threshold.
// threshold is between 0.0 and 256.0, with 256.0 being white, and 0.0 being black.
type luminanceDetector struct {
	threshold float64
	label     string
}

// NewLuminanceDetector creates a detector useful for local testing without a model file. Looks
// for dark objects in the frame. It finds pixels below the set threshold, and returns bounding
// boxes around the connected components.
func NewLuminanceDetector(threshold float64, label string) (Detector, error) {
	if threshold <= 0 || threshold > 256 {
		return nil, errors.Errorf("luminance threshold must be in (0, 256], got %v", threshold)
	}
	if label == "" {
		label = LuminanceLabel
	}
	return &luminanceDetector{threshold, label}, nil
}

// Detect takes in a frame and returns the detection bounding boxes found in it.
func (ld *luminanceDetector) Detect(ctx context.Context, f *frame.Frame) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pix, err := f.Pix()
	if err != nil {
		return nil, err
	}
	shape := f.Shape()
	width, height := shape.Width, shape.Height
	lum := make([]float64, width*height)
	for i := range lum {
		lum[i] = luminance(pix[i*shape.Depth:(i+1)*shape.Depth])
	}

	seen := make([]bool, width*height)
	detections := []Detection{}
	queue := make([]int, 0, 64)
	for start := range lum {
		if seen[start] {
			continue
		}
		seen[start] = true
		if lum[start] >= ld.threshold {
			continue
		}
		// bounds of the segment, inclusive of the last pixel
		bounds := r2.EmptyRect()
		queue = append(queue[:0], start)
		for len(queue) != 0 {
			idx := queue[0]
			queue = queue[1:]
			x, y := idx%width, idx/width
			bounds = bounds.AddPoint(r2.Point{X: float64(x), Y: float64(y)})
			for _, n := range [4][2]int{{x, y - 1}, {x, y + 1}, {x - 1, y}, {x + 1, y}} {
				if n[0] < 0 || n[0] >= width || n[1] < 0 || n[1] >= height {
					continue
				}
				nIdx := n[1]*width + n[0]
				if seen[nIdx] {
					continue
				}
				seen[nIdx] = true
				if lum[nIdx] < ld.threshold {
					queue = append(queue, nIdx)
				}
			}
		}
		box := BoxFromRect(bounds)
		box.Width++
		box.Height++
		detections = append(detections, NewDetection(box, 1.0, ld.label))
	}
	return detections, nil
}

// luminance of one pixel. Gray frames are their own luminance.
func luminance(px []uint8) float64 {
	if len(px) < 3 {
		return float64(px[0])
	}
	return 0.299*float64(px[0]) + 0.587*float64(px[1]) + 0.114*float64(px[2])
}
