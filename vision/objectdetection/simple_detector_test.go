package objectdetection

import (
	"context"
	"testing"
	"time"

	"go.viam.com/test"

	"go.viam.com/overlaycam/frame"
)

func TestLuminanceDetector(t *testing.T) {
	_, err := NewLuminanceDetector(0, "")
	test.That(t, err, test.ShouldNotBeNil)

	// white 20x10 frame with two dark squares
	shape := frame.Shape{Height: 10, Width: 20, Depth: 3}
	pix := make([]uint8, shape.Len())
	for i := range pix {
		pix[i] = 255
	}
	darken := func(x0, y0, x1, y1 int) {
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				i := (y*shape.Width + x) * shape.Depth
				pix[i], pix[i+1], pix[i+2] = 0, 0, 0
			}
		}
	}
	darken(2, 1, 4, 3)
	darken(10, 5, 17, 8)
	f, err := frame.New(shape, pix, time.Now())
	test.That(t, err, test.ShouldBeNil)

	det, err := NewLuminanceDetector(20, "")
	test.That(t, err, test.ShouldBeNil)
	dets, err := det.Detect(context.Background(), f)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 2)
	test.That(t, dets[0].Label(), test.ShouldEqual, LuminanceLabel)
	test.That(t, dets[0].Score(), test.ShouldEqual, 1.0)
	test.That(t, dets[0].BoundingBox(), test.ShouldResemble, Box{X: 2, Y: 1, Width: 3, Height: 3})
	test.That(t, dets[1].BoundingBox(), test.ShouldResemble, Box{X: 10, Y: 5, Width: 8, Height: 4})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = det.Detect(ctx, f)
	test.That(t, err, test.ShouldEqual, context.Canceled)

	f.Release()
	_, err = det.Detect(context.Background(), f)
	test.That(t, err, test.ShouldEqual, frame.ErrReleased)
}
