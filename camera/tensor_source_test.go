package camera

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/overlaycam/frame"
	"go.viam.com/overlaycam/logging"
)

var testShape = frame.Shape{Height: 200, Width: 152, Depth: 3}

type fakeImageSource struct {
	img      image.Image
	err      error
	reads    atomic.Int64
	released atomic.Int64
	closed   atomic.Int64
}

func (s *fakeImageSource) Read(ctx context.Context) (image.Image, func(), error) {
	s.reads.Inc()
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.img, func() { s.released.Inc() }, nil
}

func (s *fakeImageSource) Close(ctx context.Context) error {
	s.closed.Inc()
	return nil
}

func solidImage(w, h int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestTensorSourceProducesLatestFrame(t *testing.T) {
	logger := logging.NewTestLogger(t)
	src := &fakeImageSource{img: solidImage(320, 240, color.NRGBA{R: 200, G: 100, B: 50, A: 255})}
	ts, err := NewTensorSource(src, testShape, time.Millisecond, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ts.Shape(), test.ShouldResemble, testShape)

	// nothing is read before Start
	_, ok := ts.Next(context.Background())
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = ts.Preview()
	test.That(t, ok, test.ShouldBeFalse)

	ts.Start()
	ts.Start()
	var f *frame.Frame
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		var ok bool
		f, ok = ts.Next(context.Background())
		test.That(tb, ok, test.ShouldBeTrue)
	})
	test.That(t, f.Shape(), test.ShouldResemble, testShape)
	pix, err := f.Pix()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pix[(10*testShape.Width+10)*testShape.Depth], test.ShouldEqual, uint8(200))
	f.Release()

	preview, ok := ts.Preview()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, preview.Bounds(), test.ShouldResemble, image.Rect(0, 0, 320, 240))

	test.That(t, ts.Close(context.Background()), test.ShouldBeNil)
	test.That(t, ts.Close(context.Background()), test.ShouldBeNil)
	test.That(t, src.closed.Load(), test.ShouldEqual, int64(1))
	test.That(t, src.released.Load(), test.ShouldEqual, src.reads.Load())

	stats := ts.Stats()
	test.That(t, stats.Pulled, test.ShouldEqual, uint64(1))
	test.That(t, stats.Produced, test.ShouldBeGreaterThanOrEqualTo, uint64(1))
	test.That(t, stats.ReadErrors, test.ShouldEqual, uint64(0))

	// a closed source stays empty
	_, ok = ts.Next(context.Background())
	test.That(t, ok, test.ShouldBeFalse)
}

func TestTensorSourceDropsUnpulledFrames(t *testing.T) {
	src := &fakeImageSource{img: solidImage(16, 16, color.White)}
	ts, err := NewTensorSource(src, frame.Shape{Height: 8, Width: 8, Depth: 1}, time.Millisecond, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	ts.Start()
	defer func() {
		test.That(t, ts.Close(context.Background()), test.ShouldBeNil)
	}()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, ts.Stats().Dropped, test.ShouldBeGreaterThan, uint64(0))
	})
	f, ok := ts.Next(context.Background())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, f.Released(), test.ShouldBeFalse)
	f.Release()
}

func TestTensorSourceReadErrors(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	src := &fakeImageSource{err: errors.New("lens cap on")}
	ts, err := NewTensorSource(src, testShape, time.Millisecond, logger)
	test.That(t, err, test.ShouldBeNil)
	ts.Start()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, ts.Stats().ReadErrors, test.ShouldBeGreaterThanOrEqualTo, uint64(2))
	})
	test.That(t, ts.Close(context.Background()), test.ShouldBeNil)

	test.That(t, logs.FilterMessageSnippet("failed to read image").FilterLevelExact(logging.WARN.AsZap()).Len(), test.ShouldEqual, 1)
	_, ok := ts.Next(context.Background())
	test.That(t, ok, test.ShouldBeFalse)
}

// blockingImageSource blocks every Read until it is closed, like a camera that stopped
// delivering frames.
type blockingImageSource struct {
	reading   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *blockingImageSource) Read(ctx context.Context) (image.Image, func(), error) {
	select {
	case s.reading <- struct{}{}:
	default:
	}
	<-s.done
	return nil, nil, errors.New("camera closed")
}

func (s *blockingImageSource) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func TestTensorSourceCloseUnblocksStalledRead(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	src := &blockingImageSource{reading: make(chan struct{}, 1), done: make(chan struct{})}
	ts, err := NewTensorSource(src, testShape, time.Millisecond, logger)
	test.That(t, err, test.ShouldBeNil)
	ts.Start()
	<-src.reading

	closed := make(chan error, 1)
	go func() {
		closed <- ts.Close(context.Background())
	}()
	select {
	case err := <-closed:
		test.That(t, err, test.ShouldBeNil)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return while a read was blocked")
	}
	test.That(t, ts.Stats().ReadErrors, test.ShouldEqual, uint64(0))
	test.That(t, logs.FilterMessageSnippet("failed to read image").Len(), test.ShouldEqual, 0)
}

func TestTensorSourceStartAfterClose(t *testing.T) {
	src := &fakeImageSource{img: solidImage(4, 4, color.Black)}
	ts, err := NewTensorSource(src, testShape, time.Millisecond, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ts.Close(context.Background()), test.ShouldBeNil)
	ts.Start()
	time.Sleep(10 * time.Millisecond)
	test.That(t, src.reads.Load(), test.ShouldEqual, int64(0))
}

func TestNewTensorSourceValidation(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := NewTensorSource(nil, testShape, 0, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewTensorSource(&fakeImageSource{}, frame.Shape{Height: 1, Width: 1, Depth: 2}, 0, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "depth")
}

func TestRequestPermission(t *testing.T) {
	p, err := RequestPermission(context.Background(), &fakeImageSource{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p, test.ShouldEqual, Granted)
	test.That(t, p.String(), test.ShouldEqual, "granted")
	test.That(t, Denied.String(), test.ShouldEqual, "denied")
}
