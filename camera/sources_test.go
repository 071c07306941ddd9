package camera

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/overlaycam/logging"
)

func writeImage(t *testing.T, path string, w, h int) {
	t.Helper()
	test.That(t, imaging.Save(solidImage(w, h, color.NRGBA{B: 255, A: 255}), path), test.ShouldBeNil)
}

func TestStaticSource(t *testing.T) {
	img := solidImage(5, 7, color.White)
	s := NewStaticSource(img)
	p, err := s.RequestPermission(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p, test.ShouldEqual, Granted)

	out, release, err := s.Read(context.Background())
	test.That(t, err, test.ShouldBeNil)
	release()
	test.That(t, out, test.ShouldEqual, img)
	test.That(t, s.Close(context.Background()), test.ShouldBeNil)

	_, _, err = NewStaticSource(nil).Read(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
}

func TestImageFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.png")
	writeImage(t, path, 30, 20)

	s := NewImageFileSource(path)
	p, err := s.RequestPermission(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p, test.ShouldEqual, Granted)

	img, _, err := s.Read(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds(), test.ShouldResemble, image.Rect(0, 0, 30, 20))

	missing := NewImageFileSource(filepath.Join(dir, "missing.png"))
	p, err = missing.RequestPermission(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, p, test.ShouldEqual, Denied)
	_, _, err = missing.Read(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "cannot read image file")
}

func TestDirSourceCycles(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "b.png"), 20, 10)
	writeImage(t, filepath.Join(dir, "a.jpg"), 10, 10)
	test.That(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not an image"), 0o600), test.ShouldBeNil)
	test.That(t, os.Mkdir(filepath.Join(dir, "sub.png"), 0o700), test.ShouldBeNil)

	ds, err := NewDirSource(dir, false, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ds.Len(), test.ShouldEqual, 2)

	p, err := ds.RequestPermission(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p, test.ShouldEqual, Granted)

	var widths []int
	for i := 0; i < 3; i++ {
		img, release, err := ds.Read(context.Background())
		test.That(t, err, test.ShouldBeNil)
		release()
		widths = append(widths, img.Bounds().Dx())
	}
	test.That(t, widths, test.ShouldResemble, []int{10, 20, 10})
	test.That(t, ds.Close(context.Background()), test.ShouldBeNil)
}

func TestDirSourceEmptyAndMissing(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ds, err := NewDirSource(t.TempDir(), false, logger)
	test.That(t, err, test.ShouldBeNil)
	_, _, err = ds.Read(context.Background())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no images")

	_, err = NewDirSource(filepath.Join(t.TempDir(), "nope"), false, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDirSourceWatch(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "a.png"), 4, 4)
	ds, err := NewDirSource(dir, true, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, ds.Close(context.Background()), test.ShouldBeNil)
	}()
	test.That(t, ds.Len(), test.ShouldEqual, 1)

	writeImage(t, filepath.Join(dir, "b.png"), 4, 4)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, ds.Len(), test.ShouldEqual, 2)
	})

	test.That(t, os.Remove(filepath.Join(dir, "a.png")), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, ds.Len(), test.ShouldEqual, 1)
	})
}

func TestMakeConstraints(t *testing.T) {
	logger := logging.NewTestLogger(t)

	var c mediadevices.MediaTrackConstraints
	makeConstraints(WebcamConfig{Width: 1600, Height: 1200, FrameRate: 30, Format: "MJPG"}, "cam-1", logger).Video(&c)
	test.That(t, c.DeviceID, test.ShouldResemble, prop.StringExact("cam-1"))
	test.That(t, c.Width, test.ShouldResemble, prop.IntRanged{Min: 0, Ideal: 1600, Max: 4096})
	test.That(t, c.Height, test.ShouldResemble, prop.IntRanged{Min: 0, Ideal: 1200, Max: 4096})
	test.That(t, c.FrameRate, test.ShouldResemble, prop.FloatExact(30))
	test.That(t, c.FrameFormat, test.ShouldResemble, prop.FrameFormatExact("MJPG"))

	var defaults mediadevices.MediaTrackConstraints
	makeConstraints(WebcamConfig{}, "", logger).Video(&defaults)
	test.That(t, defaults.DeviceID, test.ShouldBeNil)
	test.That(t, defaults.Width, test.ShouldResemble, prop.IntRanged{Min: 0, Ideal: 640, Max: 4096})
}

func TestWebcamClosedBeforeOpen(t *testing.T) {
	w := NewWebcamSource(WebcamConfig{}, logging.NewTestLogger(t))
	test.That(t, w.Close(context.Background()), test.ShouldBeNil)
	test.That(t, w.Close(context.Background()), test.ShouldBeNil)
	_, _, err := w.Read(context.Background())
	test.That(t, err, test.ShouldEqual, errWebcamClosed)
	p, err := w.RequestPermission(context.Background())
	test.That(t, p, test.ShouldEqual, Denied)
	test.That(t, err, test.ShouldNotBeNil)
}
