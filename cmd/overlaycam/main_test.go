package main

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"go.viam.com/test"

	"go.viam.com/overlaycam/logging"
)

func writeTestImage(t *testing.T, dir string) string {
	t.Helper()
	img := imaging.New(76, 100, color.White)
	img = imaging.Paste(img, imaging.New(30, 30, color.Black), image.Pt(23, 35))
	path := filepath.Join(dir, "frame.png")
	test.That(t, imaging.Save(img, path), test.ShouldBeNil)
	return path
}

func TestDetectCommand(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	in := writeTestImage(t, dir)
	out := filepath.Join(dir, "out", "overlay.png")

	err := newCLIApp(logger).Run([]string{"overlaycam", "detect", "--image", in, "--out", out})
	test.That(t, err, test.ShouldBeNil)

	written, err := imaging.Open(out)
	test.That(t, err, test.ShouldBeNil)
	// luminance models draw on a display the size of the platform texture
	test.That(t, written.Bounds().Dx(), test.ShouldBeGreaterThan, 76)
}

func TestDetectCommandWithConfig(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()
	in := writeTestImage(t, dir)
	out := filepath.Join(dir, "overlay.png")
	cfgPath := filepath.Join(dir, "overlaycam.json")
	logPath := filepath.Join(dir, "logs", "overlaycam.log")
	t.Setenv("OVERLAYCAM_TEST_WIDTH", "320")
	t.Setenv("OVERLAYCAM_TEST_LOG", filepath.ToSlash(logPath))
	test.That(t, os.WriteFile(cfgPath, []byte(`{
		"camera": {"source": "webcam"},
		"model": {"type": "luminance", "attributes": {"label": "blob"}},
		"display": {"width": ${OVERLAYCAM_TEST_WIDTH}, "height": 240, "mirrored": false},
		"log_level": "debug",
		"log_file": "${OVERLAYCAM_TEST_LOG}"
	}`), 0o600), test.ShouldBeNil)

	err := newCLIApp(logger).Run([]string{"overlaycam", "--config", cfgPath, "detect", "--image", in, "--out", out})
	test.That(t, err, test.ShouldBeNil)
	written, err := imaging.Open(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, written.Bounds(), test.ShouldResemble, image.Rect(0, 0, 320, 240))

	logged, err := os.ReadFile(logPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(logged), test.ShouldContainSubstring, "wrote overlay")
}

func TestCommandErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	dir := t.TempDir()

	err := newCLIApp(logger).Run([]string{"overlaycam", "--config", filepath.Join(dir, "missing.json"), "run"})
	test.That(t, err, test.ShouldNotBeNil)

	err = newCLIApp(logger).Run([]string{"overlaycam", "run", "--source", "directory"})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "path")

	err = newCLIApp(logger).Run([]string{"overlaycam", "detect", "--image", filepath.Join(dir, "missing.png")})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "cannot use camera")
}

func TestRunCameraUnavailable(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	missing := filepath.Join(t.TempDir(), "missing.png")
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := newCLIApp(logger).RunContext(ctx, []string{
		"overlaycam", "run", "--source", "image", "--path", missing, "--stats-interval", "0",
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ctx.Err(), test.ShouldNotBeNil)
	test.That(t, logs.FilterMessage("failed to start detection").Len(), test.ShouldEqual, 1)
	test.That(t, logs.FilterMessage("detection halted, waiting for interrupt").Len(), test.ShouldEqual, 1)
}
