package ml

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/overlaycam/config"
	"go.viam.com/overlaycam/frame"
	"go.viam.com/overlaycam/logging"
	"go.viam.com/overlaycam/vision/objectdetection"
)

var testShape = frame.Shape{Height: 10, Width: 20, Depth: 3}

// twoSquares is a white frame with a 3x3 and an 8x4 dark square.
func twoSquares(t *testing.T) *frame.Frame {
	t.Helper()
	pix := make([]uint8, testShape.Len())
	for i := range pix {
		pix[i] = 255
	}
	darken := func(x0, y0, x1, y1 int) {
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				i := (y*testShape.Width + x) * testShape.Depth
				pix[i], pix[i+1], pix[i+2] = 0, 0, 0
			}
		}
	}
	darken(2, 1, 4, 3)
	darken(10, 5, 17, 8)
	f, err := frame.New(testShape, pix, time.Now())
	test.That(t, err, test.ShouldBeNil)
	return f
}

func luminanceConfig() config.ModelConfig {
	return config.ModelConfig{
		Type:          config.ModelTypeLuminance,
		MinScore:      config.DefaultMinScore,
		MaxDetections: config.DefaultMaxDetections,
	}
}

func TestLoadLuminance(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cfg := luminanceConfig()

	rt, err := NewRuntime(cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rt, test.ShouldResemble, NoRuntime{})
	test.That(t, rt.Ready(context.Background()), test.ShouldBeNil)

	m, err := Load(context.Background(), cfg, testShape, rt, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Name(), test.ShouldEqual, config.ModelTypeLuminance)

	dets, err := m.Detect(context.Background(), twoSquares(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 2)
	test.That(t, dets[0].Label(), test.ShouldEqual, objectdetection.LuminanceLabel)
	test.That(t, dets[0].BoundingBox(), test.ShouldResemble, objectdetection.Box{X: 2, Y: 1, Width: 3, Height: 3})
	test.That(t, m.Close(context.Background()), test.ShouldBeNil)
}

func TestLoadAppliesPostprocessors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	cfg := luminanceConfig()
	cfg.MinArea = 10
	cfg.Attributes = config.AttributeMap{"label": "blob", "threshold": "30"}

	m, err := Load(context.Background(), cfg, testShape, NoRuntime{}, logger)
	test.That(t, err, test.ShouldBeNil)
	dets, err := m.Detect(context.Background(), twoSquares(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 1)
	test.That(t, dets[0].Label(), test.ShouldEqual, "blob")
	test.That(t, dets[0].BoundingBox().Area(), test.ShouldEqual, 32.)

	cfg.MinArea = 0
	cfg.Labels = []string{"person"}
	m, err = Load(context.Background(), cfg, testShape, NoRuntime{}, logger)
	test.That(t, err, test.ShouldBeNil)
	dets, err = m.Detect(context.Background(), twoSquares(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldBeEmpty)
}

func TestLoadErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)

	_, err := NewRuntime(config.ModelConfig{Type: "tflite"}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, `unknown model type "tflite"`)

	_, err = Load(context.Background(), config.ModelConfig{Type: "tflite"}, testShape, NoRuntime{}, logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = Load(context.Background(), luminanceConfig(), testShape, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	cfg := luminanceConfig()
	cfg.Attributes = config.AttributeMap{"threshold": 500}
	_, err = Load(context.Background(), cfg, testShape, NoRuntime{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "failed to load luminance model")

	cfg.Attributes = config.AttributeMap{"bogus": true}
	_, err = Load(context.Background(), cfg, testShape, NoRuntime{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRegisterModelPanics(t *testing.T) {
	test.That(t, func() {
		RegisterModel(config.ModelTypeLuminance, Registration{Constructor: func(
			context.Context, config.ModelConfig, frame.Shape, Runtime, logging.Logger,
		) (objectdetection.Model, error) {
			return nil, nil
		}})
	}, test.ShouldPanic)
	test.That(t, func() { RegisterModel("empty", Registration{}) }, test.ShouldPanic)
}

type failingModel struct{}

func (failingModel) Detect(ctx context.Context, f *frame.Frame) ([]objectdetection.Detection, error) {
	return nil, errors.New("tensor shape mismatch")
}
func (failingModel) Name() string                    { return "failing" }
func (failingModel) Close(ctx context.Context) error { return nil }

func TestTracedModelPassesErrors(t *testing.T) {
	m := &tracedModel{Model: failingModel{}}
	_, err := m.Detect(context.Background(), twoSquares(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldEqual, "tensor shape mismatch")
	test.That(t, m.Name(), test.ShouldEqual, "failing")
}

func TestToFloat64s(t *testing.T) {
	out, err := ToFloat64s([]float32{0.5, 1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, []float64{0.5, 1})
	out, err = ToFloat64s([]int64{3})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out, test.ShouldResemble, []float64{3})
	_, err = ToFloat64s("nope")
	test.That(t, err, test.ShouldNotBeNil)
}
