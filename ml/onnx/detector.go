package onnx

import (
	"bufio"
	"context"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/overlaycam/config"
	"go.viam.com/overlaycam/frame"
	"go.viam.com/overlaycam/logging"
	"go.viam.com/overlaycam/ml"
	"go.viam.com/overlaycam/utils"
	"go.viam.com/overlaycam/vision/objectdetection"
)

// Config is the attribute struct of ONNX SSD models. The model takes a uint8 tensor of shape
// [1, height, width, 3] and returns boxes, classes, scores and a detection count.
type Config struct {
	ModelPath         string `json:"model_path"`
	LabelPath         string `json:"label_path,omitempty"`
	InputName         string `json:"input_name,omitempty"`
	BoxesName         string `json:"boxes_name,omitempty"`
	ClassesName       string `json:"classes_name,omitempty"`
	ScoresName        string `json:"scores_name,omitempty"`
	NumDetectionsName string `json:"num_detections_name,omitempty"`
	// BoxOrder gives the positions of xmin, ymin, xmax and ymax within each box.
	BoxOrder   []int `json:"box_order,omitempty"`
	MaxOutputs int   `json:"max_outputs,omitempty"`
	NumThreads int   `json:"num_threads,omitempty"`
}

func (c *Config) applyDefaults() {
	if c.InputName == "" {
		c.InputName = "input_tensor"
	}
	if c.BoxesName == "" {
		c.BoxesName = "detection_boxes"
	}
	if c.ClassesName == "" {
		c.ClassesName = "detection_classes"
	}
	if c.ScoresName == "" {
		c.ScoresName = "detection_scores"
	}
	if c.NumDetectionsName == "" {
		c.NumDetectionsName = "num_detections"
	}
	if len(c.BoxOrder) == 0 {
		c.BoxOrder = []int{1, 0, 3, 2}
	}
	if c.MaxOutputs == 0 {
		c.MaxOutputs = 100
	}
	if c.NumThreads == 0 {
		c.NumThreads = runtime.NumCPU()
	}
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate(path string) error {
	if c.ModelPath == "" {
		return errors.Errorf("%s: model_path is required", path)
	}
	if len(c.BoxOrder) != 4 {
		return errors.Errorf("%s: box_order must have 4 entries, got %d", path, len(c.BoxOrder))
	}
	seen := map[int]bool{}
	for _, i := range c.BoxOrder {
		if i < 0 || i > 3 || seen[i] {
			return errors.Errorf("%s: box_order must be a permutation of 0..3, got %v", path, c.BoxOrder)
		}
		seen[i] = true
	}
	if c.MaxOutputs < 0 {
		return errors.Errorf("%s: max_outputs must be positive, got %d", path, c.MaxOutputs)
	}
	return nil
}

func init() {
	ml.RegisterModel(config.ModelTypeONNX, ml.Registration{
		NewRuntime: func(cfg config.ModelConfig, logger logging.Logger) ml.Runtime {
			return NewRuntime(cfg.RuntimeLibraryPath, logger)
		},
		Constructor: func(
			ctx context.Context,
			cfg config.ModelConfig,
			shape frame.Shape,
			rt ml.Runtime,
			logger logging.Logger,
		) (objectdetection.Model, error) {
			if _, err := utils.AssertType[*Runtime](rt); err != nil {
				return nil, errors.Wrapf(err, "onnx models need an onnx runtime, got %s", rt.Name())
			}
			attrs, err := config.DecodeAttributes[Config](cfg.Attributes)
			if err != nil {
				return nil, err
			}
			return NewDetector(attrs, shape, logger)
		},
	})
}

// session is the part of an ONNX Runtime session a Detector uses.
type session interface {
	Run() error
	Destroy() error
}

// Detector is an SSD model loaded into an ONNX Runtime session. Inputs and outputs are bound to
// preallocated tensors, so runs are serialized.
type Detector struct {
	name   string
	cfg    Config
	shape  frame.Shape
	labels []string
	logger logging.Logger

	mu       sync.Mutex
	session  session
	input    []uint8
	boxes    []float32
	classes  []float32
	scores   []float32
	num      []float32
	destroys []func() error
	closed   bool
}

// NewDetector loads the model at cfg.ModelPath for frames of the given shape. The ONNX Runtime
// environment must already be initialized.
func NewDetector(cfg Config, shape frame.Shape, logger logging.Logger) (*Detector, error) {
	cfg.applyDefaults()
	if err := cfg.Validate("attributes"); err != nil {
		return nil, err
	}
	if shape.Depth != 3 {
		return nil, errors.Errorf("onnx ssd models take rgb frames, got shape %s", shape)
	}
	var labels []string
	if cfg.LabelPath != "" {
		var err error
		if labels, err = readLabels(cfg.LabelPath); err != nil {
			return nil, err
		}
	}

	d := &Detector{name: cfg.ModelPath, cfg: cfg, shape: shape, labels: labels, logger: logger}
	if err := d.open(); err != nil {
		return nil, multierr.Combine(err, d.destroy())
	}
	logger.Infow("loaded onnx model", "path", cfg.ModelPath, "input", shape.String(), "max_outputs", cfg.MaxOutputs)
	return d, nil
}

func (d *Detector) open() error {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return errors.Wrap(err, "error creating session options")
	}
	defer func() {
		goutils.UncheckedError(options.Destroy())
	}()
	if err := options.SetIntraOpNumThreads(d.cfg.NumThreads); err != nil {
		return err
	}

	input, err := ort.NewEmptyTensor[uint8](ort.NewShape(1, int64(d.shape.Height), int64(d.shape.Width), 3))
	if err != nil {
		return errors.Wrap(err, "error creating input tensor")
	}
	d.destroys = append(d.destroys, input.Destroy)

	n := int64(d.cfg.MaxOutputs)
	outputs := make([]*ort.Tensor[float32], 0, 4)
	for _, shape := range []ort.Shape{
		ort.NewShape(1, n, 4),
		ort.NewShape(1, n),
		ort.NewShape(1, n),
		ort.NewShape(1),
	} {
		t, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			return errors.Wrap(err, "error creating output tensor")
		}
		d.destroys = append(d.destroys, t.Destroy)
		outputs = append(outputs, t)
	}

	s, err := ort.NewAdvancedSession(
		d.cfg.ModelPath,
		[]string{d.cfg.InputName},
		[]string{d.cfg.BoxesName, d.cfg.ClassesName, d.cfg.ScoresName, d.cfg.NumDetectionsName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{outputs[0], outputs[1], outputs[2], outputs[3]},
		options,
	)
	if err != nil {
		return errors.Wrapf(err, "error creating session for %q", d.cfg.ModelPath)
	}
	d.session = s
	d.input = input.GetData()
	d.boxes = outputs[0].GetData()
	d.classes = outputs[1].GetData()
	d.scores = outputs[2].GetData()
	d.num = outputs[3].GetData()
	return nil
}

// destroy frees the session and tensors. Assumes the lock is held or the detector is not shared.
func (d *Detector) destroy() error {
	var err error
	if d.session != nil {
		err = multierr.Combine(err, d.session.Destroy())
		d.session = nil
	}
	for _, fn := range d.destroys {
		err = multierr.Combine(err, fn())
	}
	d.destroys = nil
	return err
}

// Name returns the model path.
func (d *Detector) Name() string {
	return d.name
}

// Detect runs the model on f and returns boxes in f's pixel space.
func (d *Detector) Detect(ctx context.Context, f *frame.Frame) ([]objectdetection.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.Shape() != d.shape {
		return nil, errors.Errorf("model expects frames of shape %s, got %s", d.shape, f.Shape())
	}
	pix, err := f.Pix()
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("model has been closed")
	}
	copy(d.input, pix)
	if err := d.session.Run(); err != nil {
		return nil, errors.Wrap(err, "failed to run onnx session")
	}
	out := ssdOutputs{count: int(d.num[0])}
	if out.boxes, err = ml.ToFloat64s(d.boxes); err != nil {
		return nil, err
	}
	if out.classes, err = ml.ToFloat64s(d.classes); err != nil {
		return nil, err
	}
	if out.scores, err = ml.ToFloat64s(d.scores); err != nil {
		return nil, err
	}
	return decodeSSD(out, d.cfg.BoxOrder, d.labels, d.shape)
}

// Close frees the session. Only the first call does anything.
func (d *Detector) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.destroy()
}

func readLabels(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, "cannot open label file")
	}
	defer goutils.UncheckedErrorFunc(f.Close)
	labels := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, scanner.Text())
	}
	return labels, scanner.Err()
}

// ssdOutputs are the raw outputs of one SSD run.
type ssdOutputs struct {
	boxes   []float64
	classes []float64
	scores  []float64
	count   int
}

// decodeSSD turns normalized SSD boxes into detections in the pixel space of shape. Each box is
// four values indexed by order as xmin, ymin, xmax, ymax, clamped to [0, 1].
func decodeSSD(out ssdOutputs, order []int, labels []string, shape frame.Shape) ([]objectdetection.Detection, error) {
	count := out.count
	if count > len(out.scores) {
		count = len(out.scores)
	}
	if len(out.classes) < count || len(out.boxes) < 4*count {
		return nil, errors.Errorf("model returned %d boxes and %d classes for %d detections",
			len(out.boxes)/4, len(out.classes), count)
	}
	w, h := float64(shape.Width), float64(shape.Height)
	detections := make([]objectdetection.Detection, 0, count)
	for i := 0; i < count; i++ {
		loc := out.boxes[4*i : 4*i+4]
		xmin := utils.Clamp(loc[order[0]], 0, 1) * w
		ymin := utils.Clamp(loc[order[1]], 0, 1) * h
		xmax := utils.Clamp(loc[order[2]], 0, 1) * w
		ymax := utils.Clamp(loc[order[3]], 0, 1) * h
		if xmax <= xmin || ymax <= ymin {
			continue
		}
		box := objectdetection.Box{X: xmin, Y: ymin, Width: xmax - xmin, Height: ymax - ymin}
		label := labelFor(int(out.classes[i]), labels)
		detections = append(detections, objectdetection.NewDetection(box, out.scores[i], label))
	}
	return detections, nil
}

// labelFor names a class. Without a label file, COCO names are used.
func labelFor(class int, labels []string) string {
	if labels != nil {
		if class >= 0 && class < len(labels) {
			return labels[class]
		}
		return strconv.Itoa(class)
	}
	if name, ok := cocoLabels[class]; ok {
		return name
	}
	return strconv.Itoa(class)
}
