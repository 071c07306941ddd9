package ml

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"go.viam.com/overlaycam/config"
	"go.viam.com/overlaycam/frame"
	"go.viam.com/overlaycam/logging"
	"go.viam.com/overlaycam/vision/objectdetection"
)

// Constructor loads a model of one type. rt is ready when it is called.
type Constructor func(
	ctx context.Context,
	cfg config.ModelConfig,
	shape frame.Shape,
	rt Runtime,
	logger logging.Logger,
) (objectdetection.Model, error)

// Registration describes how to load a model type.
type Registration struct {
	// NewRuntime returns the runtime models of this type run on. Nil means NoRuntime.
	NewRuntime  func(cfg config.ModelConfig, logger logging.Logger) Runtime
	Constructor Constructor
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Registration{}
)

// RegisterModel registers a model type. It panics if the type is already registered or the
// registration has no constructor.
func RegisterModel(modelType string, reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[modelType]; ok {
		panic(errors.Errorf("trying to register two models with the same type %q", modelType))
	}
	if reg.Constructor == nil {
		panic(errors.Errorf("cannot register a nil constructor for model type %q", modelType))
	}
	registry[modelType] = reg
}

func lookup(modelType string) (Registration, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[modelType]
	if !ok {
		return Registration{}, errors.Errorf("unknown model type %q", modelType)
	}
	return reg, nil
}

// NewRuntime returns the runtime the configured model type runs on. It is not ready yet.
func NewRuntime(cfg config.ModelConfig, logger logging.Logger) (Runtime, error) {
	reg, err := lookup(cfg.Type)
	if err != nil {
		return nil, err
	}
	if reg.NewRuntime == nil {
		return NoRuntime{}, nil
	}
	return reg.NewRuntime(cfg, logger), nil
}

// Load loads the configured model on rt, which must be ready. Its detections are filtered by
// DefaultPostprocessors.
func Load(
	ctx context.Context,
	cfg config.ModelConfig,
	shape frame.Shape,
	rt Runtime,
	logger logging.Logger,
) (objectdetection.Model, error) {
	ctx, span := trace.StartSpan(ctx, "ml::Load")
	defer span.End()
	span.AddAttributes(trace.StringAttribute("type", cfg.Type))

	reg, err := lookup(cfg.Type)
	if err != nil {
		return nil, err
	}
	if rt == nil {
		return nil, errors.Errorf("model type %q needs a runtime", cfg.Type)
	}
	m, err := reg.Constructor(ctx, cfg, shape, rt, logger)
	if err != nil {
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
		return nil, errors.Wrapf(err, "failed to load %s model", cfg.Type)
	}
	filtered, err := objectdetection.WithPostprocessors(m, DefaultPostprocessors(cfg)...)
	if err != nil {
		return nil, err
	}
	logger.CInfow(ctx, "loaded model", "type", cfg.Type, "name", m.Name(), "runtime", rt.Name())
	return &tracedModel{Model: filtered}, nil
}

// DefaultPostprocessors returns the filters applied to every loaded model's detections, in order:
// minimum score, label allow list, minimum area and maximum count.
func DefaultPostprocessors(cfg config.ModelConfig) []objectdetection.Postprocessor {
	posts := []objectdetection.Postprocessor{
		objectdetection.NewScoreFilter(cfg.MinScore),
		objectdetection.NewLabelFilter(cfg.Labels),
	}
	if cfg.MinArea > 0 {
		posts = append(posts, objectdetection.NewAreaFilter(cfg.MinArea))
	}
	return append(posts, objectdetection.NewMaxCountFilter(cfg.MaxDetections))
}

// tracedModel records a span around each inference.
type tracedModel struct {
	objectdetection.Model
}

func (m *tracedModel) Detect(ctx context.Context, f *frame.Frame) ([]objectdetection.Detection, error) {
	ctx, span := trace.StartSpan(ctx, "ml::Detect")
	defer span.End()
	span.AddAttributes(trace.StringAttribute("model", m.Name()))

	dets, err := m.Model.Detect(ctx, f)
	if err != nil {
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: err.Error()})
		return nil, err
	}
	span.AddAttributes(trace.Int64Attribute("detections", int64(len(dets))))
	return dets, nil
}
