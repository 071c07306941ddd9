// Package app wires a camera, a detection model and the overlay into a running detector and owns
// their lifecycle.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/overlaycam/camera"
	"go.viam.com/overlaycam/config"
	"go.viam.com/overlaycam/detectloop"
	"go.viam.com/overlaycam/display"
	"go.viam.com/overlaycam/logging"
	"go.viam.com/overlaycam/ml"
	"go.viam.com/overlaycam/overlay"
	"go.viam.com/overlaycam/utils"
)

// defaultFileFrameRate paces image file and directory sources when no frame rate is configured.
const defaultFileFrameRate = 30

// State is where an App is in bringing up its model.
type State int32

const (
	// Uninitialized means Start has not been called.
	Uninitialized State = iota
	// Loading means permission was granted and the runtime and model are being brought up.
	Loading
	// Ready means the model is loaded and frames are being detected.
	Ready
	// Failed means bootstrapping stopped with an error. The loop keeps running without a model.
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stats combine the counters of an App's parts.
type Stats struct {
	ID        string
	State     State
	Loop      detectloop.Stats
	Source    camera.SourceStats
	Drawn     uint64
	Snapshots uint64
}

// App runs object detection over a camera feed and draws the results on an overlay.
type App struct {
	id     uuid.UUID
	cfg    *config.Config
	logger logging.Logger

	imageSource camera.ImageSource
	source      *camera.TensorSource
	runtime     ml.Runtime
	renderer    *overlay.Renderer
	surface     overlay.Surface
	loop        *detectloop.Loop
	compositor  *display.Compositor

	state atomic.Int32
	// done is closed once bootstrapping has finished, successfully or not.
	done chan struct{}

	mu        sync.Mutex
	err       error
	workers   utils.StoppableWorkers
	started   bool
	closeOnce sync.Once
	closeErr  error
}

// New builds an App from cfg, opening the camera it describes. cfg must already have defaults
// applied and be valid.
func New(cfg *config.Config, logger logging.Logger) (*App, error) {
	src, err := NewImageSource(cfg.Camera, logger)
	if err != nil {
		return nil, err
	}
	a, err := NewWithSource(cfg, src, logger)
	if err != nil {
		return nil, multierr.Combine(err, src.Close(context.Background()))
	}
	return a, nil
}

// NewImageSource opens the image source a camera config describes.
func NewImageSource(conf config.CameraConfig, logger logging.Logger) (camera.ImageSource, error) {
	switch conf.Source {
	case config.SourceWebcam:
		return camera.NewWebcamSource(camera.WebcamConfig{
			Path:      conf.Path,
			Width:     conf.TextureWidth,
			Height:    conf.TextureHeight,
			FrameRate: conf.FrameRate,
			Format:    conf.Format,
		}, logger.Sublogger("webcam")), nil
	case config.SourceImage:
		return camera.NewImageFileSource(conf.Path), nil
	case config.SourceDirectory:
		return camera.NewDirSource(conf.Path, conf.Watch, logger.Sublogger("dir"))
	default:
		return nil, errors.Errorf("unknown source %q", conf.Source)
	}
}

// readInterval paces sources that return immediately. Webcams block until a frame is ready.
func readInterval(conf config.CameraConfig) time.Duration {
	if conf.Source == config.SourceWebcam {
		return 0
	}
	rate := float64(conf.FrameRate)
	if rate <= 0 {
		rate = defaultFileFrameRate
	}
	return time.Duration(float64(time.Second) / rate)
}

// NewWithSource builds an App that reads from src. The App owns src from here on.
func NewWithSource(cfg *config.Config, src camera.ImageSource, logger logging.Logger) (*App, error) {
	id := uuid.New()
	logger = logger.WithFields("app_id", id.String())
	rt, err := ml.NewRuntime(cfg.Model, logger.Sublogger("runtime"))
	if err != nil {
		return nil, err
	}
	source, err := camera.NewTensorSource(src, cfg.Camera.Shape(), readInterval(cfg.Camera), logger.Sublogger("source"))
	if err != nil {
		return nil, err
	}
	style, err := styleFromConfig(cfg.Display)
	if err != nil {
		return nil, err
	}
	interval, err := cfg.Display.Interval()
	if err != nil {
		return nil, err
	}

	mirrored := cfg.Display.IsMirrored()
	renderer := overlay.NewRenderer(
		float64(cfg.Display.Width), float64(cfg.Display.Height), mirrored, style, logger.Sublogger("overlay"))
	loop := detectloop.New(source, renderer, detectloop.Options{
		TickRate:     cfg.Loop.TickRate,
		AllowOverlap: cfg.Loop.AllowOverlap,
	}, logger.Sublogger("loop"))
	compositor, err := display.NewCompositor(source, renderer, display.Options{
		Width:            cfg.Display.Width,
		Height:           cfg.Display.Height,
		Mirrored:         mirrored,
		SnapshotPath:     cfg.Display.SnapshotPath,
		SnapshotInterval: interval,
	}, logger.Sublogger("display"))
	if err != nil {
		return nil, err
	}

	return &App{
		id:          id,
		cfg:         cfg,
		logger:      logger,
		imageSource: src,
		source:      source,
		runtime:     rt,
		renderer:    renderer,
		surface:     overlay.NewSurface(cfg.Display.Width, cfg.Display.Height, cfg.Display.FontSize),
		loop:        loop,
		compositor:  compositor,
		done:        make(chan struct{}),
	}, nil
}

func styleFromConfig(conf config.DisplayConfig) (overlay.Style, error) {
	stroke, err := config.ParseColor(conf.StrokeColor)
	if err != nil {
		return overlay.Style{}, err
	}
	fill, err := config.ParseColor(conf.FillColor)
	if err != nil {
		return overlay.Style{}, err
	}
	return overlay.Style{StrokeColor: stroke, FillColor: fill, LineWidth: conf.LineWidth}, nil
}

// Start attaches the overlay, asks for camera permission and, once granted, starts the camera,
// the detection loop and loading the model in the background. It returns an error only when the
// camera cannot be used; model problems are reported through State and Err.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return errors.New("app already started")
	}
	a.started = true
	a.mu.Unlock()

	a.renderer.Attach(a.surface)

	perm, err := camera.RequestPermission(ctx, a.imageSource)
	if err == nil && perm != camera.Granted {
		err = camera.ErrPermissionDenied
	}
	if err != nil {
		err = errors.Wrap(err, "cannot use camera")
		a.fail(ctx, err)
		close(a.done)
		return err
	}
	a.logger.CInfow(ctx, "camera permission granted")
	a.setState(Uninitialized, Loading)

	a.source.Start()
	a.loop.Start(ctx)
	a.compositor.Start(ctx)

	a.mu.Lock()
	a.workers = utils.NewStoppableWorkersWithContext(ctx, a.bootstrap)
	a.mu.Unlock()
	return nil
}

// bootstrap readies the runtime and loads the model, then hands it to the loop.
func (a *App) bootstrap(ctx context.Context) {
	defer close(a.done)

	if err := a.runtime.Ready(ctx); err != nil {
		a.fail(ctx, errors.Wrapf(err, "%s runtime not ready", a.runtime.Name()))
		return
	}
	start := time.Now()
	model, err := ml.Load(ctx, a.cfg.Model, a.cfg.Camera.Shape(), a.runtime, a.logger.Sublogger("model"))
	if err != nil {
		a.fail(ctx, err)
		return
	}
	if !a.loop.SetModel(model) {
		// closed while loading
		a.fail(ctx, multierr.Combine(errors.New("app closed before the model was ready"), model.Close(ctx)))
		return
	}
	a.setState(Loading, Ready)
	a.logger.CInfow(ctx, "model loaded", "model", model.Name(), "took", time.Since(start))
}

func (a *App) fail(ctx context.Context, err error) {
	a.mu.Lock()
	a.err = err
	a.mu.Unlock()
	if a.setState(Loading, Failed) || a.setState(Uninitialized, Failed) {
		a.logger.CErrorw(ctx, "failed to start detection", "error", err)
	}
}

// setState moves from one state to the next, reporting whether it did.
func (a *App) setState(from, to State) bool {
	return a.state.CompareAndSwap(int32(from), int32(to))
}

// State returns the current state.
func (a *App) State() State {
	return State(a.state.Load())
}

// Err returns the error that made the App fail, if any.
func (a *App) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Wait blocks until the model is ready or bootstrapping failed, and returns the state reached.
func (a *App) Wait(ctx context.Context) (State, error) {
	select {
	case <-ctx.Done():
		return a.State(), ctx.Err()
	case <-a.done:
	}
	return a.State(), a.Err()
}

// ID identifies this App in its log lines and stats.
func (a *App) ID() uuid.UUID {
	return a.id
}

// Compositor returns the compositor that blends the overlay over the preview.
func (a *App) Compositor() *display.Compositor {
	return a.compositor
}

// Stats returns a snapshot of the App's counters.
func (a *App) Stats() Stats {
	return Stats{
		ID:        a.id.String(),
		State:     a.State(),
		Loop:      a.loop.Stats(),
		Source:    a.source.Stats(),
		Drawn:     a.renderer.Frames(),
		Snapshots: a.compositor.Written(),
	}
}

// Close stops everything the App started and releases the model, the camera and the runtime.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		workers := a.workers
		a.mu.Unlock()

		// once the loop is closed it refuses models, so a load still in progress closes its own
		var teardown errgroup.Group
		teardown.Go(func() error {
			return a.loop.Close(ctx)
		})
		teardown.Go(func() error {
			if workers != nil {
				workers.Stop()
			}
			return nil
		})
		teardown.Go(func() error {
			a.compositor.Close()
			return nil
		})
		err := teardown.Wait()
		a.renderer.Detach()
		a.closeErr = multierr.Combine(err, a.runtime.Close(ctx))
		a.logger.CDebugw(ctx, "closed", "state", a.State().String())
	})
	return a.closeErr
}
