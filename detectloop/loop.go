// Package detectloop pulls frames from a source on every display tick, runs them through a
// detection model and hands the results to an overlay renderer.
package detectloop

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/montanaflynn/stats"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/overlaycam/camera"
	"go.viam.com/overlaycam/frame"
	"go.viam.com/overlaycam/logging"
	"go.viam.com/overlaycam/overlay"
	"go.viam.com/overlaycam/utils"
	"go.viam.com/overlaycam/vision/objectdetection"
)

const (
	// DefaultTickRate matches a display refresh callback.
	DefaultTickRate = 60.
	// latencyWindow is how many recent inference latencies Stats summarizes.
	latencyWindow = 120
)

// Options configure a Loop.
type Options struct {
	// TickRate is how many times per second Start calls Tick. Zero means DefaultTickRate.
	TickRate float64
	// AllowOverlap lets a tick submit a frame while an earlier inference is still running.
	AllowOverlap bool
	// Clock drives the ticker. Nil means the wall clock.
	Clock clock.Clock
}

func (o Options) interval() time.Duration {
	rate := o.TickRate
	if rate <= 0 {
		rate = DefaultTickRate
	}
	return time.Duration(float64(time.Second) / rate)
}

// Stats summarize what a Loop has done so far.
type Stats struct {
	Ticks     uint64
	Pulled    uint64
	Submitted uint64
	Skipped   uint64
	Completed uint64
	Failures  uint64
	// MeanLatency and P95Latency cover the most recent inferences.
	MeanLatency time.Duration
	P95Latency  time.Duration
}

// Loop is the detection loop. It owns its model and frame source once they are handed to it and
// releases both on Close.
type Loop struct {
	src      camera.FrameSource
	renderer *overlay.Renderer
	opts     Options
	clock    clock.Clock
	logger   logging.Logger

	cancelCtx  context.Context
	cancelFunc func()

	mu        sync.Mutex
	model     objectdetection.Model
	workers   utils.StoppableWorkers
	latencies []float64

	// tickMu serializes ticks so the in-flight check and the submission happen together.
	tickMu    sync.Mutex
	inference sync.WaitGroup
	pending   atomic.Int32
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	ticks     atomic.Uint64
	pulled    atomic.Uint64
	submitted atomic.Uint64
	skipped   atomic.Uint64
	completed atomic.Uint64
	failures  atomic.Uint64
}

// New returns a loop that reads from src and draws with r. It does nothing until a model is set.
func New(src camera.FrameSource, r *overlay.Renderer, opts Options, logger logging.Logger) *Loop {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &Loop{
		src:        src,
		renderer:   r,
		opts:       opts,
		clock:      clk,
		logger:     logger,
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
}

// SetModel hands m to the loop. Only the first model is kept; it returns false when m was not
// taken, in which case the caller still owns it.
func (l *Loop) SetModel(m objectdetection.Model) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() || l.model != nil {
		return false
	}
	l.model = m
	l.logger.Infow("model ready", "model", m.Name())
	return true
}

// HasModel reports whether a model has been set.
func (l *Loop) HasModel() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.model != nil
}

func (l *Loop) currentModel() objectdetection.Model {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.model
}

// Tick runs one iteration of the loop: pull the next frame, if any, and submit it to the model.
// Inference happens in the background; the results are drawn when it completes.
func (l *Loop) Tick(ctx context.Context) {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()
	if l.closed.Load() {
		return
	}
	l.ticks.Inc()

	if !l.opts.AllowOverlap && l.pending.Load() > 0 {
		l.skipped.Inc()
		return
	}
	f, ok := l.src.Next(ctx)
	if !ok {
		return
	}
	l.pulled.Inc()

	model := l.currentModel()
	if model == nil {
		f.Release()
		return
	}

	l.pending.Inc()
	l.inference.Add(1)
	l.submitted.Inc()
	goutils.PanicCapturingGo(func() {
		defer l.inference.Done()
		defer l.pending.Dec()
		l.infer(model, f)
	})
}

func (l *Loop) infer(model objectdetection.Model, f *frame.Frame) {
	defer f.Release()
	shape := f.Shape()
	start := l.clock.Now()
	detections, err := model.Detect(l.cancelCtx, f)
	if err != nil {
		l.failures.Inc()
		if l.cancelCtx.Err() == nil {
			l.logger.Warnw("detection failed", "model", model.Name(), "error", err)
		}
		return
	}
	l.recordLatency(l.clock.Since(start))
	l.completed.Inc()
	l.logger.Debugw("detections", "count", len(detections), "shape", shape.String(), "frame_age", time.Since(f.Captured()))
	l.renderer.Draw(detections, shape)
}

func (l *Loop) recordLatency(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latencies = append(l.latencies, float64(d))
	if len(l.latencies) > latencyWindow {
		l.latencies = l.latencies[len(l.latencies)-latencyWindow:]
	}
}

// Start calls Tick at the configured rate until ctx is done or the loop is closed. Calling Start
// more than once has no effect.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.workers != nil || l.closed.Load() {
		return
	}
	interval := l.opts.interval()
	l.logger.CDebugw(ctx, "starting detection loop", "interval", interval)
	l.workers = utils.NewStoppableWorkersWithContext(ctx, func(ctx context.Context) {
		ticker := l.clock.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Tick(ctx)
			}
		}
	})
}

// Stats returns a snapshot of the loop's counters.
func (l *Loop) Stats() Stats {
	s := Stats{
		Ticks:     l.ticks.Load(),
		Pulled:    l.pulled.Load(),
		Submitted: l.submitted.Load(),
		Skipped:   l.skipped.Load(),
		Completed: l.completed.Load(),
		Failures:  l.failures.Load(),
	}
	l.mu.Lock()
	latencies := append([]float64(nil), l.latencies...)
	l.mu.Unlock()
	if len(latencies) == 0 {
		return s
	}
	if mean, err := stats.Mean(latencies); err == nil {
		s.MeanLatency = time.Duration(mean)
	}
	if p95, err := stats.Percentile(latencies, 95); err == nil {
		s.P95Latency = time.Duration(p95)
	}
	return s
}

// Close stops ticking, waits for any running inference and then closes the model and the frame
// source. Only the first call does anything.
func (l *Loop) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		// once closed is set under tickMu no Tick can add to inference
		l.tickMu.Lock()
		l.mu.Lock()
		l.closed.Store(true)
		workers := l.workers
		l.mu.Unlock()
		l.tickMu.Unlock()

		if workers != nil {
			workers.Stop()
		}
		l.cancelFunc()
		l.inference.Wait()

		var err error
		if model := l.currentModel(); model != nil {
			err = multierr.Combine(err, model.Close(ctx))
		}
		err = multierr.Combine(err, l.src.Close(ctx))
		l.closeErr = err
		l.logger.CDebugw(ctx, "detection loop closed", "ticks", l.ticks.Load(), "submitted", l.submitted.Load())
	})
	return l.closeErr
}
