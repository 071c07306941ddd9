package camera

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"go.viam.com/overlaycam/frame"
	"go.viam.com/overlaycam/logging"
	"go.viam.com/overlaycam/utils"
)

// readErrorWait is the minimum pause after a failed read before trying again.
const readErrorWait = 100 * time.Millisecond

// SourceStats counts what a TensorSource has done.
type SourceStats struct {
	Produced   uint64
	Pulled     uint64
	Dropped    uint64
	ReadErrors uint64
}

// TensorSource reads images on a background worker, resizes them to a fixed shape and keeps only
// the most recent frame. A frame that is not pulled before the next one arrives is dropped.
type TensorSource struct {
	src      ImageSource
	shape    frame.Shape
	interval time.Duration
	logger   logging.Logger

	mu      sync.Mutex
	latest  *frame.Frame
	preview image.Image
	workers utils.StoppableWorkers

	startOnce sync.Once
	closed    atomic.Bool

	produced   atomic.Uint64
	pulled     atomic.Uint64
	dropped    atomic.Uint64
	readErrors atomic.Uint64
}

// NewTensorSource returns a source that converts images from src into frames of the given shape.
// interval paces reads from sources that do not block on their own, such as image files. Reading
// begins on Start.
func NewTensorSource(src ImageSource, shape frame.Shape, interval time.Duration, logger logging.Logger) (*TensorSource, error) {
	if src == nil {
		return nil, errors.New("must have an ImageSource to read frames from")
	}
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	return &TensorSource{
		src:      src,
		shape:    shape,
		interval: interval,
		logger:   logger,
	}, nil
}

// Shape is the shape of every frame this source produces.
func (ts *TensorSource) Shape() frame.Shape {
	return ts.shape
}

// RequestPermission asks the underlying image source for access.
func (ts *TensorSource) RequestPermission(ctx context.Context) (Permission, error) {
	return RequestPermission(ctx, ts.src)
}

// Start begins reading images in the background. Calling it more than once, or after Close, does
// nothing.
func (ts *TensorSource) Start() {
	ts.startOnce.Do(func() {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		if ts.closed.Load() {
			return
		}
		ts.workers = utils.NewStoppableWorkers(ts.readLoop)
	})
}

func (ts *TensorSource) readLoop(ctx context.Context) {
	consecutiveErrors := 0
	for {
		if ctx.Err() != nil {
			return
		}
		wait := ts.interval
		if err := ts.readOnce(ctx); err != nil {
			if ctx.Err() != nil || ts.closed.Load() {
				return
			}
			ts.readErrors.Inc()
			if consecutiveErrors == 0 {
				ts.logger.CWarnw(ctx, "failed to read image from camera", "error", err)
			} else {
				ts.logger.CDebugw(ctx, "failed to read image from camera", "error", err, "consecutive", consecutiveErrors+1)
			}
			consecutiveErrors++
			if wait < readErrorWait {
				wait = readErrorWait
			}
		} else {
			if consecutiveErrors > 0 {
				ts.logger.CInfow(ctx, "camera reads recovered", "failed_reads", consecutiveErrors)
			}
			consecutiveErrors = 0
		}
		if !goutils.SelectContextOrWait(ctx, wait) {
			return
		}
	}
}

func (ts *TensorSource) readOnce(ctx context.Context) error {
	img, release, err := ts.src.Read(ctx)
	if err != nil {
		return err
	}
	captured := time.Now()
	// the source may reuse img's memory once released
	preview := imaging.Clone(img)
	if release != nil {
		release()
	}

	f, err := frame.FromImage(preview, ts.shape, captured)
	if err != nil {
		return errors.Wrap(err, "failed to convert image to frame")
	}

	ts.mu.Lock()
	old := ts.latest
	ts.latest = f
	ts.preview = preview
	ts.mu.Unlock()

	ts.produced.Inc()
	if old != nil {
		old.Release()
		ts.dropped.Inc()
	}
	return nil
}

// Next returns the most recent unconsumed frame, if any.
func (ts *TensorSource) Next(ctx context.Context) (*frame.Frame, bool) {
	ts.mu.Lock()
	f := ts.latest
	ts.latest = nil
	ts.mu.Unlock()
	if f == nil {
		return nil, false
	}
	ts.pulled.Inc()
	return f, true
}

// Preview returns the most recent full resolution image. It returns false until the first image
// has been read.
func (ts *TensorSource) Preview() (image.Image, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.preview, ts.preview != nil
}

// Stats returns the source's counters.
func (ts *TensorSource) Stats() SourceStats {
	return SourceStats{
		Produced:   ts.produced.Load(),
		Pulled:     ts.pulled.Load(),
		Dropped:    ts.dropped.Load(),
		ReadErrors: ts.readErrors.Load(),
	}
}

// Close closes the image source, stops reading and releases any unconsumed frame. Only the first
// call does anything.
func (ts *TensorSource) Close(ctx context.Context) error {
	if !ts.closed.CompareAndSwap(false, true) {
		return nil
	}
	// a reader blocked in Read only returns once the source is closed
	err := ts.src.Close(ctx)

	ts.mu.Lock()
	workers := ts.workers
	ts.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}

	ts.mu.Lock()
	if ts.latest != nil {
		ts.latest.Release()
		ts.latest = nil
	}
	ts.mu.Unlock()
	return err
}
