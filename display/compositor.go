// Package display blends the detection overlay over the camera preview and writes the result
// to disk.
package display

import (
	"context"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"go.viam.com/overlaycam/logging"
	"go.viam.com/overlaycam/overlay"
	"go.viam.com/overlaycam/utils"
)

// Previewer returns the latest full resolution camera image.
type Previewer interface {
	Preview() (image.Image, bool)
}

// Options configure a Compositor.
type Options struct {
	Width    int
	Height   int
	Mirrored bool
	// SnapshotPath, if set, is where Start periodically writes the composited view. The image
	// format follows the extension.
	SnapshotPath     string
	SnapshotInterval time.Duration
	Clock            clock.Clock
}

// Compositor draws the overlay on top of the preview, the way the overlay view sits over the
// camera view on screen.
type Compositor struct {
	previewer Previewer
	renderer  *overlay.Renderer
	opts      Options
	clock     clock.Clock
	logger    logging.Logger

	mu      sync.Mutex
	workers utils.StoppableWorkers

	written atomic.Uint64
}

// NewCompositor returns a compositor for a display of opts.Width by opts.Height.
func NewCompositor(p Previewer, r *overlay.Renderer, opts Options, logger logging.Logger) (*Compositor, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, errors.Errorf("display must have a positive size, got %dx%d", opts.Width, opts.Height)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Compositor{
		previewer: p,
		renderer:  r,
		opts:      opts,
		clock:     clk,
		logger:    logger,
	}, nil
}

// Compose returns the preview scaled to the display, flipped when mirrored, with the overlay
// drawn over it. Before the first preview arrives the background is black.
func (c *Compositor) Compose() *image.NRGBA {
	var dst *image.NRGBA
	if img, ok := c.previewer.Preview(); ok {
		dst = imaging.Resize(img, c.opts.Width, c.opts.Height, imaging.Linear)
		if c.opts.Mirrored {
			dst = imaging.FlipH(dst)
		}
	} else {
		dst = imaging.New(c.opts.Width, c.opts.Height, color.Black)
	}
	c.renderer.View(func(ov image.Image) {
		dst = imaging.Overlay(dst, ov, image.Pt(0, 0), 1.0)
	})
	return dst
}

// Snapshot composes the view and writes it to path.
func (c *Compositor) Snapshot(path string) error {
	img := c.Compose()
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return errors.Wrapf(err, "cannot create snapshot directory %q", dir)
		}
	}
	// write next to the destination and rename so readers never see a partial image
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp"+filepath.Ext(path))
	if err := imaging.Save(img, tmp); err != nil {
		return errors.Wrapf(err, "failed to save snapshot to %q", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "failed to save snapshot to %q", path)
	}
	c.written.Inc()
	return nil
}

// Written is how many snapshots have been saved.
func (c *Compositor) Written() uint64 {
	return c.written.Load()
}

// Start writes a snapshot every SnapshotInterval until ctx is done or Close is called. It does
// nothing without a snapshot path and interval.
func (c *Compositor) Start(ctx context.Context) {
	if c.opts.SnapshotPath == "" || c.opts.SnapshotInterval <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.workers != nil {
		return
	}
	c.logger.CInfow(ctx, "writing snapshots", "path", c.opts.SnapshotPath, "interval", c.opts.SnapshotInterval)
	c.workers = utils.NewStoppableWorkersWithContext(ctx, func(ctx context.Context) {
		ticker := c.clock.Ticker(c.opts.SnapshotInterval)
		defer ticker.Stop()
		failing := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := c.Snapshot(c.opts.SnapshotPath); err != nil {
				if !failing {
					c.logger.CWarnw(ctx, "cannot write snapshot", "error", err)
				}
				failing = true
				continue
			}
			failing = false
		}
	})
}

// Close stops writing snapshots.
func (c *Compositor) Close() {
	c.mu.Lock()
	workers := c.workers
	c.workers = nil
	c.mu.Unlock()
	if workers != nil {
		workers.Stop()
	}
}
