package camera

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/disintegration/imaging"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/overlaycam/logging"
	"go.viam.com/overlaycam/utils"
)

// reloadDelay collects the events of a burst of file changes into a single reload.
const reloadDelay = 50 * time.Millisecond

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// DirSource replays the images in a directory in name order, starting over after the last one.
type DirSource struct {
	dir    string
	logger logging.Logger

	mu    sync.Mutex
	files []string
	next  int

	watcher *fsnotify.Watcher
	reload  func(func())
	workers utils.StoppableWorkers
}

// NewDirSource returns a source that cycles through the images in dir. When watch is set the file
// list is reloaded whenever files are added to or removed from dir.
func NewDirSource(dir string, watch bool, logger logging.Logger) (*DirSource, error) {
	ds := &DirSource{dir: dir, logger: logger}
	if err := ds.load(); err != nil {
		return nil, err
	}
	if !watch {
		return ds, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "cannot watch image directory")
	}
	if err := watcher.Add(dir); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "cannot watch %q", dir), watcher.Close())
	}
	ds.watcher = watcher
	ds.reload = debounce.New(reloadDelay)
	ds.workers = utils.NewStoppableWorkers(ds.watch)
	return ds, nil
}

func (ds *DirSource) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ds.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			ds.reload(func() {
				if ctx.Err() != nil {
					return
				}
				if err := ds.load(); err != nil {
					ds.logger.CWarnw(ctx, "failed to reload image directory", "dir", ds.dir, "error", err)
					return
				}
				ds.logger.CDebugw(ctx, "reloaded image directory", "dir", ds.dir, "event", event.String(), "files", ds.Len())
			})
		case err, ok := <-ds.watcher.Errors:
			if !ok {
				return
			}
			ds.logger.CWarnw(ctx, "error watching image directory", "dir", ds.dir, "error", err)
		}
	}
}

func (ds *DirSource) load() error {
	entries, err := os.ReadDir(ds.dir)
	if err != nil {
		return err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(ds.dir, e.Name()))
	}
	sort.Strings(files)

	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.files = files
	if ds.next >= len(files) {
		ds.next = 0
	}
	return nil
}

// Len is the number of images currently in the replay list.
func (ds *DirSource) Len() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return len(ds.files)
}

// RequestPermission grants access when the directory can be listed.
func (ds *DirSource) RequestPermission(ctx context.Context) (Permission, error) {
	if _, err := os.ReadDir(ds.dir); err != nil {
		if os.IsPermission(err) {
			return Denied, errors.Wrapf(ErrPermissionDenied, "cannot list %q", ds.dir)
		}
		return Denied, err
	}
	return Granted, nil
}

// Read decodes the next image in the directory.
func (ds *DirSource) Read(ctx context.Context) (image.Image, func(), error) {
	ds.mu.Lock()
	if len(ds.files) == 0 {
		ds.mu.Unlock()
		return nil, nil, errors.Errorf("no images in %q", ds.dir)
	}
	path := ds.files[ds.next]
	ds.next = (ds.next + 1) % len(ds.files)
	ds.mu.Unlock()

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "cannot read image file %q", path)
	}
	return img, func() {}, nil
}

// Close stops watching the directory.
func (ds *DirSource) Close(ctx context.Context) error {
	if ds.watcher == nil {
		return nil
	}
	err := ds.watcher.Close()
	ds.workers.Stop()
	return err
}
