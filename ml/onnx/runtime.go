// Package onnx runs SSD style detection models on ONNX Runtime.
package onnx

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"go.viam.com/overlaycam/logging"
)

// DefaultLibraryPath returns where the ONNX Runtime shared library is expected for a platform.
func DefaultLibraryPath(goos, goarch string) string {
	switch goos {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin", "ios":
		if goarch == "arm64" {
			return "./third_party/onnxruntime_arm64.dylib"
		}
		return "./third_party/onnxruntime.dylib"
	default:
		if goarch == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	}
}

// Runtime is the process wide ONNX Runtime environment.
type Runtime struct {
	libPath string
	logger  logging.Logger

	mu          sync.Mutex
	initialized bool
	// owned is set when this runtime created the environment and so must destroy it.
	owned bool
}

// NewRuntime returns a runtime that loads the shared library at libPath. An empty path uses
// DefaultLibraryPath for this platform.
func NewRuntime(libPath string, logger logging.Logger) *Runtime {
	if libPath == "" {
		libPath = DefaultLibraryPath(runtime.GOOS, runtime.GOARCH)
	}
	return &Runtime{libPath: libPath, logger: logger}
}

// Name returns "onnxruntime".
func (r *Runtime) Name() string {
	return "onnxruntime"
}

// LibraryPath is the shared library the runtime loads.
func (r *Runtime) LibraryPath() string {
	return r.libPath
}

// Ready initializes the ONNX Runtime environment once.
func (r *Runtime) Ready(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}
	if ort.IsInitialized() {
		r.logger.CDebugw(ctx, "onnx runtime environment already initialized")
		r.initialized = true
		return nil
	}
	ort.SetSharedLibraryPath(r.libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrapf(err, "failed to initialize onnx runtime from %q", r.libPath)
	}
	r.initialized = true
	r.owned = true
	r.logger.CInfow(ctx, "initialized onnx runtime", "library", r.libPath)
	return nil
}

// Close destroys the environment if this runtime initialized it.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.owned {
		return nil
	}
	r.initialized = false
	r.owned = false
	return ort.DestroyEnvironment()
}
