// Package camera turns image sources such as webcams, image files and directories of images into
// a lazily pulled sequence of frame tensors.
package camera

import (
	"context"
	"image"

	"github.com/pkg/errors"

	"go.viam.com/overlaycam/frame"
)

// ErrPermissionDenied is returned when the camera cannot be used because access was refused.
var ErrPermissionDenied = errors.New("camera permission denied")

// ImageSource reads full resolution images from a camera. The release function, if not nil, must
// be called once the image is no longer used.
type ImageSource interface {
	Read(ctx context.Context) (img image.Image, release func(), err error)
	Close(ctx context.Context) error
}

// FrameSource is a lazily pulled sequence of frame tensors.
type FrameSource interface {
	// Next returns the next available frame without blocking. It returns false when no frame is
	// ready yet. The caller owns the returned frame and must Release it.
	Next(ctx context.Context) (*frame.Frame, bool)
	Close(ctx context.Context) error
}

// Permission is the outcome of asking to use a camera.
type Permission int

const (
	// Denied means the camera cannot be used.
	Denied Permission = iota
	// Granted means the camera can be read from.
	Granted
)

func (p Permission) String() string {
	if p == Granted {
		return "granted"
	}
	return "denied"
}

// Permissioner asks for access to a camera.
type Permissioner interface {
	RequestPermission(ctx context.Context) (Permission, error)
}

// RequestPermission asks src for access if it knows how to, and grants it otherwise.
func RequestPermission(ctx context.Context, src interface{}) (Permission, error) {
	p, ok := src.(Permissioner)
	if !ok {
		return Granted, nil
	}
	return p.RequestPermission(ctx)
}
