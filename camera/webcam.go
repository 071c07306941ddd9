package camera

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	driverutils "github.com/pion/mediadevices/pkg/driver"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"

	"go.viam.com/overlaycam/logging"
)

var errWebcamClosed = errors.New("webcam has been closed")

// WebcamConfig describes which webcam to open and the stream it should produce.
type WebcamConfig struct {
	// Path is the device label, such as /dev/video0. Empty picks any webcam.
	Path      string
	Width     int
	Height    int
	FrameRate float32
	Format    string
	Debug     bool
}

// makeConstraints returns the constraints mediadevices uses to find and configure a video source.
// The configured size is preferred but not required, since texture sizes vary across devices.
func makeConstraints(conf WebcamConfig, deviceID string, logger logging.Logger) mediadevices.MediaStreamConstraints {
	return mediadevices.MediaStreamConstraints{
		Video: func(constraint *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				constraint.DeviceID = prop.StringExact(deviceID)
			}

			if conf.Width > 0 {
				constraint.Width = prop.IntRanged{Min: 0, Ideal: conf.Width, Max: 4096}
			} else {
				constraint.Width = prop.IntRanged{Min: 0, Ideal: 640, Max: 4096}
			}

			if conf.Height > 0 {
				constraint.Height = prop.IntRanged{Min: 0, Ideal: conf.Height, Max: 4096}
			} else {
				constraint.Height = prop.IntRanged{Min: 0, Ideal: 480, Max: 2160}
			}

			if conf.FrameRate > 0.0 {
				constraint.FrameRate = prop.FloatExact(conf.FrameRate)
			} else {
				constraint.FrameRate = prop.FloatRanged{Min: 0.0, Ideal: 30.0, Max: 140.0}
			}

			if conf.Format == "" {
				constraint.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatYUY2,
					frame.FormatUYVY,
					frame.FormatRGBA,
					frame.FormatMJPEG,
					frame.FormatNV12,
					frame.FormatNV21,
				}
			} else {
				constraint.FrameFormat = prop.FrameFormatExact(conf.Format)
			}

			if conf.Debug {
				logger.Debugf("constraints: %v", constraint)
			}
		},
	}
}

// findDeviceID returns the mediadevices ID of the video driver whose label matches path.
func findDeviceID(path string) (string, error) {
	drivers := driverutils.GetManager().Query(driverutils.FilterVideoRecorder())
	if len(drivers) == 0 {
		return "", errors.New("found no webcams")
	}
	if path == "" {
		return "", nil
	}
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	for _, d := range drivers {
		for _, label := range strings.Split(d.Info().Label, mediadevicescamera.LabelSeparator) {
			if label == path || label == filepath.Base(path) {
				return d.ID(), nil
			}
		}
	}
	return "", errors.Errorf("found no webcam with label %q", path)
}

// WebcamSource reads images from a local webcam through mediadevices. The device is opened when
// permission is requested or on the first read.
type WebcamSource struct {
	conf   WebcamConfig
	logger logging.Logger

	mu     sync.Mutex
	track  mediadevices.Track
	reader video.Reader
	closed bool
}

// NewWebcamSource returns a webcam source for conf.
func NewWebcamSource(conf WebcamConfig, logger logging.Logger) *WebcamSource {
	return &WebcamSource{conf: conf, logger: logger}
}

// RequestPermission opens the webcam. Access is denied when no webcam is found or the device
// cannot be opened.
func (w *WebcamSource) RequestPermission(ctx context.Context) (Permission, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureOpen(); err != nil {
		if errors.Is(err, os.ErrPermission) {
			return Denied, errors.Wrap(ErrPermissionDenied, err.Error())
		}
		return Denied, err
	}
	return Granted, nil
}

// ensureOpen opens the webcam if needed. Assumes the lock is held.
func (w *WebcamSource) ensureOpen() error {
	if w.closed {
		return errWebcamClosed
	}
	if w.reader != nil {
		return nil
	}

	mediadevicescamera.Initialize()
	deviceID, err := findDeviceID(w.conf.Path)
	if err != nil {
		return err
	}
	stream, err := mediadevices.GetUserMedia(makeConstraints(w.conf, deviceID, w.logger))
	if err != nil {
		return errors.Wrap(err, "failed to find camera")
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return errors.New("webcam stream has no video track")
	}
	videoTrack, ok := tracks[0].(*mediadevices.VideoTrack)
	if !ok {
		return errors.Errorf("expected a video track but got %T", tracks[0])
	}
	w.track = videoTrack
	w.reader = videoTrack.NewReader(false)
	w.logger.Infow("opened webcam", "label", videoTrack.ID())
	return nil
}

// Read returns the next image from the webcam.
func (w *WebcamSource) Read(ctx context.Context) (image.Image, func(), error) {
	w.mu.Lock()
	if err := w.ensureOpen(); err != nil {
		w.mu.Unlock()
		return nil, nil, err
	}
	reader := w.reader
	w.mu.Unlock()

	img, release, err := reader.Read()
	if err != nil {
		return nil, nil, errors.Wrap(err, "couldn't get webcam frame")
	}
	return img, release, nil
}

// Close releases the webcam.
func (w *WebcamSource) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.track == nil {
		return nil
	}
	err := w.track.Close()
	w.track = nil
	w.reader = nil
	return err
}
