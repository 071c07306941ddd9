// Package config defines the overlaycam configuration file and how it is read and validated.
package config

import (
	"fmt"
	"image/color"
	"runtime"
	"time"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/overlaycam/frame"
	"go.viam.com/overlaycam/logging"
)

// Source types a camera can be read from.
const (
	SourceWebcam    = "webcam"
	SourceDirectory = "directory"
	SourceImage     = "image"
)

// Model types known to the model registry.
const (
	ModelTypeONNX      = "onnx"
	ModelTypeLuminance = "luminance"
)

// Defaults applied to unset fields.
const (
	DefaultResizeWidth   = 152
	DefaultResizeHeight  = 200
	DefaultResizeDepth   = 3
	DefaultMinScore      = 0.5
	DefaultMaxDetections = 20
	DefaultTickRate      = 60
	DefaultLineWidth     = 3
	DefaultColor         = "#ff0000"
	DefaultLogFileMaxMB  = 10
)

// Config describes an overlaycam instance.
type Config struct {
	Camera   CameraConfig  `json:"camera"`
	Model    ModelConfig   `json:"model"`
	Display  DisplayConfig `json:"display"`
	Loop     LoopConfig    `json:"loop"`
	LogLevel string        `json:"log_level,omitempty"`
	Debug    bool          `json:"debug,omitempty"`

	// LogFile, if set, also writes logs to this file, rotating it every LogFileMaxMB.
	LogFile      string `json:"log_file,omitempty"`
	LogFileMaxMB int    `json:"log_file_max_mb,omitempty"`

	// ConfigFilePath is where the config was read from, if anywhere.
	ConfigFilePath string `json:"-"`
}

// CameraConfig describes the frame source.
type CameraConfig struct {
	Source        string  `json:"source"`
	Path          string  `json:"path,omitempty"`
	ResizeWidth   int     `json:"resize_width,omitempty"`
	ResizeHeight  int     `json:"resize_height,omitempty"`
	ResizeDepth   int     `json:"resize_depth,omitempty"`
	TextureWidth  int     `json:"texture_width,omitempty"`
	TextureHeight int     `json:"texture_height,omitempty"`
	FrameRate     float32 `json:"frame_rate,omitempty"`
	Format        string  `json:"format,omitempty"`
	// Watch reloads a directory source's file list when files are added or removed.
	Watch bool `json:"watch,omitempty"`
}

// ModelConfig describes the detection model and how its output is filtered.
type ModelConfig struct {
	Type               string       `json:"type"`
	Attributes         AttributeMap `json:"attributes,omitempty"`
	MinScore           float64      `json:"min_score,omitempty"`
	MaxDetections      int          `json:"max_detections,omitempty"`
	Labels             []string     `json:"labels,omitempty"`
	MinArea            float64      `json:"min_area,omitempty"`
	RuntimeLibraryPath string       `json:"runtime_library_path,omitempty"`
}

// DisplayConfig describes the overlay surface and the preview compositor.
type DisplayConfig struct {
	Width            int     `json:"width,omitempty"`
	Height           int     `json:"height,omitempty"`
	Mirrored         *bool   `json:"mirrored,omitempty"`
	StrokeColor      string  `json:"stroke_color,omitempty"`
	FillColor        string  `json:"fill_color,omitempty"`
	LineWidth        float64 `json:"line_width,omitempty"`
	FontSize         float64 `json:"font_size,omitempty"`
	SnapshotPath     string  `json:"snapshot_path,omitempty"`
	SnapshotInterval string  `json:"snapshot_interval,omitempty"`
}

// LoopConfig describes the detection loop.
type LoopConfig struct {
	TickRate     float64 `json:"tick_rate,omitempty"`
	AllowOverlap bool    `json:"allow_overlap,omitempty"`
}

// TextureDims returns the native camera texture size for a platform.
func TextureDims(goos string) (width, height int) {
	if goos == "ios" {
		return 1080, 1920
	}
	return 1600, 1200
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	c.Camera.applyDefaults()
	c.Model.applyDefaults()
	if c.Display.Width == 0 {
		c.Display.Width = c.Camera.TextureWidth
	}
	if c.Display.Height == 0 {
		c.Display.Height = c.Camera.TextureHeight
	}
	c.Display.applyDefaults()
	if c.Loop.TickRate == 0 {
		c.Loop.TickRate = DefaultTickRate
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFile != "" && c.LogFileMaxMB == 0 {
		c.LogFileMaxMB = DefaultLogFileMaxMB
	}
}

func (c *CameraConfig) applyDefaults() {
	if c.Source == "" {
		c.Source = SourceWebcam
	}
	if c.ResizeWidth == 0 {
		c.ResizeWidth = DefaultResizeWidth
	}
	if c.ResizeHeight == 0 {
		c.ResizeHeight = DefaultResizeHeight
	}
	if c.ResizeDepth == 0 {
		c.ResizeDepth = DefaultResizeDepth
	}
	if c.TextureWidth == 0 || c.TextureHeight == 0 {
		c.TextureWidth, c.TextureHeight = TextureDims(runtime.GOOS)
	}
}

func (c *ModelConfig) applyDefaults() {
	if c.Type == "" {
		c.Type = ModelTypeONNX
	}
	if c.MinScore == 0 {
		c.MinScore = DefaultMinScore
	}
	if c.MaxDetections == 0 {
		c.MaxDetections = DefaultMaxDetections
	}
}

func (c *DisplayConfig) applyDefaults() {
	if c.Mirrored == nil {
		mirrored := true
		c.Mirrored = &mirrored
	}
	if c.StrokeColor == "" {
		c.StrokeColor = DefaultColor
	}
	if c.FillColor == "" {
		c.FillColor = DefaultColor
	}
	if c.LineWidth == 0 {
		c.LineWidth = DefaultLineWidth
	}
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	if err := c.Camera.Validate("camera"); err != nil {
		return err
	}
	if err := c.Model.Validate("model"); err != nil {
		return err
	}
	if err := c.Display.Validate("display"); err != nil {
		return err
	}
	if err := c.Loop.Validate("loop"); err != nil {
		return err
	}
	if _, err := logging.LevelFromString(c.LogLevel); err != nil {
		return goutils.NewConfigValidationError("log_level", err)
	}
	if c.LogFileMaxMB < 0 {
		return goutils.NewConfigValidationError("log_file_max_mb", errors.New("must not be negative"))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (c *CameraConfig) Validate(path string) error {
	switch c.Source {
	case SourceWebcam:
	case SourceDirectory, SourceImage:
		if c.Path == "" {
			return goutils.NewConfigValidationFieldRequiredError(path, "path")
		}
	default:
		return goutils.NewConfigValidationError(path, errors.Errorf("unknown source %q", c.Source))
	}
	shape := c.Shape()
	if err := shape.Validate(); err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	if c.TextureWidth < 0 || c.TextureHeight < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf(
			"got illegal negative dimensions for texture_width and texture_height (%d, %d)",
			c.TextureWidth, c.TextureHeight))
	}
	if c.FrameRate < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf(
			"got illegal negative frame rate (%.2f)", c.FrameRate))
	}
	return nil
}

// Shape is the tensor shape frames are resized to.
func (c *CameraConfig) Shape() frame.Shape {
	return frame.Shape{Height: c.ResizeHeight, Width: c.ResizeWidth, Depth: c.ResizeDepth}
}

// Validate ensures all parts of the config are valid.
func (c *ModelConfig) Validate(path string) error {
	switch c.Type {
	case ModelTypeONNX:
		if !c.Attributes.Has("model_path") {
			return goutils.NewConfigValidationFieldRequiredError(path, "attributes.model_path")
		}
	case ModelTypeLuminance:
	default:
		return goutils.NewConfigValidationError(path, errors.Errorf("unknown model type %q", c.Type))
	}
	if c.MinScore < 0 || c.MinScore > 1 {
		return goutils.NewConfigValidationError(path, errors.Errorf("min_score must be in [0, 1], got %v", c.MinScore))
	}
	if c.MaxDetections < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("max_detections must be positive, got %d", c.MaxDetections))
	}
	if c.MinArea < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("min_area must be positive, got %v", c.MinArea))
	}
	return nil
}

// Validate ensures all parts of the config are valid.
func (c *DisplayConfig) Validate(path string) error {
	if c.Width <= 0 || c.Height <= 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf(
			"display dimensions must be positive, got %dx%d", c.Width, c.Height))
	}
	if _, err := ParseColor(c.StrokeColor); err != nil {
		return goutils.NewConfigValidationError(fmt.Sprintf("%s.stroke_color", path), err)
	}
	if _, err := ParseColor(c.FillColor); err != nil {
		return goutils.NewConfigValidationError(fmt.Sprintf("%s.fill_color", path), err)
	}
	if c.LineWidth < 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("line_width must be positive, got %v", c.LineWidth))
	}
	if _, err := c.Interval(); err != nil {
		return goutils.NewConfigValidationError(fmt.Sprintf("%s.snapshot_interval", path), err)
	}
	return nil
}

// IsMirrored reports whether the preview and overlay are flipped horizontally. Unset means true.
func (c *DisplayConfig) IsMirrored() bool {
	return c.Mirrored == nil || *c.Mirrored
}

// Interval parses the snapshot interval. Zero means snapshots are only written on demand.
func (c *DisplayConfig) Interval() (time.Duration, error) {
	if c.SnapshotInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.SnapshotInterval)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errors.Errorf("interval must be positive, got %s", d)
	}
	return d, nil
}

// Validate ensures all parts of the config are valid.
func (c *LoopConfig) Validate(path string) error {
	if c.TickRate <= 0 {
		return goutils.NewConfigValidationError(path, errors.Errorf("tick_rate must be positive, got %v", c.TickRate))
	}
	return nil
}

// ParseColor parses a hex color such as "#ff0000".
func ParseColor(hex string) (color.Color, error) {
	c, err := colorful.Hex(hex)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid color %q", hex)
	}
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}, nil
}
