package ml

import (
	"context"

	"go.viam.com/overlaycam/config"
	"go.viam.com/overlaycam/frame"
	"go.viam.com/overlaycam/logging"
	"go.viam.com/overlaycam/vision/objectdetection"
)

// DefaultLuminanceThreshold is the luminance below which pixels count as part of an object.
const DefaultLuminanceThreshold = 40

// LuminanceConfig is the attribute struct of the luminance model.
type LuminanceConfig struct {
	Threshold float64 `json:"threshold"`
	Label     string  `json:"label"`
}

func init() {
	RegisterModel(config.ModelTypeLuminance, Registration{
		Constructor: func(
			ctx context.Context,
			cfg config.ModelConfig,
			shape frame.Shape,
			rt Runtime,
			logger logging.Logger,
		) (objectdetection.Model, error) {
			attrs, err := config.DecodeAttributes[LuminanceConfig](cfg.Attributes)
			if err != nil {
				return nil, err
			}
			if attrs.Threshold == 0 {
				attrs.Threshold = DefaultLuminanceThreshold
			}
			det, err := objectdetection.NewLuminanceDetector(attrs.Threshold, attrs.Label)
			if err != nil {
				return nil, err
			}
			return &luminanceModel{Detector: det}, nil
		},
	})
}

// luminanceModel finds dark blobs. It has no weights, so it needs no runtime.
type luminanceModel struct {
	objectdetection.Detector
}

func (m *luminanceModel) Name() string {
	return config.ModelTypeLuminance
}

func (m *luminanceModel) Close(ctx context.Context) error {
	return nil
}
