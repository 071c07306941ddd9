package config

import (
	"context"
	"encoding/json"
	"io"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"

	"go.viam.com/overlaycam/logging"
)

// Read reads a config from the given file. ${VAR} references are replaced with environment
// variables before the file is parsed.
func Read(
	ctx context.Context,
	filePath string,
	logger logging.Logger,
) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	return fromBytes(ctx, filePath, buf, logger)
}

// FromReader reads a config from the given reader and specifies
// where, if applicable, the file the reader originated from.
func FromReader(
	ctx context.Context,
	originalPath string,
	r io.Reader,
	logger logging.Logger,
) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	substituted, err := envsubst.Bytes(raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to substitute environment variables in config")
	}
	return fromBytes(ctx, originalPath, substituted, logger)
}

func fromBytes(ctx context.Context, originalPath string, substituted []byte, logger logging.Logger) (*Config, error) {
	cfg := Config{ConfigFilePath: originalPath}
	if err := json.Unmarshal(substituted, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to decode Config from json")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.CDebugw(ctx, "read config",
		"path", originalPath,
		"source", cfg.Camera.Source,
		"model", cfg.Model.Type,
		"shape", cfg.Camera.Shape().String(),
	)
	return &cfg, nil
}
