// Package main runs object detection over a camera feed and draws the detections on an overlay.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"go.viam.com/overlaycam/app"
	"go.viam.com/overlaycam/config"
	"go.viam.com/overlaycam/logging"
	// registers the onnx model type.
	_ "go.viam.com/overlaycam/ml/onnx"
)

const (
	flagConfig        = "config"
	flagDebug         = "debug"
	flagModelPath     = "model-path"
	flagSource        = "source"
	flagPath          = "path"
	flagStatsInterval = "stats-interval"
	flagImage         = "image"
	flagOut           = "out"
	flagTimeout       = "timeout"
)

func main() {
	logger := logging.NewLogger("overlaycam")
	if err := newCLIApp(logger).Run(os.Args); err != nil {
		logger.Fatal(err)
	}
	goutils.UncheckedErrorFunc(logger.Sync)
}

func newCLIApp(logger logging.Logger) *cli.App {
	return &cli.App{
		Name:  "overlaycam",
		Usage: "draw object detections over a camera feed",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagModelPath,
				Usage: "onnx model to load when no config file is given; without one the luminance detector is used",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger.SetLevel(logging.DEBUG)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "detect objects until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagSource,
						Usage: "camera source when no config file is given: webcam, image or directory",
					},
					&cli.StringFlag{
						Name:  flagPath,
						Usage: "webcam label, image file or directory to read from",
					},
					&cli.DurationFlag{
						Name:  flagStatsInterval,
						Value: 10 * time.Second,
						Usage: "how often to log detection stats; 0 disables",
					},
				},
				Action: func(c *cli.Context) error {
					return runAction(c, logger)
				},
			},
			{
				Name:  "detect",
				Usage: "detect objects in one image and write the overlay on top of it",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagImage,
						Required: true,
						Usage:    "image to detect objects in",
					},
					&cli.StringFlag{
						Name:  flagOut,
						Value: "overlay.png",
						Usage: "where to write the result",
					},
					&cli.DurationFlag{
						Name:  flagTimeout,
						Value: 30 * time.Second,
						Usage: "how long to wait for the model and the first detections",
					},
				},
				Action: func(c *cli.Context) error {
					return detectAction(c, logger)
				},
			},
		},
	}
}

// loadConfig reads the config file if one was given and otherwise builds one from flags.
func loadConfig(c *cli.Context, logger logging.Logger) (*config.Config, error) {
	var cfg *config.Config
	if path := c.String(flagConfig); path != "" {
		var err error
		if cfg, err = config.Read(c.Context, path, logger); err != nil {
			return nil, err
		}
	} else {
		cfg = &config.Config{}
		if modelPath := c.String(flagModelPath); modelPath != "" {
			cfg.Model.Type = config.ModelTypeONNX
			cfg.Model.Attributes = config.AttributeMap{"model_path": modelPath}
		} else {
			cfg.Model.Type = config.ModelTypeLuminance
		}
		cfg.Camera.Source = c.String(flagSource)
		cfg.Camera.Path = c.String(flagPath)
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if cfg.Debug {
		logger.SetLevel(logging.DEBUG)
	} else if !c.Bool(flagDebug) {
		level, err := logging.LevelFromString(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(level)
	}
	return cfg, nil
}

// attachLogFile also writes logs to the configured log file. The returned func closes it.
func attachLogFile(cfg *config.Config, logger logging.Logger) func() {
	if cfg.LogFile == "" {
		return func() {}
	}
	file := logging.NewFileAppender(cfg.LogFile, cfg.LogFileMaxMB)
	logger.AddAppender(file)
	return func() {
		goutils.UncheckedError(file.Close())
	}
}

func runAction(c *cli.Context, logger logging.Logger) error {
	cfg, err := loadConfig(c, logger)
	if err != nil {
		return err
	}
	defer attachLogFile(cfg, logger)()
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(a.Close(context.Background()))
	}()
	if err := a.Start(ctx); err != nil {
		if a.State() != app.Failed {
			return err
		}
		// the app has already logged why; stay up without detecting until interrupted
		logger.CWarnw(ctx, "detection halted, waiting for interrupt", "error", err)
		<-ctx.Done()
		return nil
	}

	interval := c.Duration(flagStatsInterval)
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	for goutils.SelectContextOrWait(ctx, interval) {
		logStats(ctx, logger, a.Stats())
	}
	return nil
}

func logStats(ctx context.Context, logger logging.Logger, stats app.Stats) {
	logger.CInfow(ctx, "stats",
		"app_id", stats.ID,
		"state", stats.State.String(),
		"frames", stats.Source.Produced,
		"dropped", stats.Source.Dropped,
		"submitted", stats.Loop.Submitted,
		"skipped", stats.Loop.Skipped,
		"failures", stats.Loop.Failures,
		"drawn", stats.Drawn,
		"latency_mean", stats.Loop.MeanLatency,
		"latency_p95", stats.Loop.P95Latency,
	)
}

func detectAction(c *cli.Context, logger logging.Logger) error {
	cfg, err := loadConfig(c, logger)
	if err != nil {
		return err
	}
	defer attachLogFile(cfg, logger)()
	cfg.Camera.Source = config.SourceImage
	cfg.Camera.Path = c.String(flagImage)
	cfg.Display.SnapshotPath = ""
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration(flagTimeout))
	defer cancel()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(a.Close(context.Background()))
	}()
	if err := a.Start(ctx); err != nil {
		return err
	}
	if state, err := a.Wait(ctx); err != nil {
		return errors.Wrapf(err, "model did not become ready (%s)", state)
	}
	for a.Stats().Drawn == 0 {
		if !goutils.SelectContextOrWait(ctx, 10*time.Millisecond) {
			return errors.Wrap(ctx.Err(), "no detections were drawn")
		}
	}
	out := c.String(flagOut)
	if err := a.Compositor().Snapshot(out); err != nil {
		return err
	}
	logger.CInfow(ctx, "wrote overlay", "image", cfg.Camera.Path, "out", out)
	return nil
}
