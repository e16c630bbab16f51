// Package cli implements the command-line interface for imgsrv.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kilupskalvis/imgsrv/internal/blobstore"
	"github.com/kilupskalvis/imgsrv/internal/config"
	"github.com/kilupskalvis/imgsrv/internal/core"
	"github.com/kilupskalvis/imgsrv/internal/lock"
	"github.com/kilupskalvis/imgsrv/internal/metastore"
	"github.com/kilupskalvis/imgsrv/internal/metrics"
	"github.com/kilupskalvis/imgsrv/internal/models"
	"github.com/spf13/cobra"
)

// Global flags. Empty values leave the loaded configuration alone.
var (
	flagConfig    string
	flagDataDir   string
	flagLogLevel  string
	flagLogFormat string
)

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config  *config.Config
	Logger  *slog.Logger
	Service *core.Service

	meta metastore.Store
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.meta != nil {
		c.meta.Close()
	}
}

// loadConfig reads the configuration and applies the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.LogFormat = flagLogFormat
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the slog logger described by cfg.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// openService wires the stores selected by cfg into a pipeline.
func openService(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, notifier core.Notifier) (*core.Service, metastore.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("create data directory: %w", err)
	}

	meta, err := metastore.Open(cfg.Metadata.Backend, cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open metadata store: %w", err)
	}

	s3 := cfg.Storage.S3
	blobs, err := blobstore.Open(ctx, cfg.Storage.Backend, cfg.Path(config.RenditionsDir), blobstore.S3Config{
		Bucket:          s3.Bucket,
		Region:          s3.Region,
		Endpoint:        s3.Endpoint,
		Prefix:          s3.Prefix,
		PathStyle:       s3.PathStyle,
		AccessKeyID:     s3.AccessKeyID,
		SecretAccessKey: s3.SecretAccessKey,
	})
	if err != nil {
		meta.Close()
		return nil, nil, fmt.Errorf("open rendition store: %w", err)
	}

	locks, err := lock.NewFileLocker(cfg.Path(config.LocksDir), lock.Options{
		Timeout: cfg.Lock.Timeout.Duration,
		Logger:  logger,
	})
	if err != nil {
		meta.Close()
		return nil, nil, err
	}

	svc, err := core.NewService(meta, blobs, locks, core.Options{
		Renditions:     models.DefaultRenditions(cfg.Renditions.OriginalQuality, cfg.Renditions.DerivedQuality),
		ScratchDir:     cfg.Path(config.ScratchDir),
		MaxUploadBytes: cfg.MaxUploadBytes,
		MaxPixels:      cfg.Renditions.MaxPixels,
		Notifier:       notifier,
		Metrics:        m,
		Logger:         logger,
	})
	if err != nil {
		meta.Close()
		return nil, nil, err
	}
	return svc, meta, nil
}

// initContext loads the configuration and opens the local pipeline.
// Maintenance commands log to stderr so their report owns stdout.
func initContext(ctx context.Context) *cmdContext {
	cfg, err := loadConfig()
	if err != nil {
		exitError("%v", err)
	}
	logger := newLogger(cfg, os.Stderr)

	svc, meta, err := openService(ctx, cfg, logger, nil, nil)
	if err != nil {
		exitError("%v", err)
	}
	return &cmdContext{Config: cfg, Logger: logger, Service: svc, meta: meta}
}

var rootCmd = &cobra.Command{
	Use:   "imgsrv",
	Short: "Per-project image ingestion service",
	Long: `imgsrv stores images per project. Every upload is normalized into a
fixed set of JPEG renditions (original, medium, thumb, game), and each
project keeps one primary image that serves as its cover.

Run "imgsrv serve" to start the HTTP service. The maintenance commands
(check, gc, regen) work on the data directory directly and are safe to run
next to a live server, except with the bbolt backend, which one process holds
open exclusively. The client commands (upload, list, get, delete,
primary) talk to a running server.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", os.Getenv("IMGSRV_CONFIG"), "TOML config file (env: IMGSRV_CONFIG)")
	pf.StringVar(&flagDataDir, "data-dir", "", "Data directory (overrides config)")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	pf.StringVar(&flagLogFormat, "log-format", "", "Log format (json|text)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(regenCmd)
	rootCmd.AddCommand(configCmd)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// shortID returns first 8 characters of an ID
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
