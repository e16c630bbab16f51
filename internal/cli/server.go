package cli

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kilupskalvis/imgsrv/internal/core"
	"github.com/kilupskalvis/imgsrv/internal/metrics"
	"github.com/kilupskalvis/imgsrv/internal/server"
	"github.com/spf13/cobra"
)

var (
	serveListen  string
	serveTLSCert string
	serveTLSKey  string
)

// scratchMaxAge is the age after which an abandoned upload spool file is removed.
const scratchMaxAge = time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the imgsrv HTTP server",
	Long: `Start the imgsrv HTTP server.

Project metadata is kept in the configured metadata backend (json, bbolt or
sqlite) and renditions on the local filesystem or in an S3 bucket.

Examples:
  imgsrv serve
  imgsrv serve --listen 0.0.0.0:8080 --data-dir /var/lib/imgsrv
  imgsrv serve --config /etc/imgsrv.toml --tls-cert server.crt --tls-key server.key`,
	Args: cobra.NoArgs,
	Run:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveListen, "listen", "", "Listen address (host:port, overrides config)")
	f.StringVar(&serveTLSCert, "tls-cert", "", "TLS certificate file (overrides config)")
	f.StringVar(&serveTLSKey, "tls-key", "", "TLS key file (overrides config)")
}

func runServe(_ *cobra.Command, _ []string) {
	cfg, err := loadConfig()
	if err != nil {
		exitError("%v", err)
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	if serveTLSCert != "" || serveTLSKey != "" {
		cfg.TLSCert, cfg.TLSKey = serveTLSCert, serveTLSKey
		if err := cfg.Validate(); err != nil {
			exitError("%v", err)
		}
	}

	logger := newLogger(cfg, os.Stdout)
	m := metrics.New()

	webhooks := server.NewWebhookNotifier(&server.WebhookConfig{URLs: cfg.Webhooks.URLs}, logger)
	if webhooks != nil {
		logger.Info("webhooks configured", "count", len(cfg.Webhooks.URLs))
	}

	// A nil *WebhookNotifier must not become a non-nil interface.
	var notifier core.Notifier
	if webhooks != nil {
		notifier = webhooks
	}

	svc, meta, err := openService(context.Background(), cfg, logger, m, notifier)
	if err != nil {
		logger.Error("failed to open service", "error", err)
		os.Exit(1)
	}

	if n, err := svc.CleanScratch(scratchMaxAge); err != nil {
		logger.Warn("failed to clean scratch directory", "error", err)
	} else if n > 0 {
		logger.Info("removed abandoned uploads", "count", n)
	}

	h, handlerCleanup := server.Handler(svc, &server.ServerConfig{
		MaxUploadBytes:    cfg.MaxUploadBytes,
		RequestsPerMinute: cfg.RequestsPerMinute,
		LockTimeout:       cfg.Lock.Timeout.Duration,
		Metrics:           m,
	}, logger)
	defer handlerCleanup()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.Background() },
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting imgsrv",
			"listen", cfg.Listen,
			"data_dir", cfg.DataDir,
			"metadata", cfg.Metadata.Backend,
			"storage", cfg.Storage.Backend,
		)
		var err error
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	webhooks.Close()
	meta.Close()
	logger.Info("server stopped")
}
