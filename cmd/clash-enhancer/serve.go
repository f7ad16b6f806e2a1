package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/clash-enhancer/internal/config"
	"github.com/John-Robertt/clash-enhancer/internal/httpapi"
	"github.com/John-Robertt/clash-enhancer/internal/telemetry"
)

var serveFlags struct {
	listen            string
	watch             bool
	readHeaderTimeout time.Duration
	transformTimeout  time.Duration
	fetchTimeout      time.Duration
	shutdownTimeout   time.Duration
	maxBodyBytes      int64
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API",
	Long: `Serve the HTTP API.

  GET  /healthz         liveness
  GET  /metrics         Prometheus metrics
  POST /api/transform   rewrite the YAML document sent as the body
  GET  /*               fetch upstream_url from the config and rewrite it

With --watch the config file is reloaded when it changes; requests in flight
keep the config they started with.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	f := serveCmd.Flags()
	f.StringVarP(&serveFlags.listen, "listen", "l", "127.0.0.1:25500", "HTTP listen address")
	f.BoolVar(&serveFlags.watch, "watch", false, "reload the config file when it changes")
	f.DurationVar(&serveFlags.readHeaderTimeout, "read-header-timeout", 5*time.Second, "HTTP ReadHeaderTimeout")
	f.DurationVar(&serveFlags.transformTimeout, "transform-timeout", 60*time.Second, "upper bound for one request, upstream fetch and probes included")
	f.DurationVar(&serveFlags.fetchTimeout, "fetch-timeout", 15*time.Second, "timeout for the upstream document fetch")
	f.DurationVar(&serveFlags.shutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful shutdown wait after a signal")
	f.Int64Var(&serveFlags.maxBodyBytes, "max-body-bytes", 5*1024*1024, "cap for request bodies and upstream documents")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := newLogger(); err != nil {
		return err
	}
	logger := slog.Default()

	var (
		store *config.Store
		err   error
	)
	if cfgFile == "" {
		store = config.NewStaticStore(config.Default())
	} else if store, err = config.OpenStore(cfgFile, logger); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveFlags.watch && cfgFile != "" {
		go func() {
			if err := store.Watch(ctx); err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	metrics := telemetry.NewMetrics()
	srv := &http.Server{
		Addr: serveFlags.listen,
		Handler: httpapi.NewHandlerWithOptions(httpapi.Options{
			TransformTimeout: serveFlags.transformTimeout,
			FetchTimeout:     serveFlags.fetchTimeout,
			MaxBodyBytes:     serveFlags.maxBodyBytes,
			Config:           store,
			Logger:           logger,
			Metrics:          metrics,
		}),
		ReadHeaderTimeout: serveFlags.readHeaderTimeout,
	}

	cfg := store.Current()
	if cfg.RuleSources.ProbeTimeout >= serveFlags.transformTimeout {
		logger.Warn("probe_timeout is not below the transform timeout; slow rule sources will fail requests with 504",
			"probe_timeout", cfg.RuleSources.ProbeTimeout, "transform_timeout", serveFlags.transformTimeout)
	}
	logger.Info("listening", "addr", "http://"+serveFlags.listen,
		"upstream_configured", cfg.UpstreamURL != "",
		"rule_sources", len(cfg.RuleSources.Sources))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")

		shCtx, cancel := context.WithTimeout(context.Background(), serveFlags.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			_ = srv.Close()
		}

		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
