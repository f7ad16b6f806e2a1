package httpapi

import (
	"log/slog"
	"time"

	"github.com/John-Robertt/clash-enhancer/internal/config"
	"github.com/John-Robertt/clash-enhancer/internal/pipeline"
	"github.com/John-Robertt/clash-enhancer/internal/telemetry"
)

// ConfigSource hands out the config snapshot for one request.
type ConfigSource interface {
	Current() *config.Config
}

// Options controls HTTP API runtime behavior (timeouts, limits, wiring).
type Options struct {
	// TransformTimeout is the hard upper bound for a single request
	// (upstream fetch + probes + rewrite).
	TransformTimeout time.Duration

	// FetchTimeout is the per-HTTP-request timeout for the upstream document.
	FetchTimeout time.Duration

	// MaxBodyBytes caps POST bodies and upstream documents.
	MaxBodyBytes int64

	Config  ConfigSource // default: built-in config
	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	// Prober replaces the network prober; tests only.
	Prober pipeline.Prober
}

func (o Options) withDefaults() Options {
	if o.TransformTimeout <= 0 {
		o.TransformTimeout = 60 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 15 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 5 * 1024 * 1024
	}
	if o.Config == nil {
		o.Config = config.NewStaticStore(config.Default())
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
