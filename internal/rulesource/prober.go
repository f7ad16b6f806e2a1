// Package rulesource probes remote rule files for change tokens and turns
// them into rule-provider descriptors.
package rulesource

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/clash-enhancer/internal/config"
	"github.com/John-Robertt/clash-enhancer/internal/fetch"
	"github.com/John-Robertt/clash-enhancer/internal/model"
	"github.com/John-Robertt/clash-enhancer/internal/telemetry"
)

const (
	ProviderType     = "http"
	ProviderBehavior = "classical"
)

// Prober issues one HEAD request per rule source. A failed probe never fails
// the batch: the source falls back to a time-derived token.
type Prober struct {
	cfg     config.RuleSources
	logger  *slog.Logger
	metrics *telemetry.Metrics

	// Now is the clock used for fallback tokens.
	Now func() time.Time
}

func NewProber(cfg config.RuleSources, logger *slog.Logger, metrics *telemetry.Metrics) *Prober {
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{cfg: cfg, logger: logger, metrics: metrics, Now: time.Now}
}

// Probe returns one descriptor per source, in source order. It blocks until
// every probe finished or fell back. The only error is cancellation of ctx,
// which also aborts in-flight probes.
func (p *Prober) Probe(ctx context.Context, sources []config.RuleSource) ([]model.RuleProvider, error) {
	out := make([]model.RuleProvider, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency())
	for i, src := range sources {
		g.Go(func() error {
			token := p.probeOne(gctx, src)
			out[i] = p.Descriptor(src, token)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Descriptor builds the provider entry for src. The token is embedded in the
// cache path so a content change invalidates the client's local copy.
func (p *Prober) Descriptor(src config.RuleSource, token string) model.RuleProvider {
	return model.RuleProvider{
		Name:        src.Name,
		Type:        ProviderType,
		Behavior:    ProviderBehavior,
		URL:         p.SourceURL(src),
		IntervalSec: p.cfg.IntervalSec,
		Path:        strings.TrimSuffix(p.cfg.CacheDir, "/") + "/" + token + "_" + src.File,
	}
}

func (p *Prober) SourceURL(src config.RuleSource) string {
	return strings.TrimSuffix(p.cfg.BaseURL, "/") + "/" + src.File
}

func (p *Prober) probeOne(ctx context.Context, src config.RuleSource) string {
	url := p.SourceURL(src)
	start := time.Now()

	pctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	h, err := fetch.Head(pctx, fetch.KindRuleSource, url, fetch.Options{
		Timeout:   p.cfg.ProbeTimeout,
		UserAgent: p.cfg.UserAgent,
	})
	dur := time.Since(start)

	if err != nil {
		class, status := "connection", 0
		var fe *fetch.FetchError
		if errors.As(err, &fe) {
			class, status = fe.Class(), fe.UpstreamStatus
		}
		token := p.fallbackToken()
		p.metrics.ObserveProbe(class, dur)
		p.logger.Warn("rule source probe failed; using fallback token",
			"source", src.Name, "url", url, "class", class, "status", status,
			"dur", dur, "token", token, "error", err)
		return token
	}

	token := NormalizeToken(h.Get("ETag"), p.tokenLength())
	if token == "" {
		token = p.fallbackToken()
		p.metrics.ObserveProbe("no_token", dur)
		p.logger.Info("rule source has no ETag; using fallback token",
			"source", src.Name, "url", url, "dur", dur, "token", token)
		return token
	}
	p.metrics.ObserveProbe("ok", dur)
	p.logger.Debug("rule source probed", "source", src.Name, "url", url, "dur", dur, "token", token)
	return token
}

func (p *Prober) fallbackToken() string {
	return strconv.FormatInt(p.Now().UnixMilli(), 10)
}

func (p *Prober) concurrency() int {
	if p.cfg.ProbeConcurrency > 0 {
		return p.cfg.ProbeConcurrency
	}
	return 1
}

func (p *Prober) tokenLength() int {
	if p.cfg.TokenLength > 0 {
		return p.cfg.TokenLength
	}
	return 8
}

// NormalizeToken turns an entity tag into a path-safe token: the weak
// prefix is dropped, only ASCII letters and digits are kept, and the result
// is cut to max bytes. An empty result means no usable token.
func NormalizeToken(etag string, max int) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")

	var b strings.Builder
	for _, r := range etag {
		if b.Len() >= max {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}
