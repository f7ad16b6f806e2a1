// Package pipeline rewrites a Clash document: it synthesizes proxy groups,
// refreshes owned rule providers and regenerates the owned rule prefix.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/John-Robertt/clash-enhancer/internal/config"
	"github.com/John-Robertt/clash-enhancer/internal/document"
	"github.com/John-Robertt/clash-enhancer/internal/model"
	"github.com/John-Robertt/clash-enhancer/internal/rules"
	"github.com/John-Robertt/clash-enhancer/internal/rulesource"
	"github.com/John-Robertt/clash-enhancer/internal/telemetry"
)

// Builtins are policy names Clash resolves without a proxy group.
var Builtins = map[string]struct{}{
	"DIRECT":      {},
	"REJECT":      {},
	"REJECT-DROP": {},
	"PASS":        {},
	"COMPATIBLE":  {},
}

type Prober interface {
	Probe(ctx context.Context, sources []config.RuleSource) ([]model.RuleProvider, error)
}

type Deps struct {
	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	// Prober defaults to a rulesource.Prober built from the config.
	Prober Prober
}

type PipelineError struct {
	AppError model.AppError
	Cause    error
}

func (e *PipelineError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

func internalError(msg string, cause error) error {
	return &PipelineError{
		AppError: model.AppError{Code: "INTERNAL_ERROR", Message: msg, Stage: "transform"},
		Cause:    cause,
	}
}

// abortedError reports a run stopped by its context. An expired deadline is
// the run's own budget running out, not the caller going away.
func abortedError(cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) {
		return &PipelineError{
			AppError: model.AppError{
				Code:    "TIMEOUT",
				Message: "transform deadline exceeded",
				Stage:   "transform",
				Hint:    "probe_timeout should stay below the transform timeout",
			},
			Cause: cause,
		}
	}
	return &PipelineError{
		AppError: model.AppError{Code: "CANCELED", Message: "transform canceled", Stage: "transform"},
		Cause:    cause,
	}
}

type derivedGroup struct {
	cfg  config.DerivedGroup
	pred Predicate
}

type override struct {
	rule   model.Rule
	target string
}

// Pipeline is built once per config snapshot. It holds no per-run state and
// is safe for concurrent use.
type Pipeline struct {
	cfg       *config.Config
	derived   []derivedGroup
	overrides []override
	own       Ownership

	logger  *slog.Logger
	metrics *telemetry.Metrics
	prober  Prober
}

func New(cfg *config.Config, deps Deps) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.New("pipeline: nil config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:     cfg,
		logger:  deps.Logger,
		metrics: deps.Metrics,
		prober:  deps.Prober,
		own:     Ownership{KeyPrefix: cfg.RuleSources.KeyPrefix},
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.prober == nil {
		p.prober = rulesource.NewProber(cfg.RuleSources, p.logger, p.metrics)
	}

	for _, d := range cfg.Groups.Derived {
		pred, err := NewPredicate(d)
		if err != nil {
			return nil, err
		}
		p.derived = append(p.derived, derivedGroup{cfg: d, pred: pred})
	}
	for _, o := range cfg.Overrides {
		r, err := rules.ParseOverride(o.Rule)
		if err != nil {
			return nil, fmt.Errorf("override %q: %w", o.Rule, err)
		}
		p.overrides = append(p.overrides, override{rule: r, target: o.Target})
		owned := r
		owned.Action = o.Target
		p.own.Overrides = append(p.own.Overrides, owned)
	}
	return p, nil
}

// Transform decodes data, runs the pipeline and encodes the result.
// sourceURL only labels errors.
func (p *Pipeline) Transform(ctx context.Context, sourceURL string, data []byte) ([]byte, error) {
	doc, err := document.Decode(sourceURL, data)
	if err != nil {
		p.metrics.IncTransform("invalid_input")
		return nil, err
	}
	out, err := p.Run(ctx, doc)
	if err != nil {
		return nil, err
	}
	b, err := out.Encode()
	if err != nil {
		return nil, internalError("failed to encode document", err)
	}
	return b, nil
}

// Run transforms a copy of doc; doc itself is never modified. Everything is
// read before anything is written, so an error never leaves a partially
// rewritten result behind.
func (p *Pipeline) Run(ctx context.Context, doc *document.Document) (out *document.Document, err error) {
	if doc == nil {
		return nil, internalError("nil document", nil)
	}
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, internalError("transform panicked", fmt.Errorf("%v", rec))
		}
		p.metrics.IncTransform(resultLabel(err))
		if err != nil {
			p.logger.Error("transform failed", "source", doc.Source(), "error", err)
			return
		}
		p.logger.Info("transform done", "source", doc.Source(), "dur", time.Since(start))
	}()

	work := doc.Clone()

	proxies, err := work.Proxies()
	if err != nil {
		return nil, err
	}
	existingGroups, err := work.Groups()
	if err != nil {
		return nil, err
	}
	existingProviders, err := work.RuleProviders()
	if err != nil {
		return nil, err
	}
	existingRules, err := work.Rules()
	if err != nil {
		return nil, err
	}

	groups := p.buildGroups(proxies, existingGroups)

	fresh, err := p.prober.Probe(ctx, p.cfg.RuleSources.Sources)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, abortedError(ctxErr)
		}
		return nil, internalError("rule source probing failed", err)
	}
	providers := MergeProviders(fresh, existingProviders)

	available := make(map[string]struct{}, len(groups)+len(Builtins))
	for name := range Builtins {
		available[name] = struct{}{}
	}
	for _, g := range groups {
		available[g.Name] = struct{}{}
	}
	lines := RewriteRules(existingRules, p.own, p.prefix(available))
	p.warnDangling(lines, providers)

	var added []string
	for _, key := range []string{document.KeyProxyGroups, document.KeyRuleProviders, document.KeyRules} {
		if !work.Has(key) {
			added = append(added, key)
		}
	}

	if err := work.SetGroups(groups); err != nil {
		return nil, internalError("failed to write proxy-groups", err)
	}
	if err := work.SetRuleProviders(providers); err != nil {
		return nil, internalError("failed to write rule-providers", err)
	}
	work.SetRules(lines)

	p.logger.Debug("transform summary",
		"proxies", len(proxies), "groups", len(groups), "providers", len(providers), "rules", len(lines),
		"added_sections", added)
	return work, nil
}

func (p *Pipeline) buildGroups(proxies []model.Proxy, existing []model.Group) []model.Group {
	gc := p.cfg.Groups
	catchAll := NewGroup(gc.CatchAll, StrategyURLTest, Names(proxies), gc.TestURL, gc.IntervalSec)

	derived := make([]model.Group, 0, len(p.derived))
	for _, d := range p.derived {
		members := Classify(proxies, d.pred)
		if len(members) == 0 {
			p.logger.Info("derived group has no members; omitted", "group", d.cfg.Name)
		}
		derived = append(derived, NewGroup(d.cfg.Name, d.cfg.Strategy, members, gc.TestURL, gc.IntervalSec))
	}
	return SynthesizeGroups(catchAll, derived, existing)
}

// prefix composes the owned rules: overrides whose target is available,
// then one RULE-SET binding per source in declaration order. A binding to
// an unavailable target is sent to the catch-all group instead.
func (p *Pipeline) prefix(available map[string]struct{}) []model.Rule {
	out := make([]model.Rule, 0, len(p.overrides)+len(p.cfg.RuleSources.Sources))
	for _, o := range p.overrides {
		if _, ok := available[o.target]; !ok {
			p.logger.Info("override target unavailable; rule skipped",
				"rule", o.rule.Type+","+o.rule.Value, "target", o.target)
			continue
		}
		r := o.rule
		r.Action = o.target
		out = append(out, r)
	}

	for _, src := range p.cfg.RuleSources.Sources {
		target := src.Target
		if _, ok := available[target]; !ok {
			p.logger.Warn("rule source target unavailable; using catch-all group",
				"source", src.Name, "target", target, "fallback", p.cfg.Groups.CatchAll)
			target = p.cfg.Groups.CatchAll
		}
		out = append(out, model.Rule{Type: "RULE-SET", Value: src.Name, Action: target})
	}
	return out
}

// warnDangling logs RULE-SET rules whose provider is missing. Such rules
// belong to the document and are left as they are.
func (p *Pipeline) warnDangling(lines []string, providers []model.RuleProvider) {
	keys := make(map[string]struct{}, len(providers))
	for _, pr := range providers {
		keys[pr.Name] = struct{}{}
	}
	for _, line := range lines {
		r, err := rules.Parse(line)
		if err != nil || r.Type != "RULE-SET" {
			continue
		}
		if _, ok := keys[r.Value]; !ok {
			p.logger.Warn("rule references unknown rule provider", "rule", line, "provider", r.Value)
		}
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var de *document.ParseError
	if errors.As(err, &de) {
		return "invalid_input"
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		switch pe.AppError.Code {
		case "CANCELED":
			return "canceled"
		case "TIMEOUT":
			return "timeout"
		}
	}
	return "error"
}
