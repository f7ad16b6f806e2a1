package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/clash-enhancer/internal/config"
	"github.com/John-Robertt/clash-enhancer/internal/document"
	"github.com/John-Robertt/clash-enhancer/internal/model"
	"github.com/John-Robertt/clash-enhancer/internal/rulesource"
	"github.com/John-Robertt/clash-enhancer/internal/telemetry"
)

const scenarioDoc = `mixed-port: 7890
proxies:
  - {name: US-1, type: hysteria2, server: a.example.com, port: 443}
  - {name: US-2, type: vmess, server: b.example.com, port: 443}
  - {name: JP-1, type: hysteria2, server: c.example.com, port: 443}
rules:
  - DOMAIN,example.com,DIRECT
  - MATCH,DIRECT
`

// staticProber hands out descriptors with a fixed token.
type staticProber struct {
	rs    config.RuleSources
	token string
	err   error
}

func (s staticProber) Probe(ctx context.Context, sources []config.RuleSource) ([]model.RuleProvider, error) {
	if s.err != nil {
		return nil, s.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := rulesource.NewProber(s.rs, nil, nil)
	out := make([]model.RuleProvider, 0, len(sources))
	for _, src := range sources {
		out = append(out, p.Descriptor(src, s.token))
	}
	return out, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, cfg *config.Config, token string) (*Pipeline, *telemetry.Metrics) {
	t.Helper()
	m := telemetry.NewMetrics()
	p, err := New(cfg, Deps{
		Logger:  quietLogger(),
		Metrics: m,
		Prober:  staticProber{rs: cfg.RuleSources, token: token},
	})
	require.NoError(t, err)
	return p, m
}

func run(t *testing.T, p *Pipeline, in string) *document.Document {
	t.Helper()
	out, err := p.Transform(context.Background(), "test.yaml", []byte(in))
	require.NoError(t, err)
	doc, err := document.Decode("out.yaml", out)
	require.NoError(t, err)
	return doc
}

func groupMembers(t *testing.T, doc *document.Document) map[string][]string {
	t.Helper()
	groups, err := doc.Groups()
	require.NoError(t, err)
	out := make(map[string][]string, len(groups))
	for _, g := range groups {
		out[g.Name] = g.Members
	}
	return out
}

func groupNames(t *testing.T, doc *document.Document) []string {
	t.Helper()
	groups, err := doc.Groups()
	require.NoError(t, err)
	var names []string
	for _, g := range groups {
		names = append(names, g.Name)
	}
	return names
}

func assertTransforms(t *testing.T, m *telemetry.Metrics, result string) {
	t.Helper()
	want := `
# HELP clash_enhancer_transforms_total Pipeline runs by result.
# TYPE clash_enhancer_transforms_total counter
clash_enhancer_transforms_total{result="` + result + `"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(want), "clash_enhancer_transforms_total"))
}

func ruleLines(t *testing.T, doc *document.Document) []string {
	t.Helper()
	lines, err := doc.Rules()
	require.NoError(t, err)
	return lines
}

func TestTransform_Scenario(t *testing.T) {
	p, m := newTestPipeline(t, config.Default(), "abc12345")
	doc := run(t, p, scenarioDoc)

	assert.Equal(t, []string{"ALL_PROXY", "USH2"}, groupNames(t, doc))
	members := groupMembers(t, doc)
	assert.Equal(t, []string{"US-1", "US-2", "JP-1"}, members["ALL_PROXY"])
	assert.Equal(t, []string{"US-1"}, members["USH2"])

	assert.Equal(t, []string{
		"DOMAIN-SUFFIX,reddit.com,USH2",
		"RULE-SET,zt-proxy,ALL_PROXY",
		"RULE-SET,zt-proxy-ai,USH2",
		"RULE-SET,zt-direct,DIRECT",
		"DOMAIN,example.com,DIRECT",
		"MATCH,DIRECT",
	}, ruleLines(t, doc))

	providers, err := doc.RuleProviders()
	require.NoError(t, err)
	require.Len(t, providers, 3)
	assert.Equal(t, "zt-proxy", providers[0].Name)
	assert.Equal(t, "./my_rules/abc12345_zt_proxy.yaml", providers[0].Path)
	assert.Equal(t, "http", providers[0].Type)
	assert.Equal(t, "classical", providers[0].Behavior)
	assert.Equal(t, 11440, providers[0].IntervalSec)

	assertTransforms(t, m, "ok")
}

func TestTransform_EmptyDerivedGroupIsOmitted(t *testing.T) {
	p, _ := newTestPipeline(t, config.Default(), "tok")
	doc := run(t, p, `proxies:
  - {name: JP-1, type: hysteria2}
  - {name: US-1, type: vmess}
rules:
  - MATCH,DIRECT
`)

	assert.Equal(t, []string{"ALL_PROXY"}, groupNames(t, doc))
	assert.Equal(t, []string{
		"RULE-SET,zt-proxy,ALL_PROXY",
		"RULE-SET,zt-proxy-ai,ALL_PROXY",
		"RULE-SET,zt-direct,DIRECT",
		"MATCH,DIRECT",
	}, ruleLines(t, doc), "override dropped, binding redirected to the catch-all group")
}

func TestTransform_Idempotent(t *testing.T) {
	p, _ := newTestPipeline(t, config.Default(), "abc12345")
	in := scenarioDoc + `proxy-groups:
  - {name: Manual, type: select, proxies: [US-1, JP-1]}
rule-providers:
  other: {type: http, behavior: domain, url: https://other.example/x.yaml, interval: 86400, path: ./x.yaml}
`
	first := run(t, p, in)
	firstBytes, err := first.Encode()
	require.NoError(t, err)

	second := run(t, p, string(firstBytes))

	assert.Equal(t, ruleLines(t, first), ruleLines(t, second))
	assert.Equal(t, groupNames(t, first), groupNames(t, second))
	assert.Equal(t, groupMembers(t, first), groupMembers(t, second))

	firstProviders, err := first.RuleProviders()
	require.NoError(t, err)
	secondProviders, err := second.RuleProviders()
	require.NoError(t, err)
	require.Len(t, secondProviders, len(firstProviders))
	for i := range firstProviders {
		assert.Equal(t, firstProviders[i].Name, secondProviders[i].Name)
		assert.Equal(t, firstProviders[i].Path, secondProviders[i].Path)
	}

	secondBytes, err := second.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(firstBytes), string(secondBytes))
}

func TestTransform_ProviderPrecedence(t *testing.T) {
	p, _ := newTestPipeline(t, config.Default(), "fresh")
	doc := run(t, p, `proxies: [{name: A, type: ss}]
rule-providers:
  other: {type: http, behavior: domain, url: https://other.example/x.yaml, interval: 86400, path: ./x.yaml}
  zt-proxy: {type: http, behavior: classical, url: https://stale.example/zt_proxy.yaml, interval: 1, path: ./my_rules/stale_zt_proxy.yaml}
`)

	providers, err := doc.RuleProviders()
	require.NoError(t, err)
	var names []string
	byName := map[string]model.RuleProvider{}
	for _, pr := range providers {
		names = append(names, pr.Name)
		byName[pr.Name] = pr
	}
	assert.Equal(t, []string{"zt-proxy", "zt-proxy-ai", "zt-direct", "other"}, names)
	assert.Equal(t, "./my_rules/fresh_zt_proxy.yaml", byName["zt-proxy"].Path)
	assert.Equal(t, 11440, byName["zt-proxy"].IntervalSec)
	assert.Equal(t, "./x.yaml", byName["other"].Path)
}

func TestTransform_SuffixPreserved(t *testing.T) {
	p, _ := newTestPipeline(t, config.Default(), "tok")
	doc := run(t, p, `proxies: [{name: US-1, type: hysteria2}]
proxy-groups:
  - {name: Proxy, type: select, proxies: [US-1]}
rule-providers:
  thirdparty: {type: http, behavior: domain, url: https://t.example/a.yaml, interval: 86400, path: ./a.yaml}
rules:
  - RULE-SET,zt-retired,ALL_PROXY
  - DOMAIN-SUFFIX,REDDIT.com,Proxy
  - RULE-SET,thirdparty,Proxy
  - AND,((DOMAIN,a.com),(NETWORK,UDP)),REJECT
  - RULE-SET,zt-proxy,ALL_PROXY
  - IP-CIDR,10.0.0.0/8,DIRECT,no-resolve
  - MATCH,Proxy
`)

	lines := ruleLines(t, doc)
	require.Len(t, lines, 9)
	assert.Equal(t, []string{
		"DOMAIN-SUFFIX,REDDIT.com,Proxy",
		"RULE-SET,thirdparty,Proxy",
		"AND,((DOMAIN,a.com),(NETWORK,UDP)),REJECT",
		"IP-CIDR,10.0.0.0/8,DIRECT,no-resolve",
		"MATCH,Proxy",
	}, lines[4:], "unowned rules keep their relative order")
}

func TestTransform_KeepsRuleWithOverrideMatcherAndOtherTarget(t *testing.T) {
	p, _ := newTestPipeline(t, config.Default(), "tok")
	doc := run(t, p, `proxies: [{name: JP-1, type: hysteria2}]
proxy-groups:
  - {name: Proxy, type: select, proxies: [JP-1]}
rules:
  - DOMAIN-SUFFIX,reddit.com,Proxy
  - MATCH,DIRECT
`)

	assert.Equal(t, []string{
		"RULE-SET,zt-proxy,ALL_PROXY",
		"RULE-SET,zt-proxy-ai,ALL_PROXY",
		"RULE-SET,zt-direct,DIRECT",
		"DOMAIN-SUFFIX,reddit.com,Proxy",
		"MATCH,DIRECT",
	}, ruleLines(t, doc), "the document's own rule survives while the override is skipped")
}

func TestTransform_PurgesEmittedOverrideWhenTargetGoesAway(t *testing.T) {
	p, _ := newTestPipeline(t, config.Default(), "tok")
	doc := run(t, p, `proxies: [{name: JP-1, type: hysteria2}]
rules:
  - DOMAIN-SUFFIX,reddit.com,USH2
  - RULE-SET,zt-proxy,ALL_PROXY
  - MATCH,DIRECT
`)

	assert.Equal(t, []string{
		"RULE-SET,zt-proxy,ALL_PROXY",
		"RULE-SET,zt-proxy-ai,ALL_PROXY",
		"RULE-SET,zt-direct,DIRECT",
		"MATCH,DIRECT",
	}, ruleLines(t, doc))
}

func TestTransform_ReplacedAnchoredGroupStaysValid(t *testing.T) {
	p, _ := newTestPipeline(t, config.Default(), "tok")
	in := `proxies: [{name: JP-1, type: hysteria2}]
proxy-groups:
  - &g {name: ALL_PROXY, type: select, proxies: [JP-1]}
rule-providers:
  zt-direct: &p {type: http, behavior: classical, url: https://old.example/d.yaml, interval: 1, path: ./old.yaml}
rules:
  - &r MATCH,DIRECT
x-group: *g
x-provider: *p
x-rule: *r
`
	first := run(t, p, in)
	firstBytes, err := first.Encode()
	require.NoError(t, err)

	second := run(t, p, string(firstBytes))
	secondBytes, err := second.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(firstBytes), string(secondBytes))
	assert.Equal(t, "MATCH,DIRECT", ruleLines(t, second)[3])
}

func TestTransform_ReplacesSameNamedGroup(t *testing.T) {
	p, _ := newTestPipeline(t, config.Default(), "tok")
	doc := run(t, p, `proxies: [{name: US-1, type: hysteria2}, {name: JP-1, type: ss}]
proxy-groups:
  - {name: Manual, type: select, proxies: [US-1]}
  - {name: ALL_PROXY, type: select, proxies: [JP-1]}
`)

	assert.Equal(t, []string{"ALL_PROXY", "USH2", "Manual"}, groupNames(t, doc))
	assert.Equal(t, []string{"US-1", "JP-1"}, groupMembers(t, doc)["ALL_PROXY"])
}

func TestRun_DoesNotMutateInput(t *testing.T) {
	p, _ := newTestPipeline(t, config.Default(), "tok")
	in, err := document.Decode("in.yaml", []byte(scenarioDoc))
	require.NoError(t, err)
	before, err := in.Encode()
	require.NoError(t, err)

	_, err = p.Run(context.Background(), in)
	require.NoError(t, err)

	after, err := in.Encode()
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestTransform_MissingProxies(t *testing.T) {
	p, m := newTestPipeline(t, config.Default(), "tok")
	_, err := p.Transform(context.Background(), "bad.yaml", []byte("rules: []\n"))

	var pe *document.ParseError
	require.True(t, errors.As(err, &pe), "err=%v", err)
	assert.Equal(t, "DOCUMENT_MISSING_PROXIES", pe.AppError.Code)
	assertTransforms(t, m, "invalid_input")
}

func TestTransform_Canceled(t *testing.T) {
	p, _ := newTestPipeline(t, config.Default(), "tok")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Transform(ctx, "in.yaml", []byte(scenarioDoc))
	var pe *PipelineError
	require.True(t, errors.As(err, &pe), "err=%v", err)
	assert.Equal(t, "CANCELED", pe.AppError.Code)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestTransform_DeadlineIsTimeout(t *testing.T) {
	p, m := newTestPipeline(t, config.Default(), "tok")
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, err := p.Transform(ctx, "in.yaml", []byte(scenarioDoc))
	var pe *PipelineError
	require.True(t, errors.As(err, &pe), "err=%v", err)
	assert.Equal(t, "TIMEOUT", pe.AppError.Code)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assertTransforms(t, m, "timeout")
}

func TestTransform_ProberFailureIsInternal(t *testing.T) {
	cfg := config.Default()
	p, err := New(cfg, Deps{
		Logger: quietLogger(),
		Prober: staticProber{err: errors.New("boom")},
	})
	require.NoError(t, err)

	_, err = p.Transform(context.Background(), "in.yaml", []byte(scenarioDoc))
	var pe *PipelineError
	require.True(t, errors.As(err, &pe), "err=%v", err)
	assert.Equal(t, "INTERNAL_ERROR", pe.AppError.Code)
	assert.Equal(t, "transform", pe.AppError.Stage)
}

func TestTransform_ProbeTimeoutFallsBack(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/zt_proxy.yaml" {
			time.Sleep(300 * time.Millisecond)
		}
		w.Header().Set("ETag", `"feedface99"`)
	}))
	defer ts.Close()

	cfg := config.Default()
	cfg.RuleSources.BaseURL = ts.URL
	cfg.RuleSources.ProbeTimeout = 50 * time.Millisecond

	prober := rulesource.NewProber(cfg.RuleSources, quietLogger(), nil)
	prober.Now = func() time.Time { return time.UnixMilli(1700000000000) }
	p, err := New(cfg, Deps{Logger: quietLogger(), Prober: prober})
	require.NoError(t, err)

	out, err := p.Transform(context.Background(), "in.yaml", []byte(scenarioDoc))
	require.NoError(t, err)
	doc, err := document.Decode("out.yaml", out)
	require.NoError(t, err)

	providers, err := doc.RuleProviders()
	require.NoError(t, err)
	require.Len(t, providers, 3)
	assert.Equal(t, "./my_rules/1700000000000_zt_proxy.yaml", providers[0].Path)
	assert.Equal(t, "./my_rules/feedface_zt_proxy_ai.yaml", providers[1].Path)
	assert.Equal(t, "./my_rules/feedface_zt_direct.yaml", providers[2].Path)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Groups.Derived = append(cfg.Groups.Derived, config.DerivedGroup{Name: "BAD", NameRegex: "("})
	_, err := New(cfg, Deps{Logger: quietLogger()})
	assert.Error(t, err)

	_, err = New(nil, Deps{})
	assert.Error(t, err)
}
