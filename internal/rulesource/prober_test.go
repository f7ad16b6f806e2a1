package rulesource

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/clash-enhancer/internal/config"
	"github.com/John-Robertt/clash-enhancer/internal/telemetry"
)

var fixedNow = time.UnixMilli(1700000000123)

func newTestProber(t *testing.T, baseURL string, timeout time.Duration) (*Prober, *telemetry.Metrics) {
	t.Helper()
	cfg := config.Default().RuleSources
	cfg.BaseURL = baseURL + "/"
	cfg.ProbeTimeout = timeout
	m := telemetry.NewMetrics()
	p := NewProber(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), m)
	p.Now = func() time.Time { return fixedNow }
	return p, m
}

func TestProbe_TokensAndFallbacks(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		assert.Equal(t, "FC-Clash-Config-Generator/1.0", r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/etag.yaml":
			w.Header().Set("ETag", `W/"a1b2c3d4e5f6a7b8"`)
		case "/plain.yaml":
			// no ETag
		case "/broken.yaml":
			w.WriteHeader(http.StatusInternalServerError)
		case "/slow.yaml":
			time.Sleep(300 * time.Millisecond)
			w.Header().Set("ETag", `"late"`)
		}
	}))
	defer ts.Close()

	p, m := newTestProber(t, ts.URL, 100*time.Millisecond)
	sources := []config.RuleSource{
		{Name: "zt-etag", File: "etag.yaml", Target: "ALL_PROXY"},
		{Name: "zt-plain", File: "plain.yaml", Target: "DIRECT"},
		{Name: "zt-broken", File: "broken.yaml", Target: "DIRECT"},
		{Name: "zt-slow", File: "slow.yaml", Target: "DIRECT"},
	}

	got, err := p.Probe(context.Background(), sources)
	require.NoError(t, err)
	require.Len(t, got, 4)

	for i, src := range sources {
		assert.Equal(t, src.Name, got[i].Name, "descriptors keep source order")
		assert.Equal(t, ts.URL+"/"+src.File, got[i].URL)
		assert.Equal(t, "http", got[i].Type)
		assert.Equal(t, "classical", got[i].Behavior)
		assert.Equal(t, 11440, got[i].IntervalSec)
		assert.Nil(t, got[i].Raw)
	}

	assert.Equal(t, "./my_rules/a1b2c3d4_etag.yaml", got[0].Path)
	assert.Equal(t, "./my_rules/1700000000123_plain.yaml", got[1].Path)
	assert.Equal(t, "./my_rules/1700000000123_broken.yaml", got[2].Path)
	assert.Equal(t, "./my_rules/1700000000123_slow.yaml", got[3].Path, "timeout falls back, never fails")

	// One series per outcome: ok, no_token, http_status, timeout.
	series, err := testutil.GatherAndCount(m.Registry(), "clash_enhancer_rule_source_probes_total")
	require.NoError(t, err)
	assert.Equal(t, 4, series)
}

func TestProbe_RespectsConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		w.Header().Set("ETag", `"x"`)
	}))
	defer ts.Close()

	p, _ := newTestProber(t, ts.URL, time.Second)
	p.cfg.ProbeConcurrency = 2

	var sources []config.RuleSource
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		sources = append(sources, config.RuleSource{Name: "zt-" + name, File: name + ".yaml", Target: "DIRECT"})
	}
	got, err := p.Probe(context.Background(), sources)
	require.NoError(t, err)
	assert.Len(t, got, len(sources))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestProbe_ParentCancellation(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	p, _ := newTestProber(t, ts.URL, 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := p.Probe(ctx, []config.RuleSource{{Name: "zt-a", File: "a.yaml", Target: "DIRECT"}})
	assert.True(t, errors.Is(err, context.Canceled), "err=%v", err)
	assert.Less(t, time.Since(start), 5*time.Second, "in-flight probes are aborted")
}

func TestProbe_NoSources(t *testing.T) {
	p, _ := newTestProber(t, "https://rules.example", time.Second)
	got, err := p.Probe(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDescriptor_PathKeepsRelativePrefix(t *testing.T) {
	p, _ := newTestProber(t, "https://rules.example/base", time.Second)
	p.cfg.CacheDir = "./cache/"

	d := p.Descriptor(config.RuleSource{Name: "zt-x", File: "x.yaml"}, "tok")
	assert.Equal(t, "./cache/tok_x.yaml", d.Path)
	assert.Equal(t, "https://rules.example/base/x.yaml", d.URL)
}

func TestNormalizeToken(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{`"5d8c72a5edda8d6a"`, 8, "5d8c72a5"},
		{`W/"abc"`, 8, "abc"},
		{`'a-b_c.d'`, 8, "abcd"},
		{`""`, 8, ""},
		{"", 8, ""},
		{`"0123456789"`, 4, "0123"},
		{`"ünï"`, 8, "n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeToken(tt.in, tt.max), "in=%q", tt.in)
	}
}
