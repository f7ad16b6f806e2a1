package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var healthcheckFlags struct {
	listen  string
	url     string
	timeout time.Duration
}

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Probe /healthz of a running server (exit 1 when unhealthy)",
	Long: `Probe /healthz of a running server. Intended for container HEALTHCHECK:

  HEALTHCHECK CMD ["clash-enhancer", "healthcheck", "--listen", "127.0.0.1:25500"]`,
	RunE: func(cmd *cobra.Command, args []string) error {
		target := healthcheckFlags.url
		if target == "" {
			u, err := deriveHealthzURL(healthcheckFlags.listen)
			if err != nil {
				return err
			}
			target = u
		}
		return runHealthcheck(target, healthcheckFlags.timeout)
	},
}

func init() {
	rootCmd.AddCommand(healthcheckCmd)

	f := healthcheckCmd.Flags()
	f.StringVarP(&healthcheckFlags.listen, "listen", "l", "127.0.0.1:25500", "listen address of the server")
	f.StringVar(&healthcheckFlags.url, "url", "", "full healthz URL (overrides --listen)")
	f.DurationVar(&healthcheckFlags.timeout, "timeout", 2*time.Second, "probe timeout")
}

// deriveHealthzURL turns a listen address into a loopback healthz URL.
// Wildcard hosts are probed on 127.0.0.1.
func deriveHealthzURL(listen string) (string, error) {
	s := strings.TrimSpace(listen)
	if s == "" {
		return "", fmt.Errorf("empty listen address")
	}

	scheme := "http"
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", fmt.Errorf("parse listen address %q: %w", listen, err)
		}
		scheme, s = u.Scheme, u.Host
	}
	if !strings.Contains(s, ":") {
		s = ":" + s
	}

	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return "", fmt.Errorf("parse listen address %q: %w", listen, err)
	}
	if port == "" {
		return "", fmt.Errorf("listen address %q has no port", listen)
	}
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "127.0.0.1"
	}
	return (&url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port), Path: "/healthz"}).String(), nil
}

func runHealthcheck(target string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, target)
	}
	return nil
}
