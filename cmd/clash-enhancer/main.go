// clash-enhancer rewrites Clash subscription documents: it synthesizes proxy
// groups from the node list, injects remote rule-providers whose cache paths
// change with the remote content, and prepends the routing rules bound to them.
//
// Usage:
//
//	# Serve the HTTP API
//	clash-enhancer serve --listen 127.0.0.1:25500 --config config.yaml --watch
//
//	# Rewrite a local document
//	clash-enhancer transform --in clash.yaml --out enhanced.yaml
//
//	# Container health probe
//	clash-enhancer healthcheck --listen 127.0.0.1:25500
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/clash-enhancer/internal/config"
	"github.com/John-Robertt/clash-enhancer/internal/telemetry"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "clash-enhancer",
	Short: "Rewrite Clash subscription documents with rule-providers and derived groups",
	Long: `clash-enhancer takes a Clash configuration document and returns it with
synthesized proxy groups, freshly probed rule-providers and the routing rules
that bind them. Existing groups, providers and rules are preserved.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (built-in defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.Default(), nil
	}
	return config.Load(cfgFile)
}

func newLogger() error {
	logger, err := telemetry.NewLogger(logLevel, logFormat, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	return nil
}
