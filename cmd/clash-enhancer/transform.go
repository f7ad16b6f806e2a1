package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/clash-enhancer/internal/fetch"
	"github.com/John-Robertt/clash-enhancer/internal/pipeline"
)

var transformFlags struct {
	in       string
	upstream string
	out      string
	timeout  time.Duration
}

var transformCmd = &cobra.Command{
	Use:   "transform",
	Short: "Rewrite one document and exit",
	Long: `Rewrite one Clash document without starting a server.

Examples:
  # Local file to stdout
  clash-enhancer transform --in clash.yaml

  # stdin to file
  cat clash.yaml | clash-enhancer transform --in - --out enhanced.yaml

  # Remote subscription
  clash-enhancer transform --upstream https://example.com/sub.yaml --out enhanced.yaml`,
	RunE: runTransform,
}

func init() {
	rootCmd.AddCommand(transformCmd)

	f := transformCmd.Flags()
	f.StringVar(&transformFlags.in, "in", "", `input document path ("-" for stdin)`)
	f.StringVar(&transformFlags.upstream, "upstream", "", "fetch the input document from this URL")
	f.StringVarP(&transformFlags.out, "out", "o", "", "output path (stdout when empty)")
	f.DurationVar(&transformFlags.timeout, "timeout", 60*time.Second, "upper bound for the whole run")
	transformCmd.MarkFlagsMutuallyExclusive("in", "upstream")
	transformCmd.MarkFlagsOneRequired("in", "upstream")
}

func runTransform(cmd *cobra.Command, args []string) error {
	if err := newLogger(); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, transformFlags.timeout)
	defer cancel()

	source, data, err := readInput(ctx, cmd.InOrStdin(), cfg.RuleSources.UserAgent)
	if err != nil {
		return err
	}

	p, err := pipeline.New(cfg, pipeline.Deps{})
	if err != nil {
		return err
	}
	out, err := p.Transform(ctx, source, data)
	if err != nil {
		return err
	}

	if transformFlags.out == "" {
		_, err = cmd.OutOrStdout().Write(out)
		return err
	}
	return os.WriteFile(transformFlags.out, out, 0o644)
}

func readInput(ctx context.Context, stdin io.Reader, userAgent string) (string, []byte, error) {
	switch {
	case transformFlags.upstream != "":
		text, err := fetch.FetchTextWithOptions(ctx, fetch.KindUpstream, transformFlags.upstream, fetch.Options{UserAgent: userAgent})
		if err != nil {
			return "", nil, err
		}
		return transformFlags.upstream, []byte(text), nil
	case transformFlags.in == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", nil, fmt.Errorf("read stdin: %w", err)
		}
		return "stdin", data, nil
	case transformFlags.in != "":
		data, err := os.ReadFile(transformFlags.in)
		if err != nil {
			return "", nil, err
		}
		return transformFlags.in, data, nil
	default:
		return "", nil, errors.New("one of --in or --upstream is required")
	}
}
