package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/John-Robertt/clash-enhancer/internal/fetch"
	"github.com/John-Robertt/clash-enhancer/internal/model"
	"github.com/John-Robertt/clash-enhancer/internal/pipeline"
)

type transformHandler struct {
	opt Options
}

// handleUpstream fetches the configured upstream document and returns it
// transformed.
func (h transformHandler) handleUpstream(w http.ResponseWriter, r *http.Request) {
	filename, err := parseFileName(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	cfg := h.opt.Config.Current()
	if strings.TrimSpace(cfg.UpstreamURL) == "" {
		h.writeError(w, r, apiError(http.StatusServiceUnavailable, model.AppError{
			Code:    "UPSTREAM_NOT_CONFIGURED",
			Message: "no upstream document is configured",
			Stage:   "validate_request",
			Hint:    "set upstream_url in the config file or use POST /api/transform",
		}, nil))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opt.TransformTimeout)
	defer cancel()

	text, err := fetch.FetchTextWithOptions(ctx, fetch.KindUpstream, cfg.UpstreamURL, fetch.Options{
		Timeout:   h.opt.FetchTimeout,
		MaxBytes:  h.opt.MaxBodyBytes,
		UserAgent: cfg.RuleSources.UserAgent,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.run(ctx, w, r, cfg.UpstreamURL, []byte(text), filename)
}

// handleTransform rewrites the YAML document sent as the request body.
func (h transformHandler) handleTransform(w http.ResponseWriter, r *http.Request) {
	filename, err := parseFileName(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opt.MaxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.writeError(w, r, apiError(http.StatusRequestEntityTooLarge, model.AppError{
				Code:    "TOO_LARGE",
				Message: "request body is too large",
				Stage:   "validate_request",
			}, err))
			return
		}
		h.writeError(w, r, requestError("INVALID_ARGUMENT", "failed to read request body", err.Error()))
		return
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		h.writeError(w, r, requestError("INVALID_ARGUMENT", "request body is empty", "send the Clash YAML document as the body"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opt.TransformTimeout)
	defer cancel()
	h.run(ctx, w, r, "request body", body, filename)
}

func (h transformHandler) run(ctx context.Context, w http.ResponseWriter, r *http.Request, source string, data []byte, filename string) {
	p, err := pipeline.New(h.opt.Config.Current(), pipeline.Deps{
		Logger:  h.opt.Logger.With("request_id", RequestIDFrom(r.Context())),
		Metrics: h.opt.Metrics,
		Prober:  h.opt.Prober,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out, err := p.Transform(ctx, source, data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if filename != "" {
		w.Header().Set("Content-Disposition", contentDispositionAttachment(filename))
	}
	WriteYAML(w, http.StatusOK, out)
}

func parseFileName(q url.Values) (string, error) {
	values, ok := q["filename"]
	if !ok || len(values) == 0 {
		return "", nil
	}
	if len(values) != 1 {
		return "", requestError("INVALID_ARGUMENT", "filename may only appear once", "")
	}
	return outputFileName(values[0])
}
