package httpapi

import "net/http"

func NewMux() *http.ServeMux {
	return NewMuxWithOptions(Options{})
}

func NewMuxWithOptions(opt Options) *http.ServeMux {
	opt = opt.withDefaults()
	h := transformHandler{opt: opt}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	if opt.Metrics != nil {
		mux.Handle("GET /metrics", opt.Metrics.Handler())
	}
	mux.HandleFunc("POST /api/transform", h.handleTransform)
	// Catch-alls: any GET serves the transformed upstream document; any
	// other POST gets a fixed placeholder.
	mux.HandleFunc("GET /", h.handleUpstream)
	mux.HandleFunc("POST /", handlePlaceholder)
	return mux
}
