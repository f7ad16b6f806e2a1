package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/John-Robertt/clash-enhancer/internal/model"
)

type Kind int

const (
	KindUpstream Kind = iota
	KindRuleSource
)

func (k Kind) stage() string {
	switch k {
	case KindUpstream:
		return "fetch_upstream"
	case KindRuleSource:
		return "probe_rule_source"
	default:
		// Unknown kind is a programmer error; still return something stable.
		return "fetch"
	}
}

func (k Kind) defaultMaxBytes() int64 {
	switch k {
	case KindUpstream:
		return 5 * 1024 * 1024
	default:
		return 1 * 1024 * 1024
	}
}

// StatusClientClosedRequest is reported when the caller's context was
// canceled before the remote answered.
const StatusClientClosedRequest = 499

type Options struct {
	Timeout      time.Duration // default 15s
	MaxBytes     int64         // default per kind
	MaxRedirects int           // default 5
	UserAgent    string        // omitted when empty
}

type FetchError struct {
	Status int // HTTP status this service should answer with

	// UpstreamStatus is the remote status code for FETCH_STATUS errors.
	UpstreamStatus int

	AppError model.AppError
	Cause    error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Class buckets the error for logs and metrics: timeout, http_status,
// canceled, invalid or connection.
func (e *FetchError) Class() string {
	switch e.AppError.Code {
	case "FETCH_TIMEOUT":
		return "timeout"
	case "FETCH_STATUS":
		return "http_status"
	case "FETCH_CANCELED":
		return "canceled"
	case "INVALID_ARGUMENT":
		return "invalid"
	default:
		return "connection"
	}
}

var (
	errTooManyRedirects   = errors.New("too many redirects")
	errRedirectBadScheme  = errors.New("redirect target scheme is not http/https")
	errInvalidURLOrScheme = errors.New("invalid url or scheme")
)

type request struct {
	stage        string
	rawURL       string
	timeout      time.Duration
	maxRedirects int
	maxBytes     int64
	userAgent    string
}

func (r request) fail(status int, code, msg string, cause error) *FetchError {
	return &FetchError{
		Status: status,
		AppError: model.AppError{
			Code:    code,
			Message: msg,
			Stage:   r.stage,
			URL:     r.rawURL,
		},
		Cause: cause,
	}
}

func newRequest(kind Kind, rawURL string, opt Options) (request, error) {
	r := request{
		stage:        kind.stage(),
		rawURL:       rawURL,
		timeout:      opt.Timeout,
		maxRedirects: opt.MaxRedirects,
		maxBytes:     opt.MaxBytes,
		userAgent:    opt.UserAgent,
	}
	if r.timeout == 0 {
		r.timeout = 15 * time.Second
	}
	if r.maxRedirects == 0 {
		r.maxRedirects = 5
	}
	if r.maxBytes == 0 {
		r.maxBytes = kind.defaultMaxBytes()
	}
	if r.maxBytes <= 0 {
		return r, r.fail(http.StatusBadRequest, "INVALID_ARGUMENT", "response size limit must be > 0", nil)
	}

	u, err := url.Parse(rawURL)
	if err != nil || u == nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return r, r.fail(http.StatusBadRequest, "INVALID_ARGUMENT", "only http/https URLs are allowed",
			errors.Join(errInvalidURLOrScheme, err))
	}
	return r, nil
}

func (r request) client() *http.Client {
	return &http.Client{
		Timeout:   r.timeout,
		Transport: http.DefaultTransport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// via is already the chain of previous requests; allow up to maxRedirects redirects.
			if len(via) > r.maxRedirects {
				return errTooManyRedirects
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return errRedirectBadScheme
			}
			return nil
		},
	}
}

func (r request) do(ctx context.Context, method string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, r.rawURL, nil)
	if err != nil {
		return nil, r.fail(http.StatusBadRequest, "INVALID_ARGUMENT", "request URL is invalid", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, r.classify(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		fe := r.fail(http.StatusBadGateway, "FETCH_STATUS",
			fmt.Sprintf("remote returned non-2xx status: %d", resp.StatusCode), nil)
		fe.UpstreamStatus = resp.StatusCode
		return nil, fe
	}
	return resp, nil
}

// classify maps a transport error to a FetchError. The order matters:
// redirect sentinels first, then cancellation, then timeouts.
func (r request) classify(err error) *FetchError {
	if errors.Is(err, errTooManyRedirects) {
		return r.fail(http.StatusBadGateway, "FETCH_FAILED",
			fmt.Sprintf("too many redirects (>%d)", r.maxRedirects), err)
	}
	if errors.Is(err, errRedirectBadScheme) {
		return r.fail(http.StatusBadRequest, "INVALID_ARGUMENT", "redirect target must be http/https", err)
	}
	if errors.Is(err, context.Canceled) {
		return r.fail(StatusClientClosedRequest, "FETCH_CANCELED", "request was canceled", err)
	}

	// Go may wrap timeouts (e.g. *url.Error).
	var ne net.Error
	if (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return r.fail(http.StatusGatewayTimeout, "FETCH_TIMEOUT", "remote request timed out", err)
	}
	return r.fail(http.StatusBadGateway, "FETCH_FAILED", "remote request failed", err)
}

func FetchText(ctx context.Context, kind Kind, rawURL string) (string, error) {
	return FetchTextWithOptions(ctx, kind, rawURL, Options{})
}

// FetchTextWithOptions GETs rawURL and returns the body as UTF-8 text.
func FetchTextWithOptions(ctx context.Context, kind Kind, rawURL string, opt Options) (string, error) {
	r, err := newRequest(kind, rawURL, opt)
	if err != nil {
		return "", err
	}

	resp, err := r.do(ctx, http.MethodGet)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	// Read at most maxBytes+1 to detect overflow deterministically.
	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes+1))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", r.classify(err)
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", r.classify(err)
		}
		return "", r.fail(http.StatusBadGateway, "FETCH_FAILED", "failed to read remote response", err)
	}
	if int64(len(body)) > r.maxBytes {
		return "", r.fail(http.StatusUnprocessableEntity, "TOO_LARGE",
			fmt.Sprintf("remote resource is too large (>%d bytes)", r.maxBytes), nil)
	}
	if !utf8.Valid(body) {
		return "", r.fail(http.StatusUnprocessableEntity, "FETCH_INVALID_UTF8", "remote resource is not valid UTF-8 text", nil)
	}
	return string(body), nil
}

// Head issues a HEAD request and returns the response headers of the final
// (post-redirect) response. Non-2xx answers are FETCH_STATUS errors.
func Head(ctx context.Context, kind Kind, rawURL string, opt Options) (http.Header, error) {
	r, err := newRequest(kind, rawURL, opt)
	if err != nil {
		return nil, err
	}
	resp, err := r.do(ctx, http.MethodHead)
	if err != nil {
		return nil, err
	}
	_ = resp.Body.Close()
	return resp.Header, nil
}
