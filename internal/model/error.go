package model

// AppError is the only error payload returned by this service.
//
// RequestID and Timestamp are stamped at the HTTP boundary; pipeline code only
// fills the descriptive fields.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage"`

	URL     string `json:"url,omitempty"`
	Line    int    `json:"line,omitempty"`    // 1-based; 0 means "not set"
	Snippet string `json:"snippet,omitempty"` // <= 200 chars
	Hint    string `json:"hint,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"` // RFC 3339
}

type ErrorResponse struct {
	Error AppError `json:"error"`
}
