package httpapi

import (
	"errors"
	"strings"
	"testing"
)

func TestOutputFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  ", ""},
		{"clash", "clash.yaml"},
		{"my config", "my config.yaml"},
		{"home.yml", "home.yml"},
		{".hidden", ".hidden.yaml"},
		{"trailing.", "trailing..yaml"},
	}
	for _, tt := range tests {
		got, err := outputFileName(tt.in)
		if err != nil {
			t.Fatalf("outputFileName(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("outputFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOutputFileName_Rejects(t *testing.T) {
	for _, in := range []string{"a/b", `a\b`, "a\nb", strings.Repeat("x", 201)} {
		_, err := outputFileName(in)
		var ae *APIError
		if !errors.As(err, &ae) {
			t.Fatalf("outputFileName(%q): expected *APIError, got %T: %v", in, err, err)
		}
		if ae.AppError.Code != "INVALID_ARGUMENT" {
			t.Fatalf("code = %q, want INVALID_ARGUMENT", ae.AppError.Code)
		}
	}
}

func TestContentDispositionAttachment(t *testing.T) {
	got := contentDispositionAttachment(`my "clash".yaml`)
	want := `attachment; filename="my \"clash\".yaml"; filename*=UTF-8''my%20%22clash%22.yaml`
	if got != want {
		t.Fatalf("got  %q\nwant %q", got, want)
	}
}
