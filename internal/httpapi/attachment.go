package httpapi

import (
	"fmt"
	"net/url"
	"strings"
)

// outputFileName validates the filename query and adds .yaml when the name
// carries no extension. Empty input means "inline, no attachment".
func outputFileName(raw string) (string, error) {
	base := strings.TrimSpace(raw)
	if base == "" {
		return "", nil
	}
	if strings.ContainsAny(base, "\r\n\x00") {
		return "", requestError("INVALID_ARGUMENT", "filename contains control characters", "")
	}
	if strings.Contains(base, "/") || strings.Contains(base, "\\") {
		return "", requestError("INVALID_ARGUMENT", "filename must not contain path separators", "")
	}
	if len(base) > 200 {
		return "", requestError("INVALID_ARGUMENT", "filename is too long", "max=200 bytes")
	}
	if !hasExt(base) {
		base += ".yaml"
	}
	return base, nil
}

func hasExt(name string) bool {
	i := strings.LastIndexByte(name, '.')
	return i > 0 && i < len(name)-1
}

func contentDispositionAttachment(filename string) string {
	// RFC 6266 + RFC 5987.
	escaped := strings.ReplaceAll(filename, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", escaped, pctEncode(filename))
}

// pctEncode is QueryEscape with spaces as %20 instead of '+'.
func pctEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
