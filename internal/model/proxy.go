package model

// Proxy is a node from the document's proxies sequence. Proxies are read-only
// input: nothing in the pipeline creates, renames or drops one.
type Proxy struct {
	Name string
	Type string // protocol tag, e.g. "ss", "vmess", "hysteria2"

	// Attributes holds the full decoded entry (including name/type).
	Attributes map[string]any
}
