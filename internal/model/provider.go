package model

// RuleProvider is one value of the document's rule-providers mapping.
type RuleProvider struct {
	Name string // mapping key, referenced by RULE-SET rules

	Type        string // "http"
	Behavior    string // "classical"
	URL         string
	IntervalSec int
	Path        string // local cache path; carries the change-token segment

	// Raw is the decoded document value for providers read from input.
	// Freshly probed providers leave it nil.
	Raw any
}
