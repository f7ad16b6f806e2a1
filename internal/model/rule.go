package model

type Rule struct {
	Type      string // e.g. "DOMAIN-SUFFIX", "RULE-SET", "MATCH"
	Value     string // domain/suffix/keyword/cidr/provider key; empty for MATCH
	Action    string // DIRECT/REJECT/group name
	NoResolve bool   // only meaningful for IP rules

	// Options keeps trailing fields other than no-resolve (e.g. "src")
	// so pass-through formatting does not lose them.
	Options []string
}
