package model

// Group is one entry of the document's proxy-groups sequence.
type Group struct {
	Name string
	Type string // "url-test" | "select" | "fallback" | "load-balance" ...

	Members []string // proxy names / group names / DIRECT / REJECT

	// url-test / fallback / load-balance only
	TestURL     string
	IntervalSec int

	// Raw is the decoded document entry for groups read from input. It is
	// written back verbatim so fields this service does not model survive.
	// Synthesized groups leave it nil.
	Raw any
}

// Synthesized reports whether g was built by this service rather than read
// from the input document.
func (g Group) Synthesized() bool { return g.Raw == nil }
