package pipeline

import (
	"strings"

	"github.com/John-Robertt/clash-enhancer/internal/model"
	"github.com/John-Robertt/clash-enhancer/internal/rules"
)

// Ownership recognizes rules this service generated on an earlier run.
type Ownership struct {
	// KeyPrefix marks owned RULE-SET provider keys.
	KeyPrefix string

	// Overrides are owned only when type, value and action all match what
	// is emitted for them. A rule with the same matcher and another target
	// belongs to the document.
	Overrides []model.Rule
}

func (o Ownership) Owns(r model.Rule) bool {
	if r.Type == "RULE-SET" {
		return o.KeyPrefix != "" && strings.HasPrefix(r.Value, o.KeyPrefix)
	}
	for _, ov := range o.Overrides {
		if r.Type == ov.Type && strings.EqualFold(r.Value, ov.Value) && r.Action == ov.Action {
			return true
		}
	}
	return false
}

// RewriteRules drops owned lines from existing and puts prefix in front of
// what remains. Lines that do not parse are never owned and stay in place.
func RewriteRules(existing []string, own Ownership, prefix []model.Rule) []string {
	out := make([]string, 0, len(prefix)+len(existing))
	for _, r := range prefix {
		out = append(out, rules.Format(r))
	}
	for _, line := range existing {
		if r, err := rules.Parse(line); err == nil && own.Owns(r) {
			continue
		}
		out = append(out, line)
	}
	return out
}
