package pipeline

import "github.com/John-Robertt/clash-enhancer/internal/model"

const (
	StrategyURLTest = "url-test"
	StrategySelect  = "select"
)

// NewGroup builds a synthesized group. Select groups carry no health check.
func NewGroup(name, strategy string, members []string, testURL string, intervalSec int) model.Group {
	if strategy == "" {
		strategy = StrategyURLTest
	}
	g := model.Group{Name: name, Type: strategy, Members: members}
	if strategy != StrategySelect {
		g.TestURL = testURL
		g.IntervalSec = intervalSec
	}
	return g
}

// SynthesizeGroups puts catchAll first, then every derived group with at
// least one member, then the existing groups minus any sharing a name with
// an emitted group. Derived groups with no members are dropped.
func SynthesizeGroups(catchAll model.Group, derived, existing []model.Group) []model.Group {
	out := make([]model.Group, 0, 1+len(derived)+len(existing))
	out = append(out, catchAll)
	for _, g := range derived {
		if len(g.Members) == 0 {
			continue
		}
		out = append(out, g)
	}

	emitted := make(map[string]struct{}, len(out))
	for _, g := range out {
		emitted[g.Name] = struct{}{}
	}
	for _, g := range existing {
		if _, ok := emitted[g.Name]; ok {
			continue
		}
		out = append(out, g)
	}
	return out
}
