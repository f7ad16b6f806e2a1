package pipeline

import "github.com/John-Robertt/clash-enhancer/internal/model"

// MergeProviders returns fresh followed by the existing providers whose key
// is not already present. A fresh entry always wins over a stale one.
func MergeProviders(fresh, existing []model.RuleProvider) []model.RuleProvider {
	out := make([]model.RuleProvider, 0, len(fresh)+len(existing))
	seen := make(map[string]struct{}, len(fresh)+len(existing))
	for _, list := range [][]model.RuleProvider{fresh, existing} {
		for _, p := range list {
			if _, ok := seen[p.Name]; ok {
				continue
			}
			seen[p.Name] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
