package pipeline

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/John-Robertt/clash-enhancer/internal/config"
	"github.com/John-Robertt/clash-enhancer/internal/model"
)

// Predicate selects proxies by name and protocol. Every non-empty criterion
// must hold; a zero Predicate matches everything.
type Predicate struct {
	NameContains string
	NameRegex    *regexp.Regexp
	Types        map[string]struct{} // lower-cased protocol tags
}

func NewPredicate(d config.DerivedGroup) (Predicate, error) {
	p := Predicate{NameContains: d.NameContains}
	if d.NameRegex != "" {
		re, err := regexp.Compile(d.NameRegex)
		if err != nil {
			return Predicate{}, fmt.Errorf("derived group %s: %w", d.Name, err)
		}
		p.NameRegex = re
	}
	if len(d.Types) > 0 {
		p.Types = make(map[string]struct{}, len(d.Types))
		for _, t := range d.Types {
			p.Types[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
		}
	}
	return p, nil
}

func (p Predicate) Match(px model.Proxy) bool {
	if p.NameContains != "" && !strings.Contains(px.Name, p.NameContains) {
		return false
	}
	if p.NameRegex != nil && !p.NameRegex.MatchString(px.Name) {
		return false
	}
	if p.Types != nil {
		if _, ok := p.Types[strings.ToLower(px.Type)]; !ok {
			return false
		}
	}
	return true
}

// Classify returns the names of matching proxies in input order.
func Classify(proxies []model.Proxy, p Predicate) []string {
	out := make([]string, 0, len(proxies))
	for _, px := range proxies {
		if p.Match(px) {
			out = append(out, px.Name)
		}
	}
	return out
}

// Names returns every proxy name in input order.
func Names(proxies []model.Proxy) []string {
	return Classify(proxies, Predicate{})
}
