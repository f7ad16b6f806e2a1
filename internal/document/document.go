package document

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/clash-enhancer/internal/model"
)

// Top-level keys read or written by the pipeline. Every other key is passed
// through untouched.
const (
	KeyProxies       = "proxies"
	KeyProxyGroups   = "proxy-groups"
	KeyRuleProviders = "rule-providers"
	KeyRules         = "rules"
)

// Document is a decoded Clash configuration. It keeps the full node tree so
// that encoding preserves key order, comments and fields nobody models.
//
// A Document is not safe for concurrent mutation; use Clone to get an
// independent working copy.
type Document struct {
	source string     // for error messages only
	doc    *yaml.Node // DocumentNode
	root   *yaml.Node // top-level MappingNode (doc.Content[0])
}

type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

func (d *Document) fieldError(code string, line int, format string, args ...any) error {
	return &ParseError{
		AppError: model.AppError{
			Code:    code,
			Message: fmt.Sprintf(format, args...),
			Stage:   "parse_document",
			URL:     d.source,
			Line:    line,
		},
	}
}

// Decode parses a single YAML document whose top level is a mapping.
// sourceURL is only used in error payloads.
func Decode(sourceURL string, data []byte) (*Document, error) {
	parseErr := func(msg string, cause error) error {
		return &ParseError{
			AppError: model.AppError{
				Code:    "DOCUMENT_PARSE_ERROR",
				Message: msg,
				Stage:   "parse_document",
				URL:     sourceURL,
				Snippet: truncateSnippet(string(data), 200),
			},
			Cause: cause,
		}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	var doc yaml.Node
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, parseErr("document is empty", nil)
		}
		return nil, parseErr("document YAML is invalid", err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); err == nil {
		return nil, parseErr("multiple YAML documents are not allowed", nil)
	} else if !errors.Is(err, io.EOF) {
		return nil, parseErr("document YAML is invalid", err)
	}

	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, parseErr("document top level must be a mapping", nil)
	}
	return &Document{source: sourceURL, doc: &doc, root: doc.Content[0]}, nil
}

// Encode renders the document as YAML. Long lines are never wrapped.
func (d *Document) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d.doc); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Clone returns a deep copy. Aliases in the copy point at the copy's own
// anchors.
func (d *Document) Clone() *Document {
	seen := make(map[*yaml.Node]*yaml.Node)
	doc := cloneNode(d.doc, seen)
	return &Document{source: d.source, doc: doc, root: doc.Content[0]}
}

func cloneNode(n *yaml.Node, seen map[*yaml.Node]*yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	if c, ok := seen[n]; ok {
		return c
	}
	c := *n
	seen[n] = &c
	if n.Content != nil {
		c.Content = make([]*yaml.Node, len(n.Content))
		for i, child := range n.Content {
			c.Content[i] = cloneNode(child, seen)
		}
	}
	if n.Alias != nil {
		c.Alias = cloneNode(n.Alias, seen)
	}
	return &c
}

// Source returns the URL or path the document was decoded from.
func (d *Document) Source() string { return d.source }

// Has reports whether the top-level key exists (even if null).
func (d *Document) Has(key string) bool {
	_, ok := d.index(key)
	return ok
}

// Proxies returns the proxies sequence. A missing or non-sequence proxies
// field makes the document unusable.
func (d *Document) Proxies() ([]model.Proxy, error) {
	n := d.lookup(KeyProxies)
	if n == nil || isNull(n) {
		return nil, d.fieldError("DOCUMENT_MISSING_PROXIES", 0, "document has no proxies sequence")
	}
	if n.Kind != yaml.SequenceNode {
		return nil, d.fieldError("DOCUMENT_MISSING_PROXIES", n.Line, "proxies must be a sequence")
	}

	out := make([]model.Proxy, 0, len(n.Content))
	for i, item := range n.Content {
		attrs, err := decodeMapping(item)
		if err != nil {
			return nil, d.fieldError("DOCUMENT_INVALID_FIELD", item.Line, "proxies[%d] must be a mapping", i)
		}
		name := scalarString(attrs["name"])
		if name == "" {
			return nil, d.fieldError("DOCUMENT_INVALID_FIELD", item.Line, "proxies[%d] has no name", i)
		}
		out = append(out, model.Proxy{
			Name:       name,
			Type:       scalarString(attrs["type"]),
			Attributes: attrs,
		})
	}
	return out, nil
}

// Groups returns the proxy-groups sequence; absent means empty.
func (d *Document) Groups() ([]model.Group, error) {
	n := d.lookup(KeyProxyGroups)
	if n == nil || isNull(n) {
		return nil, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, d.fieldError("DOCUMENT_INVALID_FIELD", n.Line, "proxy-groups must be a sequence")
	}

	out := make([]model.Group, 0, len(n.Content))
	for i, item := range n.Content {
		attrs, err := decodeMapping(item)
		if err != nil {
			return nil, d.fieldError("DOCUMENT_INVALID_FIELD", item.Line, "proxy-groups[%d] must be a mapping", i)
		}
		name := scalarString(attrs["name"])
		if name == "" {
			return nil, d.fieldError("DOCUMENT_INVALID_FIELD", item.Line, "proxy-groups[%d] has no name", i)
		}
		out = append(out, model.Group{
			Name:        name,
			Type:        scalarString(attrs["type"]),
			Members:     stringList(attrs["proxies"]),
			TestURL:     scalarString(attrs["url"]),
			IntervalSec: intValue(attrs["interval"]),
			Raw:         item,
		})
	}
	return out, nil
}

// RuleProviders returns the rule-providers mapping in document order.
func (d *Document) RuleProviders() ([]model.RuleProvider, error) {
	n := d.lookup(KeyRuleProviders)
	if n == nil || isNull(n) {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, d.fieldError("DOCUMENT_INVALID_FIELD", n.Line, "rule-providers must be a mapping")
	}

	out := make([]model.RuleProvider, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		attrs, err := decodeMapping(val)
		if err != nil {
			return nil, d.fieldError("DOCUMENT_INVALID_FIELD", key.Line, "rule-providers.%s must be a mapping", key.Value)
		}
		out = append(out, model.RuleProvider{
			Name:        key.Value,
			Type:        scalarString(attrs["type"]),
			Behavior:    scalarString(attrs["behavior"]),
			URL:         scalarString(attrs["url"]),
			IntervalSec: intValue(attrs["interval"]),
			Path:        scalarString(attrs["path"]),
			Raw:         val,
		})
	}
	return out, nil
}

// Rules returns the rules sequence; absent means empty.
func (d *Document) Rules() ([]string, error) {
	n := d.lookup(KeyRules)
	if n == nil || isNull(n) {
		return nil, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, d.fieldError("DOCUMENT_INVALID_FIELD", n.Line, "rules must be a sequence")
	}

	out := make([]string, 0, len(n.Content))
	for i, item := range n.Content {
		item = resolve(item)
		if item == nil || item.Kind != yaml.ScalarNode {
			line := 0
			if item != nil {
				line = item.Line
			}
			return nil, d.fieldError("DOCUMENT_INVALID_FIELD", line, "rules[%d] must be a string", i)
		}
		out = append(out, item.Value)
	}
	return out, nil
}

type groupYAML struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	Proxies  []string `yaml:"proxies"`
	URL      string   `yaml:"url,omitempty"`
	Interval int      `yaml:"interval,omitempty"`
}

type providerYAML struct {
	Type     string `yaml:"type"`
	Behavior string `yaml:"behavior"`
	URL      string `yaml:"url"`
	Interval int    `yaml:"interval"`
	Path     string `yaml:"path"`
}

// SetGroups replaces proxy-groups. Groups carrying a Raw node are written
// back as read.
func (d *Document) SetGroups(groups []model.Group) error {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, g := range groups {
		if raw, ok := g.Raw.(*yaml.Node); ok && raw != nil {
			seq.Content = append(seq.Content, raw)
			continue
		}
		members := g.Members
		if members == nil {
			members = []string{}
		}
		var n yaml.Node
		if err := n.Encode(groupYAML{
			Name:     g.Name,
			Type:     g.Type,
			Proxies:  members,
			URL:      g.TestURL,
			Interval: g.IntervalSec,
		}); err != nil {
			return fmt.Errorf("encode group %q: %w", g.Name, err)
		}
		seq.Content = append(seq.Content, &n)
	}
	d.set(KeyProxyGroups, seq)
	d.repairAliases()
	return nil
}

// SetRuleProviders replaces rule-providers, keeping the given order.
func (d *Document) SetRuleProviders(providers []model.RuleProvider) error {
	m := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, p := range providers {
		key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: p.Name}
		if raw, ok := p.Raw.(*yaml.Node); ok && raw != nil {
			m.Content = append(m.Content, key, raw)
			continue
		}
		var n yaml.Node
		if err := n.Encode(providerYAML{
			Type:     p.Type,
			Behavior: p.Behavior,
			URL:      p.URL,
			Interval: p.IntervalSec,
			Path:     p.Path,
		}); err != nil {
			return fmt.Errorf("encode rule provider %q: %w", p.Name, err)
		}
		m.Content = append(m.Content, key, &n)
	}
	d.set(KeyRuleProviders, m)
	d.repairAliases()
	return nil
}

// SetRules replaces the rules sequence.
func (d *Document) SetRules(lines []string) {
	seq := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
	for _, l := range lines {
		seq.Content = append(seq.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: l})
	}
	d.set(KeyRules, seq)
	d.repairAliases()
}

func (d *Document) index(key string) (int, bool) {
	for i := 0; i+1 < len(d.root.Content); i += 2 {
		if d.root.Content[i].Value == key {
			return i, true
		}
	}
	return 0, false
}

func (d *Document) lookup(key string) *yaml.Node {
	i, ok := d.index(key)
	if !ok {
		return nil
	}
	return resolve(d.root.Content[i+1])
}

// set replaces the value in place, or appends the key at the end.
func (d *Document) set(key string, value *yaml.Node) {
	if i, ok := d.index(key); ok {
		d.root.Content[i+1] = value
		return
	}
	d.root.Content = append(d.root.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		value,
	)
}

// repairAliases walks the tree in document order and replaces every alias
// whose anchored node is no longer defined before it with a plain copy of
// that node. Setters call it after dropping or rebuilding anchored entries.
func (d *Document) repairAliases() {
	defined := make(map[string]*yaml.Node)
	var walk func(n *yaml.Node) *yaml.Node
	walk = func(n *yaml.Node) *yaml.Node {
		if n == nil {
			return nil
		}
		if n.Kind == yaml.AliasNode {
			t := n.Alias
			if t == nil {
				return n
			}
			if t.Anchor != "" && defined[t.Anchor] == t {
				n.Value = t.Anchor
				return n
			}
			return walk(expandNode(t))
		}
		if n.Anchor != "" {
			defined[n.Anchor] = n
		}
		for i, c := range n.Content {
			n.Content[i] = walk(c)
		}
		return n
	}
	walk(d.doc)
}

// expandNode deep-copies n without anchors. Aliases inside the copy still
// point at their original targets.
func expandNode(n *yaml.Node) *yaml.Node {
	c := *n
	c.Anchor = ""
	if n.Content != nil {
		c.Content = make([]*yaml.Node, len(n.Content))
		for i, child := range n.Content {
			if child.Kind == yaml.AliasNode {
				a := *child
				c.Content[i] = &a
				continue
			}
			c.Content[i] = expandNode(child)
		}
	}
	return &c
}

func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}

func decodeMapping(n *yaml.Node) (map[string]any, error) {
	n = resolve(n)
	if n == nil || n.Kind != yaml.MappingNode {
		return nil, errors.New("not a mapping")
	}
	m := make(map[string]any)
	if err := n.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int, int64, uint64, float64, bool:
		return fmt.Sprint(x)
	default:
		return ""
	}
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s := scalarString(it); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func intValue(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case float64:
		return int(x)
	case string:
		n, _ := strconv.Atoi(x)
		return n
	default:
		return 0
	}
}

func truncateSnippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
