package rules

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/John-Robertt/clash-enhancer/internal/model"
)

type RuleError struct {
	Code    string
	Message string
	Hint    string
	Cause   error
}

func (e *RuleError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *RuleError) Unwrap() error { return e.Cause }

// Parse splits a Clash rule line from a document into its fields.
//
// It accepts any rule type: rules this service does not own are passed
// through untouched, so only the shape matters here. Logical rules
// (AND/OR/NOT) keep their parenthesised payload intact in Value.
func Parse(line string) (model.Rule, error) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
	if line == "" {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "rule line is empty"}
	}
	if strings.HasPrefix(line, "#") {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "rule line is comment"}
	}

	parts := splitTopLevel(line)
	typ := strings.ToUpper(parts[0])
	if typ == "" {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "rule type is empty"}
	}

	switch typ {
	case "MATCH", "FINAL":
		if len(parts) < 2 || parts[1] == "" {
			return model.Rule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: "MATCH rule must be MATCH,<ACTION>",
			}
		}
		return model.Rule{Type: typ, Action: parts[1], Options: trailingOptions(parts[2:])}, nil
	}

	if len(parts) < 3 {
		return model.Rule{}, &RuleError{
			Code:    "RULE_PARSE_ERROR",
			Message: "rule field count is invalid",
			Hint:    "expected: TYPE,VALUE,ACTION[,OPTION...]",
		}
	}

	if parts[1] == "" || parts[2] == "" {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "rule VALUE/ACTION must not be empty"}
	}

	r := model.Rule{Type: typ, Value: parts[1], Action: parts[2]}
	for _, opt := range parts[3:] {
		if strings.EqualFold(opt, "no-resolve") {
			r.NoResolve = true
			continue
		}
		if opt != "" {
			r.Options = append(r.Options, opt)
		}
	}
	return r, nil
}

// ParseOverride parses a TYPE,VALUE matcher used by hard-coded override
// rules. The action is supplied separately, so a third field is rejected.
func ParseOverride(line string) (model.Rule, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	typ := strings.ToUpper(parts[0])

	switch typ {
	case "DOMAIN", "DOMAIN-SUFFIX", "DOMAIN-KEYWORD", "GEOSITE", "GEOIP", "PROCESS-NAME", "DST-PORT":
		if len(parts) != 2 || parts[1] == "" {
			return model.Rule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: "override rule must be TYPE,VALUE",
				Hint:    "example: DOMAIN-SUFFIX,reddit.com",
			}
		}
		return model.Rule{Type: typ, Value: parts[1]}, nil
	case "IP-CIDR", "IP-CIDR6":
		return parseOverrideCIDR(typ, parts)
	case "":
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "rule type is empty"}
	default:
		return model.Rule{}, &RuleError{
			Code:    "UNSUPPORTED_RULE_TYPE",
			Message: fmt.Sprintf("unsupported override rule type: %s", typ),
		}
	}
}

func parseOverrideCIDR(typ string, parts []string) (model.Rule, error) {
	switch len(parts) {
	case 2:
	case 3:
		if !strings.EqualFold(parts[2], "no-resolve") {
			return model.Rule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: "only no-resolve is allowed after the CIDR",
				Hint:    "expected: IP-CIDR,CIDR[,no-resolve]",
			}
		}
	default:
		return model.Rule{}, &RuleError{
			Code:    "RULE_PARSE_ERROR",
			Message: "IP-CIDR override field count is invalid",
			Hint:    "expected: IP-CIDR,CIDR[,no-resolve]",
		}
	}
	if err := validateCIDR(typ, parts[1]); err != nil {
		return model.Rule{}, &RuleError{
			Code:    "RULE_PARSE_ERROR",
			Message: fmt.Sprintf("%s value is not a valid CIDR", typ),
			Hint:    "example: 1.2.3.4/32",
			Cause:   err,
		}
	}
	return model.Rule{Type: typ, Value: parts[1], NoResolve: len(parts) == 3}, nil
}

func validateCIDR(typ, s string) error {
	ip, _, err := net.ParseCIDR(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	if typ == "IP-CIDR" && ip.To4() == nil {
		return errors.New("not an ipv4 cidr")
	}
	if typ == "IP-CIDR6" && ip.To4() != nil {
		return errors.New("not an ipv6 cidr")
	}
	return nil
}

// Format renders r in Clash rule-line form.
func Format(r model.Rule) string {
	var b strings.Builder
	b.WriteString(r.Type)
	if r.Type != "MATCH" && r.Type != "FINAL" {
		b.WriteByte(',')
		b.WriteString(r.Value)
	}
	b.WriteByte(',')
	b.WriteString(r.Action)
	if r.NoResolve {
		b.WriteString(",no-resolve")
	}
	for _, opt := range r.Options {
		b.WriteByte(',')
		b.WriteString(opt)
	}
	return b.String()
}

// splitTopLevel splits on commas that are not nested inside parentheses.
func splitTopLevel(line string) []string {
	parts := make([]string, 0, 4)
	depth, start := 0, 0
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(line[start:i]))
				start = i + 1
			}
		}
	}
	return append(parts, strings.TrimSpace(line[start:]))
}

func trailingOptions(parts []string) []string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
