// Package moderation screens message bodies before they are routed. A Filter
// runs an ordered set of pattern rules; the first rule that matches rejects
// the body.
package moderation

import (
	"fmt"
	"strings"
)

// Result is the outcome of Check. The zero value accepts the body.
type Result struct {
	Rejected bool
	Rule     string // name of the matching rule
	Reason   string // safe to show the sender
}

// Filter applies rules in order. A nil *Filter accepts everything.
type Filter struct {
	rules []rule
}

// NewFilter enables the named rules, in the given order. With no names every
// known rule is enabled. An unknown name is an error.
func NewFilter(names ...string) (*Filter, error) {
	if len(names) == 0 {
		return &Filter{rules: append([]rule(nil), allRules...)}, nil
	}

	f := &Filter{}
	seen := make(map[string]bool)
	for _, name := range names {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" || seen[name] {
			continue
		}
		r, ok := ruleByName(name)
		if !ok {
			return nil, fmt.Errorf("moderation: unknown rule %q", name)
		}
		seen[name] = true
		f.rules = append(f.rules, r)
	}
	return f, nil
}

// ParseRules splits a comma-separated rule list such as "url,char_flood".
// "all" enables every rule; an empty string yields nil (filtering off).
func ParseRules(s string) (*Filter, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "off", "none":
		return nil, nil
	case "all":
		return NewFilter()
	}
	return NewFilter(strings.Split(s, ",")...)
}

// Check runs the rules against body.
func (f *Filter) Check(body string) Result {
	if f == nil {
		return Result{}
	}
	for _, r := range f.rules {
		if r.match(body) {
			return Result{Rejected: true, Rule: r.name, Reason: r.reason}
		}
	}
	return Result{}
}

// Rules lists the enabled rule names in evaluation order.
func (f *Filter) Rules() []string {
	if f == nil {
		return nil
	}
	names := make([]string, len(f.rules))
	for i, r := range f.rules {
		names[i] = r.name
	}
	return names
}
