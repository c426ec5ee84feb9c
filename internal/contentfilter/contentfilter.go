// Package contentfilter screens prompts and completions against a configured
// pattern blocklist. Patterns are compiled once at construction; matching is
// read-only and safe for concurrent use.
package contentfilter

import (
	"fmt"
	"regexp"

	gateway "github.com/relaymux/relay/internal"
)

// Filter matches text against blocked-content patterns.
type Filter struct {
	enabled  bool
	patterns []*regexp.Regexp
}

// New compiles the blocked patterns. A disabled filter (enabled=false or no
// patterns) passes everything.
func New(enabled bool, patterns []string) (*Filter, error) {
	f := &Filter{enabled: enabled && len(patterns) > 0}
	if !f.enabled {
		return f, nil
	}
	f.patterns = make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile blocked pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Enabled reports whether any pattern is active.
func (f *Filter) Enabled() bool { return f.enabled }

// CheckRequest screens all message contents before a request leaves the
// gateway. Returns a ClassContentFiltered error on the first match.
func (f *Filter) CheckRequest(req *gateway.ChatRequest) error {
	if !f.enabled {
		return nil
	}
	for i := range req.Messages {
		if f.matches(req.Messages[i].Content) {
			return gateway.NewError(gateway.ClassContentFiltered, "request blocked by content filter")
		}
	}
	return nil
}

// CheckText screens a completion (or a streamed delta) on the way back to the
// caller.
func (f *Filter) CheckText(text string) error {
	if f.enabled && f.matches(text) {
		return gateway.NewError(gateway.ClassContentFiltered, "response blocked by content filter")
	}
	return nil
}

func (f *Filter) matches(text string) bool {
	if text == "" {
		return false
	}
	for _, re := range f.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
