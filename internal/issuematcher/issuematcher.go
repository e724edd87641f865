// Package issuematcher implements YAML-configured regex matchers that turn
// step output lines into structured problem-matcher annotations.
package issuematcher

import (
	"fmt"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// Pattern is one regex stage of a Matcher. Multi-pattern matchers (one
// regex per source line, chained) are not needed by anything in this
// runner yet, so each Matcher carries exactly one Pattern.
type Pattern struct {
	Regexp   string `yaml:"regexp"`
	Severity string `yaml:"severity"`
	File     int    `yaml:"file"`
	Line     int    `yaml:"line"`
	Column   int    `yaml:"column"`
	Message  int    `yaml:"message"`
}

// Matcher is one owner-tagged problem matcher.
type Matcher struct {
	Owner   string  `yaml:"owner"`
	Pattern Pattern `yaml:"pattern"`

	compiled *regexp.Regexp
}

// Config is the top-level YAML document format for a problem-matcher
// file: `problemMatcher: [...]`.
type Config struct {
	ProblemMatcher []Matcher `yaml:"problemMatcher"`
}

// Match is an extracted issue from a matched line.
type Match struct {
	Owner    string
	Severity string
	File     string
	Line     string
	Column   string
	Message  string
}

// Registry holds the active set of matchers for a job, keyed by owner so
// RemoveMatcher is idempotent.
type Registry struct {
	mu       sync.RWMutex
	matchers []*Matcher
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// ParseConfig parses a problem-matcher YAML document and compiles its
// regexes.
func ParseConfig(data []byte) ([]*Matcher, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("issuematcher: parse config: %w", err)
	}

	matchers := make([]*Matcher, 0, len(cfg.ProblemMatcher))
	for i := range cfg.ProblemMatcher {
		m := &cfg.ProblemMatcher[i]
		re, err := regexp.Compile(m.Pattern.Regexp)
		if err != nil {
			return nil, fmt.Errorf("issuematcher: owner %q: %w", m.Owner, err)
		}
		m.compiled = re
		matchers = append(matchers, m)
	}
	return matchers, nil
}

// Add registers a matcher. A matcher with the same owner as an existing
// one replaces it.
func (r *Registry) Add(m *Matcher) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.matchers {
		if existing.Owner == m.Owner {
			r.matchers[i] = m
			return
		}
	}
	r.matchers = append(r.matchers, m)
}

// RemoveMatcher removes the matcher registered under owner. Idempotent:
// removing an owner that isn't registered is a no-op.
func (r *Registry) RemoveMatcher(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.matchers[:0]
	for _, m := range r.matchers {
		if m.Owner != owner {
			out = append(out, m)
		}
	}
	r.matchers = out
}

// TryMatch runs every registered matcher against line in registration
// order and returns the first match.
func (r *Registry) TryMatch(line string) (Match, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.matchers {
		if match, ok := m.tryMatch(line); ok {
			return match, true
		}
	}
	return Match{}, false
}

func (m *Matcher) tryMatch(line string) (Match, bool) {
	if m.compiled == nil {
		return Match{}, false
	}
	groups := m.compiled.FindStringSubmatch(line)
	if groups == nil {
		return Match{}, false
	}

	get := func(idx int) string {
		if idx <= 0 || idx >= len(groups) {
			return ""
		}
		return groups[idx]
	}

	return Match{
		Owner:    m.Owner,
		Severity: m.Pattern.Severity,
		File:     get(m.Pattern.File),
		Line:     get(m.Pattern.Line),
		Column:   get(m.Pattern.Column),
		Message:  get(m.Pattern.Message),
	}, true
}
