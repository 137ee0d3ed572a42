// Package scope selects which endpoints a run analyzes.
package scope

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/PentesterFlow/StatsProbe/internal/errors"
)

// Rules defines endpoint selection rules. Patterns match endpoint names.
type Rules struct {
	IncludePatterns []string `json:"include" yaml:"include"`
	ExcludePatterns []string `json:"exclude" yaml:"exclude"`
}

// Checker validates endpoint names against selection rules.
type Checker struct {
	mu             sync.RWMutex
	includeRegexps []*regexp.Regexp
	excludeRegexps []*regexp.Regexp
}

// NewChecker creates a new scope checker.
func NewChecker(rules Rules) (*Checker, error) {
	c := &Checker{}
	for _, pattern := range rules.IncludePatterns {
		if err := c.AddIncludePattern(pattern); err != nil {
			return nil, err
		}
	}
	for _, pattern := range rules.ExcludePatterns {
		if err := c.AddExcludePattern(pattern); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// IsInScope reports whether endpoint passes the rules. Exclude patterns win
// over include patterns; with no include patterns everything is included.
func (c *Checker) IsInScope(endpoint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, re := range c.excludeRegexps {
		if re.MatchString(endpoint) {
			return false
		}
	}

	if len(c.includeRegexps) == 0 {
		return true
	}
	for _, re := range c.includeRegexps {
		if re.MatchString(endpoint) {
			return true
		}
	}
	return false
}

// AddIncludePattern adds an include pattern.
func (c *Checker) AddIncludePattern(pattern string) error {
	re, err := compile("include", pattern)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.includeRegexps = append(c.includeRegexps, re)
	return nil
}

// AddExcludePattern adds an exclude pattern.
func (c *Checker) AddExcludePattern(pattern string) error {
	re, err := compile("exclude", pattern)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.excludeRegexps = append(c.excludeRegexps, re)
	return nil
}

func compile(kind, pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.NewConfigError("scope."+kind, fmt.Sprintf("invalid pattern %q", pattern), err)
	}
	return re, nil
}

// Filter returns the endpoints in scope, in input order. Blank names are
// dropped and so are repeats; names differing only in case are repeats since
// the API path is case-insensitive.
func (c *Checker) Filter(endpoints []string) []string {
	seen := make(map[string]struct{}, len(endpoints))
	out := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		key := NormalizeEndpoint(e)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if c.IsInScope(e) {
			out = append(out, e)
		}
	}
	return out
}

// NormalizeEndpoint returns the key used to detect repeated endpoint names.
func NormalizeEndpoint(endpoint string) string {
	return strings.ToLower(strings.TrimSpace(endpoint))
}
