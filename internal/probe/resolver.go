package probe

import (
	"fmt"

	"github.com/PentesterFlow/StatsProbe/internal/mapping"
)

// Filler values used when the static tables cannot supply a sample.
const (
	FillerValue      = "0"
	FillerErrorValue = "a"
)

// Sample is the value pair the protocol submits for one parameter.
type Sample struct {
	Valid    string
	Invalid  string
	Variant  string
	Pattern  *string // pattern of the chosen parameter map entry; nil when none
	Resolved bool
}

func filler() Sample {
	return Sample{Valid: FillerValue, Invalid: FillerErrorValue}
}

// Resolver turns parameter names and observed patterns into sample values.
// Lookups the tables cannot answer go to the todo log.
type Resolver struct {
	tables *mapping.Tables
	todo   *TodoLog
}

// NewResolver creates a resolver.
func NewResolver(tables *mapping.Tables, todo *TodoLog) *Resolver {
	return &Resolver{tables: tables, todo: todo}
}

// Resolve picks the representative variant for param.
func (r *Resolver) Resolve(endpoint, param, reason string) Sample {
	entry, ok := r.tables.Parameter(param)
	if !ok {
		r.todo.Add(endpoint, param, KindParameterMap, reason)
		return filler()
	}
	pattern, variant, ok := entry.Representative()
	if !ok {
		r.todo.Add(endpoint, param, KindParameterMap, reason)
		return filler()
	}
	return r.variation(endpoint, param, variant, patternPtr(pattern))
}

// ResolvePattern picks the variant matching an observed pattern.
func (r *Resolver) ResolvePattern(endpoint, param string, pattern *string) Sample {
	key := mapping.NoPattern
	if pattern != nil {
		key = *pattern
	}

	entry, ok := r.tables.Parameter(param)
	if !ok {
		r.todo.Add(endpoint, param, KindParameterMap, fmt.Sprintf("parameter pattern: %s", key))
		return filler()
	}
	variant, _, ok := entry.Lookup(key)
	if !ok {
		r.todo.Add(endpoint, param, KindParameterMap, fmt.Sprintf("parameter pattern: %s", key))
		return filler()
	}
	return r.variation(endpoint, param, variant, pattern)
}

func (r *Resolver) variation(endpoint, param, variant string, pattern *string) Sample {
	v, ok := r.tables.Variation(variant)
	if !ok {
		r.todo.Add(endpoint, param, KindParameterVariations, fmt.Sprintf("variant: %s", variant))
		return filler()
	}
	return Sample{
		Valid:    v.ParameterValue,
		Invalid:  v.ParameterErrorValue,
		Variant:  variant,
		Pattern:  pattern,
		Resolved: true,
	}
}

func patternPtr(p string) *string {
	if p == mapping.NoPattern {
		return nil
	}
	return &p
}

func samePattern(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
