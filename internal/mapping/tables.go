// Package mapping holds the static lookup tables the prober consults: endpoint
// overrides, the parameter map, parameter variations and the endpoint lists.
// Tables are loaded once and never mutated afterwards.
package mapping

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/PentesterFlow/StatsProbe/internal/errors"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultTables []byte

// NoPattern is the parameter map key used when the API reported no pattern.
const NoPattern = ""

// Variation is a canonical parameter variant's valid and invalid sample.
type Variation struct {
	ParameterValue      string `yaml:"parameter_value"`
	ParameterErrorValue string `yaml:"parameter_error_value"`
}

// ParameterEntry maps observed patterns to variant keys.
type ParameterEntry struct {
	NonNullable map[string]string `yaml:"non-nullable"`
	Nullable    map[string]string `yaml:"nullable"`
}

// Representative returns the single variant the protocol uses when no pattern is
// known yet. The non-nullable table wins when it has entries. Within a table the
// no-pattern key is preferred, then the lexically smallest pattern.
func (p ParameterEntry) Representative() (pattern, variant string, ok bool) {
	table := p.NonNullable
	if len(table) == 0 {
		table = p.Nullable
	}
	if len(table) == 0 {
		return "", "", false
	}
	if v, ok := table[NoPattern]; ok {
		return NoPattern, v, true
	}
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys[0], table[keys[0]], true
}

// Lookup finds the variant for an observed pattern, non-nullable first.
func (p ParameterEntry) Lookup(pattern string) (variant string, nullable bool, ok bool) {
	if v, ok := p.NonNullable[pattern]; ok {
		return v, false, true
	}
	if v, ok := p.Nullable[pattern]; ok {
		return v, true, true
	}
	return "", false, false
}

type tableFile struct {
	Overrides             map[string]map[string]string `yaml:"overrides"`
	Parameters            map[string]ParameterEntry    `yaml:"parameters"`
	Variations            map[string]Variation         `yaml:"variations"`
	NullabilitySkip       []string                     `yaml:"nullability_skip"`
	NonNullable           []string                     `yaml:"non_nullable"`
	Endpoints             []string                     `yaml:"endpoints"`
	ValidResponseDefaults map[string]string            `yaml:"valid_response_defaults"`
}

// Tables is the read-only view of all static tables.
type Tables struct {
	overrides             map[string]map[string]string
	parameters            map[string]ParameterEntry
	variations            map[string]Variation
	nullabilitySkip       map[string]bool
	nonNullable           map[string]bool
	endpoints             []string
	knownEndpoints        map[string]bool
	spellings             map[string]string
	validResponseDefaults map[string]string
}

// Default returns the embedded tables.
func Default() (*Tables, error) {
	return Parse(defaultTables)
}

// Parse builds tables from YAML.
func Parse(data []byte) (*Tables, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.NewConfigError("tables", "failed to parse tables", err)
	}
	t := newTables()
	t.merge(&f)
	return t, nil
}

// Load returns the embedded tables with the operator file at path layered on top.
// An empty path yields the embedded tables.
func Load(path string) (*Tables, error) {
	t, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return t, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewConfigError(path, "failed to read tables", err)
	}
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.NewConfigError(path, "failed to parse tables", err)
	}
	t.merge(&f)
	return t, nil
}

func newTables() *Tables {
	return &Tables{
		overrides:             make(map[string]map[string]string),
		parameters:            make(map[string]ParameterEntry),
		variations:            make(map[string]Variation),
		nullabilitySkip:       make(map[string]bool),
		nonNullable:           make(map[string]bool),
		knownEndpoints:        make(map[string]bool),
		spellings:             make(map[string]string),
		validResponseDefaults: make(map[string]string),
	}
}

// merge layers f over t; entries in f replace entries in t key by key.
func (t *Tables) merge(f *tableFile) {
	for endpoint, params := range f.Overrides {
		cp := make(map[string]string, len(params))
		for k, v := range params {
			cp[k] = v
		}
		t.overrides[endpoint] = cp
		if _, ok := t.spellings[strings.ToLower(endpoint)]; !ok {
			t.spellings[strings.ToLower(endpoint)] = endpoint
		}
	}
	for name, entry := range f.Parameters {
		t.parameters[name] = ParameterEntry{
			NonNullable: copyMap(entry.NonNullable),
			Nullable:    copyMap(entry.Nullable),
		}
	}
	for key, v := range f.Variations {
		t.variations[key] = v
	}
	for _, e := range f.NullabilitySkip {
		t.nullabilitySkip[strings.ToLower(e)] = true
	}
	for _, p := range f.NonNullable {
		t.nonNullable[p] = true
	}
	for _, e := range f.Endpoints {
		if !t.knownEndpoints[e] {
			t.knownEndpoints[e] = true
			t.endpoints = append(t.endpoints, e)
		}
		t.spellings[strings.ToLower(e)] = e
	}
	for k, v := range f.ValidResponseDefaults {
		t.validResponseDefaults[k] = v
	}
}

func copyMap(m map[string]string) map[string]string {
	cp := make(map[string]string, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// Overrides returns a copy of the forced parameters for endpoint, or nil.
func (t *Tables) Overrides(endpoint string) map[string]string {
	params, ok := t.overrides[endpoint]
	if !ok {
		return nil
	}
	return copyMap(params)
}

// OverrideNames returns the endpoint's override parameter names, sorted.
func (t *Tables) OverrideNames(endpoint string) []string {
	params := t.overrides[endpoint]
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IsOverridden reports whether the override table lists param for endpoint.
func (t *Tables) IsOverridden(endpoint, param string) bool {
	_, ok := t.overrides[endpoint][param]
	return ok
}

// IsPinned reports whether the override table forces a value for param. Empty
// and zero values are placeholders, not pins.
func (t *Tables) IsPinned(endpoint, param string) bool {
	v := t.overrides[endpoint][param]
	return v != "" && v != "0"
}

// Parameter returns the parameter map entry for name.
func (t *Tables) Parameter(name string) (ParameterEntry, bool) {
	e, ok := t.parameters[name]
	return e, ok
}

// Variation returns the samples for a variant key.
func (t *Tables) Variation(key string) (Variation, bool) {
	v, ok := t.variations[key]
	return v, ok
}

// SkipsNullability reports whether endpoint is excluded from nullability probing.
func (t *Tables) SkipsNullability(endpoint string) bool {
	return t.nullabilitySkip[strings.ToLower(endpoint)]
}

// IsNonNullable reports whether param is never probed with an empty value.
func (t *Tables) IsNonNullable(param string) bool {
	return t.nonNullable[param]
}

// IsKnownEndpoint reports whether endpoint is on the known list.
func (t *Tables) IsKnownEndpoint(endpoint string) bool {
	return t.knownEndpoints[endpoint]
}

// Canonical returns the tables' spelling of endpoint, matched without regard to
// case. The known list wins over override keys; unknown names are returned
// trimmed but otherwise unchanged.
func (t *Tables) Canonical(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if name, ok := t.spellings[strings.ToLower(endpoint)]; ok {
		return name
	}
	return endpoint
}

// Endpoints returns the known endpoints in table order.
func (t *Tables) Endpoints() []string {
	out := make([]string, len(t.endpoints))
	copy(out, t.endpoints)
	return out
}

// ValidResponseDefault returns the value documentation uses for param in a
// known-good request.
func (t *Tables) ValidResponseDefault(param string) (string, bool) {
	v, ok := t.validResponseDefaults[param]
	return v, ok
}

// Validate checks that every variant the parameter map references exists.
func (t *Tables) Validate() error {
	var missing []string
	for name, entry := range t.parameters {
		for _, table := range []map[string]string{entry.NonNullable, entry.Nullable} {
			for _, variant := range table {
				if _, ok := t.variations[variant]; !ok {
					missing = append(missing, fmt.Sprintf("%s->%s", name, variant))
				}
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.NewConfigError("tables", "unknown variations: "+strings.Join(missing, ", "), nil)
	}
	return nil
}
