// Package docs renders analysis records into per-endpoint markdown pages.
package docs

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/PentesterFlow/StatsProbe/internal/errors"
	"github.com/PentesterFlow/StatsProbe/internal/logger"
	"github.com/PentesterFlow/StatsProbe/internal/mapping"
	"github.com/PentesterFlow/StatsProbe/internal/state"
	"github.com/PentesterFlow/StatsProbe/internal/stats"
)

//go:embed endpoint.md.tmpl
var endpointTemplate string

const patternCacheSize = 256

// Page is one rendered endpoint document.
type Page struct {
	Endpoint string
	FileName string
	Content  string
	Warnings []string
}

// Generator renders endpoint documentation.
type Generator struct {
	tables   *mapping.Tables
	baseURL  string
	log      *logger.Logger
	patterns *lru.Cache[string, *regexp.Regexp]
	tmpl     *template.Template
}

// Option configures a Generator.
type Option func(*Generator)

// WithBaseURL sets the API base URL shown in the pages.
func WithBaseURL(u string) Option {
	return func(g *Generator) { g.baseURL = strings.TrimRight(u, "/") }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(g *Generator) { g.log = l.WithComponent("docs") }
}

// New creates a generator.
func New(tables *mapping.Tables, opts ...Option) (*Generator, error) {
	cache, err := lru.New[string, *regexp.Regexp](patternCacheSize)
	if err != nil {
		return nil, err
	}
	tmpl, err := template.New("endpoint").Parse(endpointTemplate)
	if err != nil {
		return nil, errors.NewConfigError("endpoint.md.tmpl", "failed to parse template", err)
	}

	g := &Generator{
		tables:   tables,
		baseURL:  stats.DefaultBaseURL,
		log:      logger.Nop(),
		patterns: cache,
		tmpl:     tmpl,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

type parameterRow struct {
	Name     string
	Variant  string
	Default  string
	Pattern  string
	Required string
	Nullable string
}

type patternRow struct {
	Name    string
	Pattern string
}

type dataSetSection struct {
	Name     string
	Accessor string
	Columns  string
}

type pageData struct {
	Endpoint   string
	URL        string
	ValidURL   string
	Parameters []parameterRow
	Patterns   []patternRow
	DataSets   []dataSetSection
	JSON       string
	Date       string
}

// render accumulates the warnings of one page.
type render struct {
	warnings []string
}

func (r *render) warn(format string, args ...interface{}) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

// Render builds the page for a record. Deprecated records have no page.
func (g *Generator) Render(rec *state.EndpointAnalysis) (*Page, error) {
	if rec == nil || rec.Status == state.StatusDeprecated {
		return nil, fmt.Errorf("no documentation for deprecated endpoint")
	}
	rec = rec.Normalized()
	r := &render{}

	lower := strings.ToLower(rec.Endpoint)
	endpointURL := g.baseURL + "/" + lower

	query := g.queryValues(r, rec)
	g.checkDefaults(r, rec, query)

	jsonText, err := indentRecord(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", rec.Endpoint, err)
	}

	data := pageData{
		Endpoint:   rec.Endpoint,
		URL:        endpointURL,
		ValidURL:   endpointURL + "?" + query.Encode(),
		Parameters: g.parameterRows(r, rec),
		Patterns:   patternRows(rec),
		DataSets:   dataSetSections(rec.DataSets),
		JSON:       jsonText,
		Date:       rec.LastValidatedDate,
	}

	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", rec.Endpoint, err)
	}

	for _, w := range r.warnings {
		g.log.WithEndpoint(rec.Endpoint).Warn(w)
	}
	return &Page{
		Endpoint: rec.Endpoint,
		FileName: lower + ".md",
		Content:  buf.String(),
		Warnings: r.warnings,
	}, nil
}

// QueryString returns the query string of a request the endpoint accepts.
func (g *Generator) QueryString(rec *state.EndpointAnalysis) string {
	r := &render{}
	return g.queryValues(r, rec.Normalized()).Encode()
}

// queryValues picks, per parameter, '' when nullable, the valid-response
// default when one exists, or the value of the variant its pattern maps to.
func (g *Generator) queryValues(r *render, rec *state.EndpointAnalysis) url.Values {
	q := url.Values{}
	for _, name := range rec.Parameters {
		if rec.IsNullable(name) {
			q.Set(name, "")
			continue
		}
		if v, ok := g.tables.ValidResponseDefault(name); ok {
			q.Set(name, v)
			continue
		}
		value, _, _ := g.variantValue(r, name, rec.Pattern(name), false)
		q.Set(name, value)
	}
	return q
}

// variantValue looks up the variant documented for a parameter's pattern in
// the nullable or non-nullable table.
func (g *Generator) variantValue(r *render, name, pattern string, nullable bool) (value, variant string, ok bool) {
	entry, found := g.tables.Parameter(name)
	if !found {
		r.warn("parameter %s is not in the parameter map", name)
		return "", "", false
	}
	table := entry.NonNullable
	if nullable {
		table = entry.Nullable
	}
	variant, found = table[pattern]
	if !found {
		r.warn("parameter %s has no variant for pattern %q", name, pattern)
		return "", "", false
	}
	v, found := g.tables.Variation(variant)
	if !found {
		r.warn("variant %s is not in the parameter variations", variant)
		return "", variant, false
	}
	return v.ParameterValue, variant, true
}

// parameterRows lists non-nullable parameters alphabetically, then nullable
// ones in reverse alphabetical order.
func (g *Generator) parameterRows(r *render, rec *state.EndpointAnalysis) []parameterRow {
	var fixed, nullable []parameterRow
	for i := len(rec.Parameters) - 1; i >= 0; i-- {
		name := rec.Parameters[i]
		isNullable := rec.IsNullable(name)
		value, variant, _ := g.variantValue(r, name, rec.Pattern(name), isNullable)

		row := parameterRow{
			Name:    name,
			Variant: SnakeCase(variant),
			Default: value,
			Pattern: markdownPattern(rec.Pattern(name)),
		}
		if rec.IsRequired(name) {
			row.Required = "`Y`"
		}
		if isNullable {
			row.Nullable = "`Y`"
			nullable = append(nullable, row)
		} else {
			fixed = append([]parameterRow{row}, fixed...)
		}
	}
	return append(fixed, nullable...)
}

func patternRows(rec *state.EndpointAnalysis) []patternRow {
	var fixed, nullable []patternRow
	for i := len(rec.Parameters) - 1; i >= 0; i-- {
		name := rec.Parameters[i]
		p := rec.Pattern(name)
		if p == "" {
			continue
		}
		row := patternRow{Name: name, Pattern: markdownPattern(p)}
		if rec.IsNullable(name) {
			nullable = append(nullable, row)
		} else {
			fixed = append([]patternRow{row}, fixed...)
		}
	}
	return append(fixed, nullable...)
}

func markdownPattern(p string) string {
	if p == "" {
		return ""
	}
	return "`" + strings.ReplaceAll(p, "|", `\|`) + "`"
}

func dataSetSections(sets map[string][]string) []dataSetSection {
	names := make([]string, 0, len(sets))
	for name := range sets {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]dataSetSection, 0, len(names))
	for _, name := range names {
		cols, _ := json.Marshal(sets[name])
		out = append(out, dataSetSection{
			Name:     name,
			Accessor: SnakeCase(name),
			Columns:  string(cols),
		})
	}
	return out
}

// checkDefaults warns when a documented value fails the pattern the API reported for it.
func (g *Generator) checkDefaults(r *render, rec *state.EndpointAnalysis, query url.Values) {
	for _, name := range rec.Parameters {
		p := rec.Pattern(name)
		if p == "" {
			continue
		}
		re, err := g.compile(p)
		if err != nil {
			r.warn("pattern for %s does not compile: %v", name, err)
			continue
		}
		if v := query.Get(name); !re.MatchString(v) {
			r.warn("documented value %q for %s does not match %s", v, name, p)
		}
	}
}

func (g *Generator) compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := g.patterns.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	g.patterns.Add(pattern, re)
	return re, nil
}

func indentRecord(rec *state.EndpointAnalysis) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(rec); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}

// WriteAll writes one page per success record into dir and returns the pages
// in endpoint order.
func (g *Generator) WriteAll(dir string, records state.Records) ([]*Page, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create docs dir: %w", err)
	}

	var pages []*Page
	for _, name := range records.Names() {
		rec := records[name]
		if rec.Status != state.StatusSuccess {
			continue
		}
		page, err := g.Render(rec)
		if err != nil {
			return pages, err
		}
		if err := os.WriteFile(filepath.Join(dir, page.FileName), []byte(page.Content), 0o644); err != nil {
			return pages, fmt.Errorf("write %s: %w", page.FileName, err)
		}
		pages = append(pages, page)
	}

	g.log.Infof("Wrote %d endpoint pages to %s", len(pages), dir)
	return pages, nil
}
