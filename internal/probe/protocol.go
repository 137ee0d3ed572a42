// Package probe infers an undocumented API's parameter contract by sending
// deliberately incomplete and malformed requests and parsing the error text.
package probe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/PentesterFlow/StatsProbe/internal/errors"
	"github.com/PentesterFlow/StatsProbe/internal/logger"
	"github.com/PentesterFlow/StatsProbe/internal/mapping"
	"github.com/PentesterFlow/StatsProbe/internal/metrics"
	"github.com/PentesterFlow/StatsProbe/internal/ratelimit"
	"github.com/PentesterFlow/StatsProbe/internal/state"
	"github.com/PentesterFlow/StatsProbe/internal/stats"
)

// DateFormat is the layout of last_validated_date.
const DateFormat = "2006-01-02"

// Probe numbers.
const (
	ProbeRequired = iota + 1
	ProbeMinimal
	ProbeNullable
	ProbeInvalid
)

// Sender sends one API request. Only transport failures are errors.
type Sender interface {
	Send(ctx context.Context, endpoint string, params map[string]string) (*stats.Response, error)
}

// Protocol runs the four-probe analysis of a single endpoint.
type Protocol struct {
	sender  Sender
	tables  *mapping.Tables
	pacer   *ratelimit.Pacer
	log     *logger.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

// ProtocolOption configures a Protocol.
type ProtocolOption func(*Protocol)

// WithPacer sets the pause between probes.
func WithPacer(p *ratelimit.Pacer) ProtocolOption {
	return func(pr *Protocol) { pr.pacer = p }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) ProtocolOption {
	return func(pr *Protocol) { pr.log = l.WithComponent("probe") }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) ProtocolOption {
	return func(pr *Protocol) { pr.metrics = m }
}

// WithClock sets the clock used for last_validated_date.
func WithClock(now func() time.Time) ProtocolOption {
	return func(pr *Protocol) { pr.now = now }
}

// NewProtocol creates a protocol runner.
func NewProtocol(sender Sender, tables *mapping.Tables, opts ...ProtocolOption) *Protocol {
	p := &Protocol{
		sender:  sender,
		tables:  tables,
		pacer:   ratelimit.NewPacer(time.Second),
		log:     logger.Nop(),
		metrics: metrics.New(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// analysis is the working state of one endpoint run.
type analysis struct {
	endpoint string
	status   state.Status
	resolver *Resolver
	log      *logger.Logger
}

// downgrade marks the endpoint invalid. Every reason is logged; the status
// only ever moves from success to invalid.
func (a *analysis) downgrade(probe int, reason string) {
	a.log.ProbeEvent(logger.WarnLevel, a.endpoint, probe).
		Str("previous_status", string(a.status)).
		Msg("Status downgraded to invalid: " + reason)
	a.status = state.StatusInvalid
}

// Analyze probes endpoint and returns its record. Unresolved table lookups are
// written to todo and downgrade the status; grammar mismatches, nullability
// violations and transport failures are returned as errors.
func (p *Protocol) Analyze(ctx context.Context, endpoint string, todo *TodoLog) (*state.EndpointAnalysis, error) {
	a := &analysis{
		endpoint: endpoint,
		status:   state.StatusSuccess,
		resolver: NewResolver(p.tables, todo),
		log:      p.log,
	}
	today := p.now().Format(DateFormat)

	// Probe 1: required-parameter discovery.
	required, samples, deprecated, err := p.requiredParameters(ctx, a)
	if err != nil {
		return nil, err
	}
	if err := p.pacer.Pause(ctx); err != nil {
		return nil, errors.NewCancelledError(endpoint, "pause")
	}
	if deprecated {
		return &state.EndpointAnalysis{
			Endpoint:          endpoint,
			Status:            state.StatusDeprecated,
			LastValidatedDate: today,
		}, nil
	}

	// Probe 2: minimal-requirements confirmation.
	minimal, err := p.minimalRequirements(ctx, a, required, samples)
	if err != nil {
		return nil, err
	}
	if err := p.pacer.Pause(ctx); err != nil {
		return nil, errors.NewCancelledError(endpoint, "pause")
	}

	// Probe 3: nullability confirmation.
	nullable := minimal.nullable
	confirmed, err := p.nullableParameters(ctx, a, minimal.parameters)
	if err != nil {
		return nil, err
	}
	for name := range confirmed {
		nullable[name] = true
	}
	if err := p.pacer.Pause(ctx); err != nil {
		return nil, errors.NewCancelledError(endpoint, "pause")
	}

	// Probe 4: pattern extraction.
	patterns, err := p.invalidValues(ctx, a, minimal.errorValues)
	if err != nil {
		return nil, err
	}
	if len(patterns) != len(minimal.parameters) {
		a.downgrade(ProbeInvalid, fmt.Sprintf("%d patterns for %d parameters", len(patterns), len(minimal.parameters)))
	}
	for name := range patterns {
		if !minimal.parameters[name] {
			delete(patterns, name)
		}
	}

	nullableList := make([]string, 0, len(nullable))
	for name := range nullable {
		if minimal.parameters[name] {
			nullableList = append(nullableList, name)
		}
	}

	rec := &state.EndpointAnalysis{
		Endpoint:           endpoint,
		Status:             a.status,
		Parameters:         setToSorted(minimal.parameters),
		RequiredParameters: sortedCopy(required),
		NullableParameters: sortedCopy(nullableList),
		ParameterPatterns:  map[string]*string(patterns),
		DataSets:           minimal.dataSets,
		LastValidatedDate:  today,
	}
	return rec, nil
}

func (p *Protocol) send(ctx context.Context, endpoint string, probe int, params map[string]string) (*stats.Response, error) {
	p.metrics.RecordProbe()
	p.log.ProbeEvent(logger.DebugLevel, endpoint, probe).Int("parameters", len(params)).Msg("Sending probe")

	resp, err := p.sender.Send(ctx, endpoint, params)
	if err != nil {
		return nil, fmt.Errorf("probe %d: %w", probe, err)
	}
	return resp, nil
}

// requiredParameters sends the endpoint with no parameters and resolves a
// valid sample for every parameter the error names, plus the override table's.
func (p *Protocol) requiredParameters(ctx context.Context, a *analysis) ([]string, map[string]Sample, bool, error) {
	resp, err := p.send(ctx, a.endpoint, ProbeRequired, map[string]string{})
	if err != nil {
		return nil, nil, false, err
	}

	if resp.IsNotFoundPage() {
		p.log.ProbeEvent(logger.InfoLevel, a.endpoint, ProbeRequired).Str("title", resp.Title()).Msg("Endpoint is deprecated")
		return nil, nil, true, nil
	}

	required, err := RequiredParameters(a.endpoint, resp)
	if err != nil {
		return nil, nil, false, fmt.Errorf("probe %d: %w", ProbeRequired, err)
	}

	seen := make(map[string]bool, len(required))
	for _, name := range required {
		seen[name] = true
	}
	for _, name := range p.tables.OverrideNames(a.endpoint) {
		if !seen[name] {
			seen[name] = true
			required = append(required, name)
		}
	}

	samples := make(map[string]Sample, len(required))
	for _, name := range required {
		s := a.resolver.Resolve(a.endpoint, name, "Required parameter")
		if !s.Resolved {
			a.downgrade(ProbeRequired, fmt.Sprintf("required parameter %s not in parameter map", name))
		}
		samples[name] = s
	}

	p.log.ProbeEvent(logger.DebugLevel, a.endpoint, ProbeRequired).Strs("required", required).Msg("Required parameters found")
	return required, samples, false, nil
}

type minimalResult struct {
	parameters  map[string]bool
	dataSets    map[string][]string
	errorValues map[string]string
	nullable    map[string]bool
}

// minimalRequirements submits the resolved valid values, retrying once with
// pattern-guided values when the API rejects them.
func (p *Protocol) minimalRequirements(ctx context.Context, a *analysis, required []string, samples map[string]Sample) (*minimalResult, error) {
	params := make(map[string]string, len(samples))
	for name, s := range samples {
		params[name] = s.Valid
	}
	for name, value := range p.tables.Overrides(a.endpoint) {
		params[name] = value
	}

	resp, err := p.send(ctx, a.endpoint, ProbeMinimal, params)
	if err != nil {
		return nil, err
	}

	if !resp.ValidJSON() {
		observed, err := ParameterPatterns(a.endpoint, resp)
		if err != nil {
			return nil, fmt.Errorf("probe %d: %w", ProbeMinimal, err)
		}

		for _, name := range sortedKeys(params) {
			pattern, ok := observed[name]
			if !ok {
				continue
			}
			if s, known := samples[name]; known && s.Resolved && samePattern(s.Pattern, pattern) {
				continue
			}
			s := a.resolver.ResolvePattern(a.endpoint, name, pattern)
			if !s.Resolved {
				a.downgrade(ProbeMinimal, fmt.Sprintf("no sample for %s with observed pattern", name))
				continue
			}
			params[name] = s.Valid
		}

		if err := p.pacer.Pause(ctx); err != nil {
			return nil, errors.NewCancelledError(a.endpoint, "pause")
		}
		resp, err = p.send(ctx, a.endpoint, ProbeMinimal, params)
		if err != nil {
			return nil, err
		}
	}

	result := &minimalResult{
		parameters:  make(map[string]bool),
		dataSets:    map[string][]string{},
		errorValues: make(map[string]string),
		nullable:    make(map[string]bool),
	}
	for _, name := range required {
		result.parameters[name] = true
	}

	if resp.ValidJSON() {
		result.dataSets = resp.DataSetHeaders()
		for name := range resp.Parameters() {
			result.parameters[name] = true
		}
	} else {
		a.downgrade(ProbeMinimal, "failed to pass minimal values test")
	}

	for _, name := range setToSorted(result.parameters) {
		s := a.resolver.Resolve(a.endpoint, name, "")
		if !s.Resolved {
			a.downgrade(ProbeMinimal, fmt.Sprintf("parameter %s not in parameter map", name))
		}
		result.errorValues[name] = s.Invalid
	}

	p.addEchoedNullable(a.endpoint, resp, result.parameters, result.nullable)
	return result, nil
}

// addEchoedNullable marks parameters the response echoed as null or empty, and
// known parameters it did not echo at all unless the override table pins them.
func (p *Protocol) addEchoedNullable(endpoint string, resp *stats.Response, parameters, nullable map[string]bool) {
	echoed := resp.Parameters()
	if len(echoed) == 0 {
		return
	}
	for name, value := range echoed {
		if stats.IsEmptyValue(value) {
			nullable[name] = true
		}
	}
	for name := range parameters {
		if _, ok := echoed[name]; ok {
			continue
		}
		if p.tables.IsPinned(endpoint, name) {
			continue
		}
		nullable[name] = true
	}
}

// nullableParameters submits every probe-able parameter empty and returns
// those the API accepted that way.
func (p *Protocol) nullableParameters(ctx context.Context, a *analysis, parameters map[string]bool) (map[string]bool, error) {
	nullable := make(map[string]bool)
	if p.tables.SkipsNullability(a.endpoint) {
		p.log.ProbeEvent(logger.DebugLevel, a.endpoint, ProbeNullable).Msg("Nullability probe skipped")
		return nullable, nil
	}

	params := make(map[string]string)
	for name := range parameters {
		if p.tables.IsNonNullable(name) || p.tables.IsOverridden(a.endpoint, name) {
			continue
		}
		params[name] = ""
	}

	resp, err := p.send(ctx, a.endpoint, ProbeNullable, params)
	if err != nil {
		return nil, err
	}

	body := resp.Body()
	if strings.Contains(body, "An error has occurred.") || strings.Contains(body, "A value is required") {
		return nil, errors.NewNullabilityError(a.endpoint, "an empty parameter was rejected; a non-nullable value is failing")
	}

	required, err := RequiredParameters(a.endpoint, resp)
	if err != nil {
		return nil, fmt.Errorf("probe %d: %w", ProbeNullable, err)
	}
	stillRequired := make(map[string]bool, len(required))
	for _, name := range required {
		stillRequired[name] = true
	}
	for name := range params {
		if !stillRequired[name] {
			nullable[name] = true
		}
	}

	p.addEchoedNullable(a.endpoint, resp, parameters, nullable)
	return nullable, nil
}

// invalidValues submits the invalid samples and collects the pattern each
// parameter's error reports.
func (p *Protocol) invalidValues(ctx context.Context, a *analysis, errorValues map[string]string) (Facts, error) {
	resp, err := p.send(ctx, a.endpoint, ProbeInvalid, errorValues)
	if err != nil {
		return nil, err
	}

	patterns, err := ParameterPatterns(a.endpoint, resp)
	if err != nil {
		return nil, fmt.Errorf("probe %d: %w", ProbeInvalid, err)
	}
	for name := range errorValues {
		if _, ok := patterns[name]; !ok {
			patterns[name] = nil
		}
	}
	return patterns, nil
}

func setToSorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
