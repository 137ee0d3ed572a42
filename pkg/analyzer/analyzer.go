// Package analyzer is the public entry point of StatsProbe. It wires the
// static tables, the stats client, the record store and the probe protocol
// into one Analyzer configured through functional options.
package analyzer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/PentesterFlow/StatsProbe/internal/docs"
	"github.com/PentesterFlow/StatsProbe/internal/errors"
	"github.com/PentesterFlow/StatsProbe/internal/logger"
	"github.com/PentesterFlow/StatsProbe/internal/mapping"
	"github.com/PentesterFlow/StatsProbe/internal/metrics"
	"github.com/PentesterFlow/StatsProbe/internal/output"
	"github.com/PentesterFlow/StatsProbe/internal/probe"
	"github.com/PentesterFlow/StatsProbe/internal/progress"
	"github.com/PentesterFlow/StatsProbe/internal/ratelimit"
	"github.com/PentesterFlow/StatsProbe/internal/scope"
	"github.com/PentesterFlow/StatsProbe/internal/state"
	"github.com/PentesterFlow/StatsProbe/internal/stats"
)

// Analyzer is the main endpoint analysis orchestrator.
type Analyzer struct {
	config  *Config
	tables  *mapping.Tables
	client  *stats.Client
	manager *state.Manager
	pacer   *ratelimit.Pacer
	scope   *scope.Checker
	logger  *logger.Logger
	metrics *metrics.Collector

	logOutput  io.Writer
	transport  http.RoundTripper
	now        func() time.Time
	onProgress func(done, total int, endpoint, outcome string)
	onResult   func(res probe.EndpointResult)

	running atomic.Bool
	closed  atomic.Bool
}

// Result is the outcome of one Run.
type Result struct {
	Batch  *probe.BatchResult
	Report *output.Report
}

// Status summarizes the record store.
type Status struct {
	StorePath   string               `json:"store_path"`
	Counts      map[state.Status]int `json:"counts"`
	Invalid     []string             `json:"invalid"`
	NotAnalyzed []string             `json:"not_analyzed"`
}

// New creates a new analyzer with the given options. The record store is
// opened and loaded; a malformed store is an error.
func New(opts ...Option) (*Analyzer, error) {
	a := &Analyzer{
		config: DefaultConfig(),
		now:    time.Now,
	}

	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := a.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var err error
	if a.logger == nil {
		logLevel := logger.InfoLevel
		if a.config.Debug {
			logLevel = logger.DebugLevel
		} else if !a.config.Verbose {
			logLevel = logger.WarnLevel
		}
		a.logger = logger.New(logger.Config{
			Level:     logLevel,
			Pretty:    true,
			Output:    a.logOutput,
			Component: "analyzer",
		})
	}

	a.metrics = metrics.New()

	a.scope, err = scope.NewChecker(a.config.Scope)
	if err != nil {
		return nil, err
	}

	tables, err := mapping.Load(a.config.TablesPath)
	if err != nil {
		return nil, err
	}
	if err := tables.Validate(); err != nil {
		return nil, err
	}
	a.tables = tables

	retry := errors.DefaultRetryConfig()
	retry.MaxRetries = a.config.Retries
	clientOpts := []stats.ClientOption{
		stats.WithLogger(a.logger),
		stats.WithMetrics(a.metrics),
	}
	if a.transport != nil {
		clientOpts = append(clientOpts, stats.WithTransport(a.transport))
	}
	a.client, err = stats.NewClient(stats.Config{
		BaseURL:           a.config.BaseURL,
		Timeout:           a.config.Timeout,
		Headers:           a.config.Headers,
		Proxy:             a.config.Proxy,
		RequestsPerSecond: a.config.RateLimit.RequestsPerSecond,
		Burst:             a.config.RateLimit.Burst,
		Retry:             retry,
	}, clientOpts...)
	if err != nil {
		return nil, err
	}

	store, err := state.NewStore(a.config.Store.Backend, a.config.Store.Path)
	if err != nil {
		return nil, err
	}
	a.manager = state.NewManager(store)
	if err := a.manager.Load(); err != nil {
		_ = store.Close()
		return nil, err
	}

	a.pacer = ratelimit.NewPacer(a.config.Pause)

	a.logger.Debugf("Loaded %d records from %s", len(a.manager.Records()), a.StorePath())
	return a, nil
}

// Run analyzes endpoints in order. An empty list means every known endpoint.
// Repeated names and names outside the configured scope are dropped.
// The returned result is non-nil even when err is set.
func (a *Analyzer) Run(ctx context.Context, endpoints []string) (*Result, error) {
	if a.closed.Load() {
		return nil, fmt.Errorf("analyzer is closed")
	}
	if !a.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("analyzer is already running")
	}
	defer a.running.Store(false)

	endpoints = a.Select(endpoints)

	protocol := probe.NewProtocol(a.client, a.tables,
		probe.WithPacer(a.pacer),
		probe.WithLogger(a.logger),
		probe.WithMetrics(a.metrics),
		probe.WithClock(a.now),
	)

	onResult := func(done, total int, res probe.EndpointResult) {
		if a.onResult != nil {
			a.onResult(res)
		}
		if a.onProgress != nil {
			a.onProgress(done, total, res.Endpoint, Outcome(res))
		}
	}
	batch := probe.NewBatch(protocol, a.manager, a.tables, probe.BatchConfig{
		FailFast: a.config.FailFast,
		OnResult: onResult,
	})

	started := time.Now()
	a.logger.Infof("Analyzing %d endpoints", len(endpoints))

	br, err := batch.Run(ctx, endpoints)
	result := &Result{
		Batch:  br,
		Report: output.NewReport(started, br, a.metrics.Snapshot(), a.StorePath()),
	}

	a.logger.StatsEvent(a.metrics.Snapshot().Summary())
	return result, err
}

// Select returns the endpoints a Run over endpoints would analyze, spelled as
// the tables spell them.
func (a *Analyzer) Select(endpoints []string) []string {
	if len(endpoints) == 0 {
		return a.scope.Filter(a.tables.Endpoints())
	}
	names := make([]string, len(endpoints))
	for i, e := range endpoints {
		names[i] = a.tables.Canonical(e)
	}
	return a.scope.Filter(names)
}

// Outcome maps an endpoint result to its progress label.
func Outcome(res probe.EndpointResult) string {
	switch {
	case res.Skipped:
		return progress.OutcomeSkipped
	case res.Error != "":
		return progress.OutcomeAborted
	default:
		return string(res.Status)
	}
}

// WriteTodo writes the todo report of r to w.
func (a *Analyzer) WriteTodo(w io.Writer, r *Result) error {
	if r == nil || r.Batch == nil || r.Batch.Todo == nil {
		return nil
	}
	return r.Batch.Todo.Report(w, a.StorePath())
}

// GenerateDocs renders one markdown page per success record into dir, or into
// the configured docs directory when dir is empty. Page warnings are logged as
// each page renders and kept on the returned pages.
func (a *Analyzer) GenerateDocs(dir string) ([]*docs.Page, error) {
	if dir == "" {
		dir = a.config.DocsDir
	}
	gen, err := docs.New(a.tables,
		docs.WithBaseURL(a.config.BaseURL),
		docs.WithLogger(a.logger),
	)
	if err != nil {
		return nil, err
	}
	return gen.WriteAll(dir, a.manager.Records())
}

// Status summarizes the stored records against the known endpoint list.
func (a *Analyzer) Status() *Status {
	records := a.manager.Records()
	s := &Status{
		StorePath: a.StorePath(),
		Counts:    a.manager.Counts(),
	}
	for _, name := range records.Names() {
		if records[name].Status == state.StatusInvalid {
			s.Invalid = append(s.Invalid, name)
		}
	}
	for _, name := range a.tables.Endpoints() {
		if _, ok := records[name]; !ok {
			s.NotAnalyzed = append(s.NotAnalyzed, name)
		}
	}
	sort.Strings(s.NotAnalyzed)
	return s
}

// Records returns the stored records.
func (a *Analyzer) Records() state.Records {
	return a.manager.Records()
}

// Tables returns the loaded static tables.
func (a *Analyzer) Tables() *mapping.Tables {
	return a.tables
}

// Config returns a copy of the effective configuration.
func (a *Analyzer) Config() *Config {
	return a.config.Clone()
}

// Logger returns the analyzer logger.
func (a *Analyzer) Logger() *logger.Logger {
	return a.logger
}

// Metrics returns the metrics collector.
func (a *Analyzer) Metrics() *metrics.Collector {
	return a.metrics
}

// StorePath returns where records are persisted, or "" for the memory store.
func (a *Analyzer) StorePath() string {
	if a.config.Store.Backend == state.BackendMemory {
		return ""
	}
	return a.config.Store.Path
}

// IsRunning reports whether Run is in progress.
func (a *Analyzer) IsRunning() bool {
	return a.running.Load()
}

// Close closes the record store. It is safe to call more than once.
func (a *Analyzer) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := a.manager.Close(); err != nil {
		return errors.NewStoreError(a.StorePath(), "close", err)
	}
	return nil
}
