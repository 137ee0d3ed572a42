package probe

import (
	"context"
	"time"

	"github.com/PentesterFlow/StatsProbe/internal/errors"
	"github.com/PentesterFlow/StatsProbe/internal/logger"
	"github.com/PentesterFlow/StatsProbe/internal/mapping"
	"github.com/PentesterFlow/StatsProbe/internal/metrics"
	"github.com/PentesterFlow/StatsProbe/internal/ratelimit"
	"github.com/PentesterFlow/StatsProbe/internal/state"
)

// BatchConfig configures a Batch.
type BatchConfig struct {
	// FailFast stops the run at the first endpoint that fails hard.
	FailFast bool

	// OnResult, when set, is called after each endpoint with the number of
	// endpoints handled so far.
	OnResult func(done, total int, res EndpointResult)
}

// Batch analyzes endpoints one after another and saves the store after each.
type Batch struct {
	protocol *Protocol
	manager  *state.Manager
	tables   *mapping.Tables
	pacer    *ratelimit.Pacer
	log      *logger.Logger
	metrics  *metrics.Collector
	config   BatchConfig
}

// NewBatch creates a batch runner. The manager must already be loaded.
func NewBatch(protocol *Protocol, manager *state.Manager, tables *mapping.Tables, config BatchConfig) *Batch {
	return &Batch{
		protocol: protocol,
		manager:  manager,
		tables:   tables,
		pacer:    protocol.pacer,
		log:      protocol.log,
		metrics:  protocol.metrics,
		config:   config,
	}
}

// EndpointResult is the outcome for one endpoint of a batch.
type EndpointResult struct {
	Endpoint string        `json:"endpoint"`
	Status   state.Status  `json:"status,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// BatchResult summarizes a batch run.
type BatchResult struct {
	Results []EndpointResult `json:"results"`
	Todo    *TodoLog         `json:"-"`
}

func (b *Batch) record(result *BatchResult, total int, res EndpointResult) {
	result.Results = append(result.Results, res)
	if b.config.OnResult != nil {
		b.config.OnResult(len(result.Results), total, res)
	}
}

// Count returns how many endpoints ended with status.
func (r *BatchResult) Count(status state.Status) int {
	n := 0
	for _, res := range r.Results {
		if !res.Skipped && res.Error == "" && res.Status == status {
			n++
		}
	}
	return n
}

// Skipped returns the endpoints skipped because their record was terminal.
func (r *BatchResult) Skipped() []string {
	var out []string
	for _, res := range r.Results {
		if res.Skipped {
			out = append(out, res.Endpoint)
		}
	}
	return out
}

// Aborted returns the endpoints whose analysis failed hard.
func (r *BatchResult) Aborted() []string {
	var out []string
	for _, res := range r.Results {
		if res.Error != "" {
			out = append(out, res.Endpoint)
		}
	}
	return out
}

// Run analyzes endpoints in order. Endpoints whose stored status is success or
// deprecated are skipped. A hard failure aborts only that endpoint, leaving its
// previous record untouched, unless FailFast is set. Store failures and
// cancellation always end the run. Names are matched to the tables' spelling
// without regard to case, and repeats are analyzed once.
func (b *Batch) Run(ctx context.Context, endpoints []string) (*BatchResult, error) {
	result := &BatchResult{Todo: NewTodoLog(b.log, b.metrics)}
	endpoints = b.canonical(endpoints)

	for _, endpoint := range endpoints {
		if err := ctx.Err(); err != nil {
			return result, errors.NewCancelledError(endpoint, "batch")
		}

		if status, skip := b.manager.ShouldSkip(endpoint); skip {
			b.log.WithEndpoint(endpoint).Infof("Already analyzed completely. Status: %s", status)
			b.metrics.RecordSkipped()
			b.record(result, len(endpoints), EndpointResult{Endpoint: endpoint, Status: status, Skipped: true})
			continue
		}

		start := time.Now()
		rec, err := b.protocol.Analyze(ctx, endpoint, result.Todo)
		if err != nil {
			if errors.IsCancelled(err) || ctx.Err() != nil {
				return result, errors.NewCancelledError(endpoint, "analyze")
			}

			b.metrics.RecordAborted()
			b.metrics.RecordError(errors.GetErrorType(err).String())
			result.Todo.Add(endpoint, endpoint, KindAborted, err.Error())
			b.record(result, len(endpoints), EndpointResult{
				Endpoint: endpoint,
				Error:    err.Error(),
				Duration: time.Since(start),
			})
			if errors.IsFatal(err) {
				b.log.WithEndpoint(endpoint).WithError(err).Error("Endpoint analysis aborted")
			} else {
				b.log.WithEndpoint(endpoint).WithError(err).Warn("Endpoint analysis aborted by transport failure")
			}

			if b.config.FailFast {
				return result, err
			}
			if err := b.pacer.Pause(ctx); err != nil {
				return result, errors.NewCancelledError(endpoint, "pause")
			}
			continue
		}

		if err := b.manager.Put(rec); err != nil {
			return result, err
		}
		b.metrics.RecordOutcome(string(rec.Status))

		if !b.tables.IsKnownEndpoint(endpoint) && rec.Status != state.StatusDeprecated {
			result.Todo.Add(endpoint, endpoint, KindEndpointList, "")
		}

		duration := time.Since(start)
		b.record(result, len(endpoints), EndpointResult{
			Endpoint: endpoint,
			Status:   rec.Status,
			Duration: duration,
		})
		b.log.WithEndpoint(endpoint).WithDuration(duration).Infof("Endpoint analysis finished. Status: %s", rec.Status)

		if err := b.pacer.Pause(ctx); err != nil {
			return result, errors.NewCancelledError(endpoint, "pause")
		}
	}

	return result, nil
}

// canonical respells endpoints as the tables do and drops empty names and
// repeats, keeping first-seen order.
func (b *Batch) canonical(endpoints []string) []string {
	seen := make(map[string]bool, len(endpoints))
	out := make([]string, 0, len(endpoints))
	for _, e := range endpoints {
		name := b.tables.Canonical(e)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}
