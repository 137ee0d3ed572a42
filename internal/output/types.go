package output

import (
	"sort"
	"time"

	"github.com/PentesterFlow/StatsProbe/internal/metrics"
	"github.com/PentesterFlow/StatsProbe/internal/probe"
	"github.com/PentesterFlow/StatsProbe/internal/state"
)

// Report contains the outcome of one analysis run.
type Report struct {
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
	Duration    time.Duration          `json:"duration"`
	StorePath   string                 `json:"store_path,omitempty"`
	Statistics  Statistics             `json:"statistics"`
	Endpoints   []probe.EndpointResult `json:"endpoints"`
	Todo        []probe.TodoItem       `json:"todo,omitempty"`
	Metrics     map[string]interface{} `json:"metrics,omitempty"`
}

// Statistics contains per-outcome endpoint counts.
type Statistics struct {
	Total      int `json:"total"`
	Success    int `json:"success"`
	Invalid    int `json:"invalid"`
	Deprecated int `json:"deprecated"`
	Skipped    int `json:"skipped"`
	Aborted    int `json:"aborted"`
}

// StreamEvent represents a streaming output event.
type StreamEvent struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// NewReport builds a report from a batch result. snap may be nil.
func NewReport(started time.Time, result *probe.BatchResult, snap *metrics.Snapshot, storePath string) *Report {
	completed := time.Now()
	r := &Report{
		StartedAt:   started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
		StorePath:   storePath,
		Endpoints:   []probe.EndpointResult{},
	}
	if result != nil {
		r.Endpoints = append(r.Endpoints, result.Results...)
		if result.Todo != nil {
			r.Todo = result.Todo.Items()
		}
	}
	r.Statistics = countOutcomes(r.Endpoints)
	if snap != nil {
		r.Metrics = snap.Summary()
	}
	return r
}

func countOutcomes(results []probe.EndpointResult) Statistics {
	s := Statistics{Total: len(results)}
	for _, res := range results {
		switch {
		case res.Skipped:
			s.Skipped++
		case res.Error != "":
			s.Aborted++
		default:
			switch res.Status {
			case state.StatusSuccess:
				s.Success++
			case state.StatusInvalid:
				s.Invalid++
			case state.StatusDeprecated:
				s.Deprecated++
			}
		}
	}
	return s
}

// AbortedEndpoints returns the endpoints that failed hard, sorted.
func (r *Report) AbortedEndpoints() []string {
	var out []string
	for _, res := range r.Endpoints {
		if res.Error != "" {
			out = append(out, res.Endpoint)
		}
	}
	sort.Strings(out)
	return out
}
