// Package metrics provides metrics collection for endpoint analysis runs.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector collects and aggregates metrics.
type Collector struct {
	// Counters
	requestsTotal    atomic.Int64
	errorsTotal      atomic.Int64
	probesTotal      atomic.Int64
	endpointsSkipped atomic.Int64
	endpointsAborted atomic.Int64
	todoItems        atomic.Int64

	// Response time tracking
	responseTimesSum atomic.Int64
	responseTimesNum atomic.Int64

	// Histogram buckets for response times in ms: <100, <250, <500, <1000, <2500, <5000, <10000, >=10000
	responseTimeBuckets [8]atomic.Int64

	errorCounts map[string]*atomic.Int64
	errorMu     sync.RWMutex

	statusCodes map[int]*atomic.Int64
	statusMu    sync.RWMutex

	// Analysis outcome breakdown (success, invalid, deprecated)
	outcomes  map[string]*atomic.Int64
	outcomeMu sync.RWMutex

	startTime time.Time
}

// New creates a new metrics collector.
func New() *Collector {
	return &Collector{
		errorCounts: make(map[string]*atomic.Int64),
		statusCodes: make(map[int]*atomic.Int64),
		outcomes:    make(map[string]*atomic.Int64),
		startTime:   time.Now(),
	}
}

// RecordRequest records an API request.
func (c *Collector) RecordRequest() {
	c.requestsTotal.Add(1)
}

// RecordProbe records one protocol probe.
func (c *Collector) RecordProbe() {
	c.probesTotal.Add(1)
}

// RecordError records an error by type.
func (c *Collector) RecordError(errorType string) {
	c.errorsTotal.Add(1)
	increment(&c.errorMu, c.errorCounts, errorType)
}

// RecordResponseTime records a response time.
func (c *Collector) RecordResponseTime(d time.Duration) {
	ms := d.Milliseconds()
	c.responseTimesSum.Add(ms)
	c.responseTimesNum.Add(1)
	c.responseTimeBuckets[bucket(ms)].Add(1)
}

func bucket(ms int64) int {
	switch {
	case ms < 100:
		return 0
	case ms < 250:
		return 1
	case ms < 500:
		return 2
	case ms < 1000:
		return 3
	case ms < 2500:
		return 4
	case ms < 5000:
		return 5
	case ms < 10000:
		return 6
	default:
		return 7
	}
}

// RecordStatusCode records an HTTP status code.
func (c *Collector) RecordStatusCode(code int) {
	c.statusMu.Lock()
	if c.statusCodes[code] == nil {
		c.statusCodes[code] = &atomic.Int64{}
	}
	c.statusCodes[code].Add(1)
	c.statusMu.Unlock()
}

// RecordOutcome records the final status of an analyzed endpoint.
func (c *Collector) RecordOutcome(status string) {
	increment(&c.outcomeMu, c.outcomes, status)
}

// RecordSkipped records an endpoint skipped because its stored status is terminal.
func (c *Collector) RecordSkipped() {
	c.endpointsSkipped.Add(1)
}

// RecordAborted records an endpoint whose analysis ended in a hard error.
func (c *Collector) RecordAborted() {
	c.endpointsAborted.Add(1)
}

// RecordTodo records a todo item.
func (c *Collector) RecordTodo() {
	c.todoItems.Add(1)
}

func increment(mu *sync.RWMutex, m map[string]*atomic.Int64, key string) {
	mu.Lock()
	if m[key] == nil {
		m[key] = &atomic.Int64{}
	}
	m[key].Add(1)
	mu.Unlock()
}

// GetAverageResponseTime returns the average response time.
func (c *Collector) GetAverageResponseTime() time.Duration {
	sum := c.responseTimesSum.Load()
	num := c.responseTimesNum.Load()
	if num == 0 {
		return 0
	}
	return time.Duration(sum/num) * time.Millisecond
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() *Snapshot {
	s := &Snapshot{
		Timestamp:           time.Now(),
		Uptime:              time.Since(c.startTime),
		RequestsTotal:       c.requestsTotal.Load(),
		ErrorsTotal:         c.errorsTotal.Load(),
		ProbesTotal:         c.probesTotal.Load(),
		EndpointsSkipped:    c.endpointsSkipped.Load(),
		EndpointsAborted:    c.endpointsAborted.Load(),
		TodoItems:           c.todoItems.Load(),
		AverageResponseTime: c.GetAverageResponseTime(),
		ErrorCounts:         make(map[string]int64),
		StatusCodes:         make(map[int]int64),
		Outcomes:            make(map[string]int64),
		ResponseTimeHist:    make([]int64, len(c.responseTimeBuckets)),
	}

	c.errorMu.RLock()
	for k, v := range c.errorCounts {
		s.ErrorCounts[k] = v.Load()
	}
	c.errorMu.RUnlock()

	c.statusMu.RLock()
	for k, v := range c.statusCodes {
		s.StatusCodes[k] = v.Load()
	}
	c.statusMu.RUnlock()

	c.outcomeMu.RLock()
	for k, v := range c.outcomes {
		s.Outcomes[k] = v.Load()
	}
	c.outcomeMu.RUnlock()

	for i := range c.responseTimeBuckets {
		s.ResponseTimeHist[i] = c.responseTimeBuckets[i].Load()
	}

	return s
}

// Snapshot represents a point-in-time view of metrics.
type Snapshot struct {
	Timestamp           time.Time        `json:"timestamp"`
	Uptime              time.Duration    `json:"uptime"`
	RequestsTotal       int64            `json:"requests_total"`
	ErrorsTotal         int64            `json:"errors_total"`
	ProbesTotal         int64            `json:"probes_total"`
	EndpointsSkipped    int64            `json:"endpoints_skipped"`
	EndpointsAborted    int64            `json:"endpoints_aborted"`
	TodoItems           int64            `json:"todo_items"`
	AverageResponseTime time.Duration    `json:"average_response_time"`
	ErrorCounts         map[string]int64 `json:"error_counts"`
	StatusCodes         map[int]int64    `json:"status_codes"`
	Outcomes            map[string]int64 `json:"outcomes"`
	ResponseTimeHist    []int64          `json:"response_time_histogram"`
}

// EndpointsAnalyzed returns the number of endpoints that reached a final status.
func (s *Snapshot) EndpointsAnalyzed() int64 {
	var n int64
	for _, v := range s.Outcomes {
		n += v
	}
	return n
}

// StatusCodeList returns the observed status codes in ascending order.
func (s *Snapshot) StatusCodeList() []int {
	codes := make([]int, 0, len(s.StatusCodes))
	for code := range s.StatusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	return codes
}

// Summary returns a loggable summary.
func (s *Snapshot) Summary() map[string]interface{} {
	return map[string]interface{}{
		"uptime":               s.Uptime.Round(time.Second).String(),
		"requests_total":       s.RequestsTotal,
		"errors_total":         s.ErrorsTotal,
		"probes_total":         s.ProbesTotal,
		"endpoints_analyzed":   s.EndpointsAnalyzed(),
		"endpoints_skipped":    s.EndpointsSkipped,
		"endpoints_aborted":    s.EndpointsAborted,
		"todo_items":           s.TodoItems,
		"outcomes":             s.Outcomes,
		"avg_response_time_ms": s.AverageResponseTime.Milliseconds(),
	}
}
