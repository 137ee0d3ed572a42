// Package progress provides the progress line shown while endpoints are analyzed.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Outcome labels accepted by Update.
const (
	OutcomeSuccess    = "success"
	OutcomeInvalid    = "invalid"
	OutcomeDeprecated = "deprecated"
	OutcomeSkipped    = "skipped"
	OutcomeAborted    = "aborted"
)

// Display manages the progress line during an analysis run.
type Display struct {
	mu      sync.Mutex
	out     io.Writer
	started bool
	stopped bool

	// Stats
	total      atomic.Int64
	done       atomic.Int64
	success    atomic.Int64
	invalid    atomic.Int64
	deprecated atomic.Int64
	skipped    atomic.Int64
	aborted    atomic.Int64

	// Timing
	startTime time.Time

	// Display
	lastLine string
}

// New creates a progress display writing to out.
func New(out io.Writer) *Display {
	return &Display{out: out}
}

// Start begins the progress display for total endpoints.
func (d *Display) Start(total int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return
	}

	d.started = true
	d.startTime = time.Now()
	d.total.Store(int64(total))
}

// Update records the outcome of one endpoint and redraws the line.
func (d *Display) Update(done int, endpoint, outcome string) {
	d.done.Store(int64(done))
	switch outcome {
	case OutcomeSuccess:
		d.success.Add(1)
	case OutcomeInvalid:
		d.invalid.Add(1)
	case OutcomeDeprecated:
		d.deprecated.Add(1)
	case OutcomeSkipped:
		d.skipped.Add(1)
	case OutcomeAborted:
		d.aborted.Add(1)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		return
	}

	total := d.total.Load()
	if total == 0 {
		total = 1
	}
	percent := int(float64(done) / float64(total) * 100)
	if percent > 100 {
		percent = 100
	}

	barWidth := 30
	filled := percent * barWidth / 100
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	line := fmt.Sprintf("\r[%s] %3d%% | %d/%d | ok: %d | invalid: %d | deprecated: %d | skipped: %d | aborted: %d | %s | %s",
		bar, percent, done, d.total.Load(), d.success.Load(), d.invalid.Load(), d.deprecated.Load(),
		d.skipped.Load(), d.aborted.Load(), formatDuration(time.Since(d.startTime)), truncate(endpoint, 32))

	if len(line) < len(d.lastLine) {
		fmt.Fprint(d.out, "\r"+strings.Repeat(" ", len(d.lastLine)))
	}
	fmt.Fprint(d.out, line)
	d.lastLine = line
}

// Stop ends the progress line.
func (d *Display) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || !d.started {
		return
	}

	d.stopped = true
	fmt.Fprintln(d.out)
}

// PrintSummary prints the run summary.
func (d *Display) PrintSummary() {
	duration := time.Since(d.startTime)

	fmt.Fprintln(d.out)
	fmt.Fprintln(d.out, "╔══════════════════════════════════════════════════════════════╗")
	fmt.Fprintln(d.out, "║                      Analysis Complete                       ║")
	fmt.Fprintln(d.out, "╚══════════════════════════════════════════════════════════════╝")
	fmt.Fprintln(d.out)
	fmt.Fprintf(d.out, "  Endpoints:           %d/%d\n", d.done.Load(), d.total.Load())
	fmt.Fprintf(d.out, "  Duration:            %s\n", formatDuration(duration))
	fmt.Fprintf(d.out, "  Success:             %d\n", d.success.Load())
	fmt.Fprintf(d.out, "  Invalid:             %d\n", d.invalid.Load())
	fmt.Fprintf(d.out, "  Deprecated:          %d\n", d.deprecated.Load())
	fmt.Fprintf(d.out, "  Skipped:             %d\n", d.skipped.Load())
	fmt.Fprintf(d.out, "  Aborted:             %d\n", d.aborted.Load())
	fmt.Fprintln(d.out)
}

// Stats returns the outcome counters.
func (d *Display) Stats() (success, invalid, deprecated, skipped, aborted int64) {
	return d.success.Load(),
		d.invalid.Load(),
		d.deprecated.Load(),
		d.skipped.Load(),
		d.aborted.Load()
}

// truncate shortens s to maxLen characters.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%02dm%02ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
