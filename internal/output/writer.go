// Package output writes analysis run reports.
package output

import (
	"fmt"
	"io"

	"github.com/PentesterFlow/StatsProbe/internal/probe"
)

// Writer defines the interface for report writers.
type Writer interface {
	// WriteReport writes the complete run report
	WriteReport(report *Report) error

	// WriteEndpoint writes a single endpoint result (for streaming)
	WriteEndpoint(res *probe.EndpointResult) error

	// Flush flushes any buffered output
	Flush() error

	// Close closes the writer
	Close() error
}

// Config holds output configuration.
type Config struct {
	Format   string
	Pretty   bool
	Stream   bool
	FilePath string
}

// NewWriter creates a new report writer.
func NewWriter(w io.Writer, config Config) (Writer, error) {
	switch config.Format {
	case "", "json":
		return NewJSONWriter(w, config.Pretty, config.Stream), nil
	default:
		return nil, fmt.Errorf("unsupported report format %q", config.Format)
	}
}
