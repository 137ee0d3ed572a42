package output

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/PentesterFlow/StatsProbe/internal/probe"
)

// JSONWriter writes output in JSON format.
type JSONWriter struct {
	mu      sync.Mutex
	writer  io.Writer
	stream  bool
	encoder *json.Encoder
	closed  bool
}

// NewJSONWriter creates a new JSON writer.
func NewJSONWriter(w io.Writer, pretty, stream bool) *JSONWriter {
	jw := &JSONWriter{
		writer: w,
		stream: stream,
	}

	jw.encoder = json.NewEncoder(w)
	jw.encoder.SetEscapeHTML(false)
	if pretty {
		jw.encoder.SetIndent("", "  ")
	}

	return jw
}

// WriteReport writes the complete run report.
func (j *JSONWriter) WriteReport(report *Report) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	return j.encoder.Encode(report)
}

// WriteEndpoint writes a single endpoint result in streaming mode.
func (j *JSONWriter) WriteEndpoint(res *probe.EndpointResult) error {
	if !j.stream {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}

	return j.encoder.Encode(StreamEvent{
		Type: "endpoint",
		Data: res,
	})
}

// Flush flushes the writer.
func (j *JSONWriter) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if flusher, ok := j.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// Close closes the writer.
func (j *JSONWriter) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.closed = true

	if closer, ok := j.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
