package probe

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/PentesterFlow/StatsProbe/internal/logger"
	"github.com/PentesterFlow/StatsProbe/internal/metrics"
)

// TodoKind names the manual follow-up an item needs.
type TodoKind string

// Todo kinds.
const (
	KindParameterMap        TodoKind = "Add to parameter_map"
	KindParameterVariations TodoKind = "Add to parameter_variations"
	KindEndpointList        TodoKind = "Add to endpoint_list"
	KindAborted             TodoKind = "Analysis aborted"
)

// TodoItem is one follow-up entry.
type TodoItem struct {
	Endpoint  string   `json:"endpoint"`
	Parameter string   `json:"parameter"`
	Kind      TodoKind `json:"kind"`
	Context   []string `json:"context,omitempty"`
}

// TodoLog accumulates unresolved table lookups for one batch run.
// It is owned by the batch runner and never persisted.
type TodoLog struct {
	mu      sync.Mutex
	items   map[string]map[string]map[TodoKind][]string
	count   int
	log     *logger.Logger
	metrics *metrics.Collector
}

// NewTodoLog creates an empty todo log.
func NewTodoLog(log *logger.Logger, m *metrics.Collector) *TodoLog {
	if log == nil {
		log = logger.Nop()
	}
	return &TodoLog{
		items:   make(map[string]map[string]map[TodoKind][]string),
		log:     log,
		metrics: m,
	}
}

// Add records an item. An empty context records the item without detail.
func (t *TodoLog) Add(endpoint, parameter string, kind TodoKind, context string) {
	t.mu.Lock()
	params, ok := t.items[endpoint]
	if !ok {
		params = make(map[string]map[TodoKind][]string)
		t.items[endpoint] = params
	}
	kinds, ok := params[parameter]
	if !ok {
		kinds = make(map[TodoKind][]string)
		params[parameter] = kinds
	}
	contexts, exists := kinds[kind]
	if !exists {
		t.count++
	}
	if context != "" {
		contexts = append(contexts, context)
	}
	kinds[kind] = contexts
	t.mu.Unlock()

	if !exists && t.metrics != nil {
		t.metrics.RecordTodo()
	}
	t.log.TodoEvent(endpoint, parameter, string(kind), context)
}

// Len returns the number of distinct (endpoint, parameter, kind) items.
func (t *TodoLog) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Empty reports whether nothing was recorded.
func (t *TodoLog) Empty() bool {
	return t.Len() == 0
}

// Has reports whether an item of kind exists for endpoint and parameter.
func (t *TodoLog) Has(endpoint, parameter string, kind TodoKind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.items[endpoint][parameter][kind]
	return ok
}

// Items returns all items ordered by endpoint, parameter and kind.
func (t *TodoLog) Items() []TodoItem {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []TodoItem
	for _, endpoint := range sortedKeys(t.items) {
		params := t.items[endpoint]
		for _, param := range sortedKeys(params) {
			kinds := params[param]
			names := make([]string, 0, len(kinds))
			for k := range kinds {
				names = append(names, string(k))
			}
			sort.Strings(names)
			for _, k := range names {
				ctx := kinds[TodoKind(k)]
				out = append(out, TodoItem{
					Endpoint:  endpoint,
					Parameter: param,
					Kind:      TodoKind(k),
					Context:   append([]string(nil), ctx...),
				})
			}
		}
	}
	return out
}

// Report writes the human-readable todo summary.
func (t *TodoLog) Report(w io.Writer, storePath string) error {
	items := t.Items()
	current := ""
	for _, item := range items {
		if item.Endpoint != current {
			current = item.Endpoint
			if _, err := fmt.Fprintf(w, "TODO items for %s:\n", current); err != nil {
				return err
			}
		}
		line := fmt.Sprintf("\t%s: %s", item.Parameter, item.Kind)
		if len(item.Context) > 0 {
			line += " - " + strings.Join(item.Context, "; ")
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	if len(items) > 0 && storePath != "" {
		if _, err := fmt.Fprintf(w, "Check %s for more info about parameters.\n", storePath); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
