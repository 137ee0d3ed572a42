package analyzer

import (
	"io"
	"net/http"
	"time"

	"github.com/PentesterFlow/StatsProbe/internal/logger"
	"github.com/PentesterFlow/StatsProbe/internal/probe"
)

// Option is a functional option for configuring the Analyzer.
type Option func(*Analyzer) error

// WithConfig replaces the whole configuration.
func WithConfig(config *Config) Option {
	return func(a *Analyzer) error {
		if config != nil {
			a.config = config.Clone()
		}
		return nil
	}
}

// WithBaseURL sets the stats API root.
func WithBaseURL(u string) Option {
	return func(a *Analyzer) error {
		a.config.BaseURL = u
		return nil
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(a *Analyzer) error {
		a.config.Timeout = timeout
		return nil
	}
}

// WithPause sets the pause taken between probes and between endpoints.
func WithPause(pause time.Duration) Option {
	return func(a *Analyzer) error {
		a.config.Pause = pause
		return nil
	}
}

// WithRateLimit sets the request rate limit. A zero rate disables limiting.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(a *Analyzer) error {
		a.config.RateLimit.RequestsPerSecond = requestsPerSecond
		a.config.RateLimit.Burst = burst
		return nil
	}
}

// WithRetries sets the transport retries per request.
func WithRetries(n int) Option {
	return func(a *Analyzer) error {
		if n < 0 {
			n = 0
		}
		a.config.Retries = n
		return nil
	}
}

// WithProxy sets the proxy URL.
func WithProxy(proxyURL string) Option {
	return func(a *Analyzer) error {
		a.config.Proxy = proxyURL
		return nil
	}
}

// WithHeaders adds request headers.
func WithHeaders(headers map[string]string) Option {
	return func(a *Analyzer) error {
		if a.config.Headers == nil {
			a.config.Headers = make(map[string]string)
		}
		for k, v := range headers {
			a.config.Headers[k] = v
		}
		return nil
	}
}

// WithStore selects the record store backend and path.
func WithStore(backend, path string) Option {
	return func(a *Analyzer) error {
		a.config.Store.Backend = backend
		a.config.Store.Path = path
		return nil
	}
}

// WithScope restricts runs to endpoints matching include and not matching exclude.
func WithScope(include, exclude []string) Option {
	return func(a *Analyzer) error {
		a.config.Scope.IncludePatterns = append(a.config.Scope.IncludePatterns, include...)
		a.config.Scope.ExcludePatterns = append(a.config.Scope.ExcludePatterns, exclude...)
		return nil
	}
}

// WithTablesPath layers an operator tables file over the embedded tables.
func WithTablesPath(path string) Option {
	return func(a *Analyzer) error {
		a.config.TablesPath = path
		return nil
	}
}

// WithDocsDir sets the documentation output directory.
func WithDocsDir(dir string) Option {
	return func(a *Analyzer) error {
		a.config.DocsDir = dir
		return nil
	}
}

// WithFailFast stops the run at the first endpoint that fails hard.
func WithFailFast(enabled bool) Option {
	return func(a *Analyzer) error {
		a.config.FailFast = enabled
		return nil
	}
}

// WithVerbose enables verbose logging.
func WithVerbose(verbose bool) Option {
	return func(a *Analyzer) error {
		a.config.Verbose = verbose
		return nil
	}
}

// WithDebug enables debug mode.
func WithDebug(debug bool) Option {
	return func(a *Analyzer) error {
		a.config.Debug = debug
		return nil
	}
}

// WithLogger sets a custom logger instead of the one derived from the
// verbosity flags.
func WithLogger(l *logger.Logger) Option {
	return func(a *Analyzer) error {
		a.logger = l
		return nil
	}
}

// WithLogOutput sets where the derived logger writes.
func WithLogOutput(w io.Writer) Option {
	return func(a *Analyzer) error {
		a.logOutput = w
		return nil
	}
}

// WithClock sets the clock that stamps last_validated_date.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) error {
		a.now = now
		return nil
	}
}

// WithTransport replaces the HTTP transport of the stats client.
func WithTransport(rt http.RoundTripper) Option {
	return func(a *Analyzer) error {
		a.transport = rt
		return nil
	}
}

// WithProgress reports each finished endpoint to fn.
func WithProgress(fn func(done, total int, endpoint, outcome string)) Option {
	return func(a *Analyzer) error {
		a.onProgress = fn
		return nil
	}
}

// WithResultHook passes each finished endpoint result to fn.
func WithResultHook(fn func(res probe.EndpointResult)) Option {
	return func(a *Analyzer) error {
		a.onResult = fn
		return nil
	}
}
