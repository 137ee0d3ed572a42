// Package stats is the HTTP collaborator that sends probe requests to the statistics API.
package stats

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/PentesterFlow/StatsProbe/internal/errors"
	"github.com/PentesterFlow/StatsProbe/internal/logger"
	"github.com/PentesterFlow/StatsProbe/internal/metrics"
	"github.com/PentesterFlow/StatsProbe/internal/ratelimit"
	"golang.org/x/net/publicsuffix"
)

const maxBodySize = 16 * 1024 * 1024

// DefaultBaseURL is the public stats API root.
const DefaultBaseURL = "https://stats.nba.com/stats"

// DefaultHeaders mimics the browser the stats site expects.
func DefaultHeaders() map[string]string {
	return map[string]string{
		"User-Agent":         "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:72.0) Gecko/20100101 Firefox/72.0",
		"Accept":             "application/json, text/plain, */*",
		"Accept-Language":    "en-US,en;q=0.5",
		"Referer":            "https://stats.nba.com/",
		"Origin":             "https://stats.nba.com",
		"x-nba-stats-origin": "stats",
		"x-nba-stats-token":  "true",
		"Pragma":             "no-cache",
		"Cache-Control":      "no-cache",
	}
}

// Config holds configuration for the API client.
type Config struct {
	BaseURL           string
	Timeout           time.Duration
	Headers           map[string]string
	Proxy             string
	RequestsPerSecond float64
	Burst             int
	Retry             errors.RetryConfig
}

// DefaultConfig returns client defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		Timeout:           30 * time.Second,
		Headers:           DefaultHeaders(),
		RequestsPerSecond: 1,
		Burst:             1,
		Retry:             errors.DefaultRetryConfig(),
	}
}

// Client sends endpoint requests. It never fails on HTTP status codes; only
// transport failures are returned as errors.
type Client struct {
	client  *http.Client
	baseURL string
	headers map[string]string
	limiter *ratelimit.Limiter
	retrier *errors.Retrier
	metrics *metrics.Collector
	log     *logger.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *logger.Logger) ClientOption {
	return func(c *Client) {
		c.log = l.WithComponent("stats")
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithTransport replaces the HTTP transport.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *Client) {
		c.client.Transport = rt
	}
}

// NewClient creates an API client.
func NewClient(config Config, opts ...ClientOption) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, errors.NewConfigError("base_url", "invalid base URL", err)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, errors.NewConfigError("cookiejar", "failed to create cookie jar", err)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	if config.Proxy != "" {
		proxyURL, err := url.Parse(config.Proxy)
		if err != nil {
			return nil, errors.NewConfigError("proxy", "invalid proxy URL", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	headers := DefaultHeaders()
	for k, v := range config.Headers {
		headers[k] = v
	}

	c := &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
			Jar:       jar,
		},
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		headers: headers,
		limiter: ratelimit.NewLimiter(config.RequestsPerSecond, config.Burst),
		retrier: errors.NewRetrier(config.Retry),
		metrics: metrics.New(),
		log:     logger.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// URL builds the request URL for an endpoint. Keys are sorted and empty values
// are sent as "Key=".
func (c *Client) URL(endpoint string, params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	u := fmt.Sprintf("%s/%s", c.baseURL, strings.ToLower(endpoint))
	if q := values.Encode(); q != "" {
		u += "?" + q
	}
	return u
}

// Limiter returns the client's rate limiter.
func (c *Client) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// Send issues one GET request for endpoint with params.
func (c *Client) Send(ctx context.Context, endpoint string, params map[string]string) (*Response, error) {
	var resp *Response

	result := c.retrier.Do(ctx, "request", endpoint, func(ctx context.Context) error {
		r, err := c.do(ctx, endpoint, params)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})

	if !result.Success {
		return nil, result.LastError
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, endpoint string, params map[string]string) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Categorize(err, endpoint)
	}

	target := c.URL(endpoint, params)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.NewProbeError(errors.Config, endpoint, "request_creation", "failed to create request", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	c.metrics.RecordRequest()

	httpResp, err := c.client.Do(req)
	if err != nil {
		probeErr := errors.Categorize(err, endpoint)
		c.metrics.RecordError(probeErr.Type.String())
		return nil, probeErr
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBodySize))
	if err != nil {
		probeErr := errors.NewNetworkError(endpoint, "body_read", err)
		c.metrics.RecordError(probeErr.Type.String())
		return nil, probeErr
	}

	duration := time.Since(start)
	c.metrics.RecordResponseTime(duration)
	c.metrics.RecordStatusCode(httpResp.StatusCode)
	c.log.RequestEvent(endpoint, httpResp.StatusCode, duration)

	return NewResponse(target, httpResp.StatusCode, string(body)), nil
}
