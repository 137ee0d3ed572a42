package stats

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PentesterFlow/StatsProbe/internal/errors"
	"github.com/PentesterFlow/StatsProbe/internal/metrics"
)

// RoundTripFunc adapts a function to http.RoundTripper.
type RoundTripFunc func(req *http.Request) (*http.Response, error)

func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func testConfig(baseURL string) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.RequestsPerSecond = 0
	cfg.Timeout = 5 * time.Second
	return cfg
}

// =============================================================================
// Config Tests
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BaseURL != DefaultBaseURL {
		t.Errorf("BaseURL = %s, want %s", cfg.BaseURL, DefaultBaseURL)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if cfg.Retry.MaxRetries != 0 {
		t.Errorf("Retry.MaxRetries = %d, want 0", cfg.Retry.MaxRetries)
	}
	if cfg.Headers["x-nba-stats-token"] != "true" {
		t.Error("default headers should carry the stats token header")
	}
}

func TestNewClient_InvalidProxy(t *testing.T) {
	cfg := testConfig("http://localhost")
	cfg.Proxy = "://bad"

	if _, err := NewClient(cfg); err == nil {
		t.Error("NewClient() should fail on an invalid proxy URL")
	}
}

// =============================================================================
// URL Tests
// =============================================================================

func TestClient_URL(t *testing.T) {
	c, err := NewClient(testConfig("https://stats.example/stats/"))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	tests := []struct {
		name     string
		endpoint string
		params   map[string]string
		want     string
	}{
		{"no params", "LeagueGameLog", nil, "https://stats.example/stats/leaguegamelog"},
		{"sorted", "ShotChartDetail", map[string]string{"TeamID": "0", "PlayerID": "1"}, "https://stats.example/stats/shotchartdetail?PlayerID=1&TeamID=0"},
		{"empty value", "BoxScore", map[string]string{"GameID": ""}, "https://stats.example/stats/boxscore?GameID="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.URL(tt.endpoint, tt.params); got != tt.want {
				t.Errorf("URL() = %s, want %s", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Send Tests
// =============================================================================

func TestClient_Send(t *testing.T) {
	var gotPath, gotQuery, gotOrigin string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotOrigin = r.Header.Get("x-nba-stats-origin")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"parameters":{"LeagueID":"00"},"resultSets":[]}`))
	}))
	defer server.Close()

	m := metrics.New()
	c, err := NewClient(testConfig(server.URL), WithMetrics(m))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	resp, err := c.Send(context.Background(), "CommonAllPlayers", map[string]string{"LeagueID": "00", "Season": ""})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if gotPath != "/commonallplayers" {
		t.Errorf("path = %s, want /commonallplayers", gotPath)
	}
	if gotQuery != "LeagueID=00&Season=" {
		t.Errorf("query = %s, want LeagueID=00&Season=", gotQuery)
	}
	if gotOrigin != "stats" {
		t.Errorf("x-nba-stats-origin = %q, want stats", gotOrigin)
	}
	if !resp.ValidJSON() {
		t.Error("response should be valid JSON")
	}
	if resp.StatusCode() != http.StatusOK {
		t.Errorf("StatusCode() = %d", resp.StatusCode())
	}

	snap := m.Snapshot()
	if snap.RequestsTotal != 1 || snap.StatusCodes[200] != 1 {
		t.Errorf("metrics = %+v", snap)
	}
}

func TestClient_Send_ErrorStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("Season is required; LeagueID is required"))
	}))
	defer server.Close()

	c, _ := NewClient(testConfig(server.URL))
	resp, err := c.Send(context.Background(), "LeagueLeaders", nil)
	if err != nil {
		t.Fatalf("Send() error = %v, 4xx must still return the body", err)
	}
	if resp.StatusCode() != http.StatusBadRequest {
		t.Errorf("StatusCode() = %d, want 400", resp.StatusCode())
	}
	if !strings.Contains(resp.Body(), "Season is required") {
		t.Errorf("Body() = %q", resp.Body())
	}
}

func TestClient_Send_CustomHeaders(t *testing.T) {
	var gotUA string
	transport := RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		gotUA = req.Header.Get("User-Agent")
		return &http.Response{
			StatusCode: 200,
			Body:       http.NoBody,
			Header:     make(http.Header),
			Request:    req,
		}, nil
	})

	cfg := testConfig("http://stats.test")
	cfg.Headers = map[string]string{"User-Agent": "statsprobe-test"}
	c, _ := NewClient(cfg, WithTransport(transport))

	if _, err := c.Send(context.Background(), "X", nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotUA != "statsprobe-test" {
		t.Errorf("User-Agent = %q, want statsprobe-test", gotUA)
	}
}

func TestClient_Send_TransportError(t *testing.T) {
	transport := RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		return nil, &netError{}
	})

	m := metrics.New()
	c, _ := NewClient(testConfig("http://stats.test"), WithTransport(transport), WithMetrics(m))

	_, err := c.Send(context.Background(), "X", nil)
	if err == nil {
		t.Fatal("Send() should fail on transport error")
	}
	if errors.GetErrorType(err) != errors.Timeout {
		t.Errorf("error type = %v, want timeout", errors.GetErrorType(err))
	}
	if m.Snapshot().ErrorsTotal != 1 {
		t.Errorf("ErrorsTotal = %d, want 1", m.Snapshot().ErrorsTotal)
	}
}

func TestClient_Send_Retries(t *testing.T) {
	calls := 0
	transport := RoundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return nil, &netError{}
		}
		return &http.Response{StatusCode: 200, Body: http.NoBody, Header: make(http.Header), Request: req}, nil
	})

	cfg := testConfig("http://stats.test")
	cfg.Retry = errors.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	c, _ := NewClient(cfg, WithTransport(transport))

	if _, err := c.Send(context.Background(), "X", nil); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestClient_Send_Cancelled(t *testing.T) {
	c, _ := NewClient(testConfig("http://stats.test"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Send(ctx, "X", nil); err == nil {
		t.Error("Send() should fail with a cancelled context")
	}
}

type netError struct{}

func (e *netError) Error() string   { return "i/o timeout" }
func (e *netError) Timeout() bool   { return true }
func (e *netError) Temporary() bool { return true }
