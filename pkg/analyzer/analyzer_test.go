package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PentesterFlow/StatsProbe/internal/logger"
	"github.com/PentesterFlow/StatsProbe/internal/probe"
	"github.com/PentesterFlow/StatsProbe/internal/progress"
	"github.com/PentesterFlow/StatsProbe/internal/state"
	"github.com/PentesterFlow/StatsProbe/internal/stats"
)

var digitsRegex = regexp.MustCompile(`^\d+$`)

type apiParam struct {
	required bool
	nullable bool
	pattern  string // empty: values must be numeric
}

type apiEndpoint struct {
	params   map[string]apiParam
	dataSets map[string][]string
}

// fakeAPI answers like the stats API: 400 with one error line per bad
// parameter, 200 with a resultSets document, or the 404 page.
type fakeAPI struct {
	mu        sync.Mutex
	endpoints map[string]*apiEndpoint
	requests  []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.requests = append(f.requests, r.URL.String())
	f.mu.Unlock()

	name := strings.TrimPrefix(r.URL.Path, "/stats/")
	ep, ok := f.endpoints[name]
	if !ok {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, "<html><head>%s</head><body></body></html>", stats.NotFoundMarker)
		return
	}

	query := r.URL.Query()
	names := make([]string, 0, len(ep.params))
	for n := range ep.params {
		names = append(names, n)
	}
	sort.Strings(names)

	var errs []string
	for _, n := range names {
		p := ep.params[n]
		v := query.Get(n)
		_, present := query[n]
		switch {
		case !present:
			if p.required {
				errs = append(errs, n+" is required")
			}
		case v == "":
			if !p.nullable {
				errs = append(errs, n+" is required")
			}
		case p.pattern != "":
			if !regexp.MustCompile(p.pattern).MatchString(v) {
				errs = append(errs, fmt.Sprintf("The field %s must match the regular expression '%s'.", n, p.pattern))
			}
		default:
			if !digitsRegex.MatchString(v) {
				errs = append(errs, fmt.Sprintf("The value '%s' is not valid for %s.", v, n))
			}
		}
	}
	if len(errs) > 0 {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, strings.Join(errs, "; "))
		return
	}

	echoed := make(map[string]interface{})
	for _, n := range names {
		if v := query.Get(n); v != "" {
			echoed[n] = v
		} else {
			echoed[n] = nil
		}
	}
	var sets []map[string]interface{}
	for setName, cols := range ep.dataSets {
		sets = append(sets, map[string]interface{}{"name": setName, "headers": cols, "rowSet": []interface{}{}})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"resource":   name,
		"parameters": echoed,
		"resultSets": sets,
	})
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// newFakeAPI serves PlayerProfileV2, which is not on the known endpoint list.
func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	api := &fakeAPI{endpoints: map[string]*apiEndpoint{
		"playerprofilev2": {
			params: map[string]apiParam{
				"PlayerID": {required: true},
				"PerMode":  {required: true, pattern: `^(Totals)|(PerGame)$`},
				"LeagueID": {nullable: true, pattern: `^(\d{2})?$`},
			},
			dataSets: map[string][]string{
				"SeasonTotalsRegularSeason": {"PLAYER_ID", "SEASON_ID", "GP"},
				"NextGame":                  {"GAME_ID", "GAME_DATE"},
			},
		},
	}}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	return api, server
}

func testClock() time.Time {
	return time.Date(2020, 1, 2, 15, 4, 5, 0, time.UTC)
}

func newTestAnalyzer(t *testing.T, baseURL string, opts ...Option) *Analyzer {
	t.Helper()
	base := []Option{
		WithBaseURL(baseURL),
		WithPause(0),
		WithRateLimit(0, 1),
		WithTimeout(5 * time.Second),
		WithStore(state.BackendFile, filepath.Join(t.TempDir(), "analysis.json")),
		WithLogger(logger.Nop()),
		WithClock(testClock),
	}
	a, err := New(append(base, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

// =============================================================================
// New Tests
// =============================================================================

func TestNew_Defaults(t *testing.T) {
	a, err := New(
		WithStore(state.BackendMemory, ""),
		WithLogger(logger.Nop()),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if a.Config().BaseURL != stats.DefaultBaseURL {
		t.Errorf("BaseURL = %q", a.Config().BaseURL)
	}
	if a.StorePath() != "" {
		t.Errorf("StorePath() = %q, want empty for memory store", a.StorePath())
	}
	if len(a.Tables().Endpoints()) == 0 {
		t.Error("embedded tables should list known endpoints")
	}
	if a.IsRunning() {
		t.Error("IsRunning() should be false before Run")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	if _, err := New(WithBaseURL("::"), WithLogger(logger.Nop())); err == nil {
		t.Error("New() should reject an invalid base URL")
	}
	if _, err := New(WithStore("redis", "x"), WithLogger(logger.Nop())); err == nil {
		t.Error("New() should reject an unknown store backend")
	}
}

func TestNew_MalformedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analysis.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := New(WithStore(state.BackendFile, path), WithLogger(logger.Nop())); err == nil {
		t.Error("New() should fail on a malformed record store")
	}
}

func TestNew_TablesOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tables.yaml")
	content := "endpoints:\n  - PlayerProfileV2\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := New(WithStore(state.BackendMemory, ""), WithTablesPath(path), WithLogger(logger.Nop()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	if !a.Tables().IsKnownEndpoint("PlayerProfileV2") {
		t.Error("overlay endpoint should be known")
	}
	if !a.Tables().IsKnownEndpoint("TeamGameLog") {
		t.Error("embedded endpoints should survive the overlay")
	}
}

// =============================================================================
// Run Tests
// =============================================================================

func TestAnalyzer_Run_EndToEnd(t *testing.T) {
	api, server := newFakeAPI(t)

	var mu sync.Mutex
	var outcomes []string
	a := newTestAnalyzer(t, server.URL+"/stats", WithProgress(func(done, total int, endpoint, outcome string) {
		mu.Lock()
		outcomes = append(outcomes, fmt.Sprintf("%d/%d %s %s", done, total, endpoint, outcome))
		mu.Unlock()
	}))

	result, err := a.Run(context.Background(), []string{"PlayerProfileV2", "HomepageV2"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rec, ok := a.Records()["PlayerProfileV2"]
	if !ok {
		t.Fatal("PlayerProfileV2 record missing")
	}
	if rec.Status != state.StatusSuccess {
		t.Errorf("Status = %s, want success", rec.Status)
	}
	if want := []string{"LeagueID", "PerMode", "PlayerID"}; strings.Join(rec.Parameters, ",") != strings.Join(want, ",") {
		t.Errorf("Parameters = %v, want %v", rec.Parameters, want)
	}
	if want := []string{"PerMode", "PlayerID"}; strings.Join(rec.RequiredParameters, ",") != strings.Join(want, ",") {
		t.Errorf("RequiredParameters = %v, want %v", rec.RequiredParameters, want)
	}
	if want := []string{"LeagueID"}; strings.Join(rec.NullableParameters, ",") != strings.Join(want, ",") {
		t.Errorf("NullableParameters = %v, want %v", rec.NullableParameters, want)
	}
	if rec.LastValidatedDate != "2020-01-02" {
		t.Errorf("LastValidatedDate = %q, want 2020-01-02", rec.LastValidatedDate)
	}
	if p := rec.Pattern("PerMode"); p != `^(Totals)|(PerGame)$` {
		t.Errorf("PerMode pattern = %q", p)
	}

	if dep := a.Records()["HomepageV2"]; dep == nil || dep.Status != state.StatusDeprecated {
		t.Errorf("HomepageV2 record = %+v, want deprecated", dep)
	}

	if !result.Batch.Todo.Has("PlayerProfileV2", "PlayerProfileV2", probe.KindEndpointList) {
		t.Error("unknown endpoint should produce an endpoint_list todo")
	}
	if result.Batch.Todo.Has("HomepageV2", "HomepageV2", probe.KindEndpointList) {
		t.Error("deprecated endpoints should not produce an endpoint_list todo")
	}

	counts := result.Report.Statistics
	if counts.Total != 2 || counts.Success != 1 || counts.Deprecated != 1 {
		t.Errorf("Statistics = %+v", counts)
	}

	want := []string{"1/2 PlayerProfileV2 success", "2/2 HomepageV2 deprecated"}
	if strings.Join(outcomes, "|") != strings.Join(want, "|") {
		t.Errorf("progress = %v, want %v", outcomes, want)
	}

	var todo bytes.Buffer
	if err := a.WriteTodo(&todo, result); err != nil {
		t.Fatalf("WriteTodo() error = %v", err)
	}
	if !strings.Contains(todo.String(), "PlayerProfileV2") {
		t.Errorf("todo report = %q, should name PlayerProfileV2", todo.String())
	}

	// A second run skips both terminal records without sending anything.
	sent := api.count()
	again, err := a.Run(context.Background(), []string{"PlayerProfileV2", "HomepageV2"})
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if api.count() != sent {
		t.Errorf("second run sent %d requests, want 0", api.count()-sent)
	}
	if skipped := again.Batch.Skipped(); len(skipped) != 2 {
		t.Errorf("Skipped() = %v, want both endpoints", skipped)
	}
}

func TestAnalyzer_Run_PersistsAcrossInstances(t *testing.T) {
	_, server := newFakeAPI(t)
	path := filepath.Join(t.TempDir(), "analysis.json")

	first := newTestAnalyzer(t, server.URL+"/stats", WithStore(state.BackendFile, path))
	if _, err := first.Run(context.Background(), []string{"PlayerProfileV2"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	first.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("store not written: %v", err)
	}
	if !bytes.Contains(data, []byte(`"PlayerProfileV2": {`)) {
		t.Errorf("store = %s, want an indented PlayerProfileV2 record", data)
	}

	second := newTestAnalyzer(t, server.URL+"/stats", WithStore(state.BackendFile, path))
	if rec := second.Records()["PlayerProfileV2"]; rec == nil || rec.Status != state.StatusSuccess {
		t.Errorf("reloaded record = %+v, want success", rec)
	}
}

func TestAnalyzer_Run_Cancelled(t *testing.T) {
	_, server := newFakeAPI(t)
	a := newTestAnalyzer(t, server.URL+"/stats", WithStore(state.BackendMemory, ""))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := a.Run(ctx, []string{"PlayerProfileV2"})
	if err == nil {
		t.Fatal("Run() should fail when cancelled")
	}
	if result == nil || result.Report == nil {
		t.Fatal("Run() should return a partial result")
	}
	if len(a.Records()) != 0 {
		t.Errorf("Records() = %v, want none", a.Records().Names())
	}
}

func TestAnalyzer_Run_Closed(t *testing.T) {
	a := newTestAnalyzer(t, "http://127.0.0.1:1/stats", WithStore(state.BackendMemory, ""))
	a.Close()

	if _, err := a.Run(context.Background(), []string{"X"}); err == nil {
		t.Error("Run() should fail after Close")
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

// =============================================================================
// Docs and Status Tests
// =============================================================================

func TestAnalyzer_GenerateDocs(t *testing.T) {
	_, server := newFakeAPI(t)
	a := newTestAnalyzer(t, server.URL+"/stats")

	if _, err := a.Run(context.Background(), []string{"PlayerProfileV2", "HomepageV2"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	dir := filepath.Join(t.TempDir(), "docs")
	pages, err := a.GenerateDocs(dir)
	if err != nil {
		t.Fatalf("GenerateDocs() error = %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("GenerateDocs() wrote %d pages, want 1", len(pages))
	}

	content, err := os.ReadFile(filepath.Join(dir, "playerprofilev2.md"))
	if err != nil {
		t.Fatalf("page not written: %v", err)
	}
	for _, want := range []string{"# PlayerProfileV2", "SeasonTotalsRegularSeason", "Last validated 2020-01-02"} {
		if !strings.Contains(string(content), want) {
			t.Errorf("page should contain %q", want)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "homepagev2.md")); !os.IsNotExist(err) {
		t.Error("deprecated endpoints should not get a page")
	}
}

func TestAnalyzer_Status(t *testing.T) {
	_, server := newFakeAPI(t)
	a := newTestAnalyzer(t, server.URL+"/stats")

	if _, err := a.Run(context.Background(), []string{"PlayerProfileV2", "HomepageV2"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	s := a.Status()
	if s.Counts[state.StatusSuccess] != 1 || s.Counts[state.StatusDeprecated] != 1 {
		t.Errorf("Counts = %v", s.Counts)
	}
	if len(s.Invalid) != 0 {
		t.Errorf("Invalid = %v, want none", s.Invalid)
	}
	if len(s.NotAnalyzed) != len(a.Tables().Endpoints()) {
		t.Errorf("NotAnalyzed has %d entries, want every known endpoint (%d)", len(s.NotAnalyzed), len(a.Tables().Endpoints()))
	}
	if !sort.StringsAreSorted(s.NotAnalyzed) {
		t.Error("NotAnalyzed should be sorted")
	}
}

// =============================================================================
// Outcome Tests
// =============================================================================

func TestOutcome(t *testing.T) {
	tests := []struct {
		res  probe.EndpointResult
		want string
	}{
		{probe.EndpointResult{Status: state.StatusSuccess}, progress.OutcomeSuccess},
		{probe.EndpointResult{Status: state.StatusInvalid}, progress.OutcomeInvalid},
		{probe.EndpointResult{Status: state.StatusDeprecated}, progress.OutcomeDeprecated},
		{probe.EndpointResult{Status: state.StatusSuccess, Skipped: true}, progress.OutcomeSkipped},
		{probe.EndpointResult{Error: "boom"}, progress.OutcomeAborted},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := Outcome(tt.res); got != tt.want {
				t.Errorf("Outcome() = %q, want %q", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Scope Tests
// =============================================================================

func TestAnalyzer_Select(t *testing.T) {
	a := newTestAnalyzer(t, "http://127.0.0.1:1/stats",
		WithStore(state.BackendMemory, ""),
		WithScope([]string{"GameLog$"}, []string{"^Player"}),
	)

	got := a.Select([]string{"TeamGameLog", "PlayerGameLog", "teamgamelog", "LeagueLeaders"})
	if strings.Join(got, ",") != "TeamGameLog" {
		t.Errorf("Select() = %v, want [TeamGameLog]", got)
	}

	for _, name := range a.Select(nil) {
		if !strings.HasSuffix(name, "GameLog") || strings.HasPrefix(name, "Player") {
			t.Errorf("Select(nil) returned out-of-scope endpoint %q", name)
		}
	}
}

func TestAnalyzer_Select_UsesTableSpelling(t *testing.T) {
	a := newTestAnalyzer(t, "http://127.0.0.1:1/stats", WithStore(state.BackendMemory, ""))

	got := a.Select([]string{"teamgamelog", "PLAYERDASHPTPASS", "TeamGameLog", "BrandNew"})
	if want := "TeamGameLog,PlayerDashPtPass,BrandNew"; strings.Join(got, ",") != want {
		t.Errorf("Select() = %v, want %s", got, want)
	}
}

func TestAnalyzer_Run_LowerCaseNameHitsStoredRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analysis.json")
	pattern := `^\d+$`
	seed := state.Records{"TeamGameLog": {
		Endpoint:           "TeamGameLog",
		Status:             state.StatusSuccess,
		Parameters:         []string{"PlayerID"},
		RequiredParameters: []string{"PlayerID"},
		ParameterPatterns:  map[string]*string{"PlayerID": &pattern},
		DataSets:           map[string][]string{},
		LastValidatedDate:  "2019-11-30",
	}}
	if err := state.NewFileStore(path).Save(seed); err != nil {
		t.Fatal(err)
	}

	api, server := newFakeAPI(t)
	a := newTestAnalyzer(t, server.URL+"/stats", WithStore(state.BackendFile, path))

	result, err := a.Run(context.Background(), []string{"teamgamelog"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if api.count() != 0 {
		t.Errorf("requests = %d, want 0", api.count())
	}
	if got := result.Batch.Skipped(); len(got) != 1 || got[0] != "TeamGameLog" {
		t.Errorf("Skipped() = %v, want [TeamGameLog]", got)
	}
	if names := a.Records().Names(); len(names) != 1 || names[0] != "TeamGameLog" {
		t.Errorf("records = %v, want only TeamGameLog", names)
	}
	if len(result.Batch.Todo.Items()) != 0 {
		t.Errorf("todo = %v, want none", result.Batch.Todo.Items())
	}
}

func TestAnalyzer_Run_SkipsOutOfScope(t *testing.T) {
	api, server := newFakeAPI(t)
	a := newTestAnalyzer(t, server.URL+"/stats",
		WithStore(state.BackendMemory, ""),
		WithScope(nil, []string{"^Homepage"}),
	)

	result, err := a.Run(context.Background(), []string{"HomepageV2"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(result.Batch.Results) != 0 || api.count() != 0 {
		t.Errorf("excluded endpoint was analyzed: %d results, %d requests", len(result.Batch.Results), api.count())
	}
}

func TestNew_InvalidScope(t *testing.T) {
	_, err := New(WithStore(state.BackendMemory, ""), WithScope([]string{"[bad"}, nil), WithLogger(logger.Nop()))
	if err == nil {
		t.Error("New() should reject an invalid scope pattern")
	}
}

func TestAnalyzer_GenerateDocs_WarnsOncePerIssue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "analysis.json")
	pattern := `^\d+$`
	seed := state.Records{"OddEndpoint": {
		Endpoint:           "OddEndpoint",
		Status:             state.StatusSuccess,
		Parameters:         []string{"Mystery"},
		RequiredParameters: []string{"Mystery"},
		ParameterPatterns:  map[string]*string{"Mystery": &pattern},
		DataSets:           map[string][]string{},
		LastValidatedDate:  "2020-01-02",
	}}
	if err := state.NewFileStore(path).Save(seed); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	a := newTestAnalyzer(t, "http://127.0.0.1:1/stats",
		WithStore(state.BackendFile, path),
		WithLogger(logger.New(logger.Config{Level: logger.WarnLevel, Output: &buf})),
	)

	pages, err := a.GenerateDocs(filepath.Join(t.TempDir(), "docs"))
	if err != nil {
		t.Fatalf("GenerateDocs() error = %v", err)
	}
	if len(pages) != 1 || len(pages[0].Warnings) == 0 {
		t.Fatalf("pages = %+v, want one page with warnings", pages)
	}

	const warning = "parameter Mystery is not in the parameter map"
	want := 0
	for _, w := range pages[0].Warnings {
		if w == warning {
			want++
		}
	}
	if want == 0 {
		t.Fatalf("Warnings = %v, want %q", pages[0].Warnings, warning)
	}
	if got := strings.Count(buf.String(), warning); got != want {
		t.Errorf("warning logged %d times, want %d:\n%s", got, want, buf.String())
	}
}
