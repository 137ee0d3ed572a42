package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PentesterFlow/StatsProbe/internal/mapping"
	"github.com/PentesterFlow/StatsProbe/internal/ratelimit"
	"github.com/PentesterFlow/StatsProbe/internal/stats"
)

var digitsRegex = regexp.MustCompile(`^\d+$`)

// contractParam describes how the simulated API treats one parameter.
type contractParam struct {
	required bool
	nullable bool
	pattern  string // empty: values must be numeric
}

// contract is a simulated endpoint.
type contract struct {
	params   map[string]contractParam
	echo     []string
	dataSets map[string][]string
}

// respond validates params against the contract the way the stats API words its errors.
func (c *contract) respond(params map[string]string) *stats.Response {
	names := make([]string, 0, len(c.params))
	for n := range c.params {
		names = append(names, n)
	}
	sort.Strings(names)

	var errs []string
	for _, name := range names {
		p := c.params[name]
		v, present := params[name]
		switch {
		case !present:
			if p.required {
				errs = append(errs, name+" is required")
			}
		case v == "":
			if !p.nullable {
				errs = append(errs, name+" is required")
			}
		case p.pattern != "":
			if !regexp.MustCompile(p.pattern).MatchString(v) {
				errs = append(errs, fmt.Sprintf("The field %s must match the regular expression '%s'.", name, p.pattern))
			}
		default:
			if !digitsRegex.MatchString(v) {
				errs = append(errs, fmt.Sprintf("The value '%s' is not valid for %s.", v, name))
			}
		}
	}
	if len(errs) > 0 {
		return stats.NewResponse("fake", 400, strings.Join(errs, "; "))
	}

	echoed := make(map[string]interface{})
	for _, name := range c.echo {
		if v, ok := params[name]; ok && v != "" {
			echoed[name] = v
		} else {
			echoed[name] = nil
		}
	}
	var sets []map[string]interface{}
	for name, cols := range c.dataSets {
		sets = append(sets, map[string]interface{}{"name": name, "headers": cols, "rowSet": []interface{}{}})
	}
	body, _ := json.Marshal(map[string]interface{}{
		"resource":   "fake",
		"parameters": echoed,
		"resultSets": sets,
	})
	return stats.NewResponse("fake", 200, string(body))
}

type sentRequest struct {
	endpoint string
	params   map[string]string
}

// fakeSender answers from a fixed sequence of bodies when script is set,
// otherwise from a fixed body per endpoint or the endpoint's contract.
// Unknown endpoints get the 404 page.
type fakeSender struct {
	mu        sync.Mutex
	contracts map[string]*contract
	script    []string
	fixed     map[string]string
	err       error
	sent      []sentRequest
}

func (f *fakeSender) Send(ctx context.Context, endpoint string, params map[string]string) (*stats.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	f.sent = append(f.sent, sentRequest{endpoint: endpoint, params: cp})

	if f.err != nil {
		return nil, f.err
	}
	if f.script != nil {
		i := len(f.sent) - 1
		if i >= len(f.script) {
			return nil, fmt.Errorf("unexpected request %d to %s", i+1, endpoint)
		}
		return stats.NewResponse("fake", 200, f.script[i]), nil
	}
	if b, ok := f.fixed[endpoint]; ok {
		return stats.NewResponse("fake", 400, b), nil
	}
	if c, ok := f.contracts[endpoint]; ok {
		return c.respond(params), nil
	}
	return stats.NewResponse("fake", 200, "<html><head>"+stats.NotFoundMarker+"</head></html>"), nil
}

func (f *fakeSender) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testTables(t *testing.T) *mapping.Tables {
	t.Helper()
	tables, err := mapping.Default()
	if err != nil {
		t.Fatalf("mapping.Default() error = %v", err)
	}
	return tables
}

func fixedClock() time.Time {
	return time.Date(2020, 1, 2, 15, 4, 5, 0, time.UTC)
}

func noSleepPacer() *ratelimit.Pacer {
	return ratelimit.NewPacerWithSleep(time.Second, func(ctx context.Context, d time.Duration) error {
		return ctx.Err()
	})
}

func newTestProtocol(t *testing.T, sender Sender) (*Protocol, *ratelimit.Pacer) {
	t.Helper()
	pacer := noSleepPacer()
	return NewProtocol(sender, testTables(t), WithPacer(pacer), WithClock(fixedClock)), pacer
}

// teamGameLog has no override entry and exercises the pattern-guided retry:
// the representative Season sample is a bare year the endpoint rejects.
func teamGameLog() *contract {
	return &contract{
		params: map[string]contractParam{
			"TeamID":     {required: true},
			"Season":     {required: true, pattern: `^(\d{4}-\d{2})$`},
			"SeasonType": {required: true, pattern: `^(Regular Season)|(Pre Season)|(Playoffs)|(All Star)$`},
			"DateFrom":   {nullable: true},
			"LeagueID":   {nullable: true, pattern: `^(\d{2})?$`},
		},
		echo:     []string{"TeamID", "Season", "SeasonType", "DateFrom", "LeagueID"},
		dataSets: map[string][]string{"TeamGameLog": {"Team_ID", "Game_ID", "GAME_DATE"}},
	}
}

// playerDashPtPass never mentions LeagueID in its errors; the override table forces it.
func playerDashPtPass() *contract {
	return &contract{
		params: map[string]contractParam{
			"PlayerID": {required: true},
			"Season":   {required: true, pattern: `^(\d{4}-\d{2})$`},
			"LeagueID": {pattern: `^\d{2}$`},
		},
		echo:     []string{"PlayerID", "Season", "LeagueID"},
		dataSets: map[string][]string{"PassesMade": {"PLAYER_ID", "PASS_TO"}},
	}
}
