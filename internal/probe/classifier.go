package probe

import (
	"regexp"
	"strings"

	"github.com/PentesterFlow/StatsProbe/internal/errors"
	"github.com/PentesterFlow/StatsProbe/internal/stats"
)

var (
	htmlTagRegex = regexp.MustCompile(`<.*?>`)

	// The field PlayerID must match the regular expression '^\d+$'.
	parameterPatternRegex = regexp.MustCompile(`^\s*The field ([A-z]+) must match the regular expression '([^']+)'\.(?:;|$)`)

	// LeagueID is required / The Season Year is required. / The value 'a' is not valid for TeamID.
	// A trailing " Year" is dropped: the API says "Season Year" for Season.
	missingParameterRegex = regexp.MustCompile(`^\s*?(?:The value '[^']+' is not valid for |The )?([A-z0-9]+( Scope| Category)?)(?: Year)?\s*(?:property is required\.?| is required\.?(?:, pass 0 for default)?|\.)$`)
)

// benignSegments are error fragments that carry no parameter information.
var benignSegments = map[string]bool{
	" Invalid date":      true,
	"Invalid game date":  true,
	" Invalid game date": true,
	"<Error><Message>An error has occurred.</Message></Error>": true,
}

// Facts maps a parameter name to the pattern its error reported, or nil when
// the error only said the parameter is required or invalid.
type Facts map[string]*string

// names returns the parameter names in the order the API reported them.
func (f Facts) names(order []string) []string {
	out := make([]string, 0, len(order))
	for _, n := range order {
		if _, ok := f[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Classify parses a validation-failure body into parameter facts. HTML bodies
// and JSON bodies produce no facts. A segment outside both known grammars is a
// grammar mismatch unless the body mentions a date or range complaint.
func Classify(endpoint string, resp *stats.Response) (Facts, []string, error) {
	facts := make(Facts)
	var order []string

	body := resp.Body()
	if htmlTagRegex.MatchString(body) || resp.ValidJSON() {
		return facts, order, nil
	}
	if strings.TrimSpace(body) == "" {
		return nil, nil, errors.NewGrammarError(endpoint, body)
	}

	tolerant := strings.Contains(body, "Invalid date") || strings.Contains(body, "must be between")

	for _, segment := range strings.Split(body, ";") {
		if strings.TrimSpace(segment) == "" {
			continue
		}

		var name string
		var pattern *string
		if m := parameterPatternRegex.FindStringSubmatch(segment); m != nil {
			name = m[1]
			p := m[2]
			pattern = &p
		} else if m := missingParameterRegex.FindStringSubmatch(segment); m != nil {
			name = m[1]
		} else if benignSegments[segment] || tolerant {
			continue
		} else {
			return nil, nil, errors.NewGrammarError(endpoint, segment)
		}

		name = normalizeName(name)
		if _, seen := facts[name]; !seen {
			order = append(order, name)
		}
		facts[name] = pattern
	}

	return facts, order, nil
}

// RequiredParameters returns the names the body reports as required or
// rejected, in reported order.
func RequiredParameters(endpoint string, resp *stats.Response) ([]string, error) {
	facts, order, err := Classify(endpoint, resp)
	if err != nil {
		return nil, err
	}
	return facts.names(order), nil
}

// ParameterPatterns returns, per reported parameter, its validation pattern or nil.
func ParameterPatterns(endpoint string, resp *stats.Response) (Facts, error) {
	facts, _, err := Classify(endpoint, resp)
	return facts, err
}

func normalizeName(name string) string {
	name = strings.ReplaceAll(name, " ", "")
	switch name {
	case "Runtype":
		return "RunType"
	case "SeasonYear":
		return "Season"
	}
	return name
}
