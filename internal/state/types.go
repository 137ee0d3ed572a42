package state

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Status is the outcome of an endpoint analysis.
type Status string

const (
	// StatusSuccess means the endpoint was fully characterized.
	StatusSuccess Status = "success"
	// StatusInvalid means the endpoint was only partially characterized and
	// will be probed again on the next run.
	StatusInvalid Status = "invalid"
	// StatusDeprecated means the endpoint answered with the 404 page.
	StatusDeprecated Status = "deprecated"
)

// IsTerminal reports whether a stored record with this status is skipped by a batch run.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusDeprecated
}

// EndpointAnalysis is the persisted contract of one API endpoint.
// Fields are declared in JSON key order.
type EndpointAnalysis struct {
	DataSets           map[string][]string `json:"data_sets"`
	Endpoint           string              `json:"endpoint"`
	LastValidatedDate  string              `json:"last_validated_date"`
	NullableParameters []string            `json:"nullable_parameters"`
	ParameterPatterns  map[string]*string  `json:"parameter_patterns"`
	Parameters         []string            `json:"parameters"`
	RequiredParameters []string            `json:"required_parameters"`
	Status             Status              `json:"status"`
}

type deprecatedRecord struct {
	Endpoint          string `json:"endpoint"`
	LastValidatedDate string `json:"last_validated_date"`
	Status            Status `json:"status"`
}

// MarshalJSON writes deprecated records as endpoint, date and status only, and
// every other record with all fields present.
func (a EndpointAnalysis) MarshalJSON() ([]byte, error) {
	if a.Status == StatusDeprecated {
		return marshalNoEscape(deprecatedRecord{
			Endpoint:          a.Endpoint,
			LastValidatedDate: a.LastValidatedDate,
			Status:            a.Status,
		})
	}

	type plain EndpointAnalysis
	n := a.Normalized()
	return marshalNoEscape(plain(*n))
}

// Normalized returns a copy with nil collections replaced by empty ones and
// parameter lists sorted.
func (a *EndpointAnalysis) Normalized() *EndpointAnalysis {
	n := &EndpointAnalysis{
		Endpoint:           a.Endpoint,
		LastValidatedDate:  a.LastValidatedDate,
		Status:             a.Status,
		Parameters:         sortedCopy(a.Parameters),
		RequiredParameters: sortedCopy(a.RequiredParameters),
		NullableParameters: sortedCopy(a.NullableParameters),
		ParameterPatterns:  make(map[string]*string, len(a.ParameterPatterns)),
		DataSets:           make(map[string][]string, len(a.DataSets)),
	}
	for k, v := range a.ParameterPatterns {
		if v != nil {
			p := *v
			n.ParameterPatterns[k] = &p
		} else {
			n.ParameterPatterns[k] = nil
		}
	}
	for k, v := range a.DataSets {
		cols := make([]string, len(v))
		copy(cols, v)
		n.DataSets[k] = cols
	}
	return n
}

// Pattern returns the pattern recorded for param, or "" when none was observed.
func (a *EndpointAnalysis) Pattern(param string) string {
	if p := a.ParameterPatterns[param]; p != nil {
		return *p
	}
	return ""
}

// IsRequired reports whether param is a required parameter.
func (a *EndpointAnalysis) IsRequired(param string) bool {
	return contains(a.RequiredParameters, param)
}

// IsNullable reports whether param accepts an empty value.
func (a *EndpointAnalysis) IsNullable(param string) bool {
	return contains(a.NullableParameters, param)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

// Records is the record store keyed by endpoint name.
type Records map[string]*EndpointAnalysis

// Names returns the endpoint names in sorted order.
func (r Records) Names() []string {
	names := make([]string, 0, len(r))
	for k := range r {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Encode serializes records as a JSON object with sorted keys, four-space
// indentation and no HTML escaping, so regex patterns stay readable.
func (r Records) Encode() ([]byte, error) {
	if r == nil {
		r = Records{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeRecords parses a record store document.
func DecodeRecords(data []byte) (Records, error) {
	records := make(Records)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = make(Records)
	}
	for name, rec := range records {
		if rec == nil {
			delete(records, name)
		}
	}
	return records, nil
}

func marshalNoEscape(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
