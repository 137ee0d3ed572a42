package stats

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// NotFoundMarker is the page title the stats site serves for endpoints that no longer exist.
const NotFoundMarker = "<title>NBA.com/Stats  | 404 Page Not Found </title>"

// Response is the body of one API request together with the helpers the prober needs.
type Response struct {
	url        string
	statusCode int
	body       string

	parsed  interface{}
	isJSON  bool
	decoded bool
}

// NewResponse wraps a raw response body.
func NewResponse(url string, statusCode int, body string) *Response {
	return &Response{url: url, statusCode: statusCode, body: body}
}

// URL returns the requested URL.
func (r *Response) URL() string {
	return r.url
}

// StatusCode returns the HTTP status code.
func (r *Response) StatusCode() int {
	return r.statusCode
}

// Body returns the raw response text.
func (r *Response) Body() string {
	return r.body
}

func (r *Response) decode() {
	if r.decoded {
		return
	}
	r.decoded = true
	var v interface{}
	if err := json.Unmarshal([]byte(r.body), &v); err == nil {
		r.parsed = v
		r.isJSON = true
	}
}

// ValidJSON reports whether the body parses as JSON.
func (r *Response) ValidJSON() bool {
	r.decode()
	return r.isJSON
}

// Dict returns the body as a JSON object, or nil.
func (r *Response) Dict() map[string]interface{} {
	r.decode()
	m, _ := r.parsed.(map[string]interface{})
	return m
}

// Parameters returns the parameters the API echoed back. Most endpoints send an
// object; a few send a list of single-entry objects, which are merged.
func (r *Response) Parameters() map[string]interface{} {
	dict := r.Dict()
	if dict == nil {
		return nil
	}

	switch raw := dict["parameters"].(type) {
	case map[string]interface{}:
		return raw
	case []interface{}:
		params := make(map[string]interface{})
		for _, item := range raw {
			if m, ok := item.(map[string]interface{}); ok {
				for k, v := range m {
					params[k] = v
				}
			}
		}
		return params
	default:
		return nil
	}
}

// DataSetHeaders maps every returned data set name to its column names.
func (r *Response) DataSetHeaders() map[string][]string {
	dict := r.Dict()
	if dict == nil {
		return map[string][]string{}
	}

	results, ok := dict["resultSets"]
	if !ok {
		results = dict["resultSet"]
	}

	headers := make(map[string][]string)
	switch sets := results.(type) {
	case []interface{}:
		for _, s := range sets {
			if set, ok := s.(map[string]interface{}); ok {
				addDataSet(headers, set)
			}
		}
	case map[string]interface{}:
		addDataSet(headers, sets)
	}
	return headers
}

func addDataSet(headers map[string][]string, set map[string]interface{}) {
	name, ok := set["name"].(string)
	if !ok {
		return
	}
	headers[name] = columnNames(set["headers"])
}

// columnNames flattens a header list. Plain strings are columns; grouped
// headers (objects) contribute their columnNames.
func columnNames(raw interface{}) []string {
	list, _ := raw.([]interface{})
	columns := make([]string, 0, len(list))
	for _, h := range list {
		switch v := h.(type) {
		case string:
			columns = append(columns, v)
		case map[string]interface{}:
			names, _ := v["columnNames"].([]interface{})
			for _, n := range names {
				if s, ok := n.(string); ok {
					columns = append(columns, s)
				}
			}
		}
	}
	return columns
}

// IsNotFoundPage reports whether the body is the site's HTML 404 page.
func (r *Response) IsNotFoundPage() bool {
	return strings.Contains(r.body, NotFoundMarker)
}

// Title returns the HTML page title, if the body is an HTML document.
func (r *Response) Title() string {
	if r.ValidJSON() || !strings.Contains(r.body, "<") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(r.body))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

// IsEmptyValue reports whether an echoed parameter value is null or the empty string.
func IsEmptyValue(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
