// ABOUTME: Result envelopes returned by the store, search and history
// ABOUTME: Carries outcome kind, status hint and element filter explicitly

package store

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/fhirstore/pkg/outcome"
	"github.com/nainya/fhirstore/pkg/resource"
	"github.com/nainya/fhirstore/pkg/storage"
)

// WriteKind tells the transport what a write did.
type WriteKind int

const (
	WriteCreated WriteKind = iota + 1
	WriteUpdated
	WriteOK // conditional create matched an existing resource
	WriteDeleted
	WriteNoop // delete of an id with no current version
)

func (k WriteKind) String() string {
	switch k {
	case WriteCreated:
		return "created"
	case WriteUpdated:
		return "updated"
	case WriteOK:
		return "ok"
	case WriteDeleted:
		return "deleted"
	case WriteNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// WriteResult is the envelope of every write.
type WriteResult struct {
	Resource   *resource.Resource
	Key        storage.ResourceKey
	Kind       WriteKind
	StatusHint int
	Outcome    *outcome.Outcome // validation warnings and information
}

func statusFor(k WriteKind) int {
	switch k {
	case WriteCreated:
		return http.StatusCreated
	case WriteNoop, WriteDeleted:
		return http.StatusNoContent
	default:
		return http.StatusOK
	}
}

// SummaryMode selects how much of each resource is returned.
type SummaryMode string

const (
	SummaryFalse SummaryMode = ""
	SummaryTrue  SummaryMode = "true"
	SummaryText  SummaryMode = "text"
	SummaryData  SummaryMode = "data"
	SummaryCount SummaryMode = "count"
)

// ParseSummary accepts the _summary literals; "false" maps to SummaryFalse.
func ParseSummary(s string) (SummaryMode, bool) {
	switch strings.ToLower(s) {
	case "", "false":
		return SummaryFalse, true
	case "true":
		return SummaryTrue, true
	case "text":
		return SummaryText, true
	case "data":
		return SummaryData, true
	case "count":
		return SummaryCount, true
	default:
		return "", false
	}
}

// ElementFilter lists the top-level elements a projection keeps. The
// transport applies it; meta, id and resourceType are always kept.
type ElementFilter struct {
	Elements []string
}

// NewElementFilter parses a comma separated _elements value.
func NewElementFilter(v string) *ElementFilter {
	f := &ElementFilter{}
	for _, e := range strings.Split(v, ",") {
		if e = strings.TrimSpace(e); e != "" {
			f.Elements = append(f.Elements, e)
		}
	}
	return f
}

// Retains reports whether a top-level element survives the filter.
func (f *ElementFilter) Retains(name string) bool {
	if f == nil {
		return true
	}
	switch name {
	case "meta", "id", "resourceType":
		return true
	}
	for _, e := range f.Elements {
		if e == name {
			return true
		}
	}
	return false
}

// Apply returns a copy of r with only retained body elements.
func (f *ElementFilter) Apply(r *resource.Resource) *resource.Resource {
	if f == nil || r == nil {
		return r
	}
	out := r.Clone()
	for k := range out.Body {
		if !f.Retains(k) {
			delete(out.Body, k)
		}
	}
	return out
}

// EntryMode distinguishes matches from diagnostic entries.
type EntryMode string

const (
	EntryMatch   EntryMode = "match"
	EntryOutcome EntryMode = "outcome"
	EntryInclude EntryMode = "include"
)

// Entry is one element of a ResultSet. Exactly one of Resource and Outcome
// is set.
type Entry struct {
	FullURL  string
	Resource *resource.Resource
	Outcome  *outcome.Outcome
	Mode     EntryMode
}

// SetKind names the kind of result set.
type SetKind string

const (
	SetSearch   SetKind = "searchset"
	SetHistory  SetKind = "history"
	SetDocument SetKind = "document"
)

// ResultSet is a search, history or document bundle.
type ResultSet struct {
	ID        string
	Kind      SetKind
	Total     int
	Entries   []Entry
	Filter    *ElementFilter
	Timestamp time.Time
}

func newResultSet(kind SetKind, now time.Time) *ResultSet {
	return &ResultSet{
		ID:        "urn:uuid:" + uuid.NewString(),
		Kind:      kind,
		Timestamp: now,
	}
}

// Matches returns the resources of the match entries.
func (rs *ResultSet) Matches() []*resource.Resource {
	var out []*resource.Resource
	for _, e := range rs.Entries {
		if e.Mode == EntryMatch && e.Resource != nil {
			out = append(out, e.Resource)
		}
	}
	return out
}

// Param is one name=value search parameter. Order is preserved and names may
// repeat.
type Param struct {
	Name  string
	Value string
}

// ParseQuery parses a raw query string such as "name=peter&gender=male".
func ParseQuery(raw string) ([]Param, error) {
	raw = strings.TrimPrefix(raw, "?")
	var params []Param
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		n, err := url.QueryUnescape(name)
		if err != nil {
			return nil, fmt.Errorf("parse query parameter %q: %w", name, err)
		}
		v, err := url.QueryUnescape(value)
		if err != nil {
			return nil, fmt.Errorf("parse query value %q: %w", value, err)
		}
		params = append(params, Param{Name: n, Value: v})
	}
	return params, nil
}

// SearchOptions shape a search result.
type SearchOptions struct {
	Count   *int
	Summary SummaryMode
	Sort    string
}

// HistoryOptions filter and truncate a history result.
type HistoryOptions struct {
	Since   time.Time
	Till    time.Time
	Count   *int
	Summary SummaryMode
}

func (o HistoryOptions) includes(t time.Time) bool {
	if !o.Since.IsZero() && t.Before(o.Since) {
		return false
	}
	if !o.Till.IsZero() && t.After(o.Till) {
		return false
	}
	return true
}

// IntPtr is a convenience for optional counts.
func IntPtr(n int) *int { return &n }

// Diagnostics merges the outcome entries, nil when the set has none.
func (rs *ResultSet) Diagnostics() *outcome.Outcome {
	var out *outcome.Outcome
	for _, e := range rs.Entries {
		if e.Mode != EntryOutcome || e.Outcome == nil {
			continue
		}
		if out == nil {
			out = outcome.New()
		}
		out.Merge(e.Outcome)
	}
	return out
}

// hasCriteria reports whether params filter anything, as opposed to only
// shaping the result.
func hasCriteria(params []Param) bool {
	for _, p := range params {
		switch p.Name {
		case "_elements", "_summary", "_sort", "_count":
		default:
			return true
		}
	}
	return false
}

// limit is how many of n results a count keeps. A negative count keeps none.
func limit(n int, count *int) int {
	if count == nil || *count >= n {
		return n
	}
	return max(*count, 0)
}

func parseCount(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid _count %q", v)
	}
	return n, nil
}
