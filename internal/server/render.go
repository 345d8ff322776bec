// ABOUTME: Wire rendering shared by the REST and gRPC transports
// ABOUTME: Resources, bundles and outcomes become JSON documents here

package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/nainya/fhirstore/pkg/outcome"
	"github.com/nainya/fhirstore/pkg/resource"
	"github.com/nainya/fhirstore/pkg/store"
)

var codec = resource.JSONCodec{}

type entrySearch struct {
	Mode string `json:"mode"`
}

type bundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *entrySearch    `json:"search,omitempty"`
}

type bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp"`
	Total        *int          `json:"total,omitempty"`
	Entry        []bundleEntry `json:"entry,omitempty"`
}

type outcomeDoc struct {
	ResourceType string          `json:"resourceType"`
	ID           string          `json:"id,omitempty"`
	Issue        []outcome.Issue `json:"issue"`
}

// renderResource applies the optional element filter before encoding.
func renderResource(r *resource.Resource, filter *store.ElementFilter) ([]byte, error) {
	if filter != nil {
		r = filter.Apply(r)
	}
	return codec.Marshal(r)
}

// renderBundle encodes a result set. Full URLs are absolute when base is set.
func renderBundle(rs *store.ResultSet, base string) ([]byte, error) {
	b := bundle{
		ResourceType: "Bundle",
		ID:           strings.TrimPrefix(rs.ID, "urn:uuid:"),
		Type:         string(rs.Kind),
		Timestamp:    rs.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if rs.Kind != store.SetDocument {
		total := rs.Total
		b.Total = &total
	}

	for _, e := range rs.Entries {
		be := bundleEntry{FullURL: absolute(base, e.FullURL)}
		var (
			raw []byte
			err error
		)
		switch {
		case e.Resource != nil:
			raw, err = renderResource(e.Resource, rs.Filter)
		case e.Outcome != nil:
			raw, err = renderOutcome(e.Outcome)
		}
		if err != nil {
			return nil, fmt.Errorf("render entry %s: %w", e.FullURL, err)
		}
		be.Resource = raw
		if rs.Kind == store.SetSearch {
			be.Search = &entrySearch{Mode: string(e.Mode)}
		}
		b.Entry = append(b.Entry, be)
	}
	return json.Marshal(b)
}

func renderOutcome(o *outcome.Outcome) ([]byte, error) {
	doc := outcomeDoc{ResourceType: "OperationOutcome", Issue: []outcome.Issue{}}
	if o != nil {
		doc.ID = o.ID
		doc.Issue = append(doc.Issue, o.Issues...)
	}
	return json.Marshal(doc)
}

func absolute(base, ref string) string {
	if base == "" || ref == "" || strings.HasPrefix(ref, "urn:") {
		return ref
	}
	return strings.TrimSuffix(base, "/") + "/" + ref
}

// statusFor maps an error kind to an HTTP status. Unknown ids are 404 and
// deleted ones 410.
func statusFor(err error) int {
	e, ok := outcome.AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case outcome.KindValidationFailed, outcome.KindBadRequest:
		return http.StatusBadRequest
	case outcome.KindGone:
		if e.Deleted {
			return http.StatusGone
		}
		return http.StatusNotFound
	case outcome.KindUnimplemented:
		return http.StatusNotImplemented
	case outcome.KindConflict:
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

// errorOutcome is the body returned for a failed request. Unclassified
// errors are reported without their message.
func errorOutcome(err error) *outcome.Outcome {
	e, ok := outcome.AsError(err)
	if !ok {
		return outcome.New().Add(outcome.SeverityFatal, outcome.IssueException, "Internal server error")
	}
	if o := e.Full(); o != nil && len(o.Issues) > 0 {
		return o
	}
	code := outcome.IssueProcessing
	switch e.Kind {
	case outcome.KindGone:
		code = outcome.IssueNotFound
		if e.Deleted {
			code = outcome.IssueDeleted
		}
	case outcome.KindUnimplemented:
		code = outcome.IssueNotSupported
	case outcome.KindConflict:
		code = outcome.IssueConflict
	}
	return outcome.New().Add(outcome.SeverityError, code, "%s", e.Message)
}

// historyOptions reads _since, _till, _count and _summary.
func historyOptions(q url.Values) (store.HistoryOptions, error) {
	var opts store.HistoryOptions
	for name, dst := range map[string]*time.Time{"_since": &opts.Since, "_till": &opts.Till} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := parseInstant(v)
		if err != nil {
			return opts, outcome.BadRequest(nil, "Invalid %s value %q", name, v)
		}
		*dst = t
	}
	if v := q.Get("_count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return opts, outcome.BadRequest(nil, "Invalid _count value %q", v)
		}
		opts.Count = store.IntPtr(n)
	}
	if v := q.Get("_summary"); v != "" {
		m, ok := store.ParseSummary(v)
		if !ok {
			return opts, outcome.BadRequest(nil, "Invalid _summary value %q", v)
		}
		opts.Summary = m
	}
	return opts, nil
}

func parseInstant(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised instant %q", v)
}

func etag(r *resource.Resource) string {
	return `W/"` + r.VersionString() + `"`
}
