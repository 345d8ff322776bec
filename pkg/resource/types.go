// ABOUTME: Clinical resource data model
// ABOUTME: Typed identity and metadata around an opaque JSON body

package resource

import (
	"strconv"
	"strings"
	"time"
)

// SubsettedSystem and SubsettedCode mark a partial projection of a resource.
const (
	SubsettedSystem = "http://terminology.hl7.org/CodeSystem/v3-ObservationValue"
	SubsettedCode   = "SUBSETTED"
)

// Coding is a (system, code) pair used for meta tags. Extra holds the
// elements the store does not interpret, such as version and userSelected.
type Coding struct {
	System  string         `json:"system,omitempty"`
	Code    string         `json:"code,omitempty"`
	Display string         `json:"display,omitempty"`
	Extra   map[string]any `json:"-"`
}

// Meta carries versioning metadata. VersionID is numeric internally and only
// rendered as text by the codec. Extra keeps every other meta element
// (source, security, extension) unchanged.
type Meta struct {
	VersionID   int64
	LastUpdated time.Time
	Profiles    []string
	Tags        []Coding
	Extra       map[string]any
}

// Resource is a single typed, identified record.
type Resource struct {
	Type string
	ID   string
	Meta *Meta
	Body map[string]any // Every element except resourceType, id and meta
}

// New creates an empty resource of the given type.
func New(resourceType, id string) *Resource {
	return &Resource{Type: resourceType, ID: id, Body: map[string]any{}}
}

// VersionString renders the version for the wire.
func (r *Resource) VersionString() string {
	if r.Meta == nil || r.Meta.VersionID == 0 {
		return ""
	}
	return strconv.FormatInt(r.Meta.VersionID, 10)
}

// Version returns the numeric version, 0 when unset.
func (r *Resource) Version() int64 {
	if r.Meta == nil {
		return 0
	}
	return r.Meta.VersionID
}

// LastUpdated returns meta.lastUpdated or the zero time.
func (r *Resource) LastUpdated() time.Time {
	if r.Meta == nil {
		return time.Time{}
	}
	return r.Meta.LastUpdated
}

// EnsureMeta creates the meta block when missing and returns it.
func (r *Resource) EnsureMeta() *Meta {
	if r.Meta == nil {
		r.Meta = &Meta{}
	}
	return r.Meta
}

// HasTag reports whether meta.tag contains system|code.
func (r *Resource) HasTag(system, code string) bool {
	if r.Meta == nil {
		return false
	}
	for _, t := range r.Meta.Tags {
		if t.System == system && t.Code == code {
			return true
		}
	}
	return false
}

// IsSubsetted reports whether the resource is a partial projection.
func (r *Resource) IsSubsetted() bool {
	return r.HasTag(SubsettedSystem, SubsettedCode)
}

// MarkSubsetted adds the subsetted tag once.
func (r *Resource) MarkSubsetted() {
	if r.IsSubsetted() {
		return
	}
	m := r.EnsureMeta()
	m.Tags = append(m.Tags, Coding{System: SubsettedSystem, Code: SubsettedCode})
}

// Clone returns a deep copy so callers can annotate results without touching
// cached or stored state.
func (r *Resource) Clone() *Resource {
	if r == nil {
		return nil
	}
	out := &Resource{Type: r.Type, ID: r.ID, Body: cloneMap(r.Body)}
	if r.Meta != nil {
		m := *r.Meta
		m.Profiles = append([]string(nil), r.Meta.Profiles...)
		m.Tags = nil
		for _, t := range r.Meta.Tags {
			t.Extra = cloneMap(t.Extra)
			m.Tags = append(m.Tags, t)
		}
		m.Extra = cloneMap(r.Meta.Extra)
		out.Meta = &m
	}
	return out
}

// Reference renders Type/ID.
func (r *Resource) Reference() string {
	return r.Type + "/" + r.ID
}

// ParseVersion parses a wire version id. Weak ETag forms (W/"3", "3") are accepted.
func ParseVersion(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "W/")
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 1 {
		return 0, false
	}
	return v, true
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
