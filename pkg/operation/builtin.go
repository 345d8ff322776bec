// ABOUTME: Read-only operations over the stores
// ABOUTME: Instance counts and the patient summary document

package operation

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/fhirstore/pkg/outcome"
	"github.com/nainya/fhirstore/pkg/resource"
	"github.com/nainya/fhirstore/pkg/store"
	"github.com/nainya/fhirstore/pkg/validation"
)

const loinc = "http://loinc.org"

// Builtins returns every operation the server ships with.
func Builtins(stores Resolver, gw validation.Gateway) []Definition {
	return []Definition{
		ValidateDefinition(stores, gw),
		CountDefinition(stores),
		SummaryDefinition(stores, time.Now),
	}
}

// CountDefinition returns $count-em, reporting the live instances of a type.
func CountDefinition(stores Resolver) Definition {
	return Definition{
		Name:   "count-em",
		Scopes: ScopeType,
		Handler: func(ctx context.Context, req Request) (*Result, error) {
			st, ok := stores.Store(req.Type)
			if !ok {
				return nil, outcome.Unimplemented("Resource type %s is not supported", req.Type)
			}
			n, err := st.Count(ctx)
			if err != nil {
				return nil, err
			}
			o := outcome.New().Add(outcome.SeverityInformation, outcome.IssueInformational,
				"%s resource instances: %d", req.Type, n)
			return &Result{Outcome: o, StatusHint: http.StatusOK}, nil
		},
	}
}

type section struct {
	title   string
	code    string
	entries []*resource.Resource
}

// SummaryDefinition returns $summary on Patient instances: a document made
// of a Composition, the patient and the clinical records that reference it.
func SummaryDefinition(stores Resolver, now func() time.Time) Definition {
	return Definition{
		Name:   "summary",
		Scopes: ScopeInstance,
		Types:  []string{"Patient"},
		Handler: func(ctx context.Context, req Request) (*Result, error) {
			return summary(ctx, stores, now().UTC(), req.ID)
		},
	}
}

func summary(ctx context.Context, stores Resolver, now time.Time, id string) (*Result, error) {
	patients, ok := stores.Store("Patient")
	if !ok {
		return nil, outcome.Unimplemented("Resource type Patient is not supported")
	}
	patient, err := patients.Get(ctx, id, "", store.SummaryFalse)
	if err != nil {
		return nil, err
	}

	search := func(resourceType string, extra ...store.Param) ([]*resource.Resource, error) {
		st, ok := stores.Store(resourceType)
		if !ok {
			return nil, nil
		}
		params := append([]store.Param{{Name: "patient", Value: id}}, extra...)
		rs, err := st.Search(ctx, params, store.SearchOptions{})
		if err != nil {
			return nil, err
		}
		// A type that cannot be filtered by patient would return every record.
		if rs.Diagnostics() != nil {
			return nil, nil
		}
		return rs.Matches(), nil
	}

	problems, err := search("Condition", store.Param{Name: "category", Value: "problem-list-item"})
	if err != nil {
		return nil, err
	}
	procedures, err := search("Procedure")
	if err != nil {
		return nil, err
	}
	allergies, err := search("AllergyIntolerance")
	if err != nil {
		return nil, err
	}
	medications, err := search("MedicationRequest")
	if err != nil {
		return nil, err
	}
	observations, err := search("Observation")
	if err != nil {
		return nil, err
	}

	var results, vitals, social []*resource.Resource
	for _, o := range observations {
		switch {
		case hasCode(o.Body["category"], "laboratory"):
			results = append(results, o)
		case hasCode(o.Body["category"], "vital-signs"):
			vitals = append(vitals, o)
		case hasCode(o.Body["code"], "72166-2"):
			social = append(social, o)
		}
	}

	sections := []section{
		{"Active Problems", "11450-4", problems},
		{"History of Procedures Section", "47519-4", procedures},
		{"Allergies and Intolerances", "48765-2", allergies},
		{"Medication Summary section", "10160-0", medications},
		{"Results Section", "30954-2", results},
		{"Vital Signs Section", "8716-3", vitals},
		{"Social History Section", "29762-2", social},
	}

	composition := compose(patient, sections, now)
	doc := &store.ResultSet{
		ID:        "urn:uuid:" + uuid.NewString(),
		Kind:      store.SetDocument,
		Timestamp: now,
		Entries: []store.Entry{
			{FullURL: "urn:uuid:" + composition.ID, Resource: composition, Mode: store.EntryInclude},
			{FullURL: patient.Reference(), Resource: patient, Mode: store.EntryInclude},
		},
	}
	for _, s := range sections {
		for _, r := range s.entries {
			doc.Entries = append(doc.Entries, store.Entry{FullURL: r.Reference(), Resource: r, Mode: store.EntryInclude})
		}
	}
	doc.Total = len(doc.Entries)

	return &Result{Set: doc, StatusHint: http.StatusOK}, nil
}

func compose(patient *resource.Resource, sections []section, now time.Time) *resource.Resource {
	c := resource.New("Composition", uuid.NewString())
	date := now.Format(time.RFC3339)
	c.Body["status"] = "final"
	c.Body["type"] = codeable("60591-5")
	c.Body["title"] = "Patient Summary"
	c.Body["date"] = date
	c.Body["subject"] = map[string]any{"reference": patient.Reference()}
	c.Body["attester"] = []any{map[string]any{
		"mode":  "personal",
		"time":  date,
		"party": map[string]any{"reference": patient.Reference()},
	}}

	var out []any
	for _, s := range sections {
		if len(s.entries) == 0 {
			continue
		}
		refs := make([]any, len(s.entries))
		for i, r := range s.entries {
			refs[i] = map[string]any{"reference": r.Reference()}
		}
		out = append(out, map[string]any{
			"title": s.title,
			"code":  codeable(s.code),
			"entry": refs,
		})
	}
	if len(out) > 0 {
		c.Body["section"] = out
	}
	return c
}

func codeable(code string) map[string]any {
	return map[string]any{
		"coding": []any{map[string]any{"system": loinc, "code": code}},
	}
}

// hasCode looks for code in a CodeableConcept or a list of them.
func hasCode(v any, code string) bool {
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if hasCode(e, code) {
				return true
			}
		}
	case map[string]any:
		codings, _ := t["coding"].([]any)
		for _, c := range codings {
			if m, ok := c.(map[string]any); ok && m["code"] == code {
				return true
			}
		}
	}
	return false
}
