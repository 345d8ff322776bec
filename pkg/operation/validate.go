package operation

import (
	"context"
	"fmt"
	"net/http"

	"github.com/nainya/fhirstore/pkg/outcome"
	"github.com/nainya/fhirstore/pkg/resource"
	"github.com/nainya/fhirstore/pkg/store"
	"github.com/nainya/fhirstore/pkg/validation"
)

// Resolver finds the store serving a resource type.
type Resolver interface {
	Store(resourceType string) (*store.Store, bool)
}

// ValidateDefinition returns the $validate operation.
func ValidateDefinition(stores Resolver, gw validation.Gateway) Definition {
	return Definition{
		Name:   "validate",
		Scopes: ScopeType | ScopeInstance,
		Handler: func(ctx context.Context, req Request) (*Result, error) {
			return validate(ctx, stores, gw, req)
		},
	}
}

func validate(ctx context.Context, stores Resolver, gw validation.Gateway, req Request) (*Result, error) {
	params := req.Params

	if req.ID != "" {
		if len(params.All("resource")) > 0 {
			o := outcome.New().Add(outcome.SeverityError, outcome.IssueIncomplete,
				"When calling the resource instance validate operation the 'resource' parameters must not be provided")
			return nil, outcome.BadRequest(o, "Invalid $validate parameters")
		}
		st, ok := stores.Store(req.Type)
		if !ok {
			return nil, outcome.Unimplemented("Resource type %s is not supported", req.Type)
		}
		current, err := st.Get(ctx, req.ID, "", store.SummaryFalse)
		if err != nil {
			return nil, err
		}
		params = params.With(Parameter{Name: "resource", Resource: current})
	}

	shape := outcome.New()

	mode := validation.ModeCreate
	modes := params.All("mode")
	if len(modes) > 1 {
		shape.Add(outcome.SeverityError, outcome.IssueStructure, "Multiple 'mode' parameters provided")
	}
	if len(modes) > 0 {
		m := modes[0]
		switch {
		case m.ValueType != "code" && m.ValueType != "string":
			shape.Add(outcome.SeverityError, outcome.IssueStructure, "The 'mode' parameter must be a code")
		case m.Value != "":
			parsed, ok := validation.ParseMode(m.Value)
			if !ok {
				shape.Add(outcome.SeverityError, outcome.IssueCodeInvalid, "Invalid 'mode' parameter value '%s'", m.Value)
			} else {
				mode = parsed
			}
		}
	}

	var r *resource.Resource
	resources := params.All("resource")
	if len(resources) > 1 {
		shape.Add(outcome.SeverityError, outcome.IssueIncomplete, "Multiple 'resource' parameters provided")
	}
	if len(resources) != 1 && mode != validation.ModeDelete {
		shape.Add(outcome.SeverityError, outcome.IssueIncomplete, "Missing the 'resource' parameter")
	}
	if len(resources) > 0 {
		r = resources[0].Resource
	}

	var profiles []string
	for _, p := range params.All("profile") {
		if p.Value != "" {
			profiles = append(profiles, p.Value)
		}
	}

	if r != nil && req.Type != "" && r.Type != req.Type {
		shape.Add(outcome.SeverityError, outcome.IssueIncomplete,
			"Cannot validate a '%s' resource on the '%s' endpoint", r.Type, req.Type)
	}

	if !shape.Success() {
		return nil, outcome.BadRequest(shape, "Invalid $validate parameters")
	}

	result, err := gw.Validate(ctx, r, mode, profiles)
	if err != nil {
		return nil, err
	}

	out := outcome.New()
	out.Merge(result)
	if out.Success() {
		ref := req.Type + "/" + req.ID
		if r != nil {
			ref = r.Reference()
		}
		msg := fmt.Sprintf("Validation of '%s' for %s was successful", ref, mode)
		if w := out.Warnings(); w > 0 {
			msg += fmt.Sprintf(" (with %d warnings)", w)
		}
		out.Prepend(outcome.Issue{
			Severity:    outcome.SeverityInformation,
			Code:        outcome.IssueInformational,
			Diagnostics: msg,
		})
	}
	return &Result{Outcome: out, StatusHint: http.StatusOK}, nil
}
