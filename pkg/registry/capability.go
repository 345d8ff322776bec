package registry

import (
	"sort"
	"time"

	"github.com/nainya/fhirstore/pkg/index"
	"github.com/nainya/fhirstore/pkg/resource"
)

// Interactions every store supports.
var interactions = []string{
	"create", "read", "vread", "update", "delete",
	"search-type", "history-instance", "history-type",
}

// ResourceCapability describes what the server does for one type.
type ResourceCapability struct {
	Type              string
	Interactions      []string
	Versioning        string
	ReadHistory       bool
	UpdateCreate      bool
	ConditionalCreate bool
	ConditionalDelete string
	SearchParams      []index.ParamDef
	Operations        []string
}

// Capability is the server capability descriptor.
type Capability struct {
	Software   string
	Date       time.Time
	Resources  []ResourceCapability
	System     []string
	Operations []string
}

// Capability builds the descriptor from the stores, index and dispatcher.
func (r *Registry) Capability() Capability {
	c := Capability{
		Software: "fhirstore",
		Date:     r.now().UTC(),
		System:   []string{"history-system"},
	}
	for _, def := range r.dispatcher.Definitions() {
		c.Operations = append(c.Operations, def.Name)
	}
	for _, t := range r.types {
		params := r.index.Params(t)
		sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })

		var ops []string
		for _, name := range c.Operations {
			if r.dispatcher.Supports(name, t) {
				ops = append(ops, name)
			}
		}
		c.Resources = append(c.Resources, ResourceCapability{
			Type:              t,
			Interactions:      append([]string(nil), interactions...),
			Versioning:        "versioned",
			ReadHistory:       true,
			UpdateCreate:      true,
			ConditionalCreate: true,
			ConditionalDelete: "not-supported",
			SearchParams:      params,
			Operations:        ops,
		})
	}
	return c
}

// Resource renders the descriptor as a CapabilityStatement.
func (c Capability) Resource() *resource.Resource {
	out := resource.New("CapabilityStatement", "")
	out.Body["status"] = "active"
	out.Body["kind"] = "instance"
	out.Body["date"] = c.Date.Format(time.RFC3339)
	out.Body["software"] = map[string]any{"name": c.Software}
	out.Body["format"] = []any{"json"}

	var resources []any
	for _, rc := range c.Resources {
		inter := make([]any, len(rc.Interactions))
		for i, code := range rc.Interactions {
			inter[i] = map[string]any{"code": code}
		}
		params := make([]any, len(rc.SearchParams))
		for i, p := range rc.SearchParams {
			params[i] = map[string]any{"name": p.Name, "type": string(p.Type)}
		}
		ops := make([]any, len(rc.Operations))
		for i, name := range rc.Operations {
			ops[i] = map[string]any{"name": name}
		}
		entry := map[string]any{
			"type":              rc.Type,
			"interaction":       inter,
			"versioning":        rc.Versioning,
			"readHistory":       rc.ReadHistory,
			"updateCreate":      rc.UpdateCreate,
			"conditionalCreate": rc.ConditionalCreate,
			"conditionalDelete": rc.ConditionalDelete,
			"searchParam":       params,
		}
		if len(ops) > 0 {
			entry["operation"] = ops
		}
		resources = append(resources, entry)
	}

	system := make([]any, len(c.System))
	for i, code := range c.System {
		system[i] = map[string]any{"code": code}
	}
	out.Body["rest"] = []any{map[string]any{
		"mode":        "server",
		"resource":    resources,
		"interaction": system,
	}}
	return out
}
