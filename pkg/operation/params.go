// ABOUTME: Named operation parameters
// ABOUTME: Built from a Parameters resource body or from plain query values

package operation

import (
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/nainya/fhirstore/pkg/resource"
)

// Parameter is one named input. ValueType is the suffix of the valueX element
// (code, string, uri, boolean, ...); Resource is set for resource parameters.
type Parameter struct {
	Name      string
	ValueType string
	Value     string
	Resource  *resource.Resource
}

// Parameters is an ordered parameter list; names may repeat.
type Parameters []Parameter

// All returns every parameter with the given name, case-insensitively.
func (ps Parameters) All(name string) []Parameter {
	var out []Parameter
	for _, p := range ps {
		if strings.EqualFold(p.Name, name) {
			out = append(out, p)
		}
	}
	return out
}

// Value returns the first value of name.
func (ps Parameters) Value(name string) (string, bool) {
	for _, p := range ps {
		if strings.EqualFold(p.Name, name) && p.Resource == nil {
			return p.Value, true
		}
	}
	return "", false
}

// With returns a copy with p appended.
func (ps Parameters) With(p Parameter) Parameters {
	out := make(Parameters, 0, len(ps)+1)
	out = append(out, ps...)
	return append(out, p)
}

// FromQuery turns query values into string parameters.
func FromQuery(values map[string][]string) Parameters {
	var out Parameters
	for name, vals := range values {
		for _, v := range vals {
			out = append(out, Parameter{Name: name, ValueType: "string", Value: v})
		}
	}
	return out
}

// FromResource reads a Parameters resource:
//
//	{"resourceType":"Parameters","parameter":[{"name":"mode","valueCode":"create"}, ...]}
func FromResource(r *resource.Resource) (Parameters, error) {
	if r == nil {
		return nil, nil
	}
	if r.Type != "Parameters" {
		return nil, fmt.Errorf("expected a Parameters resource, got %s", r.Type)
	}
	raw, ok := r.Body["parameter"]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, errors.New("parameter must be an array")
	}

	out := make(Parameters, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parameter[%d] must be an object", i)
		}
		name, _ := obj["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("parameter[%d] has no name", i)
		}
		p := Parameter{Name: name}

		if res, ok := obj["resource"]; ok {
			parsed, err := embeddedResource(res)
			if err != nil {
				return nil, fmt.Errorf("parameter[%d] resource: %w", i, err)
			}
			p.Resource = parsed
			out = append(out, p)
			continue
		}

		for k, v := range obj {
			if !strings.HasPrefix(k, "value") || len(k) == len("value") {
				continue
			}
			p.ValueType = strings.ToLower(k[5:6]) + k[6:]
			p.Value = fmt.Sprint(v)
			break
		}
		out = append(out, p)
	}
	return out, nil
}

func embeddedResource(v any) (*resource.Resource, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return resource.JSONCodec{}.Unmarshal(data)
}
