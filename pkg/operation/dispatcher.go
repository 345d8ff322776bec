// ABOUTME: Operation dispatch table, validated once at construction
// ABOUTME: Unknown names and wrong scopes produce Unimplemented errors

package operation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nainya/fhirstore/pkg/outcome"
	"github.com/nainya/fhirstore/pkg/resource"
	"github.com/nainya/fhirstore/pkg/store"
)

// Scope is a bit set of the levels an operation may be invoked at.
type Scope uint8

const (
	ScopeSystem Scope = 1 << iota
	ScopeType
	ScopeInstance
)

func (s Scope) String() string {
	var parts []string
	if s&ScopeSystem != 0 {
		parts = append(parts, "system")
	}
	if s&ScopeType != 0 {
		parts = append(parts, "type")
	}
	if s&ScopeInstance != 0 {
		parts = append(parts, "instance")
	}
	return strings.Join(parts, "|")
}

// Request is one operation invocation. An empty ID means type scope and an
// empty Type means system scope.
type Request struct {
	Name   string
	Type   string
	ID     string
	Params Parameters
}

// Scope derives the invocation level.
func (r Request) Scope() Scope {
	switch {
	case r.ID != "":
		return ScopeInstance
	case r.Type != "":
		return ScopeType
	default:
		return ScopeSystem
	}
}

// Result is the envelope returned by every operation. At most one of
// Outcome, Resource and Set carries the primary payload.
type Result struct {
	Outcome    *outcome.Outcome
	Resource   *resource.Resource
	Set        *store.ResultSet
	StatusHint int
}

// Handler runs an operation.
type Handler func(ctx context.Context, req Request) (*Result, error)

// Definition registers a handler. Types restricts the resource types it
// accepts at type and instance scope; empty means any.
type Definition struct {
	Name    string
	Scopes  Scope
	Types   []string
	Handler Handler
}

// Dispatcher routes requests to handlers. It is immutable after New.
type Dispatcher struct {
	defs map[string]Definition
}

// NormalizeName lowercases and strips a leading $.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "$"))
}

// New validates and indexes the definitions.
func New(defs ...Definition) (*Dispatcher, error) {
	d := &Dispatcher{defs: make(map[string]Definition, len(defs))}
	var errs []error
	for i, def := range defs {
		name := NormalizeName(def.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("operation %d: empty name", i))
			continue
		case def.Handler == nil:
			errs = append(errs, fmt.Errorf("operation %s: nil handler", name))
			continue
		case def.Scopes == 0:
			errs = append(errs, fmt.Errorf("operation %s: no scopes", name))
			continue
		}
		if _, dup := d.defs[name]; dup {
			errs = append(errs, fmt.Errorf("operation %s: registered twice", name))
			continue
		}
		def.Name = name
		d.defs[name] = def
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return d, nil
}

// Perform dispatches req.
func (d *Dispatcher) Perform(ctx context.Context, req Request) (*Result, error) {
	name := NormalizeName(req.Name)
	def, ok := d.defs[name]
	if !ok {
		return nil, outcome.Unimplemented("Operation $%s is not supported", name)
	}
	scope := req.Scope()
	if def.Scopes&scope == 0 {
		return nil, outcome.Unimplemented("Operation $%s is not supported at %s level", name, scope)
	}
	if scope != ScopeSystem && len(def.Types) > 0 && !contains(def.Types, req.Type) {
		return nil, outcome.Unimplemented("Operation $%s is not supported for %s", name, req.Type)
	}
	req.Name = name
	return def.Handler(ctx, req)
}

// Definitions lists the registered operations sorted by name.
func (d *Dispatcher) Definitions() []Definition {
	out := make([]Definition, 0, len(d.defs))
	for _, def := range d.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Supports reports whether name is available for resourceType at any scope.
func (d *Dispatcher) Supports(name, resourceType string) bool {
	def, ok := d.defs[NormalizeName(name)]
	if !ok {
		return false
	}
	return len(def.Types) == 0 || contains(def.Types, resourceType)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
