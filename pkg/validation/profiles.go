// ABOUTME: Profiles expressed as CUE schemas
// ABOUTME: Sources are compiled into a fresh CUE context per check, so nothing is shared across requests

package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"

	"github.com/nainya/fhirstore/pkg/outcome"
	"github.com/nainya/fhirstore/pkg/resource"
)

// Profile is one loaded CUE profile. A profile source declares
//
//	url:      "http://..."      (required)
//	type:     "Observation"     (optional, restricts the resource type)
//	base:     true              (optional, applied to every resource of type)
//	resource: { ... }           (the schema unified with the resource JSON)
type Profile struct {
	URL    string
	Type   string
	Base   bool
	Source string
}

// ProfileSet is an immutable collection of profiles.
type ProfileSet struct {
	byURL map[string]Profile
	base  map[string][]string
}

// NewProfileSet compiles each source once to check it and read its header.
func NewProfileSet(sources ...string) (*ProfileSet, error) {
	ps := &ProfileSet{byURL: map[string]Profile{}, base: map[string][]string{}}
	for i, src := range sources {
		p, err := parseProfile(fmt.Sprintf("profile-%d.cue", i), src)
		if err != nil {
			return nil, err
		}
		if err := ps.add(p); err != nil {
			return nil, err
		}
	}
	return ps, nil
}

// LoadProfileDir adds every *.cue file in dir to the built-in profiles.
func LoadProfileDir(dir string) (*ProfileSet, error) {
	ps, err := NewProfileSet(BuiltinProfiles()...)
	if err != nil {
		return nil, err
	}
	if dir == "" {
		return ps, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read profile dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".cue") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read profile %s: %w", path, err)
		}
		p, err := parseProfile(e.Name(), string(src))
		if err != nil {
			return nil, err
		}
		if err := ps.add(p); err != nil {
			return nil, err
		}
	}
	return ps, nil
}

func (ps *ProfileSet) add(p Profile) error {
	if _, dup := ps.byURL[p.URL]; dup {
		return fmt.Errorf("duplicate profile url %s", p.URL)
	}
	ps.byURL[p.URL] = p
	if p.Base && p.Type != "" {
		ps.base[p.Type] = append(ps.base[p.Type], p.URL)
		sort.Strings(ps.base[p.Type])
	}
	return nil
}

// Lookup finds a profile by canonical url.
func (ps *ProfileSet) Lookup(url string) (Profile, bool) {
	p, ok := ps.byURL[url]
	return p, ok
}

// BaseFor lists the profiles applied to every resource of the type.
func (ps *ProfileSet) BaseFor(resourceType string) []string {
	return ps.base[resourceType]
}

// URLs lists every loaded profile url.
func (ps *ProfileSet) URLs() []string {
	out := make([]string, 0, len(ps.byURL))
	for u := range ps.byURL {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func parseProfile(name, src string) (Profile, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src, cue.Filename(name))
	if err := v.Err(); err != nil {
		return Profile{}, fmt.Errorf("compile profile %s: %w", name, err)
	}

	p := Profile{Source: src}
	url, err := v.LookupPath(cue.ParsePath("url")).String()
	if err != nil || url == "" {
		return Profile{}, fmt.Errorf("profile %s: missing url", name)
	}
	p.URL = url

	if t := v.LookupPath(cue.ParsePath("type")); t.Exists() {
		if p.Type, err = t.String(); err != nil {
			return Profile{}, fmt.Errorf("profile %s: type must be a string", name)
		}
	}
	if b := v.LookupPath(cue.ParsePath("base")); b.Exists() {
		if p.Base, err = b.Bool(); err != nil {
			return Profile{}, fmt.Errorf("profile %s: base must be a bool", name)
		}
	}
	if !v.LookupPath(cue.ParsePath("resource")).Exists() {
		return Profile{}, fmt.Errorf("profile %s: missing resource schema", name)
	}
	return p, nil
}

// Check unifies the resource JSON with the profile schema and reports every
// violation as an error issue.
func (p Profile) Check(r *resource.Resource) (*outcome.Outcome, error) {
	data, err := resource.JSONCodec{}.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode resource for profile %s: %w", p.URL, err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(p.Source, cue.Filename(p.URL)).LookupPath(cue.ParsePath("resource"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile profile %s: %w", p.URL, err)
	}
	value := ctx.CompileBytes(data, cue.Filename(r.Type+".json"))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("load resource for profile %s: %w", p.URL, err)
	}

	out := outcome.New()
	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		for _, e := range cueerrors.Errors(err) {
			path := strings.Join(e.Path(), ".")
			format, args := e.Msg()
			out.AddAt(outcome.SeverityError, outcome.IssueInvalid, path,
				"%s: %s", p.URL, fmt.Sprintf(format, args...))
		}
	}
	return out, nil
}
