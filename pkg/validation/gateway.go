// ABOUTME: Validation gateway contract and the default validator
// ABOUTME: Structural rules, the subsetted guard and CUE profile checks

package validation

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/nainya/fhirstore/pkg/outcome"
	"github.com/nainya/fhirstore/pkg/resource"
)

// Mode is the reason a resource is being validated.
type Mode string

const (
	ModeCreate  Mode = "create"
	ModeUpdate  Mode = "update"
	ModeDelete  Mode = "delete"
	ModeProfile Mode = "profile"
)

// ParseMode parses a mode literal case-insensitively.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeCreate, ModeUpdate, ModeDelete, ModeProfile:
		return m, true
	default:
		return "", false
	}
}

// Gateway validates candidate resources. A nil error with a failing outcome
// means the resource is invalid; a non-nil error means validation itself
// could not run.
type Gateway interface {
	Validate(ctx context.Context, r *resource.Resource, mode Mode, profiles []string) (*outcome.Outcome, error)
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9\-.]{1,64}$`)

// Validator is the default Gateway.
type Validator struct {
	profiles *ProfileSet
	types    map[string]bool
	log      zerolog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithResourceTypes restricts validation to the listed types.
func WithResourceTypes(types ...string) Option {
	return func(v *Validator) {
		v.types = make(map[string]bool, len(types))
		for _, t := range types {
			v.types[t] = true
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(v *Validator) { v.log = log }
}

// NewValidator creates a validator over a profile set. profiles may be nil.
func NewValidator(profiles *ProfileSet, opts ...Option) *Validator {
	if profiles == nil {
		profiles = &ProfileSet{byURL: map[string]Profile{}, base: map[string][]string{}}
	}
	v := &Validator{profiles: profiles, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Validator) Validate(ctx context.Context, r *resource.Resource, mode Mode, profiles []string) (*outcome.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := outcome.New()
	if r == nil {
		if mode != ModeDelete {
			out.Add(outcome.SeverityError, outcome.IssueRequired, "No resource supplied for %s validation", mode)
		}
		return out, nil
	}

	v.structural(r, mode, out)

	// Partial projections must never be written back as authoritative
	if r.IsSubsetted() {
		out.Add(outcome.SeverityError, outcome.IssueBusinessRule, "Cannot create/update a resource that is subsetted")
	}

	if mode == ModeProfile && len(profiles) == 0 {
		out.Add(outcome.SeverityError, outcome.IssueRequired, "Profile validation requires at least one profile")
	}

	urls := v.profileURLs(r, profiles)
	for _, url := range urls {
		p, ok := v.profiles.Lookup(url)
		if !ok {
			// Unresolvable profiles are ignored rather than reported
			v.log.Debug().Str("profile", url).Msg("profile not loaded, skipping")
			continue
		}
		if p.Type != "" && p.Type != r.Type {
			out.Add(outcome.SeverityError, outcome.IssueInvalid,
				"Profile %s applies to %s, not %s", p.URL, p.Type, r.Type)
			continue
		}
		issues, err := p.Check(r)
		if err != nil {
			return nil, err
		}
		out.Merge(issues)
	}

	return out, nil
}

func (v *Validator) structural(r *resource.Resource, mode Mode, out *outcome.Outcome) {
	if r.Type == "" {
		out.AddAt(outcome.SeverityFatal, outcome.IssueStructure, "resourceType", "Resource has no resourceType")
		return
	}
	if len(v.types) > 0 && !v.types[r.Type] {
		out.AddAt(outcome.SeverityError, outcome.IssueNotSupported, "resourceType",
			"Resource type %s is not supported by this server", r.Type)
	}
	if r.ID != "" && !idPattern.MatchString(r.ID) {
		out.AddAt(outcome.SeverityError, outcome.IssueValue, "id", "Invalid resource id %q", r.ID)
	}
	if mode == ModeUpdate && r.ID == "" {
		out.AddAt(outcome.SeverityError, outcome.IssueRequired, "id", "Update requires a resource id")
	}
}

// profileURLs merges base profiles, declared meta.profile and requested ones.
func (v *Validator) profileURLs(r *resource.Resource, requested []string) []string {
	seen := map[string]bool{}
	var urls []string
	add := func(list []string) {
		for _, u := range list {
			if u != "" && !seen[u] {
				seen[u] = true
				urls = append(urls, u)
			}
		}
	}
	add(v.profiles.BaseFor(r.Type))
	if r.Meta != nil {
		add(r.Meta.Profiles)
	}
	add(requested)
	return urls
}
