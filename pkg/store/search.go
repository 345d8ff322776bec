// ABOUTME: Search over current resource versions
// ABOUTME: Index lookups are intersected; unknown parameters become one warning entry

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/fhirstore/pkg/outcome"
	"github.com/nainya/fhirstore/pkg/resource"
	"github.com/nainya/fhirstore/pkg/storage"
)

// candidateSet is nil while no parameter has restricted the search.
type candidateSet map[string]struct{}

func (c candidateSet) intersect(ids []string) candidateSet {
	next := make(candidateSet, len(ids))
	for _, id := range ids {
		if c == nil {
			next[id] = struct{}{}
		} else if _, ok := c[id]; ok {
			next[id] = struct{}{}
		}
	}
	return next
}

// Search resolves params against current versions only. Reserved parameters
// shape the result and never reach the index.
func (s *Store) Search(ctx context.Context, params []Param, opts SearchOptions) (rs *ResultSet, err error) {
	start := time.Now()
	defer func() { s.observe("search", start, err) }()

	rs = newResultSet(SetSearch, s.now().UTC())
	summary, count, sortBy := opts.Summary, opts.Count, opts.Sort

	var (
		candidates  candidateSet
		unsupported []Param
	)
	for _, p := range params {
		switch p.Name {
		case "_elements":
			rs.Filter = NewElementFilter(p.Value)
			continue
		case "_summary":
			if summary == SummaryFalse {
				m, ok := ParseSummary(p.Value)
				if !ok {
					return nil, outcome.BadRequest(nil, "Invalid _summary value %q", p.Value)
				}
				summary = m
			}
			continue
		case "_sort":
			if sortBy == "" {
				sortBy = p.Value
			}
			continue
		case "_count":
			if count == nil {
				n, err := parseCount(p.Value)
				if err != nil {
					return nil, outcome.BadRequest(nil, "%v", err)
				}
				count = &n
			}
			continue
		case "_id":
			ids, err := s.existingIDs(ctx, p.Value)
			if err != nil {
				return nil, err
			}
			candidates = candidates.intersect(ids)
			continue
		}

		ids, ok := s.index.Search(s.resourceType, p.Name, p.Value)
		if !ok {
			unsupported = append(unsupported, p)
			continue
		}
		candidates = candidates.intersect(ids)
	}

	less, err := sortOrder(sortBy)
	if err != nil {
		unsupported = append(unsupported, Param{Name: "_sort", Value: sortBy})
		less, _ = sortOrder("")
	}

	matches, err := s.collect(ctx, candidates)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(matches, func(i, j int) bool { return less(matches[i], matches[j]) })

	rs.Total = len(matches)
	matches = matches[:limit(len(matches), count)]
	if summary == SummaryCount {
		matches = nil
	}

	for _, r := range matches {
		if rs.Filter != nil || summary == SummaryTrue {
			r.MarkSubsetted()
		}
		rs.Entries = append(rs.Entries, Entry{
			FullURL:  versionedURL(r),
			Resource: r,
			Mode:     EntryMatch,
		})
	}

	if len(unsupported) > 0 {
		rs.Entries = append(rs.Entries, unsupportedEntry(unsupported))
	}

	s.obs.ObserveSearch(s.resourceType, rs.Total)
	return rs, nil
}

// existingIDs checks each comma separated id against current keys exactly.
// The id only ever becomes a structured key component.
func (s *Store) existingIDs(ctx context.Context, value string) ([]string, error) {
	var ids []string
	for _, id := range strings.Split(value, ",") {
		if id == "" {
			continue
		}
		key := storage.ResourceKey{Type: s.resourceType, ID: id}
		_, err := s.backend.Get(ctx, storage.CurrentKey(key))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("look up %s: %w", key, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// collect loads the current version of each candidate, or of every live
// resource when no parameter restricted the search.
func (s *Store) collect(ctx context.Context, candidates candidateSet) ([]*resource.Resource, error) {
	byID := make(map[string]*resource.Resource)
	keep := func(r *resource.Resource) {
		if prev, ok := byID[r.ID]; ok && prev.Version() >= r.Version() {
			return
		}
		byID[r.ID] = r
	}

	if candidates == nil {
		err := s.forEachCurrent(ctx, func(r *resource.Resource) error {
			keep(r)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.resourceType, err)
		}
	} else {
		for id := range candidates {
			r, err := s.current(ctx, id)
			if outcome.IsGone(err) {
				s.log.Debug().Str("id", id).Msg("index entry without current version, skipping")
				continue
			}
			if err != nil {
				return nil, err
			}
			keep(r)
		}
	}

	out := make([]*resource.Resource, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	return out, nil
}

func sortOrder(order string) (func(a, b *resource.Resource) bool, error) {
	byID := func(a, b *resource.Resource) bool { return a.ID < b.ID }
	switch order {
	case "", "_id":
		return byID, nil
	case "-_id":
		return func(a, b *resource.Resource) bool { return a.ID > b.ID }, nil
	case "_lastUpdated":
		return func(a, b *resource.Resource) bool {
			if !a.LastUpdated().Equal(b.LastUpdated()) {
				return a.LastUpdated().Before(b.LastUpdated())
			}
			return byID(a, b)
		}, nil
	case "-_lastUpdated":
		return func(a, b *resource.Resource) bool {
			if !a.LastUpdated().Equal(b.LastUpdated()) {
				return a.LastUpdated().After(b.LastUpdated())
			}
			return byID(a, b)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported sort %q", order)
	}
}

func unsupportedEntry(params []Param) Entry {
	parts := make([]string, len(params))
	for i, p := range params {
		parts[i] = p.Name + "=" + p.Value
	}
	o := outcome.New().Add(outcome.SeverityWarning, outcome.IssueNotSupported,
		"Unsupported search parameters used: %s", strings.Join(parts, "&"))
	return Entry{
		FullURL: "urn:uuid:" + uuid.NewString(),
		Outcome: o,
		Mode:    EntryOutcome,
	}
}

func versionedURL(r *resource.Resource) string {
	return storage.ResourceKey{Type: r.Type, ID: r.ID, Version: r.Version()}.String()
}
