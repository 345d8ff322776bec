// ABOUTME: Version timelines at instance and type scope
// ABOUTME: Built from immutable records only, never from the current copy

package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nainya/fhirstore/pkg/outcome"
	"github.com/nainya/fhirstore/pkg/resource"
	"github.com/nainya/fhirstore/pkg/storage"
)

// InstanceHistory lists every recorded version of id, newest first by
// numeric version. An empty result does not say whether id ever existed.
func (s *Store) InstanceHistory(ctx context.Context, id string, opts HistoryOptions) (rs *ResultSet, err error) {
	start := time.Now()
	defer func() { s.observe("history-instance", start, err) }()

	if id == "" {
		return nil, outcome.BadRequest(nil, "Instance history requires an id")
	}
	records, err := s.records(ctx, storage.RecordPrefix(s.resourceType, id), opts)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Version() > records[j].Version() })

	s.obs.ObserveHistory("instance")
	return buildHistory(records, opts, s.now().UTC()), nil
}

// TypeHistory lists every recorded version of every id of the type, newest
// lastUpdated first.
func (s *Store) TypeHistory(ctx context.Context, opts HistoryOptions) (rs *ResultSet, err error) {
	start := time.Now()
	defer func() { s.observe("history-type", start, err) }()

	records, err := s.Records(ctx, opts)
	if err != nil {
		return nil, err
	}
	SortByLastUpdated(records)

	s.obs.ObserveHistory("type")
	return buildHistory(records, opts, s.now().UTC()), nil
}

// Records returns every version record of the type inside the time window,
// unordered. System history merges the records of all stores.
func (s *Store) Records(ctx context.Context, opts HistoryOptions) ([]*resource.Resource, error) {
	return s.records(ctx, storage.RecordPrefix(s.resourceType, ""), opts)
}

func (s *Store) records(ctx context.Context, prefix []byte, opts HistoryOptions) ([]*resource.Resource, error) {
	var out []*resource.Resource
	err := s.backend.Scan(ctx, prefix, func(key, val []byte) error {
		k, err := storage.DecodeKey(key)
		if err != nil {
			return err
		}
		r, err := s.decode(k, val)
		if err != nil {
			return err
		}
		if opts.includes(r.LastUpdated()) {
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan history of %s: %w", s.resourceType, err)
	}
	return out, nil
}

// SortByLastUpdated orders records newest first, breaking ties by higher
// version, then by reference.
func SortByLastUpdated(records []*resource.Resource) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.LastUpdated().Equal(b.LastUpdated()) {
			return a.LastUpdated().After(b.LastUpdated())
		}
		if a.Version() != b.Version() {
			return a.Version() > b.Version()
		}
		return a.Reference() < b.Reference()
	})
}

// NewHistory wraps already ordered records in a history result set.
func NewHistory(records []*resource.Resource, opts HistoryOptions, now time.Time) *ResultSet {
	return buildHistory(records, opts, now)
}

func buildHistory(records []*resource.Resource, opts HistoryOptions, now time.Time) *ResultSet {
	rs := newResultSet(SetHistory, now)
	rs.Total = len(records)
	records = records[:limit(len(records), opts.Count)]
	if opts.Summary == SummaryCount {
		records = nil
	}
	for _, r := range records {
		if opts.Summary == SummaryTrue {
			r.MarkSubsetted()
		}
		rs.Entries = append(rs.Entries, Entry{
			FullURL:  versionedURL(r),
			Resource: r,
			Mode:     EntryMatch,
		})
	}
	return rs
}
