// ABOUTME: Versioned resource store for one resource type
// ABOUTME: Immutable version records, a mutable current copy and delete tombstones

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nainya/fhirstore/pkg/index"
	"github.com/nainya/fhirstore/pkg/outcome"
	"github.com/nainya/fhirstore/pkg/resource"
	"github.com/nainya/fhirstore/pkg/storage"
	"github.com/nainya/fhirstore/pkg/validation"
)

// Observer receives store measurements. internal/metrics implements it.
type Observer interface {
	ObserveOperation(resourceType, operation, status string, duration time.Duration)
	ObserveValidationFailure(resourceType string)
	ObserveSearch(resourceType string, matches int)
	ObserveHistory(scope string)
	ObserveIndexSize(n int)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, string, string, time.Duration) {}
func (nopObserver) ObserveValidationFailure(string)                        {}
func (nopObserver) ObserveSearch(string, int)                              {}
func (nopObserver) ObserveHistory(string)                                  {}
func (nopObserver) ObserveIndexSize(int)                                   {}

// tombstone is the value written under PREFIX_TOMBSTONE.
type tombstone struct {
	DeletedAt   time.Time `json:"deletedAt"`
	LastVersion int64     `json:"lastVersion"`
}

// Store owns identity and versioning for one resource type.
type Store struct {
	resourceType string
	backend      storage.Backend
	codec        resource.Codec
	gateway      validation.Gateway
	index        index.Index
	locks        *keyLock
	log          zerolog.Logger
	obs          Observer
	now          func() time.Time
	newID        func() string
}

// Option configures a Store.
type Option func(*Store)

// WithCodec sets the codec used for stored bodies.
func WithCodec(c resource.Codec) Option { return func(s *Store) { s.codec = c } }

// WithGateway sets the validation gateway.
func WithGateway(g validation.Gateway) Option { return func(s *Store) { s.gateway = g } }

// WithIndex sets the search index. Stores of different types may share one.
func WithIndex(idx index.Index) Option { return func(s *Store) { s.index = idx } }

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option { return func(s *Store) { s.log = log } }

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option { return func(s *Store) { s.obs = o } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithIDGenerator overrides the id generator used for resources without an id.
func WithIDGenerator(gen func() string) Option { return func(s *Store) { s.newID = gen } }

// New creates a store for resourceType over backend.
func New(resourceType string, backend storage.Backend, opts ...Option) *Store {
	s := &Store{
		resourceType: resourceType,
		backend:      backend,
		codec:        resource.JSONCodec{},
		gateway:      validation.NewValidator(nil),
		index:        index.NewBitmapIndex(index.DefaultParams()),
		locks:        newKeyLock(),
		log:          zerolog.Nop(),
		obs:          nopObserver{},
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResourceType returns the type the store serves.
func (s *Store) ResourceType() string { return s.resourceType }

// Index returns the search index the store maintains.
func (s *Store) Index() index.Index { return s.index }

func (s *Store) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = outcome.KindOf(err).String()
	}
	s.obs.ObserveOperation(s.resourceType, op, status, time.Since(start))
}

// Create writes a new version of r. A missing id is generated. ifMatch, when
// set, must name the current version. ifNoneExist is a search query; a single
// match is returned instead of writing.
func (s *Store) Create(ctx context.Context, r *resource.Resource, ifMatch, ifNoneExist string) (res *WriteResult, err error) {
	start := time.Now()
	defer func() { s.observe("create", start, err) }()

	if r == nil {
		return nil, outcome.BadRequest(nil, "No resource supplied")
	}
	if r.Type != s.resourceType {
		return nil, outcome.BadRequest(nil, "Resource type %s does not match endpoint type %s", r.Type, s.resourceType)
	}

	if ifNoneExist != "" {
		// Conditional creates of one type run one at a time so two requests
		// with the same criteria cannot both write.
		unlock := s.locks.Lock(s.resourceType + "?")
		defer unlock()
		existing, err := s.conditionalMatch(ctx, ifNoneExist)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	r = r.Clone()
	if r.ID == "" {
		r.ID = s.newID()
	}
	key := storage.ResourceKey{Type: s.resourceType, ID: r.ID}

	unlock := s.locks.Lock(key.String())
	defer unlock()

	latest, err := s.latestVersion(ctx, r.ID)
	if err != nil {
		return nil, err
	}

	if ifMatch != "" {
		if err := s.checkIfMatch(ctx, key, ifMatch); err != nil {
			return nil, err
		}
	}

	meta := r.EnsureMeta()
	meta.VersionID = latest + 1
	meta.LastUpdated = s.now().UTC()

	mode := validation.ModeCreate
	if meta.VersionID > 1 {
		mode = validation.ModeUpdate
	}
	out, err := s.gateway.Validate(ctx, r, mode, nil)
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", key, err)
	}
	if !out.Success() {
		s.obs.ObserveValidationFailure(s.resourceType)
		s.log.Debug().Str("ref", key.String()).Str("outcome", out.String()).Msg("write rejected by validation")
		return nil, outcome.ValidationFailed(out)
	}

	data, err := s.codec.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}

	// From here on the write runs to completion regardless of cancellation.
	// Record before pointer: a crash in between leaves the old current copy.
	wctx := context.WithoutCancel(ctx)
	versioned := storage.ResourceKey{Type: key.Type, ID: key.ID, Version: meta.VersionID}
	if err := s.backend.Set(wctx, storage.RecordKey(versioned), data); err != nil {
		return nil, fmt.Errorf("write record %s: %w", versioned, err)
	}
	if err := s.backend.Set(wctx, storage.CurrentKey(key), data); err != nil {
		return nil, fmt.Errorf("write current %s: %w", key, err)
	}
	if err := s.backend.Delete(wctx, storage.TombstoneKey(key)); err != nil {
		return nil, fmt.Errorf("clear tombstone %s: %w", key, err)
	}

	s.index.Scan(r)

	kind := WriteUpdated
	if meta.VersionID == 1 {
		kind = WriteCreated
	}
	s.log.Debug().Str("ref", versioned.String()).Str("kind", kind.String()).Msg("resource written")

	return &WriteResult{
		Resource:   r,
		Key:        versioned,
		Kind:       kind,
		StatusHint: statusFor(kind),
		Outcome:    out,
	}, nil
}

func (s *Store) conditionalMatch(ctx context.Context, query string) (*WriteResult, error) {
	params, err := ParseQuery(query)
	if err != nil {
		return nil, outcome.BadRequest(nil, "Invalid ifNoneExist query: %v", err)
	}
	if !hasCriteria(params) {
		return nil, outcome.BadRequest(nil, "ifNoneExist query %q has no search criteria", query)
	}
	rs, err := s.Search(ctx, params, SearchOptions{})
	if err != nil {
		return nil, err
	}
	if rs.Diagnostics() != nil {
		return nil, outcome.BadRequest(nil, "ifNoneExist query %q uses unsupported search parameters", query)
	}
	matches := rs.Matches()
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		m := matches[0]
		return &WriteResult{
			Resource:   m,
			Key:        storage.ResourceKey{Type: m.Type, ID: m.ID, Version: m.Version()},
			Kind:       WriteOK,
			StatusHint: statusFor(WriteOK),
		}, nil
	default:
		return nil, outcome.Conflict("Conditional create matched %d resources", len(matches))
	}
}

func (s *Store) checkIfMatch(ctx context.Context, key storage.ResourceKey, ifMatch string) error {
	want, ok := resource.ParseVersion(ifMatch)
	if !ok {
		return outcome.BadRequest(nil, "Invalid version %q in ifMatch", ifMatch)
	}
	cur, err := s.current(ctx, key.ID)
	if err != nil {
		if outcome.IsGone(err) {
			return outcome.Conflict("Version precondition failed: %s has no current version", key)
		}
		return err
	}
	if cur.Version() != want {
		return outcome.Conflict("Version precondition failed: %s is at version %d, not %d", key, cur.Version(), want)
	}
	return nil
}

// latestVersion returns the highest recorded version, 0 when none exists.
// Record keys sort numerically by version, so the last key wins.
func (s *Store) latestVersion(ctx context.Context, id string) (int64, error) {
	var latest int64
	err := s.backend.Scan(ctx, storage.RecordPrefix(s.resourceType, id), func(key, _ []byte) error {
		k, err := storage.DecodeKey(key)
		if err != nil {
			return err
		}
		if k.Version > latest {
			latest = k.Version
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan versions of %s/%s: %w", s.resourceType, id, err)
	}
	return latest, nil
}

// Get returns the current version when version is empty, otherwise the exact
// version. Missing resources produce a Gone error.
func (s *Store) Get(ctx context.Context, id, version string, summary SummaryMode) (r *resource.Resource, err error) {
	start := time.Now()
	defer func() { s.observe("read", start, err) }()

	if summary == SummaryCount {
		return nil, outcome.BadRequest(nil, "_summary=count is not supported for reads")
	}

	if version == "" {
		r, err = s.current(ctx, id)
	} else {
		r, err = s.version(ctx, id, version)
	}
	if err != nil {
		return nil, err
	}

	if summary == SummaryTrue {
		r.MarkSubsetted()
	}
	return r, nil
}

func (s *Store) current(ctx context.Context, id string) (*resource.Resource, error) {
	key := storage.ResourceKey{Type: s.resourceType, ID: id}
	data, err := s.backend.Get(ctx, storage.CurrentKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		deleted, terr := s.isDeleted(ctx, key)
		if terr != nil {
			return nil, terr
		}
		return nil, outcome.Gone(key.String(), deleted)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return s.decode(key, data)
}

func (s *Store) version(ctx context.Context, id, version string) (*resource.Resource, error) {
	v, ok := resource.ParseVersion(version)
	if !ok {
		return nil, outcome.Gone(fmt.Sprintf("%s/%s/_history/%s", s.resourceType, id, version), false)
	}
	key := storage.ResourceKey{Type: s.resourceType, ID: id, Version: v}
	data, err := s.backend.Get(ctx, storage.RecordKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, outcome.Gone(key.String(), false)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return s.decode(key, data)
}

func (s *Store) decode(key storage.ResourceKey, data []byte) (*resource.Resource, error) {
	r, err := s.codec.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return r, nil
}

func (s *Store) isDeleted(ctx context.Context, key storage.ResourceKey) (bool, error) {
	_, err := s.backend.Get(ctx, storage.TombstoneKey(key))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("read tombstone %s: %w", key, err)
	}
}

// Delete removes the current version. History stays readable. Deleting an id
// without a current version is a no-op.
func (s *Store) Delete(ctx context.Context, id, ifMatch string) (res *WriteResult, err error) {
	start := time.Now()
	defer func() { s.observe("delete", start, err) }()

	key := storage.ResourceKey{Type: s.resourceType, ID: id}
	unlock := s.locks.Lock(key.String())
	defer unlock()

	cur, err := s.current(ctx, id)
	if outcome.IsGone(err) {
		if ifMatch != "" {
			return nil, outcome.Conflict("Version precondition failed: %s has no current version", key)
		}
		return &WriteResult{Key: key, Kind: WriteNoop, StatusHint: statusFor(WriteNoop)}, nil
	}
	if err != nil {
		return nil, err
	}
	if ifMatch != "" {
		if err := s.checkIfMatch(ctx, key, ifMatch); err != nil {
			return nil, err
		}
	}

	out, err := s.gateway.Validate(ctx, nil, validation.ModeDelete, nil)
	if err != nil {
		return nil, fmt.Errorf("validate delete of %s: %w", key, err)
	}
	if !out.Success() {
		s.obs.ObserveValidationFailure(s.resourceType)
		return nil, outcome.ValidationFailed(out)
	}

	stone, err := json.Marshal(tombstone{DeletedAt: s.now().UTC(), LastVersion: cur.Version()})
	if err != nil {
		return nil, fmt.Errorf("encode tombstone %s: %w", key, err)
	}

	wctx := context.WithoutCancel(ctx)
	if err := s.backend.Set(wctx, storage.TombstoneKey(key), stone); err != nil {
		return nil, fmt.Errorf("write tombstone %s: %w", key, err)
	}
	if err := s.backend.Delete(wctx, storage.CurrentKey(key)); err != nil {
		return nil, fmt.Errorf("delete current %s: %w", key, err)
	}
	s.index.Remove(s.resourceType, id)

	s.log.Debug().Str("ref", key.String()).Int64("last_version", cur.Version()).Msg("resource deleted")
	return &WriteResult{
		Key:        storage.ResourceKey{Type: key.Type, ID: key.ID, Version: cur.Version()},
		Kind:       WriteDeleted,
		StatusHint: statusFor(WriteDeleted),
	}, nil
}

// forEachCurrent visits every live resource of the type in id order.
func (s *Store) forEachCurrent(ctx context.Context, fn func(r *resource.Resource) error) error {
	return s.backend.Scan(ctx, storage.CurrentPrefix(s.resourceType), func(key, val []byte) error {
		k, err := storage.DecodeKey(key)
		if err != nil {
			return err
		}
		r, err := s.decode(k, val)
		if err != nil {
			return err
		}
		return fn(r)
	})
}

// Count returns the number of live resources.
func (s *Store) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.backend.Scan(ctx, storage.CurrentPrefix(s.resourceType), func(_, _ []byte) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", s.resourceType, err)
	}
	return n, nil
}

// Reindex rescans every live resource into the index. The caller resets a
// shared index once before reindexing its stores.
func (s *Store) Reindex(ctx context.Context) (n int, err error) {
	start := time.Now()
	defer func() { s.observe("reindex", start, err) }()

	err = s.forEachCurrent(ctx, func(r *resource.Resource) error {
		s.index.Scan(r)
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("reindex %s: %w", s.resourceType, err)
	}
	s.log.Info().Int("resources", n).Dur("duration", time.Since(start)).Msg("reindex complete")
	return n, nil
}
