package store

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/nainya/fhirstore/pkg/index"
	"github.com/nainya/fhirstore/pkg/outcome"
	"github.com/nainya/fhirstore/pkg/resource"
	"github.com/nainya/fhirstore/pkg/storage"
	"github.com/nainya/fhirstore/pkg/validation"
)

// stepClock advances one second per call so every write has its own time.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	backend storage.Backend
	index   *index.BitmapIndex
	clock   *stepClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b, err := storage.OpenBadger(storage.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return &fixture{
		backend: b,
		index:   index.NewBitmapIndex(index.DefaultParams()),
		clock:   newStepClock(),
	}
}

func (f *fixture) store(t *testing.T, resourceType string, opts ...Option) *Store {
	t.Helper()
	ps, err := validation.NewProfileSet(validation.BuiltinProfiles()...)
	require.NoError(t, err)
	base := []Option{
		WithIndex(f.index),
		WithGateway(validation.NewValidator(ps)),
		WithClock(f.clock.Now),
	}
	return New(resourceType, f.backend, append(base, opts...)...)
}

func parse(t *testing.T, js string) *resource.Resource {
	t.Helper()
	r, err := resource.JSONCodec{}.Unmarshal([]byte(js))
	require.NoError(t, err)
	return r
}

func patient(t *testing.T, id, gender, family string) *resource.Resource {
	t.Helper()
	js := fmt.Sprintf(`{"resourceType":"Patient","gender":%q,"name":[{"family":%q}]}`, gender, family)
	r := parse(t, js)
	r.ID = id
	return r
}

func TestCreateWithoutIDAssignsVersionOne(t *testing.T) {
	f := newFixture(t)
	s := f.store(t, "Patient", WithIDGenerator(func() string { return "generated-1" }))
	ctx := context.Background()

	res, err := s.Create(ctx, patient(t, "", "female", "Nguyen"), "", "")
	require.NoError(t, err)

	assert.Equal(t, "generated-1", res.Resource.ID)
	assert.Equal(t, int64(1), res.Resource.Version())
	assert.Equal(t, WriteCreated, res.Kind)
	assert.Equal(t, 201, res.StatusHint)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC), res.Resource.LastUpdated())
	assert.Equal(t, "Patient/generated-1/_history/1", res.Key.String())

	current, err := s.Get(ctx, "generated-1", "", SummaryFalse)
	require.NoError(t, err)
	v1, err := s.Get(ctx, "generated-1", "1", SummaryFalse)
	require.NoError(t, err)

	assert.Equal(t, current, v1)
	assert.Equal(t, "1", current.VersionString())
	assert.Equal(t, res.Resource.Body, current.Body)
}

func TestCreateDoesNotMutateInput(t *testing.T) {
	f := newFixture(t)
	s := f.store(t, "Patient")

	in := patient(t, "", "male", "Okafor")
	_, err := s.Create(context.Background(), in, "", "")
	require.NoError(t, err)

	assert.Empty(t, in.ID)
	assert.Nil(t, in.Meta)
}

func TestUpdatesAreNumericallyOrdered(t *testing.T) {
	f := newFixture(t)
	s := f.store(t, "Patient")
	ctx := context.Background()

	for i := 1; i <= 12; i++ {
		res, err := s.Create(ctx, patient(t, "p1", "male", "Family"+strconv.Itoa(i)), "", "")
		require.NoError(t, err)
		assert.Equal(t, int64(i), res.Resource.Version())
		if i == 1 {
			assert.Equal(t, WriteCreated, res.Kind)
		} else {
			assert.Equal(t, WriteUpdated, res.Kind)
			assert.Equal(t, 200, res.StatusHint)
		}
	}

	hist, err := s.InstanceHistory(ctx, "p1", HistoryOptions{})
	require.NoError(t, err)
	require.Len(t, hist.Entries, 12)
	assert.Equal(t, 12, hist.Total)
	assert.Equal(t, SetHistory, hist.Kind)
	for i, e := range hist.Entries {
		assert.Equal(t, int64(12-i), e.Resource.Version())
	}

	current, err := s.Get(ctx, "p1", "", SummaryFalse)
	require.NoError(t, err)
	assert.Equal(t, int64(12), current.Version())

	limited, err := s.InstanceHistory(ctx, "p1", HistoryOptions{Count: IntPtr(3)})
	require.NoError(t, err)
	assert.Len(t, limited.Entries, 3)
	assert.Equal(t, 12, limited.Total)
}

func TestThreeUpdatesHistory(t *testing.T) {
	f := newFixture(t)
	s := f.store(t, "Patient")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Create(ctx, patient(t, "p1", "female", "Smith"), "", "")
		require.NoError(t, err)
	}

	hist, err := s.InstanceHistory(ctx, "p1", HistoryOptions{})
	require.NoError(t, err)
	var versions []string
	for _, e := range hist.Entries {
		versions = append(versions, e.Resource.VersionString())
	}
	assert.Equal(t, []string{"3", "2", "1"}, versions)
	assert.Equal(t, "Patient/p1/_history/3", hist.Entries[0].FullURL)
}

func TestDeleteKeepsHistory(t *testing.T) {
	f := newFixture(t)
	s := f.store(t, "Patient")
	ctx := context.Background()

	_, err := s.Create(ctx, patient(t, "p1", "female", "Smith"), "", "")
	require.NoError(t, err)
	_, err = s.Create(ctx, patient(t, "p1", "female", "Jones"), "", "")
	require.NoError(t, err)

	res, err := s.Delete(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, WriteDeleted, res.Kind)
	assert.Equal(t, int64(2), res.Key.Version)

	_, err = s.Get(ctx, "p1", "", SummaryFalse)
	require.True(t, outcome.IsGone(err))
	e, _ := outcome.AsError(err)
	assert.True(t, e.Deleted)

	v1, err := s.Get(ctx, "p1", "1", SummaryFalse)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.Version())

	hist, err := s.InstanceHistory(ctx, "p1", HistoryOptions{})
	require.NoError(t, err)
	assert.Len(t, hist.Entries, 2)

	rs, err := s.Search(ctx, nil, SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, rs.Entries)

	again, err := s.Delete(ctx, "p1", "")
	require.NoError(t, err)
	assert.Equal(t, WriteNoop, again.Kind)

	// Recreating continues the version sequence and clears the tombstone
	res, err = s.Create(ctx, patient(t, "p1", "female", "Smith"), "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Resource.Version())
	_, err = s.Get(ctx, "p1", "", SummaryFalse)
	require.NoError(t, err)
}

func TestGoneDistinguishesNeverExisted(t *testing.T) {
	f := newFixture(t)
	s := f.store(t, "Patient")
	ctx := context.Background()

	_, err := s.Get(ctx, "nobody", "", SummaryFalse)
	e, ok := outcome.AsError(err)
	require.True(t, ok)
	assert.Equal(t, outcome.KindGone, e.Kind)
	assert.False(t, e.Deleted)

	_, err = s.Get(ctx, "nobody", "abc", SummaryFalse)
	assert.True(t, outcome.IsGone(err))

	_, err = s.Get(ctx, "nobody", "", SummaryCount)
	assert.Equal(t, outcome.KindBadRequest, outcome.KindOf(err))
}

func TestValidationFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	s := f.store(t, "Patient")
	ctx := context.Background()

	_, err := s.Create(ctx, patient(t, "p1", "robot", "Smith"), "", "")
	e, ok := outcome.AsError(err)
	require.True(t, ok)
	assert.Equal(t, outcome.KindValidationFailed, e.Kind)
	assert.Positive(t, e.Full().Errors())

	_, err = s.Get(ctx, "p1", "", SummaryFalse)
	assert.True(t, outcome.IsGone(err))
	hist, err := s.InstanceHistory(ctx, "p1", HistoryOptions{})
	require.NoError(t, err)
	assert.Empty(t, hist.Entries)

	ids, _ := f.index.Search("Patient", "gender", "robot")
	assert.Empty(t, ids)
}

func TestSubsettedWriteRejected(t *testing.T) {
	f := newFixture(t)
	s := f.store(t, "Patient")

	r := patient(t, "p1", "male", "Smith")
	r.MarkSubsetted()
	_, err := s.Create(context.Background(), r, "", "")
	assert.Equal(t, outcome.KindValidationFailed, outcome.KindOf(err))
}

func TestTypeMismatchRejected(t *testing.T) {
	f := newFixture(t)
	s := f.store(t, "Observation")

	_, err := s.Create(context.Background(), patient(t, "p1", "male", "Smith"), "", "")
	assert.Equal(t, outcome.KindBadRequest, outcome.KindOf(err))

	_, err = s.Create(context.Background(), nil, "", "")
	assert.Equal(t, outcome.KindBadRequest, outcome.KindOf(err))
}

func TestIfMatch(t *testing.T) {
	f := newFixture(t)
	s := f.store(t, "Patient")
	ctx := context.Background()

	_, err := s.Create(ctx, patient(t, "p1", "male", "Smith"), "", "")
	require.NoError(t, err)

	_, err = s.Create(ctx, patient(t, "p1", "male", "Smith"), `W/"2"`, "")
	assert.Equal(t, outcome.KindConflict, outcome.KindOf(err))

	res, err := s.Create(ctx, patient(t, "p1", "male", "Smith"), `W/"1"`, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Resource.Version())

	_, err = s.Create(ctx, patient(t, "p1", "male", "Smith"), "zero", "")
	assert.Equal(t, outcome.KindBadRequest, outcome.KindOf(err))

	_, err = s.Create(ctx, patient(t, "p2", "male", "Smith"), "1", "")
	assert.Equal(t, outcome.KindConflict, outcome.KindOf(err))

	_, err = s.Delete(ctx, "p1", "1")
	assert.Equal(t, outcome.KindConflict, outcome.KindOf(err))
	_, err = s.Delete(ctx, "p1", `"2"`)
	require.NoError(t, err)
}

func TestConditionalCreate(t *testing.T) {
	f := newFixture(t)
	s := f.store(t, "Patient")
	ctx := context.Background()

	withMRN := func(mrn string) *resource.Resource {
		return parse(t, fmt.Sprintf(`{"resourceType":"Patient","identifier":[{"system":"urn:mrn","value":%q}]}`, mrn))
	}

	first, err := s.Create(ctx, withMRN("1"), "", "identifier=urn:mrn|1")
	require.NoError(t, err)
	assert.Equal(t, WriteCreated, first.Kind)

	second, err := s.Create(ctx, withMRN("1"), "", "identifier=urn:mrn|1")
	require.NoError(t, err)
	assert.Equal(t, WriteOK, second.Kind)
	assert.Equal(t, first.Resource.ID, second.Resource.ID)
	assert.Equal(t, int64(1), second.Resource.Version())

	_, err = s.Create(ctx, withMRN("2"), "", "")
	require.NoError(t, err)
	_, err = s.Create(ctx, withMRN("3"), "", "identifier=urn:mrn|1,urn:mrn|2")
	assert.Equal(t, outcome.KindConflict, outcome.KindOf(err))
}

func TestConditionalCreateRejectsUnsupportedCriteria(t *testing.T) {
	f := newFixture(t)
	s := f.store(t, "Patient")
	ctx := context.Background()

	_, err := s.Create(ctx, patient(t, "alice", "female", "Alice"), "", "")
	require.NoError(t, err)

	for name, query := range map[string]string{
		"unknown parameter":   "nosuchparam=xyz",
		"known and unknown":   "gender=female&nosuchparam=xyz",
		"only result shaping": "_count=1&_sort=_id",
	} {
		t.Run(name, func(t *testing.T) {
			res, err := s.Create(ctx, patient(t, "", "male", "Jones"), "", query)
			assert.Nil(t, res)
			assert.Equal(t, outcome.KindBadRequest, outcome.KindOf(err))
		})
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConcurrentConditionalCreatesWriteOnce(t *testing.T) {
	f := newFixture(t)
	s := f.store(t, "Patient")
	ctx := context.Background()

	const writers = 10
	kinds := make([]WriteKind, writers)
	inputs := make([]*resource.Resource, writers)
	for i := range inputs {
		inputs[i] = parse(t, `{"resourceType":"Patient","identifier":[{"system":"urn:mrn","value":"42"}]}`)
	}

	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			res, err := s.Create(ctx, inputs[i], "", "identifier=urn:mrn|42")
			if err != nil {
				return err
			}
			kinds[i] = res.Kind
			return nil
		})
	}
	require.NoError(t, g.Wait())

	created := 0
	for _, k := range kinds {
		if k == WriteCreated {
			created++
		} else {
			assert.Equal(t, WriteOK, k)
		}
	}
	assert.Equal(t, 1, created)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestConcurrentWritesGetDistinctVersions(t *testing.T) {
	f := newFixture(t)
	s := f.store(t, "Patient")
	ctx := context.Background()

	const writers = 20
	versions := make([]int64, writers)
	inputs := make([]*resource.Resource, writers)
	for i := range inputs {
		inputs[i] = patient(t, "shared", "other", "Race")
	}

	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			res, err := s.Create(ctx, inputs[i], "", "")
			if err != nil {
				return err
			}
			versions[i] = res.Resource.Version()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := map[int64]bool{}
	for _, v := range versions {
		assert.False(t, seen[v], "duplicate version %d", v)
		seen[v] = true
	}
	for v := int64(1); v <= writers; v++ {
		assert.True(t, seen[v], "missing version %d", v)
	}

	current, err := s.Get(ctx, "shared", "", SummaryFalse)
	require.NoError(t, err)
	assert.Equal(t, int64(writers), current.Version())
}

func TestGetSummaryMarksSubsetted(t *testing.T) {
	f := newFixture(t)
	s := f.store(t, "Patient")
	ctx := context.Background()

	_, err := s.Create(ctx, patient(t, "p1", "male", "Smith"), "", "")
	require.NoError(t, err)

	r, err := s.Get(ctx, "p1", "", SummaryTrue)
	require.NoError(t, err)
	assert.True(t, r.IsSubsetted())

	r, err = s.Get(ctx, "p1", "", SummaryData)
	require.NoError(t, err)
	assert.False(t, r.IsSubsetted())
}

func TestTypeHistoryOrderAndWindow(t *testing.T) {
	f := newFixture(t)
	s := f.store(t, "Patient")
	ctx := context.Background()

	for _, id := range []string{"a", "b", "a", "c"} {
		_, err := s.Create(ctx, patient(t, id, "male", "Smith"), "", "")
		require.NoError(t, err)
	}

	hist, err := s.TypeHistory(ctx, HistoryOptions{})
	require.NoError(t, err)
	var refs []string
	for _, e := range hist.Entries {
		refs = append(refs, e.FullURL)
	}
	assert.Equal(t, []string{
		"Patient/c/_history/1",
		"Patient/a/_history/2",
		"Patient/b/_history/1",
		"Patient/a/_history/1",
	}, refs)

	// Writes happened at 12:00:01 .. 12:00:04
	window, err := s.TypeHistory(ctx, HistoryOptions{
		Since: time.Date(2024, 3, 1, 12, 0, 2, 0, time.UTC),
		Till:  time.Date(2024, 3, 1, 12, 0, 3, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, window.Total)

	negative, err := s.TypeHistory(ctx, HistoryOptions{Count: IntPtr(-1)})
	require.NoError(t, err)
	assert.Equal(t, 4, negative.Total)
	assert.Empty(t, negative.Entries)

	_, err = s.InstanceHistory(ctx, "", HistoryOptions{})
	assert.Equal(t, outcome.KindBadRequest, outcome.KindOf(err))
}

func TestReindexRebuildsFromCurrent(t *testing.T) {
	f := newFixture(t)
	s := f.store(t, "Patient")
	ctx := context.Background()

	_, err := s.Create(ctx, patient(t, "p1", "male", "Smith"), "", "")
	require.NoError(t, err)
	_, err = s.Create(ctx, patient(t, "p2", "female", "Smith"), "", "")
	require.NoError(t, err)
	_, err = s.Delete(ctx, "p2", "")
	require.NoError(t, err)

	f.index.Reset()
	ids, _ := f.index.Search("Patient", "gender", "male")
	assert.Empty(t, ids)

	n, err := s.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, _ = f.index.Search("Patient", "gender", "male")
	assert.Equal(t, []string{"p1"}, ids)
	ids, _ = f.index.Search("Patient", "gender", "female")
	assert.Empty(t, ids)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestZstdCodecAtRest(t *testing.T) {
	f := newFixture(t)
	codec, err := resource.NewZstdCodec(resource.JSONCodec{})
	require.NoError(t, err)
	s := f.store(t, "Patient", WithCodec(codec))
	ctx := context.Background()

	_, err = s.Create(ctx, patient(t, "p1", "male", "Smith"), "", "")
	require.NoError(t, err)

	raw, err := f.backend.Get(ctx, storage.CurrentKey(storage.ResourceKey{Type: "Patient", ID: "p1"}))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x28, 0xB5, 0x2F, 0xFD}, raw[:4])

	r, err := s.Get(ctx, "p1", "", SummaryFalse)
	require.NoError(t, err)
	assert.Equal(t, "male", r.Body["gender"])
}
