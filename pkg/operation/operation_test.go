package operation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/fhirstore/pkg/index"
	"github.com/nainya/fhirstore/pkg/outcome"
	"github.com/nainya/fhirstore/pkg/resource"
	"github.com/nainya/fhirstore/pkg/storage"
	"github.com/nainya/fhirstore/pkg/store"
	"github.com/nainya/fhirstore/pkg/validation"
)

type stores map[string]*store.Store

func (s stores) Store(resourceType string) (*store.Store, bool) {
	st, ok := s[resourceType]
	return st, ok
}

type fixture struct {
	stores     stores
	gw         *validation.Validator
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, index.DefaultParams())
}

func newFixtureWith(t *testing.T, params map[string][]index.ParamDef) *fixture {
	t.Helper()
	b, err := storage.OpenBadger(storage.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ps, err := validation.NewProfileSet(validation.BuiltinProfiles()...)
	require.NoError(t, err)
	gw := validation.NewValidator(ps)
	idx := index.NewBitmapIndex(params)

	f := &fixture{stores: stores{}, gw: gw}
	for _, rt := range []string{"Patient", "Observation", "Condition", "Procedure", "AllergyIntolerance", "MedicationRequest"} {
		f.stores[rt] = store.New(rt, b, store.WithIndex(idx), store.WithGateway(gw))
	}
	f.dispatcher, err = New(Builtins(f.stores, gw)...)
	require.NoError(t, err)
	return f
}

func (f *fixture) create(t *testing.T, js string) *resource.Resource {
	t.Helper()
	r := parse(t, js)
	res, err := f.stores[r.Type].Create(context.Background(), r, "", "")
	require.NoError(t, err)
	return res.Resource
}

func parse(t *testing.T, js string) *resource.Resource {
	t.Helper()
	r, err := resource.JSONCodec{}.Unmarshal([]byte(js))
	require.NoError(t, err)
	return r
}

func noop(context.Context, Request) (*Result, error) { return &Result{}, nil }

func TestNewRejectsBadDefinitions(t *testing.T) {
	_, err := New(
		Definition{Name: "", Scopes: ScopeType, Handler: noop},
		Definition{Name: "a", Scopes: ScopeType},
		Definition{Name: "b", Handler: noop},
		Definition{Name: "c", Scopes: ScopeType, Handler: noop},
		Definition{Name: "$C", Scopes: ScopeSystem, Handler: noop},
	)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "empty name")
	assert.Contains(t, msg, "a: nil handler")
	assert.Contains(t, msg, "b: no scopes")
	assert.Contains(t, msg, "c: registered twice")
}

func TestPerformUnimplemented(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.dispatcher.Perform(ctx, Request{Name: "everything", Type: "Patient", ID: "p1"})
	assert.Equal(t, outcome.KindUnimplemented, outcome.KindOf(err))

	// count-em is type level only
	_, err = f.dispatcher.Perform(ctx, Request{Name: "count-em", Type: "Patient", ID: "p1"})
	assert.Equal(t, outcome.KindUnimplemented, outcome.KindOf(err))
	_, err = f.dispatcher.Perform(ctx, Request{Name: "count-em"})
	assert.Equal(t, outcome.KindUnimplemented, outcome.KindOf(err))

	// summary is Patient only
	_, err = f.dispatcher.Perform(ctx, Request{Name: "summary", Type: "Observation", ID: "o1"})
	assert.Equal(t, outcome.KindUnimplemented, outcome.KindOf(err))
}

func TestDefinitionsAndSupports(t *testing.T) {
	f := newFixture(t)
	var names []string
	for _, d := range f.dispatcher.Definitions() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"count-em", "summary", "validate"}, names)

	assert.True(t, f.dispatcher.Supports("$VALIDATE", "Observation"))
	assert.True(t, f.dispatcher.Supports("summary", "Patient"))
	assert.False(t, f.dispatcher.Supports("summary", "Observation"))
	assert.False(t, f.dispatcher.Supports("everything", "Patient"))
	assert.Equal(t, "type|instance", (ScopeType | ScopeInstance).String())
}

func TestCountEm(t *testing.T) {
	f := newFixture(t)
	f.create(t, `{"resourceType":"Patient","id":"p1"}`)
	f.create(t, `{"resourceType":"Patient","id":"p2"}`)
	f.create(t, `{"resourceType":"Patient","id":"p2","gender":"male"}`)

	res, err := f.dispatcher.Perform(context.Background(), Request{Name: "$count-em", Type: "Patient"})
	require.NoError(t, err)
	require.Len(t, res.Outcome.Issues, 1)
	assert.Equal(t, "Patient resource instances: 2", res.Outcome.Issues[0].Diagnostics)
	assert.Equal(t, outcome.SeverityInformation, res.Outcome.Issues[0].Severity)
	assert.Equal(t, 200, res.StatusHint)
}

func validateParams(t *testing.T, js string) Parameters {
	t.Helper()
	ps, err := FromResource(parse(t, js))
	require.NoError(t, err)
	return ps
}

func TestValidateSuccess(t *testing.T) {
	f := newFixture(t)
	params := validateParams(t, `{"resourceType":"Parameters","parameter":[
		{"name":"mode","valueCode":"create"},
		{"name":"resource","resource":{"resourceType":"Patient","id":"p1","gender":"female"}}
	]}`)

	res, err := f.dispatcher.Perform(context.Background(), Request{Name: "validate", Type: "Patient", Params: params})
	require.NoError(t, err)
	require.NotEmpty(t, res.Outcome.Issues)
	assert.Equal(t, "Validation of 'Patient/p1' for create was successful", res.Outcome.Issues[0].Diagnostics)

	// Nothing was written
	_, err = f.stores["Patient"].Get(context.Background(), "p1", "", store.SummaryFalse)
	assert.Equal(t, outcome.KindGone, outcome.KindOf(err))
}

func TestValidateReportsProfileFailures(t *testing.T) {
	f := newFixture(t)
	params := validateParams(t, `{"resourceType":"Parameters","parameter":[
		{"name":"resource","resource":{"resourceType":"Patient","gender":"robot"}}
	]}`)

	res, err := f.dispatcher.Perform(context.Background(), Request{Name: "validate", Type: "Patient", Params: params})
	require.NoError(t, err)
	assert.False(t, res.Outcome.Success())
	assert.Positive(t, res.Outcome.Errors())
}

func TestValidateParameterShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]struct {
		params string
		want   string
	}{
		"two modes": {
			`{"resourceType":"Parameters","parameter":[{"name":"mode","valueCode":"create"},{"name":"mode","valueCode":"update"},
			  {"name":"resource","resource":{"resourceType":"Patient"}}]}`,
			"Multiple 'mode' parameters provided",
		},
		"mode is not a code": {
			`{"resourceType":"Parameters","parameter":[{"name":"mode","valueBoolean":true},
			  {"name":"resource","resource":{"resourceType":"Patient"}}]}`,
			"The 'mode' parameter must be a code",
		},
		"bad mode": {
			`{"resourceType":"Parameters","parameter":[{"name":"mode","valueCode":"upsert"},
			  {"name":"resource","resource":{"resourceType":"Patient"}}]}`,
			"Invalid 'mode' parameter value 'upsert'",
		},
		"no resource": {
			`{"resourceType":"Parameters","parameter":[{"name":"mode","valueCode":"create"}]}`,
			"Missing the 'resource' parameter",
		},
		"wrong endpoint": {
			`{"resourceType":"Parameters","parameter":[{"name":"resource","resource":{"resourceType":"Observation"}}]}`,
			"Cannot validate a 'Observation' resource on the 'Patient' endpoint",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.dispatcher.Perform(ctx, Request{Name: "validate", Type: "Patient", Params: validateParams(t, tc.params)})
			require.Error(t, err)
			assert.Equal(t, outcome.KindBadRequest, outcome.KindOf(err))
			e, ok := outcome.AsError(err)
			require.True(t, ok)
			assert.Contains(t, e.Full().String(), tc.want)
		})
	}
}

func TestValidateDeleteNeedsNoResource(t *testing.T) {
	f := newFixture(t)
	params := Parameters{{Name: "mode", ValueType: "code", Value: "delete"}}
	res, err := f.dispatcher.Perform(context.Background(), Request{Name: "validate", Type: "Patient", Params: params})
	require.NoError(t, err)
	assert.True(t, res.Outcome.Success())
}

func TestValidateInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, `{"resourceType":"Patient","id":"p1","gender":"male"}`)

	res, err := f.dispatcher.Perform(ctx, Request{Name: "validate", Type: "Patient", ID: "p1",
		Params: FromQuery(map[string][]string{"mode": {"update"}})})
	require.NoError(t, err)
	assert.Equal(t, "Validation of 'Patient/p1' for update was successful", res.Outcome.Issues[0].Diagnostics)

	params := Parameters{{Name: "resource", Resource: resource.New("Patient", "p1")}}
	_, err = f.dispatcher.Perform(ctx, Request{Name: "validate", Type: "Patient", ID: "p1", Params: params})
	assert.Equal(t, outcome.KindBadRequest, outcome.KindOf(err))

	_, err = f.dispatcher.Perform(ctx, Request{Name: "validate", Type: "Patient", ID: "missing"})
	assert.Equal(t, outcome.KindGone, outcome.KindOf(err))
}

func TestFromResource(t *testing.T) {
	ps := validateParams(t, `{"resourceType":"Parameters","parameter":[
		{"name":"profile","valueUri":"http://example.org/p"},
		{"name":"resource","resource":{"resourceType":"Patient","id":"x"}}
	]}`)
	require.Len(t, ps, 2)
	assert.Equal(t, "uri", ps[0].ValueType)
	v, ok := ps.Value("PROFILE")
	assert.True(t, ok)
	assert.Equal(t, "http://example.org/p", v)
	require.NotNil(t, ps[1].Resource)
	assert.Equal(t, "Patient/x", ps[1].Resource.Reference())

	_, err := FromResource(resource.New("Patient", "x"))
	assert.Error(t, err)

	_, err = FromResource(parse(t, `{"resourceType":"Parameters","parameter":[{"valueCode":"x"}]}`))
	assert.Error(t, err)
}

func TestSummaryDocument(t *testing.T) {
	f := newFixture(t)
	f.create(t, `{"resourceType":"Patient","id":"p1","gender":"female"}`)
	f.create(t, `{"resourceType":"Patient","id":"p2","gender":"male"}`)

	f.create(t, `{"resourceType":"Condition","id":"c1","subject":{"reference":"Patient/p1"},
		"category":[{"coding":[{"code":"problem-list-item"}]}]}`)
	f.create(t, `{"resourceType":"Condition","id":"c2","subject":{"reference":"Patient/p1"},
		"category":[{"coding":[{"code":"encounter-diagnosis"}]}]}`)
	f.create(t, `{"resourceType":"Observation","id":"o1","status":"final","code":{"text":"hb"},
		"subject":{"reference":"Patient/p1"},"category":[{"coding":[{"code":"laboratory"}]}]}`)
	f.create(t, `{"resourceType":"Observation","id":"o2","status":"final","code":{"text":"bp"},
		"subject":{"reference":"Patient/p1"},"category":[{"coding":[{"code":"vital-signs"}]}]}`)
	f.create(t, `{"resourceType":"Observation","id":"o3","status":"final","code":{"text":"hb"},
		"subject":{"reference":"Patient/p2"},"category":[{"coding":[{"code":"laboratory"}]}]}`)

	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	d, err := New(SummaryDefinition(f.stores, func() time.Time { return now }))
	require.NoError(t, err)

	res, err := d.Perform(context.Background(), Request{Name: "$summary", Type: "Patient", ID: "p1"})
	require.NoError(t, err)
	require.NotNil(t, res.Set)
	assert.Equal(t, store.SetDocument, res.Set.Kind)
	assert.Equal(t, now, res.Set.Timestamp)

	var refs []string
	for _, e := range res.Set.Entries {
		refs = append(refs, e.Resource.Type+"/"+e.Resource.ID)
	}
	require.Len(t, refs, 5)
	assert.Equal(t, "Composition", res.Set.Entries[0].Resource.Type)
	assert.Equal(t, []string{"Patient/p1", "Condition/c1", "Observation/o1", "Observation/o2"}, refs[1:])

	comp := res.Set.Entries[0].Resource
	assert.Equal(t, "final", comp.Body["status"])
	assert.True(t, hasCode(comp.Body["type"], "60591-5"))
	sections, ok := comp.Body["section"].([]any)
	require.True(t, ok)
	require.Len(t, sections, 3)
	assert.Equal(t, "Active Problems", sections[0].(map[string]any)["title"])
	assert.True(t, hasCode(sections[1].(map[string]any)["code"], "30954-2"))
	assert.True(t, hasCode(sections[2].(map[string]any)["code"], "8716-3"))

	_, err = d.Perform(context.Background(), Request{Name: "summary", Type: "Patient", ID: "nobody"})
	assert.Equal(t, outcome.KindGone, outcome.KindOf(err))
}

func TestSummarySkipsTypesWithoutPatientParameter(t *testing.T) {
	params := index.DefaultParams()
	params["Procedure"] = []index.ParamDef{{Name: "code", Type: index.ParamToken, Paths: []string{"code"}}}
	f := newFixtureWith(t, params)

	f.create(t, `{"resourceType":"Patient","id":"p1"}`)
	f.create(t, `{"resourceType":"Patient","id":"p2"}`)
	f.create(t, `{"resourceType":"Procedure","id":"pr2","subject":{"reference":"Patient/p2"}}`)

	res, err := f.dispatcher.Perform(context.Background(), Request{Name: "summary", Type: "Patient", ID: "p1"})
	require.NoError(t, err)
	require.NotNil(t, res.Set)

	var refs []string
	for _, e := range res.Set.Entries {
		refs = append(refs, e.Resource.Type+"/"+e.Resource.ID)
	}
	assert.NotContains(t, refs, "Procedure/pr2")
	assert.Len(t, refs, 2)
	assert.NotContains(t, res.Set.Entries[0].Resource.Body, "section")
}
