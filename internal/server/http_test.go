package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/fhirstore/internal/config"
	"github.com/nainya/fhirstore/internal/logger"
	"github.com/nainya/fhirstore/pkg/outcome"
	"github.com/nainya/fhirstore/pkg/registry"
	"github.com/nainya/fhirstore/pkg/storage"
)

const testBase = "http://fhir.test"

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	b, err := storage.OpenBadger(storage.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	cfg := config.Default()
	cfg.Storage.InMemory = true
	reg, err := NewRegistry(cfg, b, nil, logger.Nop())
	require.NoError(t, err)
	return reg
}

func newTestAPI(t *testing.T, cfg HTTPConfig) http.Handler {
	t.Helper()
	cfg.BaseURL = testBase
	return NewHTTPServer(cfg, newTestRegistry(t), nil, logger.Nop()).Handler()
}

type response struct {
	*httptest.ResponseRecorder
	doc map[string]any
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) response {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/fhir+json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	res := response{ResponseRecorder: w}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res.doc), w.Body.String())
	}
	return res
}

func meta(doc map[string]any) map[string]any {
	m, _ := doc["meta"].(map[string]any)
	return m
}

func TestCreateAssignsIDAndHeaders(t *testing.T) {
	h := newTestAPI(t, HTTPConfig{})

	res := do(t, h, http.MethodPost, "/Patient", `{"resourceType":"Patient","id":"ignored","gender":"male"}`)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	id, _ := res.doc["id"].(string)
	assert.NotEmpty(t, id)
	assert.NotEqual(t, "ignored", id)
	assert.Equal(t, "1", meta(res.doc)["versionId"])
	assert.Equal(t, `W/"1"`, res.Header().Get("ETag"))
	assert.Equal(t, testBase+"/Patient/"+id+"/_history/1", res.Header().Get("Location"))
	assert.Contains(t, res.Header().Get("Content-Type"), "application/fhir+json")
}

func TestUpdateReadAndVersionRead(t *testing.T) {
	h := newTestAPI(t, HTTPConfig{})

	res := do(t, h, http.MethodPut, "/Patient/p1", `{"resourceType":"Patient","gender":"male"}`)
	require.Equal(t, http.StatusCreated, res.Code, res.Body.String())

	res = do(t, h, http.MethodPut, "/Patient/p1", `{"resourceType":"Patient","id":"p1","gender":"female"}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, "2", meta(res.doc)["versionId"])

	res = do(t, h, http.MethodGet, "/Patient/p1", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "female", res.doc["gender"])
	assert.Equal(t, `W/"2"`, res.Header().Get("ETag"))

	res = do(t, h, http.MethodGet, "/Patient/p1/_history/1", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "male", res.doc["gender"])

	res = do(t, h, http.MethodGet, "/Patient/p1?_elements=id", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.NotContains(t, res.doc, "gender")

	res = do(t, h, http.MethodPut, "/Patient/p1", `{"resourceType":"Patient","id":"other"}`)
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestDeleteThenReadIsGone(t *testing.T) {
	h := newTestAPI(t, HTTPConfig{})
	do(t, h, http.MethodPut, "/Patient/p1", `{"resourceType":"Patient"}`)

	res := do(t, h, http.MethodDelete, "/Patient/p1", "")
	assert.Equal(t, http.StatusNoContent, res.Code)

	res = do(t, h, http.MethodGet, "/Patient/p1", "")
	assert.Equal(t, http.StatusGone, res.Code)
	assert.Equal(t, "OperationOutcome", res.doc["resourceType"])

	res = do(t, h, http.MethodGet, "/Patient/never", "")
	assert.Equal(t, http.StatusNotFound, res.Code)

	// Deleting again is a no-op
	res = do(t, h, http.MethodDelete, "/Patient/p1", "")
	assert.Equal(t, http.StatusNoContent, res.Code)
}

func TestErrorStatusCodes(t *testing.T) {
	h := newTestAPI(t, HTTPConfig{})
	do(t, h, http.MethodPut, "/Patient/p1", `{"resourceType":"Patient"}`)

	cases := []struct {
		name, method, path, body string
		headers                  []string
		want                     int
	}{
		{"validation", http.MethodPost, "/Patient", `{"resourceType":"Patient","gender":"robot"}`, nil, http.StatusBadRequest},
		{"unparseable", http.MethodPost, "/Patient", `{not json`, nil, http.StatusBadRequest},
		{"empty body", http.MethodPost, "/Patient", ``, nil, http.StatusBadRequest},
		{"type mismatch", http.MethodPost, "/Patient", `{"resourceType":"Observation"}`, nil, http.StatusBadRequest},
		{"unknown type", http.MethodGet, "/Device", ``, nil, http.StatusNotImplemented},
		{"unknown operation", http.MethodGet, "/Patient/p1/$everything", ``, nil, http.StatusNotImplemented},
		{"stale if-match", http.MethodPut, "/Patient/p1", `{"resourceType":"Patient"}`, []string{"If-Match", `W/"7"`}, http.StatusPreconditionFailed},
		{"bad version", http.MethodGet, "/Patient/p1/_history/x", ``, nil, http.StatusNotFound},
		{"bad summary", http.MethodGet, "/Patient/p1?_summary=all", ``, nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := do(t, h, tc.method, tc.path, tc.body, tc.headers...)
			assert.Equal(t, tc.want, res.Code, res.Body.String())
			assert.Equal(t, "OperationOutcome", res.doc["resourceType"])
		})
	}
}

func TestConditionalCreate(t *testing.T) {
	h := newTestAPI(t, HTTPConfig{})
	do(t, h, http.MethodPut, "/Patient/p1", `{"resourceType":"Patient","gender":"male"}`)

	res := do(t, h, http.MethodPost, "/Patient", `{"resourceType":"Patient","gender":"male"}`, "If-None-Exist", "gender=male")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, "p1", res.doc["id"])
}

func TestSearchBundle(t *testing.T) {
	h := newTestAPI(t, HTTPConfig{})
	do(t, h, http.MethodPut, "/Patient/a", `{"resourceType":"Patient","gender":"male"}`)
	do(t, h, http.MethodPut, "/Patient/b", `{"resourceType":"Patient","gender":"female"}`)

	res := do(t, h, http.MethodGet, "/Patient?gender=male&shoe-size=44", "")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, "Bundle", res.doc["resourceType"])
	assert.Equal(t, "searchset", res.doc["type"])
	assert.EqualValues(t, 1, res.doc["total"])

	entries := res.doc["entry"].([]any)
	require.Len(t, entries, 2)
	first := entries[0].(map[string]any)
	assert.Equal(t, testBase+"/Patient/a/_history/1", first["fullUrl"])
	assert.Equal(t, "match", first["search"].(map[string]any)["mode"])
	last := entries[1].(map[string]any)
	assert.Equal(t, "outcome", last["search"].(map[string]any)["mode"])
	assert.Equal(t, "OperationOutcome", last["resource"].(map[string]any)["resourceType"])
}

func TestHistoryEndpoints(t *testing.T) {
	h := newTestAPI(t, HTTPConfig{})
	do(t, h, http.MethodPut, "/Patient/p1", `{"resourceType":"Patient"}`)
	do(t, h, http.MethodPut, "/Patient/p1", `{"resourceType":"Patient","gender":"male"}`)
	do(t, h, http.MethodPut, "/Observation/o1", `{"resourceType":"Observation","status":"final","code":{"text":"x"}}`)

	res := do(t, h, http.MethodGet, "/Patient/p1/_history", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "history", res.doc["type"])
	assert.EqualValues(t, 2, res.doc["total"])

	res = do(t, h, http.MethodGet, "/Patient/_history?_count=1", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.EqualValues(t, 2, res.doc["total"])
	assert.Len(t, res.doc["entry"], 1)

	res = do(t, h, http.MethodGet, "/_history", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.EqualValues(t, 3, res.doc["total"])

	res = do(t, h, http.MethodGet, "/_history?_since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, res.Code)
}

func TestMetadata(t *testing.T) {
	h := newTestAPI(t, HTTPConfig{})
	res := do(t, h, http.MethodGet, "/metadata", "")
	require.Equal(t, http.StatusOK, res.Code)
	assert.Equal(t, "CapabilityStatement", res.doc["resourceType"])
	rest := res.doc["rest"].([]any)[0].(map[string]any)
	assert.NotEmpty(t, rest["resource"])
}

func TestOperations(t *testing.T) {
	h := newTestAPI(t, HTTPConfig{})
	do(t, h, http.MethodPut, "/Patient/p1", `{"resourceType":"Patient"}`)

	res := do(t, h, http.MethodGet, "/Patient/$count-em", "")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	issue := res.doc["issue"].([]any)[0].(map[string]any)
	assert.Equal(t, "Patient resource instances: 1", issue["diagnostics"])

	res = do(t, h, http.MethodPost, "/Patient/$validate", `{"resourceType":"Parameters","parameter":[
		{"name":"mode","valueCode":"create"},
		{"name":"resource","resource":{"resourceType":"Patient","gender":"female"}}]}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	issue = res.doc["issue"].([]any)[0].(map[string]any)
	assert.Contains(t, issue["diagnostics"], "was successful")

	// A bare resource body becomes the resource parameter
	res = do(t, h, http.MethodPost, "/Patient/$validate", `{"resourceType":"Patient","gender":"robot"}`)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	issue = res.doc["issue"].([]any)[0].(map[string]any)
	assert.Equal(t, "error", issue["severity"])

	res = do(t, h, http.MethodGet, "/Patient/p1/$validate?mode=update", "")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = do(t, h, http.MethodGet, "/Patient/p1/$summary", "")
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	assert.Equal(t, "document", res.doc["type"])
	assert.NotContains(t, res.doc, "total")
}

func TestWriteRateLimit(t *testing.T) {
	h := newTestAPI(t, HTTPConfig{WriteRate: 0.001, WriteBurst: 1})

	res := do(t, h, http.MethodPost, "/Patient", `{"resourceType":"Patient"}`)
	assert.Equal(t, http.StatusCreated, res.Code)
	res = do(t, h, http.MethodPost, "/Patient", `{"resourceType":"Patient"}`)
	assert.Equal(t, http.StatusTooManyRequests, res.Code)

	// Reads are not throttled
	res = do(t, h, http.MethodGet, "/Patient", "")
	assert.Equal(t, http.StatusOK, res.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk on fire")))
	assert.Equal(t, http.StatusGone, statusFor(outcome.Gone("Patient/x", true)))
	assert.Equal(t, http.StatusNotFound, statusFor(outcome.Gone("Patient/x", false)))
	assert.Equal(t, http.StatusPreconditionFailed, statusFor(outcome.Conflict("stale")))
	assert.Equal(t, http.StatusNotImplemented, statusFor(outcome.Unimplemented("nope")))

	o := errorOutcome(errors.New("secret path /var/db"))
	assert.NotContains(t, o.String(), "secret")
}
