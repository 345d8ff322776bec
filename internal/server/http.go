// ABOUTME: REST transport over gin: CRUD, search, history and operations
// ABOUTME: Maps typed store errors to HTTP status codes with OperationOutcome bodies

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/nainya/fhirstore/internal/logger"
	"github.com/nainya/fhirstore/internal/metrics"
	"github.com/nainya/fhirstore/pkg/operation"
	"github.com/nainya/fhirstore/pkg/outcome"
	"github.com/nainya/fhirstore/pkg/registry"
	"github.com/nainya/fhirstore/pkg/resource"
	"github.com/nainya/fhirstore/pkg/store"
)

const (
	contentType  = "application/fhir+json; charset=utf-8"
	maxBodyBytes = 16 << 20
)

// HTTPConfig configures the REST listener. A zero WriteRate disables write
// throttling.
type HTTPConfig struct {
	Port       int
	BaseURL    string
	WriteRate  float64
	WriteBurst int
}

// HTTPServer serves the REST API.
type HTTPServer struct {
	reg     *registry.Registry
	engine  *gin.Engine
	server  *http.Server
	log     *logger.Logger
	metrics *metrics.Metrics
	base    string
}

// NewHTTPServer builds the gin engine and routes.
func NewHTTPServer(cfg HTTPConfig, reg *registry.Registry, m *metrics.Metrics, log *logger.Logger) *HTTPServer {
	gin.SetMode(gin.ReleaseMode)
	s := &HTTPServer{
		reg:     reg,
		engine:  gin.New(),
		log:     log.HTTPLogger(),
		metrics: m,
		base:    cfg.BaseURL,
	}

	s.engine.Use(gin.Recovery(), s.observe())
	if cfg.WriteRate > 0 {
		burst := cfg.WriteBurst
		if burst <= 0 {
			burst = int(cfg.WriteRate)
		}
		s.engine.Use(writeLimiter(rate.NewLimiter(rate.Limit(cfg.WriteRate), burst)))
	}

	// Segments are dispatched by content: metadata, _history and $operation
	// names share positions with types and ids.
	s.engine.GET("/:type", s.typeGet)
	s.engine.POST("/:type", s.typePost)
	s.engine.GET("/:type/:id", s.instanceGet)
	s.engine.POST("/:type/:id", s.instancePost)
	s.engine.PUT("/:type/:id", s.update)
	s.engine.DELETE("/:type/:id", s.delete)
	s.engine.GET("/:type/:id/:sub", s.subGet)
	s.engine.POST("/:type/:id/:sub", s.subPost)
	s.engine.GET("/:type/:id/:sub/:vid", s.vread)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler exposes the engine for tests and embedding.
func (s *HTTPServer) Handler() http.Handler { return s.engine }

// Start serves until Shutdown.
func (s *HTTPServer) Start() error {
	s.log.Info("Starting REST server").Str("addr", s.server.Addr).Send()
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("rest server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down REST server").Send()
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		if s.metrics != nil {
			s.metrics.RequestsInFlight.Inc()
			defer s.metrics.RequestsInFlight.Dec()
		}
		c.Next()

		status := c.Writer.Status()
		if s.metrics != nil {
			s.metrics.RecordRequest("http", c.Request.Method, strconv.Itoa(status), time.Since(start))
		}
		var err error
		if last := c.Errors.Last(); last != nil {
			err = last.Err
		}
		s.log.LogRequest("http", c.Request.Method, c.Request.URL.Path, status, time.Since(start), err)
	}
}

func writeLimiter(l *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodDelete:
			if !l.Allow() {
				o := outcome.New().Add(outcome.SeverityError, "throttled", "Write rate exceeded, retry later")
				body, _ := renderOutcome(o)
				c.Data(http.StatusTooManyRequests, contentType, body)
				c.Abort()
				return
			}
		}
		c.Next()
	}
}

// ---- dispatch by segment ----

func (s *HTTPServer) typeGet(c *gin.Context) {
	seg := c.Param("type")
	switch {
	case seg == "metadata":
		s.writeResource(c, http.StatusOK, s.reg.Capability().Resource(), nil)
	case seg == "_history":
		s.systemHistory(c)
	case isOperation(seg):
		s.operation(c, "", "", seg)
	default:
		s.search(c, seg)
	}
}

func (s *HTTPServer) typePost(c *gin.Context) {
	seg := c.Param("type")
	if isOperation(seg) {
		s.operation(c, "", "", seg)
		return
	}
	s.create(c, seg)
}

func (s *HTTPServer) instanceGet(c *gin.Context) {
	rt, seg := c.Param("type"), c.Param("id")
	switch {
	case seg == "_history":
		s.typeHistory(c, rt)
	case isOperation(seg):
		s.operation(c, rt, "", seg)
	default:
		s.read(c, rt, seg, "")
	}
}

func (s *HTTPServer) instancePost(c *gin.Context) {
	rt, seg := c.Param("type"), c.Param("id")
	if !isOperation(seg) {
		s.fail(c, outcome.Unimplemented("POST is not supported on %s/%s", rt, seg))
		return
	}
	s.operation(c, rt, "", seg)
}

func (s *HTTPServer) subGet(c *gin.Context) {
	rt, id, seg := c.Param("type"), c.Param("id"), c.Param("sub")
	switch {
	case seg == "_history":
		s.instanceHistory(c, rt, id)
	case isOperation(seg):
		s.operation(c, rt, id, seg)
	default:
		s.fail(c, outcome.Unimplemented("Unknown path segment %s", seg))
	}
}

func (s *HTTPServer) subPost(c *gin.Context) {
	rt, id, seg := c.Param("type"), c.Param("id"), c.Param("sub")
	if !isOperation(seg) {
		s.fail(c, outcome.Unimplemented("POST is not supported on %s/%s/%s", rt, id, seg))
		return
	}
	s.operation(c, rt, id, seg)
}

func (s *HTTPServer) vread(c *gin.Context) {
	if c.Param("sub") != "_history" {
		s.fail(c, outcome.Unimplemented("Unknown path segment %s", c.Param("sub")))
		return
	}
	s.read(c, c.Param("type"), c.Param("id"), c.Param("vid"))
}

func isOperation(seg string) bool {
	return strings.HasPrefix(seg, "$") && len(seg) > 1
}

// ---- interactions ----

func (s *HTTPServer) create(c *gin.Context, rt string) {
	st, err := s.reg.Resolve(rt)
	if err != nil {
		s.fail(c, err)
		return
	}
	r, err := readResource(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	// POST always assigns a new id
	r.ID = ""
	res, err := st.Create(c.Request.Context(), r, "", c.GetHeader("If-None-Exist"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeResult(c, res)
}

func (s *HTTPServer) update(c *gin.Context) {
	rt, id := c.Param("type"), c.Param("id")
	st, err := s.reg.Resolve(rt)
	if err != nil {
		s.fail(c, err)
		return
	}
	r, err := readResource(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	if r.ID == "" {
		r.ID = id
	}
	if r.ID != id {
		s.fail(c, outcome.BadRequest(nil, "Resource id %s does not match the URL id %s", r.ID, id))
		return
	}
	res, err := st.Create(c.Request.Context(), r, c.GetHeader("If-Match"), "")
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeResult(c, res)
}

func (s *HTTPServer) delete(c *gin.Context) {
	st, err := s.reg.Resolve(c.Param("type"))
	if err != nil {
		s.fail(c, err)
		return
	}
	res, err := st.Delete(c.Request.Context(), c.Param("id"), c.GetHeader("If-Match"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeResult(c, res)
}

func (s *HTTPServer) read(c *gin.Context, rt, id, version string) {
	st, err := s.reg.Resolve(rt)
	if err != nil {
		s.fail(c, err)
		return
	}
	summary := store.SummaryFalse
	if v := c.Query("_summary"); v != "" {
		m, ok := store.ParseSummary(v)
		if !ok {
			s.fail(c, outcome.BadRequest(nil, "Invalid _summary value %q", v))
			return
		}
		summary = m
	}
	r, err := st.Get(c.Request.Context(), id, version, summary)
	if err != nil {
		s.fail(c, err)
		return
	}

	var filter *store.ElementFilter
	if v := c.Query("_elements"); v != "" {
		filter = store.NewElementFilter(v)
		r.MarkSubsetted()
	}
	c.Header("ETag", etag(r))
	c.Header("Last-Modified", r.LastUpdated().Format(http.TimeFormat))
	s.writeResource(c, http.StatusOK, r, filter)
}

func (s *HTTPServer) search(c *gin.Context, rt string) {
	st, err := s.reg.Resolve(rt)
	if err != nil {
		s.fail(c, err)
		return
	}
	params, err := store.ParseQuery(c.Request.URL.RawQuery)
	if err != nil {
		s.fail(c, outcome.BadRequest(nil, "%v", err))
		return
	}
	rs, err := st.Search(c.Request.Context(), params, store.SearchOptions{})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeBundle(c, http.StatusOK, rs)
}

func (s *HTTPServer) instanceHistory(c *gin.Context, rt, id string) {
	st, err := s.reg.Resolve(rt)
	if err != nil {
		s.fail(c, err)
		return
	}
	opts, err := historyOptions(c.Request.URL.Query())
	if err != nil {
		s.fail(c, err)
		return
	}
	rs, err := st.InstanceHistory(c.Request.Context(), id, opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeBundle(c, http.StatusOK, rs)
}

func (s *HTTPServer) typeHistory(c *gin.Context, rt string) {
	st, err := s.reg.Resolve(rt)
	if err != nil {
		s.fail(c, err)
		return
	}
	opts, err := historyOptions(c.Request.URL.Query())
	if err != nil {
		s.fail(c, err)
		return
	}
	rs, err := st.TypeHistory(c.Request.Context(), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeBundle(c, http.StatusOK, rs)
}

func (s *HTTPServer) systemHistory(c *gin.Context) {
	opts, err := historyOptions(c.Request.URL.Query())
	if err != nil {
		s.fail(c, err)
		return
	}
	rs, err := s.reg.SystemHistory(c.Request.Context(), opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.writeBundle(c, http.StatusOK, rs)
}

func (s *HTTPServer) operation(c *gin.Context, rt, id, seg string) {
	params := operation.FromQuery(c.Request.URL.Query())
	if c.Request.Method == http.MethodPost {
		body, err := readResource(c)
		if err != nil {
			s.fail(c, err)
			return
		}
		if body.Type == "Parameters" {
			fromBody, err := operation.FromResource(body)
			if err != nil {
				s.fail(c, outcome.BadRequest(nil, "Invalid Parameters resource: %v", err))
				return
			}
			params = append(params, fromBody...)
		} else {
			params = params.With(operation.Parameter{Name: "resource", Resource: body})
		}
	}

	res, err := s.reg.PerformOperation(c.Request.Context(), operation.Request{
		Name:   seg,
		Type:   rt,
		ID:     id,
		Params: params,
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	status := res.StatusHint
	if status == 0 {
		status = http.StatusOK
	}
	switch {
	case res.Set != nil:
		s.writeBundle(c, status, res.Set)
	case res.Resource != nil:
		s.writeResource(c, status, res.Resource, nil)
	default:
		s.writeOutcome(c, status, res.Outcome)
	}
}

// ---- request / response helpers ----

func readResource(c *gin.Context) (*resource.Resource, error) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) == 0 {
		return nil, outcome.BadRequest(nil, "Request body is empty")
	}
	r, err := codec.Unmarshal(data)
	if err != nil {
		return nil, outcome.BadRequest(nil, "Unable to parse resource: %v", err)
	}
	return r, nil
}

func (s *HTTPServer) writeResult(c *gin.Context, res *store.WriteResult) {
	if r := res.Resource; r != nil && r.ID != "" {
		c.Header("ETag", etag(r))
		c.Header("Last-Modified", r.LastUpdated().Format(http.TimeFormat))
		if res.Kind == store.WriteCreated || res.Kind == store.WriteUpdated {
			c.Header("Location", absolute(s.base, res.Key.String()))
		}
	}
	switch {
	case res.StatusHint == http.StatusNoContent:
		c.Status(http.StatusNoContent)
	case res.Resource != nil:
		s.writeResource(c, res.StatusHint, res.Resource, nil)
	default:
		s.writeOutcome(c, res.StatusHint, res.Outcome)
	}
}

func (s *HTTPServer) writeResource(c *gin.Context, status int, r *resource.Resource, filter *store.ElementFilter) {
	body, err := renderResource(r, filter)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(status, contentType, body)
}

func (s *HTTPServer) writeBundle(c *gin.Context, status int, rs *store.ResultSet) {
	body, err := renderBundle(rs, s.base)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(status, contentType, body)
}

func (s *HTTPServer) writeOutcome(c *gin.Context, status int, o *outcome.Outcome) {
	body, err := renderOutcome(o)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(status, contentType, body)
}

func (s *HTTPServer) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	body, rerr := renderOutcome(errorOutcome(err))
	if rerr != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(statusFor(err), contentType, body)
	c.Abort()
}
