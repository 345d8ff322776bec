// ABOUTME: Maps resource types to their stores over one backend and index
// ABOUTME: Owns system history, operation dispatch and full reindexing

package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nainya/fhirstore/pkg/index"
	"github.com/nainya/fhirstore/pkg/operation"
	"github.com/nainya/fhirstore/pkg/outcome"
	"github.com/nainya/fhirstore/pkg/resource"
	"github.com/nainya/fhirstore/pkg/storage"
	"github.com/nainya/fhirstore/pkg/store"
	"github.com/nainya/fhirstore/pkg/validation"
)

// Observer extends the store observer with operation outcomes.
type Observer interface {
	store.Observer
	RecordOperation(name, status string)
}

type nopObserver struct{}

func (nopObserver) ObserveOperation(string, string, string, time.Duration) {}
func (nopObserver) ObserveValidationFailure(string)                        {}
func (nopObserver) ObserveSearch(string, int)                              {}
func (nopObserver) ObserveHistory(string)                                  {}
func (nopObserver) ObserveIndexSize(int)                                   {}
func (nopObserver) RecordOperation(string, string)                         {}

// Config wires a registry. Backend and Types are required.
type Config struct {
	Types    []string
	Backend  storage.Backend
	Codec    resource.Codec
	Gateway  validation.Gateway
	Index    *index.BitmapIndex
	Logger   zerolog.Logger
	Observer Observer
	Clock    func() time.Time

	// Operations replaces the built-in operation set when non-nil.
	Operations []operation.Definition
}

// Registry is the entry point the transports use.
type Registry struct {
	stores     map[string]*store.Store
	types      []string
	index      *index.BitmapIndex
	dispatcher *operation.Dispatcher
	log        zerolog.Logger
	obs        Observer
	now        func() time.Time
}

// New creates one store per configured type.
func New(cfg Config) (*Registry, error) {
	if cfg.Backend == nil {
		return nil, errors.New("registry: backend is required")
	}
	if len(cfg.Types) == 0 {
		return nil, errors.New("registry: no resource types configured")
	}
	if cfg.Index == nil {
		cfg.Index = index.NewBitmapIndex(index.DefaultParams())
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Gateway == nil {
		cfg.Gateway = validation.NewValidator(nil)
	}

	r := &Registry{
		stores: make(map[string]*store.Store, len(cfg.Types)),
		index:  cfg.Index,
		log:    cfg.Logger,
		obs:    cfg.Observer,
		now:    cfg.Clock,
	}
	for _, t := range cfg.Types {
		if _, dup := r.stores[t]; dup {
			return nil, fmt.Errorf("registry: resource type %s listed twice", t)
		}
		opts := []store.Option{
			store.WithGateway(cfg.Gateway),
			store.WithIndex(cfg.Index),
			store.WithLogger(cfg.Logger.With().Str("component", "store").Str("resource_type", t).Logger()),
			store.WithObserver(cfg.Observer),
			store.WithClock(cfg.Clock),
		}
		if cfg.Codec != nil {
			opts = append(opts, store.WithCodec(cfg.Codec))
		}
		r.stores[t] = store.New(t, cfg.Backend, opts...)
		r.types = append(r.types, t)
	}
	sort.Strings(r.types)

	defs := cfg.Operations
	if defs == nil {
		defs = operation.Builtins(r, cfg.Gateway)
	}
	d, err := operation.New(defs...)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	r.dispatcher = d
	return r, nil
}

// Types lists the served resource types in name order.
func (r *Registry) Types() []string {
	return append([]string(nil), r.types...)
}

// Store returns the store for a resource type.
func (r *Registry) Store(resourceType string) (*store.Store, bool) {
	s, ok := r.stores[resourceType]
	return s, ok
}

// Resolve is Store with an Unimplemented error for unknown types.
func (r *Registry) Resolve(resourceType string) (*store.Store, error) {
	s, ok := r.stores[resourceType]
	if !ok {
		return nil, outcome.Unimplemented("Resource type %s is not supported", resourceType)
	}
	return s, nil
}

// Dispatcher exposes the operation table.
func (r *Registry) Dispatcher() *operation.Dispatcher { return r.dispatcher }

// SystemHistory merges the version records of every type, newest first.
func (r *Registry) SystemHistory(ctx context.Context, opts store.HistoryOptions) (*store.ResultSet, error) {
	var all []*resource.Resource
	for _, t := range r.types {
		recs, err := r.stores[t].Records(ctx, opts)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	store.SortByLastUpdated(all)
	r.obs.ObserveHistory("system")
	return store.NewHistory(all, opts, r.now().UTC()), nil
}

// PerformOperation runs a system, type or instance level operation.
func (r *Registry) PerformOperation(ctx context.Context, req operation.Request) (*operation.Result, error) {
	if req.Type != "" {
		if _, err := r.Resolve(req.Type); err != nil {
			r.obs.RecordOperation(operation.NormalizeName(req.Name), outcome.KindOf(err).String())
			return nil, err
		}
	}
	res, err := r.dispatcher.Perform(ctx, req)
	status := "ok"
	if err != nil {
		status = outcome.KindOf(err).String()
	}
	r.obs.RecordOperation(operation.NormalizeName(req.Name), status)
	return res, err
}

// Reindex clears the shared index and rebuilds it from every store in
// parallel.
func (r *Registry) Reindex(ctx context.Context) (int, error) {
	start := time.Now()
	r.index.Reset()

	counts := make([]int, len(r.types))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range r.types {
		st := r.stores[t]
		g.Go(func() error {
			n, err := st.Reindex(gctx)
			counts[i] = n
			return err
		})
	}
	err := g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	r.obs.ObserveIndexSize(r.index.Size())
	if err != nil {
		return total, err
	}
	r.log.Info().Int("resources", total).Int("types", len(r.types)).
		Dur("duration", time.Since(start)).Msg("index rebuilt")
	return total, nil
}
