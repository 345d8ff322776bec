// Package server wires configuration, storage and the transports together
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nainya/fhirstore/internal/config"
	"github.com/nainya/fhirstore/internal/logger"
	"github.com/nainya/fhirstore/internal/metrics"
	"github.com/nainya/fhirstore/pkg/index"
	"github.com/nainya/fhirstore/pkg/registry"
	"github.com/nainya/fhirstore/pkg/resource"
	"github.com/nainya/fhirstore/pkg/storage"
	"github.com/nainya/fhirstore/pkg/validation"
)

const shutdownTimeout = 15 * time.Second

// OpenBackend opens the configured storage engine.
func OpenBackend(cfg config.StorageConfig, log *logger.Logger) (storage.Backend, error) {
	switch cfg.Backend {
	case "", "badger":
		return storage.OpenBadger(storage.BadgerConfig{
			Path:       cfg.Path,
			InMemory:   cfg.InMemory,
			SyncWrites: cfg.SyncWrites,
			Logger:     log.WithFields(map[string]interface{}{"component": "badger"}).GetZerolog(),
		})
	case "sqlite":
		if cfg.InMemory {
			return nil, errors.New("in_memory is only supported by the badger backend")
		}
		return storage.OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// NewRegistry builds the stores, validator and index for cfg over backend.
// The index starts empty; call Reindex before serving.
func NewRegistry(cfg *config.Config, backend storage.Backend, m *metrics.Metrics, log *logger.Logger) (*registry.Registry, error) {
	profiles, err := validation.LoadProfileDir(cfg.Validation.ProfileDir)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	zlog := *log.GetZerolog()
	gw := validation.NewValidator(profiles,
		validation.WithResourceTypes(cfg.ResourceTypes...),
		validation.WithLogger(zlog.With().Str("component", "validation").Logger()),
	)

	var codec resource.Codec = resource.JSONCodec{}
	if cfg.Storage.Compress {
		zc, err := resource.NewZstdCodec(codec)
		if err != nil {
			return nil, err
		}
		codec = zc
	}

	rc := registry.Config{
		Types:   cfg.ResourceTypes,
		Backend: backend,
		Codec:   codec,
		Gateway: gw,
		Index:   index.NewBitmapIndex(cfg.Params()),
		Logger:  zlog,
	}
	if m != nil {
		rc.Observer = m
	}
	return registry.New(rc)
}

// Server runs the REST, gRPC and observability listeners over one registry.
type Server struct {
	cfg     *config.Config
	backend storage.Backend
	reg     *registry.Registry
	http    *HTTPServer
	grpc    *GRPCServer
	obs     *ObservabilityServer
	log     *logger.Logger
	metrics *metrics.Metrics
}

// New opens storage and builds every listener. Nothing listens until Run.
func New(cfg *config.Config, log *logger.Logger) (*Server, error) {
	m := metrics.NewMetrics()

	backend, err := OpenBackend(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	reg, err := NewRegistry(cfg, backend, m, log)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	return &Server{
		cfg:     cfg,
		backend: backend,
		reg:     reg,
		http: NewHTTPServer(HTTPConfig{
			Port:       cfg.Server.HTTPPort,
			BaseURL:    cfg.Server.BaseURL,
			WriteRate:  cfg.Server.WriteRate,
			WriteBurst: cfg.Server.WriteBurst,
		}, reg, m, log),
		grpc:    NewGRPCServer(cfg.Server.GRPCPort, reg, m, log),
		obs:     NewObservabilityServer(cfg.Server.MetricsPort, m, log),
		log:     log,
		metrics: m,
	}, nil
}

// Registry exposes the stores.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Run rebuilds the index, serves until ctx is cancelled and then shuts the
// listeners down.
func (s *Server) Run(ctx context.Context) error {
	s.log.LogServerStart(s.cfg.Server.HTTPPort, s.cfg.Server.GRPCPort, s.cfg.Storage.Backend, s.cfg.Storage.Path)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.obs.Start)
	g.Go(func() error {
		s.metrics.RunUptime(gctx)
		return nil
	})

	if _, err := s.reg.Reindex(gctx); err != nil {
		s.log.Error("Index rebuild failed").Err(err).Send()
		cancel()
		_ = s.shutdown()
		_ = g.Wait()
		return fmt.Errorf("rebuild index: %w", err)
	}

	g.Go(s.http.Start)
	g.Go(s.grpc.Start)
	s.obs.SetReady(true)
	s.log.LogServerReady(len(s.reg.Types()))

	g.Go(func() error {
		<-gctx.Done()
		s.log.LogServerShutdown()
		return s.shutdown()
	})
	return g.Wait()
}

func (s *Server) shutdown() error {
	s.obs.SetReady(false)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.grpc.Shutdown()
	return errors.Join(
		s.http.Shutdown(ctx),
		s.obs.Shutdown(ctx),
	)
}

// Close releases storage.
func (s *Server) Close() error {
	return s.backend.Close()
}
