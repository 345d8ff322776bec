// ABOUTME: gRPC ResourceService carrying resources as google.protobuf.Struct
// ABOUTME: Service descriptor is declared by hand; no generated stubs are needed

package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"

	json "github.com/goccy/go-json"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/fhirstore/internal/logger"
	"github.com/nainya/fhirstore/internal/metrics"
	"github.com/nainya/fhirstore/pkg/operation"
	"github.com/nainya/fhirstore/pkg/outcome"
	"github.com/nainya/fhirstore/pkg/registry"
	"github.com/nainya/fhirstore/pkg/resource"
	"github.com/nainya/fhirstore/pkg/store"
)

// ResourceServiceName is the fully qualified gRPC service name.
const ResourceServiceName = "fhirstore.v1.ResourceService"

// ResourceService is the gRPC surface. Every request and response is a
// Struct; requests name their target with "type", "id" and "version".
type ResourceService interface {
	Create(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Read(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Delete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Search(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	History(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Operation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

func unary(method string, call func(ResourceService, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ResourceService), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ResourceServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ResourceService), ctx, req.(*structpb.Struct))
			})
		},
	}
}

var resourceServiceDesc = grpc.ServiceDesc{
	ServiceName: ResourceServiceName,
	HandlerType: (*ResourceService)(nil),
	Methods: []grpc.MethodDesc{
		unary("Create", ResourceService.Create),
		unary("Read", ResourceService.Read),
		unary("Delete", ResourceService.Delete),
		unary("Search", ResourceService.Search),
		unary("History", ResourceService.History),
		unary("Operation", ResourceService.Operation),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fhirstore/v1/resource.proto",
}

// RegisterResourceService attaches svc to s.
func RegisterResourceService(s *grpc.Server, svc ResourceService) {
	s.RegisterService(&resourceServiceDesc, svc)
}

// GRPCService implements ResourceService over a registry.
type GRPCService struct {
	reg *registry.Registry
}

// NewGRPCService wraps reg.
func NewGRPCService(reg *registry.Registry) *GRPCService {
	return &GRPCService{reg: reg}
}

func str(in *structpb.Struct, key string) string {
	if v, ok := in.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func (g *GRPCService) resolve(in *structpb.Struct) (*store.Store, error) {
	rt := str(in, "type")
	if rt == "" {
		return nil, status.Error(codes.InvalidArgument, "type is required")
	}
	st, err := g.reg.Resolve(rt)
	if err != nil {
		return nil, toStatus(err)
	}
	return st, nil
}

// Create handles create and update. An "id" field or a resource id makes it
// an update.
func (g *GRPCService) Create(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	st, err := g.resolve(in)
	if err != nil {
		return nil, err
	}
	body := in.GetFields()["resource"].GetStructValue()
	if body == nil {
		return nil, status.Error(codes.InvalidArgument, "resource is required")
	}
	r, err := structToResource(body)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid resource: %v", err)
	}
	if id := str(in, "id"); id != "" {
		if r.ID != "" && r.ID != id {
			return nil, status.Errorf(codes.InvalidArgument, "resource id %s does not match id %s", r.ID, id)
		}
		r.ID = id
	}

	res, err := st.Create(ctx, r, str(in, "if_match"), str(in, "if_none_exist"))
	if err != nil {
		return nil, toStatus(err)
	}
	out := map[string]any{
		"outcome": res.Kind.String(),
		"status":  res.StatusHint,
		"ref":     res.Key.String(),
	}
	if res.Resource != nil {
		m, err := resourceToMap(res.Resource)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "render resource: %v", err)
		}
		out["resource"] = m
	}
	return newStruct(out)
}

// Read returns the current version, or the one named by "version".
func (g *GRPCService) Read(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	st, err := g.resolve(in)
	if err != nil {
		return nil, err
	}
	summary, ok := store.ParseSummary(str(in, "summary"))
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "invalid summary")
	}
	r, err := st.Get(ctx, str(in, "id"), str(in, "version"), summary)
	if err != nil {
		return nil, toStatus(err)
	}
	m, err := resourceToMap(r)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "render resource: %v", err)
	}
	return newStruct(m)
}

// Delete removes the current version.
func (g *GRPCService) Delete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	st, err := g.resolve(in)
	if err != nil {
		return nil, err
	}
	res, err := st.Delete(ctx, str(in, "id"), str(in, "if_match"))
	if err != nil {
		return nil, toStatus(err)
	}
	return newStruct(map[string]any{
		"outcome": res.Kind.String(),
		"status":  res.StatusHint,
	})
}

// Search takes a raw query string in "query".
func (g *GRPCService) Search(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	st, err := g.resolve(in)
	if err != nil {
		return nil, err
	}
	params, err := store.ParseQuery(str(in, "query"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	rs, err := st.Search(ctx, params, store.SearchOptions{})
	if err != nil {
		return nil, toStatus(err)
	}
	return bundleStruct(rs)
}

// History covers system, type and instance scope depending on which of
// "type" and "id" are set.
func (g *GRPCService) History(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var opts store.HistoryOptions
	if v, ok := in.GetFields()["count"]; ok {
		n, err := countValue(v)
		if err != nil {
			return nil, err
		}
		opts.Count = &n
	}

	var (
		rs  *store.ResultSet
		err error
	)
	switch {
	case str(in, "type") == "":
		rs, err = g.reg.SystemHistory(ctx, opts)
	case str(in, "id") == "":
		st, rerr := g.resolve(in)
		if rerr != nil {
			return nil, rerr
		}
		rs, err = st.TypeHistory(ctx, opts)
	default:
		st, rerr := g.resolve(in)
		if rerr != nil {
			return nil, rerr
		}
		rs, err = st.InstanceHistory(ctx, str(in, "id"), opts)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return bundleStruct(rs)
}

// countValue accepts a non-negative whole number.
func countValue(v *structpb.Value) (int, error) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue < 0 || n.NumberValue != math.Trunc(n.NumberValue) || n.NumberValue > math.MaxInt32 {
		return 0, status.Errorf(codes.InvalidArgument, "count must be a non-negative integer, got %v", v.AsInterface())
	}
	return int(n.NumberValue), nil
}

// Operation runs a named operation. "parameters" holds a Parameters resource.
func (g *GRPCService) Operation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var params operation.Parameters
	if p := in.GetFields()["parameters"].GetStructValue(); p != nil {
		r, err := structToResource(p)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid parameters: %v", err)
		}
		params, err = operation.FromResource(r)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid parameters: %v", err)
		}
	}

	res, err := g.reg.PerformOperation(ctx, operation.Request{
		Name:   str(in, "name"),
		Type:   str(in, "type"),
		ID:     str(in, "id"),
		Params: params,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	switch {
	case res.Set != nil:
		return bundleStruct(res.Set)
	case res.Resource != nil:
		m, err := resourceToMap(res.Resource)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "render resource: %v", err)
		}
		return newStruct(m)
	default:
		raw, err := renderOutcome(res.Outcome)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "render outcome: %v", err)
		}
		return rawStruct(raw)
	}
}

// toStatus maps a typed store error to a gRPC status, attaching the outcome.
func toStatus(err error) error {
	var code codes.Code
	switch outcome.KindOf(err) {
	case outcome.KindValidationFailed, outcome.KindBadRequest:
		code = codes.InvalidArgument
	case outcome.KindGone:
		code = codes.NotFound
	case outcome.KindUnimplemented:
		code = codes.Unimplemented
	case outcome.KindConflict:
		code = codes.FailedPrecondition
	default:
		if errors.Is(err, context.Canceled) {
			return status.Error(codes.Canceled, err.Error())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return status.Error(codes.DeadlineExceeded, err.Error())
		}
		return status.Error(codes.Internal, "internal error")
	}

	st := status.New(code, err.Error())
	raw, rerr := renderOutcome(errorOutcome(err))
	if rerr != nil {
		return st.Err()
	}
	detail, rerr := rawStruct(raw)
	if rerr != nil {
		return st.Err()
	}
	if withDetail, derr := st.WithDetails(detail); derr == nil {
		return withDetail.Err()
	}
	return st.Err()
}

// ---- struct conversion ----

func structToResource(s *structpb.Struct) (*resource.Resource, error) {
	raw, err := s.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return codec.Unmarshal(raw)
}

func resourceToMap(r *resource.Resource) (map[string]any, error) {
	raw, err := codec.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func bundleStruct(rs *store.ResultSet) (*structpb.Struct, error) {
	raw, err := renderBundle(rs, "")
	if err != nil {
		return nil, status.Errorf(codes.Internal, "render bundle: %v", err)
	}
	return rawStruct(raw)
}

func rawStruct(raw []byte) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// GRPCServer hosts the resource service with health and reflection.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	port   int
	log    *logger.Logger
}

// NewGRPCServer registers the services on a new grpc.Server.
func NewGRPCServer(port int, reg *registry.Registry, m *metrics.Metrics, log *logger.Logger) *GRPCServer {
	interceptors := []grpc.UnaryServerInterceptor{GrpcRecoveryInterceptor(log)}
	if m != nil {
		interceptors = append(interceptors, GrpcMetricsInterceptor(m, log))
	}
	s := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxBodyBytes),
		grpc.MaxSendMsgSize(maxBodyBytes),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	RegisterResourceService(s, NewGRPCService(reg))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	hs.SetServingStatus(ResourceServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(s)
	return &GRPCServer{server: s, health: hs, port: port, log: log}
}

// Server exposes the underlying grpc.Server.
func (g *GRPCServer) Server() *grpc.Server { return g.server }

// Start listens on the configured port and serves until Shutdown.
func (g *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return g.Serve(lis)
}

// Serve accepts connections on lis.
func (g *GRPCServer) Serve(lis net.Listener) error {
	g.log.Info("Starting gRPC server").Str("addr", lis.Addr().String()).Send()
	if err := g.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc server failed: %w", err)
	}
	return nil
}

// Shutdown marks the service not serving and stops gracefully.
func (g *GRPCServer) Shutdown() {
	g.log.Info("Shutting down gRPC server").Send()
	g.health.Shutdown()
	g.server.GracefulStop()
}
