// Package txnservice exposes the transaction manager over gRPC: the calls a
// coordinator fans out to its peers, the administrative commit/abort/hold
// calls and cluster membership admission.
package txnservice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/sushant-115/gojotxn/core/auth"
	"github.com/sushant-115/gojotxn/core/cluster"
	"github.com/sushant-115/gojotxn/core/transaction"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
)

const defaultHoldTimeout = 10 * time.Second

// Registrar admits servers into the membership group.
type Registrar interface {
	Register(info cluster.ServerInfo) (cluster.ServerInfo, error)
	LeaderID() string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger.Named("txn_service")
		}
	}
}

func WithServerMeter(meter metric.Meter) ServerOption {
	return func(s *Server) { s.meter = meter }
}

// WithMembership enables Join and Members.
func WithMembership(registrar Registrar, membership transaction.Membership) ServerOption {
	return func(s *Server) {
		s.registrar = registrar
		s.membership = membership
	}
}

// WithGRPCOptions passes options such as transport credentials to grpc.NewServer.
func WithGRPCOptions(opts ...grpc.ServerOption) ServerOption {
	return func(s *Server) { s.grpcOpts = append(s.grpcOpts, opts...) }
}

// Server serves the transaction service and the standard health service.
// It is not an authentication boundary: identities in requests are trusted,
// so it must only be reachable over the mTLS transport of config/certs.
type Server struct {
	mgr        *transaction.Manager
	registrar  Registrar
	membership transaction.Membership
	logger     *zap.Logger
	meter      metric.Meter
	grpcOpts   []grpc.ServerOption

	grpcServer *grpc.Server
	health     *health.Server
}

var _ TransactionServiceServer = (*Server)(nil)

// NewServer builds the gRPC server around mgr.
func NewServer(mgr *transaction.Manager, opts ...ServerOption) (*Server, error) {
	s := &Server{mgr: mgr, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}

	interceptors := []grpc.UnaryServerInterceptor{s.loggingInterceptor}
	if s.meter != nil {
		metrics, err := internaltelemetry.NewGrpcMetrics(s.meter)
		if err != nil {
			return nil, fmt.Errorf("failed to create grpc metrics: %w", err)
		}
		interceptors = append([]grpc.UnaryServerInterceptor{metrics.UnaryServerInterceptor()}, interceptors...)
	}
	grpcOpts := append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(interceptors...)}, s.grpcOpts...)

	s.grpcServer = grpc.NewServer(grpcOpts...)
	s.health = health.NewServer()
	RegisterTransactionServiceServer(s.grpcServer, s)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	s.logger.Info("transaction service listening", zap.String("address", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

// Stop reports NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	s.logger.Info("transaction service stopped")
}

func (s *Server) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	if code == codes.OK || code == codes.NotFound || code == codes.Aborted {
		s.logger.Debug("rpc handled", zap.String("method", info.FullMethod),
			zap.Stringer("code", code), zap.Duration("duration", time.Since(start)))
	} else {
		s.logger.Warn("rpc failed", zap.String("method", info.FullMethod),
			zap.Stringer("code", code), zap.Duration("duration", time.Since(start)), zap.Error(err))
	}
	return resp, err
}

// withIdentity attaches the identity carried in a request. It is taken as
// given, including Superuser: the service is meant for cluster peers and
// operators, and caller trust comes from the mutual TLS of config/certs.
func withIdentity(ctx context.Context, id *auth.Identity) context.Context {
	if id == nil {
		return ctx
	}
	return auth.WithIdentity(ctx, *id)
}

func (s *Server) List(ctx context.Context, req *transaction.ListRequest) (*ListResponse, error) {
	ctx = withIdentity(ctx, req.Identity)
	return &ListResponse{Transactions: s.mgr.ListTransactions(ctx, req.Database, req.Details)}, nil
}

func (s *Server) AbortAllWrite(ctx context.Context, req *transaction.AbortRequest) (*AbortAllWriteResponse, error) {
	ctx = withIdentity(ctx, req.Identity)
	n, err := s.mgr.AbortAllManagedWriteTrx(ctx, false)
	if err != nil {
		return nil, toStatus(err)
	}
	return &AbortAllWriteResponse{Aborted: n}, nil
}

func (s *Server) Status(ctx context.Context, req *TransactionRequest) (*StatusResponse, error) {
	ctx = withIdentity(ctx, req.Identity)
	st, err := s.mgr.GetManagedTrxStatus(ctx, req.ID, req.Database)
	if err != nil {
		return nil, toStatus(err)
	}
	return &StatusResponse{ID: req.ID, Status: st.String()}, nil
}

func (s *Server) Commit(ctx context.Context, req *TransactionRequest) (*StatusResponse, error) {
	ctx = withIdentity(ctx, req.Identity)
	if err := s.mgr.CommitManagedTrx(ctx, req.ID, req.Database); err != nil {
		return nil, toStatus(err)
	}
	return &StatusResponse{ID: req.ID, Status: transaction.StatusCommitted.String()}, nil
}

func (s *Server) Abort(ctx context.Context, req *TransactionRequest) (*StatusResponse, error) {
	ctx = withIdentity(ctx, req.Identity)
	if err := s.mgr.AbortManagedTrx(ctx, req.ID, req.Database); err != nil {
		return nil, toStatus(err)
	}
	return &StatusResponse{ID: req.ID, Status: transaction.StatusAborted.String()}, nil
}

func (s *Server) Hold(ctx context.Context, req *HoldRequest) (*Empty, error) {
	timeout := time.Duration(req.TimeoutMillis) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultHoldTimeout
	}
	if err := s.mgr.HoldTransactions(ctx, timeout); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *Server) Release(context.Context, *Empty) (*Empty, error) {
	s.mgr.ReleaseTransactions()
	return &Empty{}, nil
}

func (s *Server) Join(_ context.Context, req *JoinRequest) (*JoinResponse, error) {
	if s.registrar == nil {
		return nil, status.Error(codes.Unimplemented, "membership is not enabled on this server")
	}
	if req.Server.ID == "" || req.Server.Address == "" {
		return nil, status.Error(codes.InvalidArgument, "server id and address are required")
	}
	info, err := s.registrar.Register(req.Server)
	if err != nil {
		if errors.Is(err, cluster.ErrNotLeader) {
			return nil, status.Errorf(codes.Unavailable, "%v (leader is %q)", err, s.registrar.LeaderID())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &JoinResponse{Server: info}, nil
}

func (s *Server) Members(context.Context, *Empty) (*MembersResponse, error) {
	if s.membership == nil {
		return nil, status.Error(codes.Unimplemented, "membership is not enabled on this server")
	}
	resp := &MembersResponse{Servers: s.membership.Servers("")}
	if s.registrar != nil {
		resp.Leader = s.registrar.LeaderID()
	}
	return resp, nil
}
