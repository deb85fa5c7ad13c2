package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"LendRisk/internal/ingestion"
	"LendRisk/internal/observability"
	"LendRisk/internal/persistence"
	"LendRisk/internal/query"
	"LendRisk/internal/state"
)

// ServerDeps holds everything the service surface needs. The two
// callbacks reach back into the orchestrator, which owns the engine
// and the snapshot cadence.
type ServerDeps struct {
	QueryService  *query.QueryService
	IngestService *ingestion.GRPCIngestService
	SnapshotMgr   *persistence.SnapshotManager
	HealthChecker *observability.HealthChecker

	// TriggerSnapshot captures and persists current engine state,
	// returning the sequence the snapshot covers.
	TriggerSnapshot func(ctx context.Context) (int64, error)
	// RebuildProjections reconstructs the read models from the audit log.
	RebuildProjections func(ctx context.Context) error
}

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway. The gRPC
// side speaks the json codec; proto health and reflection stay on the
// stock implementations.
type GRPCServer struct {
	grpcServer    *grpc.Server
	healthServer  *health.Server
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	queryImpl     *queryServiceImpl
	ingestImpl    *ingestServiceImpl
	adminImpl     *adminServiceImpl
	logger        zerolog.Logger
}

func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer()

	queryImpl := &queryServiceImpl{qs: deps.QueryService}
	ingestImpl := &ingestServiceImpl{svc: deps.IngestService}
	adminImpl := &adminServiceImpl{deps: deps}

	grpcServer.RegisterService(&queryServiceDesc, queryImpl)
	grpcServer.RegisterService(&ingestServiceDesc, ingestImpl)
	grpcServer.RegisterService(&adminServiceDesc, adminImpl)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		healthServer:  healthServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: deps.HealthChecker,
		queryImpl:     queryImpl,
		ingestImpl:    ingestImpl,
		adminImpl:     adminImpl,
		logger:        observability.NewLogger("server"),
	}
}

// SetServing flips the gRPC health status, e.g. to shed load balancer
// traffic before a drain.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
}

// StartGRPC serves gRPC until the context is cancelled (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("grpc server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("grpc server listening")
	return s.grpcServer.Serve(lis)
}

// ============================================================================
// QueryService
// ============================================================================

// QueryServer is the lendrisk.query.v1.QueryService surface.
type QueryServer interface {
	GetAccountLiquidity(context.Context, *AccountLiquidityRequest) (*query.AccountLiquidityResponse, error)
	ListPositions(context.Context, *PositionsRequest) (*PositionsResponse, error)
	ListTokenMarkets(context.Context, *TokenMarketsRequest) (*TokenMarketsResponse, error)
	GetTokenMarket(context.Context, *TokenMarketRequest) (*query.TokenMarketResponse, error)
	ListLiquidations(context.Context, *LiquidationsRequest) (*LiquidationsResponse, error)
	ListJournals(context.Context, *JournalsRequest) (*JournalsResponse, error)
}

type queryServiceImpl struct {
	qs *query.QueryService
}

func (s *queryServiceImpl) GetAccountLiquidity(ctx context.Context, req *AccountLiquidityRequest) (*query.AccountLiquidityResponse, error) {
	if req.Account == "" {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	now := req.Timestamp
	if now == 0 {
		now = time.Now().Unix()
	}

	resp, err := s.qs.GetAccountLiquidity(ctx, req.Account, now)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "account liquidity: %v", err)
	}
	return resp, nil
}

func (s *queryServiceImpl) ListPositions(ctx context.Context, req *PositionsRequest) (*PositionsResponse, error) {
	if req.Account == "" {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}

	positions, err := s.qs.GetPositions(ctx, req.Account)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "positions: %v", err)
	}

	resp := &PositionsResponse{Positions: positions}
	if len(positions) > 0 {
		resp.AsOfSequence = positions[0].AsOfSequence
	}
	return resp, nil
}

func (s *queryServiceImpl) ListTokenMarkets(ctx context.Context, req *TokenMarketsRequest) (*TokenMarketsResponse, error) {
	markets, err := s.qs.GetTokenMarkets(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "token markets: %v", err)
	}

	resp := &TokenMarketsResponse{Markets: markets}
	if len(markets) > 0 {
		resp.AsOfSequence = markets[0].AsOfSequence
	}
	return resp, nil
}

func (s *queryServiceImpl) GetTokenMarket(ctx context.Context, req *TokenMarketRequest) (*query.TokenMarketResponse, error) {
	if req.Token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}

	market, err := s.qs.GetTokenMarket(ctx, req.Token)
	if err != nil {
		if isNotFound(err) {
			return nil, status.Errorf(codes.NotFound, "token %q not listed", req.Token)
		}
		return nil, status.Errorf(codes.Internal, "token market: %v", err)
	}
	return market, nil
}

func (s *queryServiceImpl) ListLiquidations(ctx context.Context, req *LiquidationsRequest) (*LiquidationsResponse, error) {
	var borrower *string
	if req.Borrower != "" {
		borrower = &req.Borrower
	}
	var before *int64
	if req.BeforeSequence > 0 {
		before = &req.BeforeSequence
	}

	results, err := s.qs.GetLiquidations(ctx, borrower, int(req.PageSize), before)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "liquidations: %v", err)
	}

	resp := &LiquidationsResponse{Liquidations: results}
	if len(results) > 0 {
		resp.AsOfSequence = results[0].AsOfSequence
		resp.NextBefore = results[len(results)-1].Sequence
	}
	return resp, nil
}

func (s *queryServiceImpl) ListJournals(ctx context.Context, req *JournalsRequest) (*JournalsResponse, error) {
	if req.Account == "" {
		return nil, status.Error(codes.InvalidArgument, "account is required")
	}
	var before *int64
	if req.BeforeSequence > 0 {
		before = &req.BeforeSequence
	}

	entries, err := s.qs.GetJournalHistory(ctx, req.Account, int(req.PageSize), before)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "journals: %v", err)
	}

	resp := &JournalsResponse{Journals: entries}
	if len(entries) > 0 {
		resp.NextBefore = entries[len(entries)-1].Sequence
	}
	return resp, nil
}

// ============================================================================
// IngestService
// ============================================================================

// IngestServer is the lendrisk.ingest.v1.IngestService surface: the
// admin/manual injection path. High-throughput ingestion stays on NATS.
type IngestServer interface {
	SubmitOperation(context.Context, *SubmitOperationRequest) (*SubmitOperationResponse, error)
	SubmitPrice(context.Context, *SubmitPriceRequest) (*SubmitOperationResponse, error)
	TriggerAccrual(context.Context, *TriggerAccrualRequest) (*SubmitOperationResponse, error)
	SetPause(context.Context, *SetPauseRequest) (*SubmitOperationResponse, error)
}

type ingestServiceImpl struct {
	svc *ingestion.GRPCIngestService
}

func (s *ingestServiceImpl) SubmitOperation(ctx context.Context, req *SubmitOperationRequest) (*SubmitOperationResponse, error) {
	if req.OpType == "" {
		return nil, status.Error(codes.InvalidArgument, "op_type is required")
	}
	if len(req.Payload) == 0 {
		return nil, status.Error(codes.InvalidArgument, "payload is required")
	}

	raw := ingestion.RawEvent{
		Subject:   "grpc.ingest",
		Data:      req.Payload,
		Timestamp: time.Now(),
	}
	op, err := ingestion.ParseRawOperation(raw, req.OpType)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "parse payload: %v", err)
	}

	if err := s.svc.InjectOperation(ctx, op); err != nil {
		return nil, status.Errorf(codes.Unavailable, "inject: %v", err)
	}
	return &SubmitOperationResponse{Accepted: true, IdempotencyKey: op.IdempotencyKey()}, nil
}

func (s *ingestServiceImpl) SubmitPrice(ctx context.Context, req *SubmitPriceRequest) (*SubmitOperationResponse, error) {
	if req.Token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}
	price, ok := new(big.Int).SetString(req.Price, 10)
	if !ok || price.Sign() <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid price %q", req.Price)
	}
	confidence := new(big.Int)
	if req.Confidence != "" {
		if confidence, ok = new(big.Int).SetString(req.Confidence, 10); !ok {
			return nil, status.Errorf(codes.InvalidArgument, "invalid confidence %q", req.Confidence)
		}
	}

	if err := s.svc.InjectPriceUpdate(ctx, state.Token(req.Token), price, confidence); err != nil {
		return nil, status.Errorf(codes.Unavailable, "inject price: %v", err)
	}
	return &SubmitOperationResponse{Accepted: true}, nil
}

func (s *ingestServiceImpl) TriggerAccrual(ctx context.Context, req *TriggerAccrualRequest) (*SubmitOperationResponse, error) {
	if req.Token == "" {
		return nil, status.Error(codes.InvalidArgument, "token is required")
	}

	if err := s.svc.InjectAccrual(ctx, state.Token(req.Token)); err != nil {
		return nil, status.Errorf(codes.Unavailable, "inject accrual: %v", err)
	}
	return &SubmitOperationResponse{Accepted: true}, nil
}

func (s *ingestServiceImpl) SetPause(ctx context.Context, req *SetPauseRequest) (*SubmitOperationResponse, error) {
	if req.Caller == "" || req.Kind == "" {
		return nil, status.Error(codes.InvalidArgument, "caller and kind are required")
	}
	var token *state.Token
	if req.Token != "" {
		t := state.Token(req.Token)
		token = &t
	}

	if err := s.svc.InjectPause(ctx, state.Account(req.Caller), req.Kind, token, req.Paused); err != nil {
		if ctx.Err() != nil {
			return nil, status.Errorf(codes.Unavailable, "inject pause: %v", err)
		}
		return nil, status.Errorf(codes.InvalidArgument, "inject pause: %v", err)
	}
	return &SubmitOperationResponse{Accepted: true}, nil
}

// ============================================================================
// AdminService
// ============================================================================

// AdminServer is the lendrisk.admin.v1.AdminService surface.
type AdminServer interface {
	GetAuditInfo(context.Context, *AuditInfoRequest) (*query.AuditInfo, error)
	VerifyIntegrity(context.Context, *VerifyIntegrityRequest) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *TakeSnapshotRequest) (*TakeSnapshotResponse, error)
	RebuildProjections(context.Context, *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error)
	ListSnapshots(context.Context, *ListSnapshotsRequest) (*ListSnapshotsResponse, error)
}

type adminServiceImpl struct {
	deps *ServerDeps
}

func (s *adminServiceImpl) GetAuditInfo(ctx context.Context, req *AuditInfoRequest) (*query.AuditInfo, error) {
	info, err := s.deps.QueryService.GetAuditInfo(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "audit info: %v", err)
	}
	return info, nil
}

func (s *adminServiceImpl) VerifyIntegrity(ctx context.Context, req *VerifyIntegrityRequest) (*query.IntegrityReport, error) {
	report, err := s.deps.QueryService.VerifyIntegrity(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "verify integrity: %v", err)
	}
	return report, nil
}

func (s *adminServiceImpl) TakeSnapshot(ctx context.Context, req *TakeSnapshotRequest) (*TakeSnapshotResponse, error) {
	if s.deps.TriggerSnapshot == nil {
		return nil, status.Error(codes.Unimplemented, "snapshot trigger not wired")
	}
	seq, err := s.deps.TriggerSnapshot(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "snapshot: %v", err)
	}
	return &TakeSnapshotResponse{Sequence: seq}, nil
}

func (s *adminServiceImpl) RebuildProjections(ctx context.Context, req *RebuildProjectionsRequest) (*RebuildProjectionsResponse, error) {
	if s.deps.RebuildProjections == nil {
		return nil, status.Error(codes.Unimplemented, "projection rebuild not wired")
	}
	if err := s.deps.RebuildProjections(ctx); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild: %v", err)
	}
	return &RebuildProjectionsResponse{Completed: true}, nil
}

func (s *adminServiceImpl) ListSnapshots(ctx context.Context, req *ListSnapshotsRequest) (*ListSnapshotsResponse, error) {
	limit := int(req.Limit)
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	snapshots, err := s.deps.SnapshotMgr.ListSnapshots(ctx, limit)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "list snapshots: %v", err)
	}
	return &ListSnapshotsResponse{Snapshots: snapshots}, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// ============================================================================
// Service descriptors
// ============================================================================

// unary adapts one method onto the handler shape the grpc transport
// invokes, mirroring what protoc-gen-go-grpc emits.
func unary[Req any](fullMethod string, invoke func(srv interface{}, ctx context.Context, req *Req) (interface{}, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode request: %v", err)
		}
		if interceptor == nil {
			return invoke(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return invoke(srv, ctx, req.(*Req))
		})
	}
}

var queryServiceDesc = grpc.ServiceDesc{
	ServiceName: "lendrisk.query.v1.QueryService",
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetAccountLiquidity",
			Handler: unary("/lendrisk.query.v1.QueryService/GetAccountLiquidity",
				func(srv interface{}, ctx context.Context, req *AccountLiquidityRequest) (interface{}, error) {
					return srv.(QueryServer).GetAccountLiquidity(ctx, req)
				}),
		},
		{
			MethodName: "ListPositions",
			Handler: unary("/lendrisk.query.v1.QueryService/ListPositions",
				func(srv interface{}, ctx context.Context, req *PositionsRequest) (interface{}, error) {
					return srv.(QueryServer).ListPositions(ctx, req)
				}),
		},
		{
			MethodName: "ListTokenMarkets",
			Handler: unary("/lendrisk.query.v1.QueryService/ListTokenMarkets",
				func(srv interface{}, ctx context.Context, req *TokenMarketsRequest) (interface{}, error) {
					return srv.(QueryServer).ListTokenMarkets(ctx, req)
				}),
		},
		{
			MethodName: "GetTokenMarket",
			Handler: unary("/lendrisk.query.v1.QueryService/GetTokenMarket",
				func(srv interface{}, ctx context.Context, req *TokenMarketRequest) (interface{}, error) {
					return srv.(QueryServer).GetTokenMarket(ctx, req)
				}),
		},
		{
			MethodName: "ListLiquidations",
			Handler: unary("/lendrisk.query.v1.QueryService/ListLiquidations",
				func(srv interface{}, ctx context.Context, req *LiquidationsRequest) (interface{}, error) {
					return srv.(QueryServer).ListLiquidations(ctx, req)
				}),
		},
		{
			MethodName: "ListJournals",
			Handler: unary("/lendrisk.query.v1.QueryService/ListJournals",
				func(srv interface{}, ctx context.Context, req *JournalsRequest) (interface{}, error) {
					return srv.(QueryServer).ListJournals(ctx, req)
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lendrisk/query/v1/query.proto",
}

var ingestServiceDesc = grpc.ServiceDesc{
	ServiceName: "lendrisk.ingest.v1.IngestService",
	HandlerType: (*IngestServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SubmitOperation",
			Handler: unary("/lendrisk.ingest.v1.IngestService/SubmitOperation",
				func(srv interface{}, ctx context.Context, req *SubmitOperationRequest) (interface{}, error) {
					return srv.(IngestServer).SubmitOperation(ctx, req)
				}),
		},
		{
			MethodName: "SubmitPrice",
			Handler: unary("/lendrisk.ingest.v1.IngestService/SubmitPrice",
				func(srv interface{}, ctx context.Context, req *SubmitPriceRequest) (interface{}, error) {
					return srv.(IngestServer).SubmitPrice(ctx, req)
				}),
		},
		{
			MethodName: "TriggerAccrual",
			Handler: unary("/lendrisk.ingest.v1.IngestService/TriggerAccrual",
				func(srv interface{}, ctx context.Context, req *TriggerAccrualRequest) (interface{}, error) {
					return srv.(IngestServer).TriggerAccrual(ctx, req)
				}),
		},
		{
			MethodName: "SetPause",
			Handler: unary("/lendrisk.ingest.v1.IngestService/SetPause",
				func(srv interface{}, ctx context.Context, req *SetPauseRequest) (interface{}, error) {
					return srv.(IngestServer).SetPause(ctx, req)
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lendrisk/ingest/v1/ingest.proto",
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: "lendrisk.admin.v1.AdminService",
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetAuditInfo",
			Handler: unary("/lendrisk.admin.v1.AdminService/GetAuditInfo",
				func(srv interface{}, ctx context.Context, req *AuditInfoRequest) (interface{}, error) {
					return srv.(AdminServer).GetAuditInfo(ctx, req)
				}),
		},
		{
			MethodName: "VerifyIntegrity",
			Handler: unary("/lendrisk.admin.v1.AdminService/VerifyIntegrity",
				func(srv interface{}, ctx context.Context, req *VerifyIntegrityRequest) (interface{}, error) {
					return srv.(AdminServer).VerifyIntegrity(ctx, req)
				}),
		},
		{
			MethodName: "TakeSnapshot",
			Handler: unary("/lendrisk.admin.v1.AdminService/TakeSnapshot",
				func(srv interface{}, ctx context.Context, req *TakeSnapshotRequest) (interface{}, error) {
					return srv.(AdminServer).TakeSnapshot(ctx, req)
				}),
		},
		{
			MethodName: "RebuildProjections",
			Handler: unary("/lendrisk.admin.v1.AdminService/RebuildProjections",
				func(srv interface{}, ctx context.Context, req *RebuildProjectionsRequest) (interface{}, error) {
					return srv.(AdminServer).RebuildProjections(ctx, req)
				}),
		},
		{
			MethodName: "ListSnapshots",
			Handler: unary("/lendrisk.admin.v1.AdminService/ListSnapshots",
				func(srv interface{}, ctx context.Context, req *ListSnapshotsRequest) (interface{}, error) {
					return srv.(AdminServer).ListSnapshots(ctx, req)
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "lendrisk/admin/v1/admin.proto",
}
