package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/status"
)

// StartHTTPGateway serves the HTTP/JSON surface for tooling, dashboards
// and curl (blocking). Each route reuses the gRPC implementation so
// both surfaces validate and error identically.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		path    string
		handler runtime.HandlerFunc
	}{
		{"GET", "/v1/accounts/{account}/liquidity", s.handleAccountLiquidity},
		{"GET", "/v1/accounts/{account}/positions", s.handlePositions},
		{"GET", "/v1/accounts/{account}/journal", s.handleJournals},
		{"GET", "/v1/markets", s.handleTokenMarkets},
		{"GET", "/v1/markets/{token}", s.handleTokenMarket},
		{"GET", "/v1/liquidations", s.handleLiquidations},
		{"POST", "/v1/operations", s.handleSubmitOperation},
		{"POST", "/v1/prices", s.handleSubmitPrice},
		{"POST", "/v1/accruals", s.handleTriggerAccrual},
		{"POST", "/v1/pauses", s.handleSetPause},
		{"GET", "/v1/admin/audit", s.handleAuditInfo},
		{"POST", "/v1/admin/verify", s.handleVerifyIntegrity},
		{"POST", "/v1/admin/snapshots", s.handleTakeSnapshot},
		{"GET", "/v1/admin/snapshots", s.handleListSnapshots},
		{"POST", "/v1/admin/rebuild-projections", s.handleRebuildProjections},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, rt.handler); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.path, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	httpServer := &http.Server{
		Addr:    s.httpAddr,
		Handler: httpMux,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("http gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("http gateway listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// respond maps a service result onto HTTP, translating grpc status
// codes through the gateway's code table.
func respond(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		st := status.Convert(err)
		writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{Error: st.Message()})
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func decodeBody(r *http.Request, v interface{}) bool {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v) == nil
}

func queryInt64(r *http.Request, name string) int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (s *GRPCServer) handleAccountLiquidity(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	resp, err := s.queryImpl.GetAccountLiquidity(r.Context(), &AccountLiquidityRequest{
		Account:   pathParams["account"],
		Timestamp: queryInt64(r, "at"),
	})
	respond(w, resp, err)
}

func (s *GRPCServer) handlePositions(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	resp, err := s.queryImpl.ListPositions(r.Context(), &PositionsRequest{
		Account: pathParams["account"],
	})
	respond(w, resp, err)
}

func (s *GRPCServer) handleJournals(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	resp, err := s.queryImpl.ListJournals(r.Context(), &JournalsRequest{
		Account:        pathParams["account"],
		PageSize:       int32(queryInt64(r, "page_size")),
		BeforeSequence: queryInt64(r, "before"),
	})
	respond(w, resp, err)
}

func (s *GRPCServer) handleTokenMarkets(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	resp, err := s.queryImpl.ListTokenMarkets(r.Context(), &TokenMarketsRequest{})
	respond(w, resp, err)
}

func (s *GRPCServer) handleTokenMarket(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	resp, err := s.queryImpl.GetTokenMarket(r.Context(), &TokenMarketRequest{
		Token: pathParams["token"],
	})
	respond(w, resp, err)
}

func (s *GRPCServer) handleLiquidations(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	resp, err := s.queryImpl.ListLiquidations(r.Context(), &LiquidationsRequest{
		Borrower:       r.URL.Query().Get("borrower"),
		PageSize:       int32(queryInt64(r, "page_size")),
		BeforeSequence: queryInt64(r, "before"),
	})
	respond(w, resp, err)
}

func (s *GRPCServer) handleSubmitOperation(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var req SubmitOperationRequest
	if !decodeBody(r, &req) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	resp, err := s.ingestImpl.SubmitOperation(r.Context(), &req)
	respond(w, resp, err)
}

func (s *GRPCServer) handleSubmitPrice(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var req SubmitPriceRequest
	if !decodeBody(r, &req) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	resp, err := s.ingestImpl.SubmitPrice(r.Context(), &req)
	respond(w, resp, err)
}

func (s *GRPCServer) handleTriggerAccrual(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var req TriggerAccrualRequest
	if !decodeBody(r, &req) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	resp, err := s.ingestImpl.TriggerAccrual(r.Context(), &req)
	respond(w, resp, err)
}

func (s *GRPCServer) handleSetPause(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var req SetPauseRequest
	if !decodeBody(r, &req) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	resp, err := s.ingestImpl.SetPause(r.Context(), &req)
	respond(w, resp, err)
}

func (s *GRPCServer) handleAuditInfo(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	resp, err := s.adminImpl.GetAuditInfo(r.Context(), &AuditInfoRequest{})
	respond(w, resp, err)
}

func (s *GRPCServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	resp, err := s.adminImpl.VerifyIntegrity(r.Context(), &VerifyIntegrityRequest{})
	respond(w, resp, err)
}

func (s *GRPCServer) handleTakeSnapshot(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	resp, err := s.adminImpl.TakeSnapshot(r.Context(), &TakeSnapshotRequest{})
	respond(w, resp, err)
}

func (s *GRPCServer) handleListSnapshots(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	resp, err := s.adminImpl.ListSnapshots(r.Context(), &ListSnapshotsRequest{
		Limit: int32(queryInt64(r, "limit")),
	})
	respond(w, resp, err)
}

func (s *GRPCServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	resp, err := s.adminImpl.RebuildProjections(r.Context(), &RebuildProjectionsRequest{})
	respond(w, resp, err)
}
