package server

import (
	"encoding/json"

	"LendRisk/internal/persistence"
	"LendRisk/internal/query"
)

// Request and response shapes for the query, ingest, and admin
// services. The same structs serve gRPC (json codec) and the HTTP
// gateway.

type AccountLiquidityRequest struct {
	Account string `json:"account"`
	// Valuation time in epoch seconds; zero means now.
	Timestamp int64 `json:"timestamp"`
}

type PositionsRequest struct {
	Account string `json:"account"`
}

type PositionsResponse struct {
	Positions    []query.PositionResponse `json:"positions"`
	AsOfSequence int64                    `json:"as_of_sequence"`
}

type TokenMarketsRequest struct{}

type TokenMarketsResponse struct {
	Markets      []query.TokenMarketResponse `json:"markets"`
	AsOfSequence int64                       `json:"as_of_sequence"`
}

type TokenMarketRequest struct {
	Token string `json:"token"`
}

type LiquidationsRequest struct {
	Borrower       string `json:"borrower"`
	PageSize       int32  `json:"page_size"`
	BeforeSequence int64  `json:"before_sequence"`
}

type LiquidationsResponse struct {
	Liquidations []query.LiquidationResponse `json:"liquidations"`
	AsOfSequence int64                       `json:"as_of_sequence"`
	// Cursor for the next page; zero when this page is the last.
	NextBefore int64 `json:"next_before"`
}

type JournalsRequest struct {
	Account        string `json:"account"`
	PageSize       int32  `json:"page_size"`
	BeforeSequence int64  `json:"before_sequence"`
}

type JournalsResponse struct {
	Journals   []query.JournalHistoryEntry `json:"journals"`
	NextBefore int64                       `json:"next_before"`
}

type SubmitOperationRequest struct {
	OpType  string          `json:"op_type"`
	Payload json.RawMessage `json:"payload"`
}

type SubmitOperationResponse struct {
	Accepted       bool   `json:"accepted"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type SubmitPriceRequest struct {
	Token      string `json:"token"`
	Price      string `json:"price"`
	Confidence string `json:"confidence,omitempty"`
}

type TriggerAccrualRequest struct {
	Token string `json:"token"`
}

type SetPauseRequest struct {
	Caller string `json:"caller"`
	Kind   string `json:"kind"`
	Token  string `json:"token,omitempty"`
	Paused bool   `json:"paused"`
}

type AuditInfoRequest struct{}

type VerifyIntegrityRequest struct{}

type TakeSnapshotRequest struct{}

type TakeSnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type RebuildProjectionsRequest struct{}

type RebuildProjectionsResponse struct {
	Completed bool `json:"completed"`
}

type ListSnapshotsRequest struct {
	Limit int32 `json:"limit"`
}

type ListSnapshotsResponse struct {
	Snapshots []persistence.SnapshotInfo `json:"snapshots"`
}
