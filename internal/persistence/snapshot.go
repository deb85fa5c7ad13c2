package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"LendRisk/internal/ledger"
	"LendRisk/internal/oracle"
	"LendRisk/internal/state"
	"LendRisk/internal/token"
)

// SnapshotManager stores and loads point-in-time world snapshots so a
// restart replays from the last verified snapshot instead of from
// sequence one.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the serialized world as of Sequence: the risk book,
// the share and debt markets, price feeds, the ledger side (token
// registry, balances, journal counter), and the engine's recovery
// extras (feed cursors, hot idempotency keys, hash chain tip).
//
// Everything reachable from here uses exported fields and string-typed
// map keys, so plain JSON round-trips it.
type SnapshotData struct {
	Sequence  int64  `json:"sequence"`   // last applied op sequence
	StateHash []byte `json:"state_hash"` // chain tip after Sequence

	Book     *state.Book                   `json:"book"`
	Markets  map[state.Token]*token.Market `json:"markets"`
	Feeds    []oracle.FeedState            `json:"feeds"`
	Registry []ledger.RegistryEntry        `json:"registry"`
	Balances []ledger.BalanceEntry         `json:"balances"`

	// JournalSequence is the next batch sequence the generator assigns.
	JournalSequence int64 `json:"journal_sequence"`

	FeedCursors     map[string]int64 `json:"feed_cursors"`
	IdempotencyKeys []string         `json:"idempotency_keys"`

	CreatedAt time.Time `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot, unverified. The caller marks it
// verified once the hash chain check against audit.ops has passed.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO audit.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, string(data), snap.StateHash, formatVersion, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot returns the most recent verified snapshot, or nil
// on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM audit.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified flips the verified flag after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE audit.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// SnapshotInfo describes one stored snapshot for the admin API.
type SnapshotInfo struct {
	SnapshotID string    `json:"snapshot_id"`
	Sequence   int64     `json:"sequence"`
	SizeBytes  int64     `json:"size_bytes"`
	Verified   bool      `json:"verified"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListSnapshots returns snapshot metadata, newest first.
func (sm *SnapshotManager) ListSnapshots(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT snapshot_id, sequence, size_bytes, verified, created_at
		FROM audit.snapshots
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		if err := rows.Scan(&info.SnapshotID, &info.Sequence, &info.SizeBytes, &info.Verified, &info.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// LoadOpsFrom pages through audit.ops for replay, fromSequence
// inclusive, in sequence order.
func (sm *SnapshotManager) LoadOpsFrom(ctx context.Context, fromSequence int64, limit int) ([]OpRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, op_type, idempotency_key, token, payload,
		       state_hash, prev_hash, timestamp, source_sequence, out_of_band
		FROM audit.ops
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []OpRow
	for rows.Next() {
		var o OpRow
		if err := rows.Scan(
			&o.Sequence, &o.OpType, &o.IdempotencyKey, &o.Token,
			&o.Payload, &o.StateHash, &o.PrevHash, &o.Timestamp, &o.SourceSequence,
			&o.OutOfBand,
		); err != nil {
			return nil, err
		}
		ops = append(ops, o)
	}

	return ops, rows.Err()
}

// GetLatestSequence returns the highest persisted op sequence, zero
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM audit.ops
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
