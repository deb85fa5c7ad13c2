package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"LendRisk/internal/event"
	"LendRisk/internal/ledger"
)

// Execer is satisfied by *sql.DB and *sql.Tx. The persistence worker
// writes inside a transaction; callers that only need a one-shot write
// can pass the DB directly.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// OpRow is one row in audit.ops: the sealed envelope of an applied
// operation, hash-chained to its predecessor.
type OpRow struct {
	Sequence       int64
	OpType         string
	IdempotencyKey string
	Token          *string
	Payload        []byte // JSON operation payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64 // versioned input time, epoch seconds
	SourceSequence int64
	OutOfBand      bool // injected outside the sequenced feeds
}

// JournalRow is one row in audit.journal: a single double-entry leg.
// Amount is a base-10 string so NUMERIC(78,0) can hold full WAD range.
// OpSequence is the envelope sequence of the operation that produced
// the leg; Sequence is the generator's own batch counter.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	OpSequence    int64
	Leg           int16
	DebitAccount  string
	CreditAccount string
	TokenID       uint16
	Token         string
	Amount        string
	JournalType   string
	Timestamp     int64
}

// OpRowFromEnvelope maps a sealed envelope to its audit.ops row.
func OpRowFromEnvelope(env *event.Envelope) OpRow {
	row := OpRow{
		Sequence:       env.Sequence,
		OpType:         env.OpType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
		OutOfBand:      env.OutOfBand,
	}
	if env.Token != nil {
		tok := string(*env.Token)
		row.Token = &tok
	}
	return row
}

// JournalRowsFromBatch flattens a journal batch into audit.journal
// rows, stamped with the envelope sequence of the producing operation.
func JournalRowsFromBatch(b *ledger.Batch, opSequence int64) []JournalRow {
	rows := make([]JournalRow, 0, len(b.Journals))
	for _, j := range b.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			OpSequence:    opSequence,
			Leg:           j.Leg,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			TokenID:       uint16(j.TokenID),
			Token:         string(j.DebitAccount.Token),
			Amount:        j.Amount.String(),
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// WriteOps inserts a batch of op rows using a multi-row INSERT.
// ON CONFLICT DO NOTHING makes retries after partial failures safe:
// replay of an already-persisted sequence is a no-op.
func WriteOps(ctx context.Context, ex Execer, ops []OpRow) error {
	if len(ops) == 0 {
		return nil
	}

	query := `INSERT INTO audit.ops
		(sequence, op_type, idempotency_key, token, payload, state_hash, prev_hash, timestamp, source_sequence, out_of_band)
		VALUES `

	values := make([]string, 0, len(ops))
	args := make([]interface{}, 0, len(ops)*10)

	for i, o := range ops {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		// Payload goes over the wire as text: lib/pq encodes []byte as
		// bytea, which a JSONB column rejects.
		args = append(args,
			o.Sequence, o.OpType, o.IdempotencyKey, o.Token,
			string(o.Payload), o.StateHash, o.PrevHash, o.Timestamp, o.SourceSequence,
			o.OutOfBand,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournals inserts a batch of journal rows using a multi-row INSERT.
func WriteJournals(ctx context.Context, ex Execer, rows []JournalRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO audit.journal
		(journal_id, batch_id, event_ref, sequence, op_sequence, leg, debit_account, credit_account, token_id, token, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*13)

	for i, j := range rows {
		base := i * 13
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
			base+8, base+9, base+10, base+11, base+12, base+13,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence, j.OpSequence, j.Leg,
			j.DebitAccount, j.CreditAccount, int16(j.TokenID), j.Token,
			j.Amount, j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
