package projection

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"sort"

	"github.com/rs/zerolog"

	"LendRisk/internal/event"
	"LendRisk/internal/ledger"
	"LendRisk/internal/observability"
	"LendRisk/internal/state"
)

// ProjectionOutput carries one sealed operation's read-model inputs.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence  int64
	OpType    string
	Token     *string
	Payload   []byte
	Journals  []JournalEntry
	Markets   []MarketState
	Timestamp int64
}

// JournalEntry is a simplified journal leg for projection consumption.
type JournalEntry struct {
	Debit       ledger.AccountKey
	Credit      ledger.AccountKey
	Token       state.Token
	Amount      *big.Int
	JournalType string
}

// MarketState is a decimal snapshot of one token market taken from
// engine state after the operation applied. Amounts are base-10
// strings so they land in NUMERIC(78,0) columns unchanged.
type MarketState struct {
	Token            string
	Collateral       bool
	Listed           bool
	CollRatio        string
	CollateralPosted string
	CollateralCap    string
	TotalShares      string
	Cash             string
	Reserves         string
	TotalBorrows     string
	BorrowIndex      string
	ExchangeRate     string
	LastAccrual      int64
	MintPaused       bool
	BorrowPaused     bool
}

// Worker maintains the read-model tables from sealed outputs. Updates
// are eventually consistent: a failed update is logged and skipped,
// since every table can be rebuilt from the audit log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	logger    zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan ProjectionOutput) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
		logger:    observability.NewLogger("projection"),
	}
}

// Run consumes outputs until the context is cancelled or the channel
// closes.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Msg("projection worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Int64("last_sequence", w.lastSeq).Msg("projection worker stopped")
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				w.logger.Info().Int64("last_sequence", w.lastSeq).Msg("projection channel closed")
				return nil
			}

			if err := w.processOutput(ctx, output); err != nil {
				w.logger.Warn().
					Err(err).
					Int64("sequence", output.Sequence).
					Str("op_type", output.OpType).
					Msg("projection update failed, continuing")
			}
			w.lastSeq = output.Sequence
		}
	}
}

func (w *Worker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := w.applyPositions(ctx, tx, output); err != nil {
		return fmt.Errorf("account positions: %w", err)
	}

	for i := range output.Markets {
		if err := applyMarket(ctx, tx, output.Sequence, &output.Markets[i]); err != nil {
			return fmt.Errorf("token market %s: %w", output.Markets[i].Token, err)
		}
	}

	switch output.OpType {
	case event.OpTypeLiquidate.String(), event.OpTypeLiquidateAccount.String():
		rec, err := BuildLiquidationRecord(output)
		if err != nil {
			return fmt.Errorf("liquidation record: %w", err)
		}
		if err := insertLiquidation(ctx, tx, rec); err != nil {
			return fmt.Errorf("liquidation row: %w", err)
		}
	case event.OpTypePriceUpdate.String():
		if err := applyPrice(ctx, tx, output); err != nil {
			return fmt.Errorf("price refresh: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

type positionKey struct {
	account string
	token   string
}

type positionDelta struct {
	posted *big.Int
	debt   *big.Int
}

// accumulatePositionDeltas folds journal legs into per-(account, token)
// deltas for user-scope accounts. Debits add, credits subtract, same as
// the in-memory balance tracker.
func accumulatePositionDeltas(journals []JournalEntry) map[positionKey]*positionDelta {
	deltas := make(map[positionKey]*positionDelta)
	for _, j := range journals {
		applyUserDelta(deltas, j.Debit, j.Amount, false)
		applyUserDelta(deltas, j.Credit, j.Amount, true)
	}
	return deltas
}

func applyUserDelta(deltas map[positionKey]*positionDelta, key ledger.AccountKey, amount *big.Int, negate bool) {
	if key.Scope != ledger.AccountScopeUser {
		return
	}

	var target **big.Int
	pk := positionKey{account: key.Entity, token: string(key.Token)}
	d := deltas[pk]
	if d == nil {
		d = &positionDelta{posted: new(big.Int), debt: new(big.Int)}
		deltas[pk] = d
	}
	switch key.SubType {
	case ledger.SubTypePostedCollateral:
		target = &d.posted
	case ledger.SubTypeDebtObligation:
		target = &d.debt
	default:
		return
	}
	if negate {
		(*target).Sub(*target, amount)
	} else {
		(*target).Add(*target, amount)
	}
}

func (w *Worker) applyPositions(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	deltas := accumulatePositionDeltas(output.Journals)
	if len(deltas) == 0 {
		return nil
	}

	keys := make([]positionKey, 0, len(deltas))
	for pk := range deltas {
		keys = append(keys, pk)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].account != keys[j].account {
			return keys[i].account < keys[j].account
		}
		return keys[i].token < keys[j].token
	})

	for _, pk := range keys {
		d := deltas[pk]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.account_positions (account, token, posted_shares, debt_owed, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (account, token) DO UPDATE SET
				posted_shares = projections.account_positions.posted_shares + EXCLUDED.posted_shares,
				debt_owed     = projections.account_positions.debt_owed + EXCLUDED.debt_owed,
				last_sequence = EXCLUDED.last_sequence,
				updated_at    = NOW()
		`, pk.account, pk.token, d.posted.String(), d.debt.String(), output.Sequence); err != nil {
			return err
		}
	}
	return nil
}

func applyMarket(ctx context.Context, tx *sql.Tx, sequence int64, m *MarketState) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.token_markets (
			token, collateral, listed, coll_ratio, collateral_posted, collateral_cap,
			total_shares, cash, reserves, total_borrows, borrow_index, exchange_rate,
			last_accrual, mint_paused, borrow_paused, last_sequence, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW())
		ON CONFLICT (token) DO UPDATE SET
			collateral        = EXCLUDED.collateral,
			listed            = EXCLUDED.listed,
			coll_ratio        = EXCLUDED.coll_ratio,
			collateral_posted = EXCLUDED.collateral_posted,
			collateral_cap    = EXCLUDED.collateral_cap,
			total_shares      = EXCLUDED.total_shares,
			cash              = EXCLUDED.cash,
			reserves          = EXCLUDED.reserves,
			total_borrows     = EXCLUDED.total_borrows,
			borrow_index      = EXCLUDED.borrow_index,
			exchange_rate     = EXCLUDED.exchange_rate,
			last_accrual      = EXCLUDED.last_accrual,
			mint_paused       = EXCLUDED.mint_paused,
			borrow_paused     = EXCLUDED.borrow_paused,
			last_sequence     = EXCLUDED.last_sequence,
			updated_at        = NOW()
	`, m.Token, m.Collateral, m.Listed, m.CollRatio, m.CollateralPosted, m.CollateralCap,
		m.TotalShares, m.Cash, m.Reserves, m.TotalBorrows, m.BorrowIndex, m.ExchangeRate,
		m.LastAccrual, m.MintPaused, m.BorrowPaused, sequence)
	return err
}

func insertLiquidation(ctx context.Context, tx *sql.Tx, rec *LiquidationRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidations (
			sequence, liquidation_id, mode, liquidator, borrower,
			debt_token, collateral_token, debt_repaid, collateral_seized,
			protocol_fee, debt_socialized, timestamp, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (sequence) DO NOTHING
	`, rec.Sequence, rec.LiquidationID, rec.Mode, rec.Liquidator, rec.Borrower,
		rec.DebtToken, rec.CollateralToken, rec.DebtRepaid.String(), rec.CollateralSeized.String(),
		rec.ProtocolFee.String(), rec.DebtSocialized.String(), rec.Timestamp)
	return err
}

// applyPrice refreshes the oracle columns on an existing market row.
// Prices for tokens that are not listed yet are skipped; the next
// update after listing fills them in.
func applyPrice(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	ot, ok := event.OpTypeFromString(output.OpType)
	if !ok {
		return fmt.Errorf("unknown op type %q", output.OpType)
	}
	op, err := event.UnmarshalOperation(ot, output.Payload)
	if err != nil {
		return err
	}
	pu, ok := op.(*event.PriceUpdate)
	if !ok {
		return fmt.Errorf("op type %q is not a price update", output.OpType)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE projections.token_markets
		SET price = $2, price_updated_at = $3, last_sequence = $4, updated_at = NOW()
		WHERE token = $1
	`, string(pu.Token), pu.Price.String(), pu.PriceTimestamp, output.Sequence)
	return err
}

// RebuildProjections drops and reconstructs every read-model table from
// the audit log. Market rows come from the caller's engine snapshot,
// since creating them from raw ops would replay the whole parameter
// history.
func RebuildProjections(ctx context.Context, db *sql.DB, markets []MarketState) error {
	logger := observability.NewLogger("projection")

	truncateStatements := []string{
		`TRUNCATE projections.account_positions`,
		`TRUNCATE projections.token_markets`,
		`TRUNCATE projections.liquidations`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	var lastSeq sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM audit.ops`).Scan(&lastSeq); err != nil {
		return fmt.Errorf("audit log sequence: %w", err)
	}

	// Positions: fold every user-scope journal leg. Debits add, credits
	// subtract. Account paths are user:<entity>:<posted|debt>:<token>.
	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.account_positions (account, token, posted_shares, debt_owed, last_sequence, updated_at)
		SELECT
			account,
			token,
			SUM(posted_delta),
			SUM(debt_delta),
			MAX(op_sequence),
			NOW()
		FROM (
			SELECT
				split_part(debit_account, ':', 2) AS account,
				token,
				CASE WHEN split_part(debit_account, ':', 3) = 'posted' THEN amount ELSE 0 END AS posted_delta,
				CASE WHEN split_part(debit_account, ':', 3) = 'debt' THEN amount ELSE 0 END AS debt_delta,
				op_sequence
			FROM audit.journal
			WHERE split_part(debit_account, ':', 1) = 'user'
			UNION ALL
			SELECT
				split_part(credit_account, ':', 2),
				token,
				CASE WHEN split_part(credit_account, ':', 3) = 'posted' THEN -amount ELSE 0 END,
				CASE WHEN split_part(credit_account, ':', 3) = 'debt' THEN -amount ELSE 0 END,
				op_sequence
			FROM audit.journal
			WHERE split_part(credit_account, ':', 1) = 'user'
		) deltas
		GROUP BY account, token
	`); err != nil {
		return fmt.Errorf("rebuild positions: %w", err)
	}

	// Liquidations: one row per Liquidate/LiquidateAccount op, amounts
	// summed from its journal legs by type. GROUP BY the ops primary
	// key so the payload columns ride along.
	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.liquidations (
			sequence, liquidation_id, mode, liquidator, borrower,
			debt_token, collateral_token, debt_repaid, collateral_seized,
			protocol_fee, debt_socialized, timestamp, created_at
		)
		SELECT
			o.sequence,
			o.payload->>'LiquidationID',
			CASE WHEN o.op_type = 'Liquidate' THEN 'partial' ELSE 'account' END,
			o.payload->>'Liquidator',
			o.payload->>'Borrower',
			CASE WHEN o.op_type = 'Liquidate' THEN o.payload->>'DebtToken' END,
			CASE WHEN o.op_type = 'Liquidate' THEN o.payload->>'CollateralToken' END,
			COALESCE(SUM(j.amount) FILTER (WHERE j.journal_type = 'liquidation_repay'), 0),
			COALESCE(SUM(j.amount) FILTER (WHERE j.journal_type = 'liquidation_seize'), 0),
			COALESCE(SUM(j.amount) FILTER (WHERE j.journal_type = 'liquidation_fee'), 0),
			COALESCE(SUM(j.amount) FILTER (WHERE j.journal_type = 'bad_debt_socialize'), 0),
			o.timestamp,
			NOW()
		FROM audit.ops o
		LEFT JOIN audit.journal j ON j.op_sequence = o.sequence
		WHERE o.op_type IN ('Liquidate', 'LiquidateAccount')
		GROUP BY o.sequence
	`); err != nil {
		return fmt.Errorf("rebuild liquidations: %w", err)
	}

	rebuildTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("market reseed: %w", err)
	}
	defer rebuildTx.Rollback()
	for i := range markets {
		if err := applyMarket(ctx, rebuildTx, lastSeq.Int64, &markets[i]); err != nil {
			return fmt.Errorf("market reseed %s: %w", markets[i].Token, err)
		}
	}
	if err := rebuildTx.Commit(); err != nil {
		return fmt.Errorf("market reseed: %w", err)
	}

	// Latest oracle price per token from the audit log.
	if _, err := db.ExecContext(ctx, `
		UPDATE projections.token_markets tm
		SET price = p.price, price_updated_at = p.price_timestamp
		FROM (
			SELECT DISTINCT ON (token)
				token,
				(payload->>'Price')::NUMERIC AS price,
				(payload->>'PriceTimestamp')::BIGINT AS price_timestamp
			FROM audit.ops
			WHERE op_type = 'PriceUpdate'
			ORDER BY token, sequence DESC
		) p
		WHERE tm.token = p.token
	`); err != nil {
		return fmt.Errorf("rebuild prices: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, lastSeq.Int64); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	logger.Info().Int64("last_sequence", lastSeq.Int64).Msg("projection rebuild complete")
	return nil
}
