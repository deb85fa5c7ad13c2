package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"LendRisk/internal/liquidity"
	"LendRisk/internal/observability"
	"LendRisk/internal/oracle"
	"LendRisk/internal/state"
)

// QueryService serves read traffic: account solvency from live engine
// state, everything else from projection tables and the audit log.
// Projection-backed responses carry as_of_sequence so callers can judge
// freshness against the engine sequence.
type QueryService struct {
	db      *sql.DB
	engine  EngineView
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewQueryService(db *sql.DB, engine EngineView, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		db:      db,
		engine:  engine,
		metrics: metrics,
		logger:  observability.NewLogger("query"),
	}
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}

func (qs *QueryService) observe(endpoint string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
		code := "internal"
		if errors.Is(err, sql.ErrNoRows) {
			code = "not_found"
		}
		qs.metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
}

// GetAccountLiquidity values an account against the current world
// snapshot using the same calculator the liquidation path runs. The
// loose breakpoint applies: only unusable price sources abort the walk.
func (qs *QueryService) GetAccountLiquidity(ctx context.Context, account string, now int64) (resp *AccountLiquidityResponse, err error) {
	start := time.Now()
	defer func() { qs.observe("account_liquidity", start, err) }()

	world := qs.engine.Snapshot()
	calc := world.Calculator()
	acct := state.Account(account)

	st, err := calc.StatusOf(acct, oracle.CodeBadSource, now)
	if err != nil {
		return nil, fmt.Errorf("solvency walk: %w", err)
	}
	liq, err := calc.HypotheticalLiquidityOf(acct, "", nil, nil, oracle.CodeBadSource, now)
	if err != nil {
		return nil, fmt.Errorf("liquidity walk: %w", err)
	}
	lf := liquidity.LFactor(st)

	return &AccountLiquidityResponse{
		Account:        account,
		CollateralSoft: st.CollateralSoft.String(),
		CollateralHard: st.CollateralHard.String(),
		Debt:           st.Debt.String(),
		LFactor:        lf.String(),
		Solvent:        lf.Sign() == 0,
		Excess:         liq.Excess.String(),
		Deficit:        liq.Deficit.String(),
		AsOfSequence:   qs.engine.Sequence() - 1,
		Timestamp:      now,
	}, nil
}

// GetPositions returns every open position of an account.
func (qs *QueryService) GetPositions(ctx context.Context, account string) (positions []PositionResponse, err error) {
	start := time.Now()
	defer func() { qs.observe("positions", start, err) }()

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT token, posted_shares, debt_owed, last_sequence
		FROM projections.account_positions
		WHERE account = $1 AND (posted_shares <> 0 OR debt_owed <> 0)
		ORDER BY token
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p := PositionResponse{Account: account, AsOfSequence: asOfSeq}
		if err := rows.Scan(&p.Token, &p.PostedShares, &p.DebtOwed, &p.LastSequence); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetTokenMarkets returns the projected state of every market.
func (qs *QueryService) GetTokenMarkets(ctx context.Context) (markets []TokenMarketResponse, err error) {
	start := time.Now()
	defer func() { qs.observe("token_markets", start, err) }()

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT token, collateral, listed, coll_ratio, collateral_posted, collateral_cap,
		       total_shares, cash, reserves, total_borrows, borrow_index, exchange_rate,
		       last_accrual, mint_paused, borrow_paused, price, price_updated_at
		FROM projections.token_markets
		ORDER BY token
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanTokenMarket(rows, asOfSeq)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

// GetTokenMarket returns one market by token.
func (qs *QueryService) GetTokenMarket(ctx context.Context, token string) (market *TokenMarketResponse, err error) {
	start := time.Now()
	defer func() { qs.observe("token_market", start, err) }()

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	row := qs.db.QueryRowContext(ctx, `
		SELECT token, collateral, listed, coll_ratio, collateral_posted, collateral_cap,
		       total_shares, cash, reserves, total_borrows, borrow_index, exchange_rate,
		       last_accrual, mint_paused, borrow_paused, price, price_updated_at
		FROM projections.token_markets
		WHERE token = $1
	`, token)

	m, err := scanTokenMarket(row, asOfSeq)
	if err != nil {
		return nil, fmt.Errorf("token %q: %w", token, err)
	}
	return &m, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTokenMarket(row rowScanner, asOfSeq int64) (TokenMarketResponse, error) {
	m := TokenMarketResponse{AsOfSequence: asOfSeq}
	var price sql.NullString
	var priceAt sql.NullInt64
	if err := row.Scan(
		&m.Token, &m.Collateral, &m.Listed, &m.CollRatio, &m.CollateralPosted, &m.CollateralCap,
		&m.TotalShares, &m.Cash, &m.Reserves, &m.TotalBorrows, &m.BorrowIndex, &m.ExchangeRate,
		&m.LastAccrual, &m.MintPaused, &m.BorrowPaused, &price, &priceAt,
	); err != nil {
		return TokenMarketResponse{}, err
	}
	if price.Valid {
		m.Price = &price.String
	}
	if priceAt.Valid {
		m.PriceUpdatedAt = &priceAt.Int64
	}
	return m, nil
}

// GetLiquidations returns executed liquidations, newest first, with
// cursor pagination on the operation sequence. Borrower is an optional
// filter.
func (qs *QueryService) GetLiquidations(
	ctx context.Context,
	borrower *string,
	limit int,
	beforeSequence *int64,
) (results []LiquidationResponse, err error) {
	start := time.Now()
	defer func() { qs.observe("liquidations", start, err) }()

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	q := `
		SELECT sequence, liquidation_id, mode, liquidator, borrower,
		       debt_token, collateral_token, debt_repaid, collateral_seized,
		       protocol_fee, debt_socialized, timestamp
		FROM projections.liquidations
		WHERE TRUE
	`
	args := []interface{}{}
	argIdx := 1

	if borrower != nil {
		q += fmt.Sprintf(" AND borrower = $%d", argIdx)
		args = append(args, *borrower)
		argIdx++
	}
	if beforeSequence != nil {
		q += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	q += " ORDER BY sequence DESC"
	q += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		r := LiquidationResponse{AsOfSequence: asOfSeq}
		var debtToken, collateralToken sql.NullString
		if err := rows.Scan(
			&r.Sequence, &r.LiquidationID, &r.Mode, &r.Liquidator, &r.Borrower,
			&debtToken, &collateralToken, &r.DebtRepaid, &r.CollateralSeized,
			&r.ProtocolFee, &r.DebtSocialized, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		if debtToken.Valid {
			r.DebtToken = &debtToken.String
		}
		if collateralToken.Valid {
			r.CollateralToken = &collateralToken.String
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetJournalHistory returns an account's journal legs from the audit
// log, newest first, with cursor pagination on the journal sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account string,
	limit int,
	beforeSequence *int64,
) (entries []JournalHistoryEntry, err error) {
	start := time.Now()
	defer func() { qs.observe("journal_history", start, err) }()

	accountPrefix := fmt.Sprintf("user:%s:%%", account)

	q := `
		SELECT journal_id, batch_id, event_ref, sequence, op_sequence, leg,
		       debit_account, credit_account, token, amount, journal_type, timestamp
		FROM audit.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		q += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	q += " ORDER BY sequence DESC, leg ASC"
	q += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence, &e.OpSequence, &e.Leg,
			&e.DebitAccount, &e.CreditAccount, &e.Token, &e.Amount, &e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetAuditInfo summarizes the durable trail: op and journal counts, the
// snapshot inventory, and how far projections have caught up.
func (qs *QueryService) GetAuditInfo(ctx context.Context) (info *AuditInfo, err error) {
	start := time.Now()
	defer func() { qs.observe("audit_info", start, err) }()

	info = &AuditInfo{}
	if err := qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MAX(sequence), 0) FROM audit.ops
	`).Scan(&info.OpCount, &info.LastSequence); err != nil {
		return nil, fmt.Errorf("ops summary: %w", err)
	}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit.journal
	`).Scan(&info.JournalCount); err != nil {
		return nil, fmt.Errorf("journal summary: %w", err)
	}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit.snapshots
	`).Scan(&info.SnapshotCount); err != nil {
		return nil, fmt.Errorf("snapshot summary: %w", err)
	}

	var latest sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM audit.snapshots WHERE verified = TRUE
	`).Scan(&latest); err != nil {
		return nil, fmt.Errorf("snapshot summary: %w", err)
	}
	if latest.Valid {
		info.LatestSnapshot = &latest.Int64
	}

	if info.ProjectionSequence, err = qs.getWatermark(ctx); err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	return info, nil
}

// VerifyIntegrity runs the admin verification pass: hash chain
// continuity over the op log, journal-to-op referential integrity, and
// projection agreement with journal-derived balances. Findings cap at
// ten per check.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	start := time.Now()
	defer func() { qs.observe("verify_integrity", start, err) }()

	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	report = &IntegrityReport{CheckedSequence: watermark}

	if report.HashChainBreaks, err = qs.checkHashChain(ctx); err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}
	if report.OrphanJournals, err = qs.checkOrphanJournals(ctx); err != nil {
		return nil, fmt.Errorf("orphan journals: %w", err)
	}
	if report.PositionDrift, err = qs.checkPositionDrift(ctx, watermark); err != nil {
		return nil, fmt.Errorf("position drift: %w", err)
	}
	if report.PostedMismatches, err = qs.checkPostedTotals(ctx); err != nil {
		return nil, fmt.Errorf("posted totals: %w", err)
	}

	report.Healthy = len(report.HashChainBreaks) == 0 &&
		len(report.OrphanJournals) == 0 &&
		len(report.PositionDrift) == 0 &&
		len(report.PostedMismatches) == 0
	return report, nil
}

// checkHashChain flags every op whose prev_hash disagrees with its
// predecessor's state_hash, and every gap in the sequence. The oldest
// retained op has nothing to check against.
func (qs *QueryService) checkHashChain(ctx context.Context) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT o.sequence
		FROM audit.ops o
		LEFT JOIN audit.ops p ON p.sequence = o.sequence - 1
		WHERE o.sequence > (SELECT COALESCE(MIN(sequence), 0) FROM audit.ops)
		  AND (p.sequence IS NULL OR o.prev_hash <> p.state_hash)
		ORDER BY o.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var breaks []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		breaks = append(breaks, seq)
	}
	return breaks, rows.Err()
}

func (qs *QueryService) checkOrphanJournals(ctx context.Context) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT DISTINCT j.op_sequence
		FROM audit.journal j
		LEFT JOIN audit.ops o ON o.sequence = j.op_sequence
		WHERE o.sequence IS NULL
		ORDER BY j.op_sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orphans []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		orphans = append(orphans, seq)
	}
	return orphans, rows.Err()
}

// checkPositionDrift recomputes user balances from the journal up to the
// projection watermark and compares them with the position table. The
// watermark bound keeps in-flight operations out of the comparison.
func (qs *QueryService) checkPositionDrift(ctx context.Context, watermark int64) ([]PositionDrift, error) {
	rows, err := qs.db.QueryContext(ctx, `
		WITH derived AS (
			SELECT account, token, SUM(posted_delta) AS posted, SUM(debt_delta) AS debt
			FROM (
				SELECT
					split_part(debit_account, ':', 2) AS account,
					token,
					CASE WHEN split_part(debit_account, ':', 3) = 'posted' THEN amount ELSE 0 END AS posted_delta,
					CASE WHEN split_part(debit_account, ':', 3) = 'debt' THEN amount ELSE 0 END AS debt_delta
				FROM audit.journal
				WHERE split_part(debit_account, ':', 1) = 'user' AND op_sequence <= $1
				UNION ALL
				SELECT
					split_part(credit_account, ':', 2),
					token,
					CASE WHEN split_part(credit_account, ':', 3) = 'posted' THEN -amount ELSE 0 END,
					CASE WHEN split_part(credit_account, ':', 3) = 'debt' THEN -amount ELSE 0 END
				FROM audit.journal
				WHERE split_part(credit_account, ':', 1) = 'user' AND op_sequence <= $1
			) deltas
			GROUP BY account, token
		)
		SELECT
			COALESCE(p.account, d.account),
			COALESCE(p.token, d.token),
			COALESCE(p.posted_shares, 0),
			COALESCE(d.posted, 0),
			COALESCE(p.debt_owed, 0),
			COALESCE(d.debt, 0)
		FROM projections.account_positions p
		FULL OUTER JOIN derived d ON d.account = p.account AND d.token = p.token
		WHERE COALESCE(p.posted_shares, 0) <> COALESCE(d.posted, 0)
		   OR COALESCE(p.debt_owed, 0) <> COALESCE(d.debt, 0)
		ORDER BY 1, 2
		LIMIT 10
	`, watermark)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drift []PositionDrift
	for rows.Next() {
		var d PositionDrift
		if err := rows.Scan(
			&d.Account, &d.Token, &d.PostedShares, &d.JournalPosted, &d.DebtOwed, &d.JournalDebt,
		); err != nil {
			return nil, err
		}
		drift = append(drift, d)
	}
	return drift, rows.Err()
}

func (qs *QueryService) checkPostedTotals(ctx context.Context) ([]PostedMismatch, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT tm.token, COALESCE(SUM(ap.posted_shares), 0), tm.collateral_posted
		FROM projections.token_markets tm
		LEFT JOIN projections.account_positions ap ON ap.token = tm.token
		GROUP BY tm.token, tm.collateral_posted
		HAVING COALESCE(SUM(ap.posted_shares), 0) <> tm.collateral_posted
		ORDER BY tm.token
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mismatches []PostedMismatch
	for rows.Next() {
		var m PostedMismatch
		if err := rows.Scan(&m.Token, &m.PositionSum, &m.CollateralPosted); err != nil {
			return nil, err
		}
		mismatches = append(mismatches, m)
	}
	return mismatches, rows.Err()
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
