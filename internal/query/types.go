package query

// PositionResponse is one (account, token) slice of the position table.
// Amounts are base-10 strings: shares on the collateral side, underlying
// units on the debt side.
type PositionResponse struct {
	Account      string `json:"account"`
	Token        string `json:"token"`
	PostedShares string `json:"posted_shares"`
	DebtOwed     string `json:"debt_owed"`
	LastSequence int64  `json:"last_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// TokenMarketResponse is the projected state of one listed market.
// Price is nil until the first oracle update lands after listing.
type TokenMarketResponse struct {
	Token            string  `json:"token"`
	Collateral       bool    `json:"collateral"`
	Listed           bool    `json:"listed"`
	CollRatio        string  `json:"coll_ratio"`
	CollateralPosted string  `json:"collateral_posted"`
	CollateralCap    string  `json:"collateral_cap"`
	TotalShares      string  `json:"total_shares"`
	Cash             string  `json:"cash"`
	Reserves         string  `json:"reserves"`
	TotalBorrows     string  `json:"total_borrows"`
	BorrowIndex      string  `json:"borrow_index"`
	ExchangeRate     string  `json:"exchange_rate"`
	LastAccrual      int64   `json:"last_accrual"`
	MintPaused       bool    `json:"mint_paused"`
	BorrowPaused     bool    `json:"borrow_paused"`
	Price            *string `json:"price,omitempty"`
	PriceUpdatedAt   *int64  `json:"price_updated_at,omitempty"`
	AsOfSequence     int64   `json:"as_of_sequence"`
}

// LiquidationResponse is one executed liquidation. The token pair is nil
// for whole-account liquidations.
type LiquidationResponse struct {
	Sequence         int64   `json:"sequence"`
	LiquidationID    string  `json:"liquidation_id"`
	Mode             string  `json:"mode"`
	Liquidator       string  `json:"liquidator"`
	Borrower         string  `json:"borrower"`
	DebtToken        *string `json:"debt_token,omitempty"`
	CollateralToken  *string `json:"collateral_token,omitempty"`
	DebtRepaid       string  `json:"debt_repaid"`
	CollateralSeized string  `json:"collateral_seized"`
	ProtocolFee      string  `json:"protocol_fee"`
	DebtSocialized   string  `json:"debt_socialized"`
	Timestamp        int64   `json:"timestamp"`
	AsOfSequence     int64   `json:"as_of_sequence"`
}

// JournalHistoryEntry is one journal leg from the audit log.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	OpSequence    int64  `json:"op_sequence"`
	Leg           int16  `json:"leg"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Token         string `json:"token"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// AuditInfo summarizes the durable audit trail.
type AuditInfo struct {
	OpCount            int64  `json:"op_count"`
	LastSequence       int64  `json:"last_sequence"`
	JournalCount       int64  `json:"journal_count"`
	SnapshotCount      int64  `json:"snapshot_count"`
	LatestSnapshot     *int64 `json:"latest_snapshot,omitempty"`
	ProjectionSequence int64  `json:"projection_sequence"`
}

// IntegrityReport is the result of the admin verification pass. Each
// slice holds at most the first ten findings of its kind.
type IntegrityReport struct {
	Healthy          bool             `json:"healthy"`
	HashChainBreaks  []int64          `json:"hash_chain_breaks,omitempty"`
	OrphanJournals   []int64          `json:"orphan_journals,omitempty"`
	PositionDrift    []PositionDrift  `json:"position_drift,omitempty"`
	PostedMismatches []PostedMismatch `json:"posted_mismatches,omitempty"`
	CheckedSequence  int64            `json:"checked_sequence"`
}

// PositionDrift is a projected position that disagrees with the balance
// derived from the journal.
type PositionDrift struct {
	Account       string `json:"account"`
	Token         string `json:"token"`
	PostedShares  string `json:"posted_shares"`
	JournalPosted string `json:"journal_posted"`
	DebtOwed      string `json:"debt_owed"`
	JournalDebt   string `json:"journal_debt"`
}

// PostedMismatch is a market whose projected collateral total disagrees
// with the sum of its projected positions.
type PostedMismatch struct {
	Token            string `json:"token"`
	PositionSum      string `json:"position_sum"`
	CollateralPosted string `json:"collateral_posted"`
}
