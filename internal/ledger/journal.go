package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeCollateralPost JournalType = iota
	JournalTypeCollateralRemove
	JournalTypeCollateralTransfer
	JournalTypeDebtDraw
	JournalTypeInterestAccrue
	JournalTypeDebtRepay
	JournalTypeLiquidationRepay
	JournalTypeLiquidationSeize
	JournalTypeLiquidationFee
	JournalTypeBadDebtSocialize
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeCollateralPost:
		return "collateral_post"
	case JournalTypeCollateralRemove:
		return "collateral_remove"
	case JournalTypeCollateralTransfer:
		return "collateral_transfer"
	case JournalTypeDebtDraw:
		return "debt_draw"
	case JournalTypeInterestAccrue:
		return "interest_accrue"
	case JournalTypeDebtRepay:
		return "debt_repay"
	case JournalTypeLiquidationRepay:
		return "liquidation_repay"
	case JournalTypeLiquidationSeize:
		return "liquidation_seize"
	case JournalTypeLiquidationFee:
		return "liquidation_fee"
	case JournalTypeBadDebtSocialize:
		return "bad_debt_socialize"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry. Amounts are
// raw token units (shares on the collateral side, underlying on the
// debt side) and are always positive; direction is carried by the
// debit/credit pair.
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source operation
	Sequence      int64       // Global operation sequence
	Leg           int16       // Position within the batch; (EventRef, Leg) is replay-stable
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	TokenID       TokenID     // Token being moved
	Amount        *big.Int    // Raw token units (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Operation timestamp (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Note on balance invariant: each journal entry is a balanced transfer by
// construction (a single positive amount moves from credit account to debit
// account), so Σ debits == Σ credits holds per entry. Multi-leg flows
// (liquidation repay + seize + fee) use multiple entries under one batch_id,
// each individually balanced.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Token != j.CreditAccount.Token {
			return fmt.Errorf("journal %s moves %s across tokens", j.JournalID, j.DebitAccount.Token)
		}
	}

	return nil
}
