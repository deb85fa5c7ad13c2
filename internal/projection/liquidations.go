package projection

import (
	"fmt"
	"math/big"

	"LendRisk/internal/event"
	"LendRisk/internal/ledger"
)

// Liquidation modes as stored in projections.liquidations.
const (
	ModePartial = "partial"
	ModeAccount = "account"
)

// LiquidationRecord is the flattened read-model row for one liquidation:
// the operation payload joined with the amounts its journal legs
// actually moved. Partial liquidations carry the debt/collateral token
// pair; account liquidations span every token and leave both nil.
type LiquidationRecord struct {
	Sequence         int64
	LiquidationID    string
	Mode             string
	Liquidator       string
	Borrower         string
	DebtToken        *string
	CollateralToken  *string
	DebtRepaid       *big.Int // underlying units, summed over repay legs
	CollateralSeized *big.Int // shares, summed over seize legs
	ProtocolFee      *big.Int // shares routed to the protocol reserve
	DebtSocialized   *big.Int // underlying written off against bad debt
	Timestamp        int64
}

// BuildLiquidationRecord derives the record for a Liquidate or
// LiquidateAccount output. The journal legs are authoritative for
// amounts; the payload only identifies the parties.
func BuildLiquidationRecord(output ProjectionOutput) (*LiquidationRecord, error) {
	ot, ok := event.OpTypeFromString(output.OpType)
	if !ok {
		return nil, fmt.Errorf("unknown op type %q", output.OpType)
	}
	op, err := event.UnmarshalOperation(ot, output.Payload)
	if err != nil {
		return nil, err
	}

	rec := &LiquidationRecord{
		Sequence:         output.Sequence,
		Timestamp:        output.Timestamp,
		DebtRepaid:       new(big.Int),
		CollateralSeized: new(big.Int),
		ProtocolFee:      new(big.Int),
		DebtSocialized:   new(big.Int),
	}

	switch l := op.(type) {
	case *event.Liquidate:
		rec.Mode = ModePartial
		rec.LiquidationID = l.LiquidationID.String()
		rec.Liquidator = string(l.Liquidator)
		rec.Borrower = string(l.Borrower)
		debtToken := string(l.DebtToken)
		collateralToken := string(l.CollateralToken)
		rec.DebtToken = &debtToken
		rec.CollateralToken = &collateralToken
	case *event.LiquidateAccount:
		rec.Mode = ModeAccount
		rec.LiquidationID = l.LiquidationID.String()
		rec.Liquidator = string(l.Liquidator)
		rec.Borrower = string(l.Borrower)
	default:
		return nil, fmt.Errorf("op type %q is not a liquidation", output.OpType)
	}

	for _, j := range output.Journals {
		switch j.JournalType {
		case ledger.JournalTypeLiquidationRepay.String():
			rec.DebtRepaid.Add(rec.DebtRepaid, j.Amount)
		case ledger.JournalTypeLiquidationSeize.String():
			rec.CollateralSeized.Add(rec.CollateralSeized, j.Amount)
		case ledger.JournalTypeLiquidationFee.String():
			rec.ProtocolFee.Add(rec.ProtocolFee, j.Amount)
		case ledger.JournalTypeBadDebtSocialize.String():
			rec.DebtSocialized.Add(rec.DebtSocialized, j.Amount)
		}
	}

	return rec, nil
}
