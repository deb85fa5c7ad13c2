package event

import (
	"encoding/json"
	"fmt"
)

// OpTypeFromString resolves the persisted op_type column back to its
// discriminator. The second return is false for unknown names.
func OpTypeFromString(s string) (OpType, bool) {
	switch s {
	case "Mint":
		return OpTypeMint, true
	case "Redeem":
		return OpTypeRedeem, true
	case "Transfer":
		return OpTypeTransfer, true
	case "Borrow":
		return OpTypeBorrow, true
	case "Repay":
		return OpTypeRepay, true
	case "PostCollateral":
		return OpTypePostCollateral, true
	case "RemoveCollateral":
		return OpTypeRemoveCollateral, true
	case "ClosePosition":
		return OpTypeClosePosition, true
	case "Liquidate":
		return OpTypeLiquidate, true
	case "LiquidateAccount":
		return OpTypeLiquidateAccount, true
	case "PriceUpdate":
		return OpTypePriceUpdate, true
	case "AccrueInterest":
		return OpTypeAccrueInterest, true
	case "ListToken":
		return OpTypeListToken, true
	case "UpdateCollateralToken":
		return OpTypeUpdateCollateralToken, true
	case "SetCollateralCaps":
		return OpTypeSetCollateralCaps, true
	case "SetPause":
		return OpTypeSetPause, true
	case "SetPositionFolding":
		return OpTypeSetPositionFolding, true
	default:
		return OpTypeUnknown, false
	}
}

// UnmarshalOperation decodes a persisted payload back into its typed
// operation. Payloads are the engine's own json.Marshal of the op
// structs, so replay sees exactly what was applied.
func UnmarshalOperation(ot OpType, payload []byte) (Operation, error) {
	var op Operation
	switch ot {
	case OpTypeMint:
		op = &MintShares{}
	case OpTypeRedeem:
		op = &RedeemShares{}
	case OpTypeTransfer:
		op = &TransferShares{}
	case OpTypeBorrow:
		op = &Borrow{}
	case OpTypeRepay:
		op = &Repay{}
	case OpTypePostCollateral:
		op = &PostCollateral{}
	case OpTypeRemoveCollateral:
		op = &RemoveCollateral{}
	case OpTypeClosePosition:
		op = &ClosePosition{}
	case OpTypeLiquidate:
		op = &Liquidate{}
	case OpTypeLiquidateAccount:
		op = &LiquidateAccount{}
	case OpTypePriceUpdate:
		op = &PriceUpdate{}
	case OpTypeAccrueInterest:
		op = &AccrueInterest{}
	case OpTypeListToken:
		op = &ListToken{}
	case OpTypeUpdateCollateralToken:
		op = &UpdateCollateralToken{}
	case OpTypeSetCollateralCaps:
		op = &SetCollateralCaps{}
	case OpTypeSetPause:
		op = &SetPause{}
	case OpTypeSetPositionFolding:
		op = &SetPositionFolding{}
	default:
		return nil, fmt.Errorf("unknown op type %d", ot)
	}

	if err := json.Unmarshal(payload, op); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", ot, err)
	}
	return op, nil
}
