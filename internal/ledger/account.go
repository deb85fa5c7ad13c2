package ledger

import (
	"fmt"

	"LendRisk/internal/state"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeProtocol
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypePostedCollateral AccountSubType = iota
	SubTypeDebtObligation

	// Protocol sub-types
	SubTypeProtocolReserve
	SubTypeProtocolBadDebt

	// External sub-types
	SubTypeExternalVault
	SubTypeExternalSettlement
)

// AccountKey is the in-memory key for balance tracking. Entity is the
// market account address for user scope and empty otherwise; the key is
// comparable and used directly as a map key.
type AccountKey struct {
	Scope   AccountScope
	Entity  string
	SubType AccountSubType
	Token   state.Token
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(acct state.Account, subType AccountSubType, token state.Token) AccountKey {
	return AccountKey{
		Scope:   AccountScopeUser,
		Entity:  string(acct),
		SubType: subType,
		Token:   token,
	}
}

// NewProtocolAccountKey creates a key for protocol-owned accounts
func NewProtocolAccountKey(subType AccountSubType, token state.Token) AccountKey {
	return AccountKey{
		Scope:   AccountScopeProtocol,
		SubType: subType,
		Token:   token,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, token state.Token) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Token:   token,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", k.Entity, k.subTypeName(), k.Token)
	case AccountScopeProtocol:
		return fmt.Sprintf("protocol:%s:%s", k.subTypeName(), k.Token)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Token)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypePostedCollateral:
		return "posted"
	case SubTypeDebtObligation:
		return "debt"
	case SubTypeProtocolReserve:
		return "reserve"
	case SubTypeProtocolBadDebt:
		return "bad_debt"
	case SubTypeExternalVault:
		return "vault"
	case SubTypeExternalSettlement:
		return "settlement"
	default:
		return "unknown"
	}
}
