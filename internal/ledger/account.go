package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeMember AccountScope = iota
	AccountScopePool
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Member sub-types
	SubTypeWallet AccountSubType = iota

	// Pool sub-types
	SubTypeStakeVault
	SubTypeRewardVault

	// External sub-types
	SubTypeExternalFunding
	SubTypeExternalMint
	SubTypeExternalBurn
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // member uuid, or the pool id for pool accounts
	SubType  AccountSubType
}

// NewMemberAccountKey creates a key for a member wallet
func NewMemberAccountKey(memberID uuid.UUID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeMember,
		EntityID: memberID,
		SubType:  SubTypeWallet,
	}
}

// NewPoolAccountKey creates a key for one of a pool's vaults
func NewPoolAccountKey(poolID uint64, subType AccountSubType) AccountKey {
	var entityID [16]byte
	binary.BigEndian.PutUint64(entityID[8:], poolID)
	return AccountKey{
		Scope:    AccountScopePool,
		EntityID: entityID,
		SubType:  subType,
	}
}

// NewExternalAccountKey creates a key for an external boundary account
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
	}
}

// IsExternal reports whether the account sits outside the book. External
// accounts have no balance; they count what crossed the boundary.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeMember:
		return fmt.Sprintf("member:%s:%s", uuid.UUID(k.EntityID).String(), k.subTypeName())
	case AccountScopePool:
		return fmt.Sprintf("pool:%d:%s", binary.BigEndian.Uint64(k.EntityID[8:]), k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeStakeVault:
		return "stake_vault"
	case SubTypeRewardVault:
		return "reward_vault"
	case SubTypeExternalFunding:
		return "funding"
	case SubTypeExternalMint:
		return "mint"
	case SubTypeExternalBurn:
		return "burn"
	default:
		return "unknown"
	}
}
