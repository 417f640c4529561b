package ledger

import (
	"encoding/hex"
	"fmt"

	"TickBook/internal/order"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope is the top-level custody namespace.
type AccountScope uint8

const (
	// AccountScopeUser is a wallet outside the engine.
	AccountScopeUser AccountScope = iota
	// AccountScopePosition holds one position's unclaimed proceeds.
	AccountScopePosition
	// AccountScopeSystem holds the treasury.
	AccountScopeSystem
	// AccountScopeExternal is the AMM pool manager.
	AccountScopeExternal
)

// SystemAccount names a system-scope account.
type SystemAccount uint8

const (
	SystemTreasury SystemAccount = iota + 1
)

// AccountKey identifies one (owner, currency) balance. Comparable, so it is
// used directly as a map key.
type AccountKey struct {
	Scope    AccountScope
	EntityID [32]byte
	Currency common.Address
}

func NewUserAccountKey(user, currency common.Address) AccountKey {
	var entity [32]byte
	copy(entity[12:], user.Bytes())
	return AccountKey{Scope: AccountScopeUser, EntityID: entity, Currency: currency}
}

func NewPositionAccountKey(key order.PositionKey, currency common.Address) AccountKey {
	return AccountKey{Scope: AccountScopePosition, EntityID: key, Currency: currency}
}

func NewSystemAccountKey(name SystemAccount, currency common.Address) AccountKey {
	var entity [32]byte
	entity[31] = byte(name)
	return AccountKey{Scope: AccountScopeSystem, EntityID: entity, Currency: currency}
}

func NewAMMAccountKey(currency common.Address) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, Currency: currency}
}

// AccountPath is the string form used in storage and logs.
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", common.BytesToAddress(k.EntityID[12:]).Hex(), k.Currency.Hex())
	case AccountScopePosition:
		return fmt.Sprintf("position:0x%s:%s", hex.EncodeToString(k.EntityID[:]), k.Currency.Hex())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", SystemAccount(k.EntityID[31]), k.Currency.Hex())
	case AccountScopeExternal:
		return fmt.Sprintf("external:amm:%s", k.Currency.Hex())
	}
	return "unknown"
}

func (s SystemAccount) String() string {
	switch s {
	case SystemTreasury:
		return "treasury"
	default:
		return "unknown"
	}
}
