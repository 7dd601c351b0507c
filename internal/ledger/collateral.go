package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ErrInsufficientBalance is returned when a debit exceeds the booked balance.
// Checked arithmetic: the ledger never wraps below zero.
var ErrInsufficientBalance = errors.New("insufficient balance")

// CollateralLedger books deposited collateral per account, per asset.
// Amounts are 18-decimal fixed-point unsigned integers. Entries are created
// implicitly on first credit and never explicitly destroyed; a zero entry is
// indistinguishable from a never-used one.
//
// The ledger itself is not goroutine-safe; the engine serializes access.
type CollateralLedger struct {
	deposits map[uuid.UUID]map[string]*uint256.Int
}

func NewCollateralLedger() *CollateralLedger {
	return &CollateralLedger{
		deposits: make(map[uuid.UUID]map[string]*uint256.Int),
	}
}

// Credit increases an account's deposited amount for an asset.
func (l *CollateralLedger) Credit(account uuid.UUID, asset string, amount *uint256.Int) {
	byAsset, ok := l.deposits[account]
	if !ok {
		byAsset = make(map[string]*uint256.Int)
		l.deposits[account] = byAsset
	}

	bal, ok := byAsset[asset]
	if !ok {
		bal = new(uint256.Int)
		byAsset[asset] = bal
	}
	bal.Add(bal, amount)
}

// Debit decreases an account's deposited amount for an asset. Fails without
// mutation if the amount exceeds the booked balance.
func (l *CollateralLedger) Debit(account uuid.UUID, asset string, amount *uint256.Int) error {
	bal := l.deposits[account][asset]
	if bal == nil || bal.Lt(amount) {
		have := new(uint256.Int)
		if bal != nil {
			have.Set(bal)
		}
		return fmt.Errorf("debit %s of %s from %s: have %s: %w",
			amount.Dec(), asset, account, have.Dec(), ErrInsufficientBalance)
	}
	bal.Sub(bal, amount)
	return nil
}

// Balance returns a copy of the deposited amount for (account, asset).
func (l *CollateralLedger) Balance(account uuid.UUID, asset string) *uint256.Int {
	bal := l.deposits[account][asset]
	if bal == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(bal)
}

// Accounts returns every account that has ever held a collateral entry.
func (l *CollateralLedger) Accounts() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(l.deposits))
	for account := range l.deposits {
		out = append(out, account)
	}
	return out
}

// Snapshot returns a deep copy of all entries, keyed by account then asset.
func (l *CollateralLedger) Snapshot() map[uuid.UUID]map[string]*uint256.Int {
	out := make(map[uuid.UUID]map[string]*uint256.Int, len(l.deposits))
	for account, byAsset := range l.deposits {
		entry := make(map[string]*uint256.Int, len(byAsset))
		for asset, bal := range byAsset {
			entry[asset] = new(uint256.Int).Set(bal)
		}
		out[account] = entry
	}
	return out
}

// Restore replaces the ledger contents with a snapshot.
func (l *CollateralLedger) Restore(snapshot map[uuid.UUID]map[string]*uint256.Int) {
	l.deposits = make(map[uuid.UUID]map[string]*uint256.Int, len(snapshot))
	for account, byAsset := range snapshot {
		entry := make(map[string]*uint256.Int, len(byAsset))
		for asset, bal := range byAsset {
			entry[asset] = new(uint256.Int).Set(bal)
		}
		l.deposits[account] = entry
	}
}
