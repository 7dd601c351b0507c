package token

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Bank is an in-process collateral transfer primitive. It tracks external
// wallet balances per account and the protocol's custody per asset. A
// transfer that cannot be covered returns false rather than mutating;
// the engine treats a false success flag the same as an explicit failure.
type Bank struct {
	mu       sync.Mutex
	balances map[uuid.UUID]map[string]*uint256.Int
	custody  map[string]*uint256.Int
}

func NewBank() *Bank {
	return &Bank{
		balances: make(map[uuid.UUID]map[string]*uint256.Int),
		custody:  make(map[string]*uint256.Int),
	}
}

// Fund credits an account's wallet, used by service wiring and tests.
func (b *Bank) Fund(account uuid.UUID, asset string, amount *uint256.Int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(account, asset, amount)
}

func (b *Bank) credit(account uuid.UUID, asset string, amount *uint256.Int) {
	byAsset, ok := b.balances[account]
	if !ok {
		byAsset = make(map[string]*uint256.Int)
		b.balances[account] = byAsset
	}
	bal, ok := byAsset[asset]
	if !ok {
		bal = new(uint256.Int)
		byAsset[asset] = bal
	}
	bal.Add(bal, amount)
}

// TransferIn moves amount of asset from the account's wallet into protocol
// custody. Returns false if the wallet cannot cover it.
func (b *Bank) TransferIn(_ context.Context, asset string, from uuid.UUID, amount *uint256.Int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balances[from][asset]
	if bal == nil || bal.Lt(amount) {
		return false, nil
	}
	bal.Sub(bal, amount)

	held, ok := b.custody[asset]
	if !ok {
		held = new(uint256.Int)
		b.custody[asset] = held
	}
	held.Add(held, amount)
	return true, nil
}

// TransferOut moves amount of asset from protocol custody to the account's
// wallet. Returns false if custody cannot cover it.
func (b *Bank) TransferOut(_ context.Context, asset string, to uuid.UUID, amount *uint256.Int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	held := b.custody[asset]
	if held == nil || held.Lt(amount) {
		return false, nil
	}
	held.Sub(held, amount)
	b.credit(to, asset, amount)
	return true, nil
}

// BalanceOf returns a copy of an account's wallet balance for an asset.
func (b *Bank) BalanceOf(account uuid.UUID, asset string) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()

	bal := b.balances[account][asset]
	if bal == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(bal)
}

// Custody returns a copy of the protocol's held balance for an asset.
func (b *Bank) Custody(asset string) *uint256.Int {
	b.mu.Lock()
	defer b.mu.Unlock()

	held := b.custody[asset]
	if held == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(held)
}
