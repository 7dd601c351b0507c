package token

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Synth is the in-process synthetic unit primitive: a fungible balance table
// with mint, burn and transferFrom, plus its own supply ledger. Burn destroys
// units from the configured custody account; the engine pulls units there
// before burning, mirroring the transfer-then-burn pull model.
type Synth struct {
	mu       sync.Mutex
	balances map[uuid.UUID]*uint256.Int
	supply   *uint256.Int
	custody  uuid.UUID
}

func NewSynth(custody uuid.UUID) *Synth {
	return &Synth{
		balances: make(map[uuid.UUID]*uint256.Int),
		supply:   new(uint256.Int),
		custody:  custody,
	}
}

// Mint credits freshly created units to an account. A zero amount is
// declined with a false success flag.
func (s *Synth) Mint(_ context.Context, to uuid.UUID, amount *uint256.Int) (bool, error) {
	if amount.IsZero() {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[to]
	if !ok {
		bal = new(uint256.Int)
		s.balances[to] = bal
	}
	bal.Add(bal, amount)
	s.supply.Add(s.supply, amount)
	return true, nil
}

// Burn destroys units held by the custody account.
func (s *Synth) Burn(_ context.Context, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.balances[s.custody]
	if bal == nil || bal.Lt(amount) {
		return fmt.Errorf("burn %s: custody holds less", amount.Dec())
	}
	bal.Sub(bal, amount)
	s.supply.Sub(s.supply, amount)
	return nil
}

// TransferFrom moves units between accounts. Returns false if the sender
// cannot cover the amount.
func (s *Synth) TransferFrom(_ context.Context, from, to uuid.UUID, amount *uint256.Int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.balances[from]
	if bal == nil || bal.Lt(amount) {
		return false, nil
	}
	bal.Sub(bal, amount)

	dst, ok := s.balances[to]
	if !ok {
		dst = new(uint256.Int)
		s.balances[to] = dst
	}
	dst.Add(dst, amount)
	return true, nil
}

// BalanceOf returns a copy of an account's unit balance.
func (s *Synth) BalanceOf(account uuid.UUID) *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal := s.balances[account]
	if bal == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(bal)
}

// TotalSupply returns a copy of the outstanding supply.
func (s *Synth) TotalSupply() *uint256.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(uint256.Int).Set(s.supply)
}
