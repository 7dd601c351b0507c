package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// DebtLedger books outstanding synthetic-unit debt per account, denominated
// in the synthetic unit's 18-decimal fixed-point scale.
//
// Not goroutine-safe; the engine serializes access.
type DebtLedger struct {
	minted map[uuid.UUID]*uint256.Int
}

func NewDebtLedger() *DebtLedger {
	return &DebtLedger{
		minted: make(map[uuid.UUID]*uint256.Int),
	}
}

// Credit increases an account's outstanding debt.
func (l *DebtLedger) Credit(account uuid.UUID, amount *uint256.Int) {
	bal, ok := l.minted[account]
	if !ok {
		bal = new(uint256.Int)
		l.minted[account] = bal
	}
	bal.Add(bal, amount)
}

// Debit decreases an account's outstanding debt. Fails without mutation if
// the amount exceeds what is owed.
func (l *DebtLedger) Debit(account uuid.UUID, amount *uint256.Int) error {
	bal := l.minted[account]
	if bal == nil || bal.Lt(amount) {
		have := new(uint256.Int)
		if bal != nil {
			have.Set(bal)
		}
		return fmt.Errorf("burn %s from %s: owes %s: %w",
			amount.Dec(), account, have.Dec(), ErrInsufficientBalance)
	}
	bal.Sub(bal, amount)
	return nil
}

// Balance returns a copy of the account's outstanding debt.
func (l *DebtLedger) Balance(account uuid.UUID) *uint256.Int {
	bal := l.minted[account]
	if bal == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(bal)
}

// Accounts returns every account that has ever held a debt entry.
func (l *DebtLedger) Accounts() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(l.minted))
	for account := range l.minted {
		out = append(out, account)
	}
	return out
}

// Snapshot returns a deep copy of all debt entries.
func (l *DebtLedger) Snapshot() map[uuid.UUID]*uint256.Int {
	out := make(map[uuid.UUID]*uint256.Int, len(l.minted))
	for account, bal := range l.minted {
		out[account] = new(uint256.Int).Set(bal)
	}
	return out
}

// Restore replaces the ledger contents with a snapshot.
func (l *DebtLedger) Restore(snapshot map[uuid.UUID]*uint256.Int) {
	l.minted = make(map[uuid.UUID]*uint256.Int, len(snapshot))
	for account, bal := range snapshot {
		l.minted[account] = new(uint256.Int).Set(bal)
	}
}
