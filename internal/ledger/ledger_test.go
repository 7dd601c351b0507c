package ledger_test

import (
	"SynthLedger/internal/ledger"
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ============================================================================
// Test: AssetRegistry
// ============================================================================

func TestAssetRegistry_InsertionOrder(t *testing.T) {
	r, err := ledger.NewAssetRegistry(
		[]string{"WETH", "WBTC"},
		[]string{"ETH/USD", "BTC/USD"},
	)
	if err != nil {
		t.Fatalf("NewAssetRegistry: %v", err)
	}

	assets := r.Assets()
	if len(assets) != 2 || assets[0] != "WETH" || assets[1] != "WBTC" {
		t.Errorf("assets: got %v, want [WETH WBTC]", assets)
	}

	feed, ok := r.Feed("WBTC")
	if !ok || feed != "BTC/USD" {
		t.Errorf("Feed(WBTC): got %q ok=%v", feed, ok)
	}
}

func TestAssetRegistry_LengthMismatch(t *testing.T) {
	_, err := ledger.NewAssetRegistry(
		[]string{"WETH", "WBTC"},
		[]string{"ETH/USD"},
	)
	if !errors.Is(err, ledger.ErrFeedListMismatch) {
		t.Errorf("got %v, want ErrFeedListMismatch", err)
	}
}

func TestAssetRegistry_DuplicateAsset(t *testing.T) {
	_, err := ledger.NewAssetRegistry(
		[]string{"WETH", "WETH"},
		[]string{"ETH/USD", "ETH/USD"},
	)
	if err == nil {
		t.Error("duplicate asset should be rejected")
	}
}

func TestAssetRegistry_Unregistered(t *testing.T) {
	r, _ := ledger.NewAssetRegistry([]string{"WETH"}, []string{"ETH/USD"})
	if r.IsRegistered("DOGE") {
		t.Error("DOGE should not be registered")
	}
}

// ============================================================================
// Test: CollateralLedger
// ============================================================================

func TestCollateralLedger_InitialBalanceZero(t *testing.T) {
	l := ledger.NewCollateralLedger()
	if !l.Balance(uuid.New(), "WETH").IsZero() {
		t.Error("initial balance should be zero")
	}
}

func TestCollateralLedger_CreditDebit(t *testing.T) {
	l := ledger.NewCollateralLedger()
	account := uuid.New()

	l.Credit(account, "WETH", uint256.NewInt(1_000_000))
	l.Credit(account, "WETH", uint256.NewInt(500_000))

	if got := l.Balance(account, "WETH"); got.Uint64() != 1_500_000 {
		t.Errorf("balance after credits: got %s, want 1500000", got.Dec())
	}

	if err := l.Debit(account, "WETH", uint256.NewInt(400_000)); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if got := l.Balance(account, "WETH"); got.Uint64() != 1_100_000 {
		t.Errorf("balance after debit: got %s, want 1100000", got.Dec())
	}
}

func TestCollateralLedger_DebitBeyondBalance(t *testing.T) {
	l := ledger.NewCollateralLedger()
	account := uuid.New()
	l.Credit(account, "WETH", uint256.NewInt(100))

	err := l.Debit(account, "WETH", uint256.NewInt(101))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}

	// Failed debit must not mutate
	if got := l.Balance(account, "WETH"); got.Uint64() != 100 {
		t.Errorf("balance after failed debit: got %s, want 100", got.Dec())
	}
}

func TestCollateralLedger_BalanceIsCopy(t *testing.T) {
	l := ledger.NewCollateralLedger()
	account := uuid.New()
	l.Credit(account, "WETH", uint256.NewInt(100))

	bal := l.Balance(account, "WETH")
	bal.SetUint64(999)

	if got := l.Balance(account, "WETH"); got.Uint64() != 100 {
		t.Error("mutating a returned balance must not affect the ledger")
	}
}

func TestCollateralLedger_SnapshotRestore(t *testing.T) {
	l := ledger.NewCollateralLedger()
	account := uuid.New()
	l.Credit(account, "WETH", uint256.NewInt(42))

	snap := l.Snapshot()

	restored := ledger.NewCollateralLedger()
	restored.Restore(snap)

	if got := restored.Balance(account, "WETH"); got.Uint64() != 42 {
		t.Errorf("restored balance: got %s, want 42", got.Dec())
	}
}

// ============================================================================
// Test: DebtLedger
// ============================================================================

func TestDebtLedger_CreditDebit(t *testing.T) {
	l := ledger.NewDebtLedger()
	account := uuid.New()

	l.Credit(account, uint256.NewInt(80))
	if err := l.Debit(account, uint256.NewInt(40)); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if got := l.Balance(account); got.Uint64() != 40 {
		t.Errorf("debt: got %s, want 40", got.Dec())
	}
}

func TestDebtLedger_DebitBeyondOwed(t *testing.T) {
	l := ledger.NewDebtLedger()
	account := uuid.New()
	l.Credit(account, uint256.NewInt(10))

	err := l.Debit(account, uint256.NewInt(11))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if got := l.Balance(account); got.Uint64() != 10 {
		t.Errorf("debt after failed debit: got %s, want 10", got.Dec())
	}
}

// ============================================================================
// Test: Digest / StateHasher
// ============================================================================

func TestDigest_Deterministic(t *testing.T) {
	a := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	b := uuid.MustParse("00000000-0000-0000-0000-000000000001")

	build := func(reverse bool) []byte {
		c := ledger.NewCollateralLedger()
		d := ledger.NewDebtLedger()
		if reverse {
			c.Credit(b, "WBTC", uint256.NewInt(2))
			c.Credit(a, "WETH", uint256.NewInt(1))
		} else {
			c.Credit(a, "WETH", uint256.NewInt(1))
			c.Credit(b, "WBTC", uint256.NewInt(2))
		}
		d.Credit(a, uint256.NewInt(3))
		return ledger.Digest(c, d)
	}

	// Insertion order must not affect the digest
	d1 := build(false)
	d2 := build(true)
	if !bytes.Equal(d1, d2) {
		t.Error("digest must be independent of insertion order")
	}
}

func TestStateHasher_Chains(t *testing.T) {
	h1 := ledger.NewStateHasher()
	h2 := ledger.NewStateHasher()

	if h1.PrevHash() != h2.PrevHash() {
		t.Fatal("genesis hash must be stable")
	}

	first := h1.ComputeHash(1, []byte("digest"))
	if first == h2.PrevHash() {
		t.Error("ComputeHash must advance the chain")
	}
	if h1.PrevHash() != first {
		t.Error("PrevHash must return the new tip")
	}

	// Same inputs from the same tip produce the same hash
	if got := h2.ComputeHash(1, []byte("digest")); got != first {
		t.Error("hash chain must be deterministic")
	}
}
