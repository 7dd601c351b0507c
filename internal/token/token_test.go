package token_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"SynthLedger/internal/token"
)

func TestBank_TransferInAndOut(t *testing.T) {
	ctx := context.Background()
	bank := token.NewBank()
	account := uuid.New()

	bank.Fund(account, "WETH", uint256.NewInt(100))

	ok, err := bank.TransferIn(ctx, "WETH", account, uint256.NewInt(60))
	if err != nil || !ok {
		t.Fatalf("TransferIn: ok=%v err=%v", ok, err)
	}
	if got := bank.BalanceOf(account, "WETH"); got.Uint64() != 40 {
		t.Errorf("wallet after transfer in: got %s, want 40", got.Dec())
	}
	if got := bank.Custody("WETH"); got.Uint64() != 60 {
		t.Errorf("custody: got %s, want 60", got.Dec())
	}

	ok, err = bank.TransferOut(ctx, "WETH", account, uint256.NewInt(25))
	if err != nil || !ok {
		t.Fatalf("TransferOut: ok=%v err=%v", ok, err)
	}
	if got := bank.BalanceOf(account, "WETH"); got.Uint64() != 65 {
		t.Errorf("wallet after transfer out: got %s, want 65", got.Dec())
	}
}

func TestBank_TransferInInsufficient(t *testing.T) {
	bank := token.NewBank()
	account := uuid.New()
	bank.Fund(account, "WETH", uint256.NewInt(10))

	ok, err := bank.TransferIn(context.Background(), "WETH", account, uint256.NewInt(11))
	if err != nil {
		t.Fatalf("TransferIn: %v", err)
	}
	if ok {
		t.Error("uncovered transfer must report false")
	}
	if got := bank.BalanceOf(account, "WETH"); got.Uint64() != 10 {
		t.Error("declined transfer must not mutate the wallet")
	}
}

func TestBank_TransferOutBeyondCustody(t *testing.T) {
	bank := token.NewBank()
	ok, err := bank.TransferOut(context.Background(), "WETH", uuid.New(), uint256.NewInt(1))
	if err != nil {
		t.Fatalf("TransferOut: %v", err)
	}
	if ok {
		t.Error("transfer out of empty custody must report false")
	}
}

func TestSynth_MintPullBurn(t *testing.T) {
	ctx := context.Background()
	custody := uuid.New()
	holder := uuid.New()
	synth := token.NewSynth(custody)

	ok, err := synth.Mint(ctx, holder, uint256.NewInt(80))
	if err != nil || !ok {
		t.Fatalf("Mint: ok=%v err=%v", ok, err)
	}
	if got := synth.TotalSupply(); got.Uint64() != 80 {
		t.Errorf("supply: got %s, want 80", got.Dec())
	}

	ok, err = synth.TransferFrom(ctx, holder, custody, uint256.NewInt(30))
	if err != nil || !ok {
		t.Fatalf("TransferFrom: ok=%v err=%v", ok, err)
	}

	if err := synth.Burn(ctx, uint256.NewInt(30)); err != nil {
		t.Fatalf("Burn: %v", err)
	}
	if got := synth.TotalSupply(); got.Uint64() != 50 {
		t.Errorf("supply after burn: got %s, want 50", got.Dec())
	}
	if got := synth.BalanceOf(holder); got.Uint64() != 50 {
		t.Errorf("holder balance: got %s, want 50", got.Dec())
	}
}

func TestSynth_MintZeroDeclined(t *testing.T) {
	synth := token.NewSynth(uuid.New())
	ok, err := synth.Mint(context.Background(), uuid.New(), new(uint256.Int))
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if ok {
		t.Error("zero mint must be declined")
	}
}

func TestSynth_BurnBeyondCustody(t *testing.T) {
	synth := token.NewSynth(uuid.New())
	if err := synth.Burn(context.Background(), uint256.NewInt(1)); err == nil {
		t.Error("burning more than custody holds must fail")
	}
}

func TestSynth_TransferFromInsufficient(t *testing.T) {
	synth := token.NewSynth(uuid.New())
	ok, err := synth.TransferFrom(context.Background(), uuid.New(), uuid.New(), uint256.NewInt(5))
	if err != nil {
		t.Fatalf("TransferFrom: %v", err)
	}
	if ok {
		t.Error("uncovered transferFrom must report false")
	}
}
