package core

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"SynthLedger/internal/ledger"
	"SynthLedger/internal/valuation"
)

// Failure taxonomy. Every failed operation aborts with one of these kinds
// and leaves the ledgers exactly as they were before the call.
var (
	// ErrAmountZero rejects zero-amount arguments (validation).
	ErrAmountZero = errors.New("amount must be more than zero")

	// ErrAssetNotAllowed rejects assets outside the registry (validation).
	ErrAssetNotAllowed = errors.New("asset is not allowed as collateral")

	// ErrTransferFailed means a collateral or synthetic-unit transfer
	// collaborator declined or errored (collaborator failure).
	ErrTransferFailed = errors.New("transfer failed")

	// ErrMintFailed means the synthetic-unit collaborator declined a mint.
	ErrMintFailed = errors.New("mint failed")

	// ErrHealthFactorOk rejects liquidation of a healthy position.
	ErrHealthFactorOk = errors.New("health factor not below minimum")

	// ErrHealthFactorNotImproved rejects a liquidation whose sizing does not
	// strictly raise the violator's health factor.
	ErrHealthFactorNotImproved = errors.New("liquidation did not improve health factor")
)

// HealthFactorBrokenError reports a mutation that would leave an account's
// health factor below the minimum. The whole operation is rolled back.
type HealthFactorBrokenError struct {
	Account uuid.UUID
	Factor  *uint256.Int
}

func (e *HealthFactorBrokenError) Error() string {
	return fmt.Sprintf("health factor broken for %s: %s", e.Account, e.Factor.Dec())
}

// IsHealthFactorBroken reports whether err is a HealthFactorBrokenError.
func IsHealthFactorBroken(err error) bool {
	var target *HealthFactorBrokenError
	return errors.As(err, &target)
}

// RejectReason maps an operation failure to a short label for metrics.
func RejectReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAmountZero):
		return "zero_amount"
	case errors.Is(err, ErrAssetNotAllowed):
		return "asset_not_allowed"
	case IsHealthFactorBroken(err):
		return "health_factor_broken"
	case errors.Is(err, ErrHealthFactorOk):
		return "health_factor_ok"
	case errors.Is(err, ErrHealthFactorNotImproved):
		return "not_improved"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrMintFailed):
		return "mint_failed"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, valuation.ErrInvalidPrice),
		errors.Is(err, valuation.ErrStalePrice),
		errors.Is(err, valuation.ErrNoPrice):
		return "oracle"
	case errors.Is(err, valuation.ErrValueOverflow):
		return "overflow"
	default:
		return "other"
	}
}
