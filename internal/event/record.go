package event

import (
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// OpType discriminates committed operations in the audit log.
type OpType int32

const (
	OpTypeUnknown OpType = iota
	OpTypeDeposit
	OpTypeMint
	OpTypeDepositAndMint
	OpTypeRedeem
	OpTypeBurn
	OpTypeRedeemForSynth
	OpTypeLiquidation
)

func (t OpType) String() string {
	switch t {
	case OpTypeDeposit:
		return "Deposit"
	case OpTypeMint:
		return "Mint"
	case OpTypeDepositAndMint:
		return "DepositAndMint"
	case OpTypeRedeem:
		return "Redeem"
	case OpTypeBurn:
		return "Burn"
	case OpTypeRedeemForSynth:
		return "RedeemForSynth"
	case OpTypeLiquidation:
		return "Liquidation"
	default:
		return "Unknown"
	}
}

// OpTypeFromString is the inverse of String, used when reading the
// operation log back for replay.
func OpTypeFromString(s string) OpType {
	switch s {
	case "Deposit":
		return OpTypeDeposit
	case "Mint":
		return OpTypeMint
	case "DepositAndMint":
		return OpTypeDepositAndMint
	case "Redeem":
		return OpTypeRedeem
	case "Burn":
		return OpTypeBurn
	case "RedeemForSynth":
		return OpTypeRedeemForSynth
	case "Liquidation":
		return OpTypeLiquidation
	default:
		return OpTypeUnknown
	}
}

// Record is the envelope written to the operation log for every committed
// state transition. Sequence is assigned by the engine, monotonic across all
// operations; StateHash chains over the ledger digest after the operation.
type Record struct {
	// Global monotonic sequence assigned at commit
	Sequence int64

	// Unique id for this operation
	OpID uuid.UUID

	// Operation discriminator
	Type OpType

	// Account whose position the operation touched (the violator on
	// liquidations)
	Account uuid.UUID

	// Liquidator on liquidations, nil otherwise
	Counterparty *uuid.UUID

	// Collateral asset touched, empty for pure debt operations
	Asset string

	// Collateral moved (18-decimal scale), nil when not applicable
	CollateralAmount *uint256.Int

	// Synthetic units minted/burned/covered, nil when not applicable
	DebtAmount *uint256.Int

	// Initiating account's health factor after commit
	HealthFactorAfter *uint256.Int

	// Commit time
	Timestamp time.Time

	// SHA-256 over ledger state AFTER this operation
	StateHash [32]byte

	// Previous record's state hash (chain integrity)
	PrevHash [32]byte
}
