package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"SynthLedger/internal/event"
	"SynthLedger/internal/ledger"
	"SynthLedger/internal/observability"
	"SynthLedger/internal/valuation"
)

// Threshold model: only LiquidationThresholdPct percent of collateral value
// counts toward backing debt (50 → 200% collateralization required), and a
// liquidator is awarded LiquidationBonusPct percent extra collateral.
const (
	LiquidationThresholdPct = 50
	LiquidationPrecisionPct = 100
	LiquidationBonusPct     = 10
)

// minHealthFactor is 1.0 at the 18-decimal fixed-point scale.
var minHealthFactor = valuation.Precision()

// MinHealthFactor returns the minimum safe health factor (1.0 fixed-point).
func MinHealthFactor() *uint256.Int {
	return new(uint256.Int).Set(minHealthFactor)
}

// CollateralVault is the collateral transfer primitive the engine calls out
// to. A false success flag is treated identically to an explicit failure.
type CollateralVault interface {
	TransferIn(ctx context.Context, asset string, from uuid.UUID, amount *uint256.Int) (bool, error)
	TransferOut(ctx context.Context, asset string, to uuid.UUID, amount *uint256.Int) (bool, error)
}

// SyntheticUnit is the synthetic-token primitive: mint to an account, burn
// from the engine's custody account, and pull units between accounts.
type SyntheticUnit interface {
	Mint(ctx context.Context, to uuid.UUID, amount *uint256.Int) (bool, error)
	Burn(ctx context.Context, amount *uint256.Int) error
	TransferFrom(ctx context.Context, from, to uuid.UUID, amount *uint256.Int) (bool, error)
}

// Config wires an Engine.
type Config struct {
	Registry *ledger.AssetRegistry
	Valuer   *valuation.Valuer
	Vault    CollateralVault
	Synth    SyntheticUnit

	// Custody is the account synthetic units are pulled into before burning.
	Custody uuid.UUID

	// StartSequence is the sequence of the last committed operation (0 on
	// cold start).
	StartSequence int64

	// RecordChan receives every committed operation; sends BLOCK so the
	// persistence worker applies backpressure. Nil disables.
	RecordChan chan<- event.Record

	// PublishChan receives committed operations non-blocking (drop on full).
	// Nil disables.
	PublishChan chan<- event.Record

	Logger  zerolog.Logger
	Metrics *observability.Metrics

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Engine owns the collateral and debt ledgers and performs every state
// transition on them. One mutex serializes all operations: a call holds it
// from entry to commit or rollback, so no operation ever observes a
// partially-applied effect of another and no re-entrant mutation can
// interleave with an in-flight external collaborator call.
type Engine struct {
	mu sync.Mutex

	sequence   int64
	hasher     *ledger.StateHasher
	collateral *ledger.CollateralLedger
	debt       *ledger.DebtLedger

	registry *ledger.AssetRegistry
	valuer   *valuation.Valuer
	vault    CollateralVault
	synth    SyntheticUnit
	custody  uuid.UUID

	recordChan  chan<- event.Record
	publishChan chan<- event.Record

	log     zerolog.Logger
	metrics *observability.Metrics
	clock   func() time.Time
}

func NewEngine(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Engine{
		sequence:    cfg.StartSequence,
		hasher:      ledger.NewStateHasher(),
		collateral:  ledger.NewCollateralLedger(),
		debt:        ledger.NewDebtLedger(),
		registry:    cfg.Registry,
		valuer:      cfg.Valuer,
		vault:       cfg.Vault,
		synth:       cfg.Synth,
		custody:     cfg.Custody,
		recordChan:  cfg.RecordChan,
		publishChan: cfg.PublishChan,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		clock:       clock,
	}
}

// --- Health engine ---

// collateralValueLocked sums the USD value of every registered asset the
// account has deposited, in registry order.
func (e *Engine) collateralValueLocked(account uuid.UUID) (*uint256.Int, error) {
	total := new(uint256.Int)

	for _, asset := range e.registry.Assets() {
		amount := e.collateral.Balance(account, asset)
		if amount.IsZero() {
			continue
		}

		usd, err := e.valuer.UsdValue(asset, amount)
		if err != nil {
			return nil, fmt.Errorf("value %s collateral: %w", asset, err)
		}
		total.Add(total, usd)
	}

	return total, nil
}

// healthFactorLocked computes (collateralUsd * threshold / 100) * 1e18 / debt.
// An account with no debt can never be broken: max value.
func (e *Engine) healthFactorLocked(account uuid.UUID) (*uint256.Int, error) {
	debt := e.debt.Balance(account)
	if debt.IsZero() {
		return new(uint256.Int).SetAllOne(), nil
	}

	collateralUsd, err := e.collateralValueLocked(account)
	if err != nil {
		return nil, err
	}

	adjusted := new(uint256.Int).Mul(collateralUsd, uint256.NewInt(LiquidationThresholdPct))
	adjusted.Div(adjusted, uint256.NewInt(LiquidationPrecisionPct))

	hf, overflow := new(uint256.Int).MulOverflow(adjusted, minHealthFactor)
	if overflow {
		return nil, fmt.Errorf("health factor for %s: %w", account, valuation.ErrValueOverflow)
	}

	return hf.Div(hf, debt), nil
}

// revertIfHealthFactorBrokenLocked is the single gate every mutation that
// could worsen a position must pass before committing.
func (e *Engine) revertIfHealthFactorBrokenLocked(account uuid.UUID) error {
	hf, err := e.healthFactorLocked(account)
	if err != nil {
		return err
	}
	if hf.Lt(minHealthFactor) {
		return &HealthFactorBrokenError{Account: account, Factor: hf}
	}
	return nil
}

// --- Commit path ---

// commitLocked assigns the operation its sequence, advances the hash chain
// over the post-operation ledger digest and emits the record.
func (e *Engine) commitLocked(rec event.Record) {
	e.sequence++
	rec.Sequence = e.sequence
	rec.OpID = uuid.New()
	rec.Timestamp = e.clock()

	rec.PrevHash = e.hasher.PrevHash()
	rec.StateHash = e.hasher.ComputeHash(rec.Sequence, ledger.Digest(e.collateral, e.debt))

	if e.recordChan != nil {
		// Blocking send: the engine stalls rather than lose a record.
		e.recordChan <- rec
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- rec:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(rec.Type.String()).Inc()
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}

	e.log.Info().
		Int64("sequence", rec.Sequence).
		Str("op", rec.Type.String()).
		Str("account", rec.Account.String()).
		Msg("operation committed")
}

// observe records duration and rejection metrics for one operation.
func (e *Engine) observe(op event.OpType, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.OpDuration.WithLabelValues(op.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		e.metrics.OpsRejected.WithLabelValues(op.String(), RejectReason(err)).Inc()
	}
}

// --- Read operations ---
// All side-effect free; they take the same lock so they always see a fully
// committed state.

// AccountInformation returns (totalDebt, totalCollateralUsd).
func (e *Engine) AccountInformation(account uuid.UUID) (*uint256.Int, *uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	collateralUsd, err := e.collateralValueLocked(account)
	if err != nil {
		return nil, nil, err
	}
	return e.debt.Balance(account), collateralUsd, nil
}

// AccountCollateralValue returns the account's total collateral USD value.
func (e *Engine) AccountCollateralValue(account uuid.UUID) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collateralValueLocked(account)
}

// UsdValue values an asset amount in USD at the current oracle price.
func (e *Engine) UsdValue(asset string, amount *uint256.Int) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.registry.IsRegistered(asset) {
		return nil, fmt.Errorf("%s: %w", asset, ErrAssetNotAllowed)
	}
	return e.valuer.UsdValue(asset, amount)
}

// TokenAmountFromUsd converts a USD value into an asset amount.
func (e *Engine) TokenAmountFromUsd(asset string, usd *uint256.Int) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.registry.IsRegistered(asset) {
		return nil, fmt.Errorf("%s: %w", asset, ErrAssetNotAllowed)
	}
	return e.valuer.TokenAmountFromUsd(asset, usd)
}

// HealthFactor returns the account's current health factor.
func (e *Engine) HealthFactor(account uuid.UUID) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthFactorLocked(account)
}

// CollateralBalance returns the deposited amount for (account, asset).
func (e *Engine) CollateralBalance(account uuid.UUID, asset string) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.collateral.Balance(account, asset)
}

// DebtBalance returns the account's outstanding synthetic-unit debt.
func (e *Engine) DebtBalance(account uuid.UUID) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.debt.Balance(account)
}

// CollateralAssets returns the registered assets in registry order.
func (e *Engine) CollateralAssets() []string {
	return e.registry.Assets()
}

// Sequence returns the sequence of the last committed operation.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// --- Snapshot support ---

// SnapshotState is the serializable ledger state for persistence.
type SnapshotState struct {
	Sequence   int64
	StateHash  [32]byte
	Collateral map[uuid.UUID]map[string]*uint256.Int
	Debt       map[uuid.UUID]*uint256.Int
}

// CreateSnapshotState captures the current ledgers for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return &SnapshotState{
		Sequence:   e.sequence,
		StateHash:  e.hasher.PrevHash(),
		Collateral: e.collateral.Snapshot(),
		Debt:       e.debt.Snapshot(),
	}
}

// RestoreFromSnapshot replaces the ledgers and hash-chain tip. Only valid
// before the engine starts serving operations.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sequence = snap.Sequence
	e.hasher.SetPrevHash(snap.StateHash)
	e.collateral.Restore(snap.Collateral)
	e.debt.Restore(snap.Debt)
}
