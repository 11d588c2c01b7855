package core

import (
	"time"

	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/state"
	"SynthLedger/internal/token"
)

// snapshotIdempotencyKeys bounds how many recent dedup keys ride in a
// snapshot. Older redeliveries fall through to the database probe.
const snapshotIdempotencyKeys = 10_000

// SnapshotState is the full engine state at one event sequence,
// sufficient to resume processing without replaying the whole log.
type SnapshotState struct {
	Positions          []state.Position
	Liquidations       []state.Liquidation
	NextLiquidationIDs map[string]uint64

	FeeMultiplier   fpmath.Unsigned
	LastPaymentTime time.Time

	RawTotalCollateral fpmath.Unsigned
	TokensOutstanding  fpmath.Unsigned

	CollateralBalances []token.Balance
	SyntheticBalances  []token.Balance

	Expired         bool
	ExpiryPriceTime time.Time
	ExpiryPrice     fpmath.Unsigned
	ExpiryResolved  bool

	// EventSequence is the next event sequence to assign;
	// SourceSequence is the next expected command sequence.
	EventSequence  uint64
	SourceSequence int64

	// StateHashTip is the hash of the last emitted event, the chain
	// tip the next event links to.
	StateHashTip [32]byte

	// IdempotencyKeys are recent composite dedup keys, oldest first.
	IdempotencyKeys []string
}

// CreateSnapshotState captures the engine state under the mutex.
// Everything is deep-copied so the caller can serialize it while the
// engine keeps processing.
func (e *Engine) CreateSnapshotState() SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	positions := make([]state.Position, 0, e.positions.Count())
	for _, s := range e.positions.Sponsors() {
		positions = append(positions, *e.positions.Get(s))
	}
	all := e.liquidations.All()
	liquidations := make([]state.Liquidation, 0, len(all))
	for _, l := range all {
		liquidations = append(liquidations, *l)
	}

	return SnapshotState{
		Positions:          positions,
		Liquidations:       liquidations,
		NextLiquidationIDs: e.liquidations.NextIDs(),
		FeeMultiplier:      e.fees.CumulativeFeeMultiplier,
		LastPaymentTime:    e.fees.LastPaymentTime,
		RawTotalCollateral: e.rawTotalCollateral,
		TokensOutstanding:  e.totalTokensOutstanding,
		CollateralBalances: e.collateral.Snapshot(),
		SyntheticBalances:  e.synthetic.Snapshot(),
		Expired:            e.expired,
		ExpiryPriceTime:    e.expiryPriceTime,
		ExpiryPrice:        e.expiryPrice,
		ExpiryResolved:     e.expiryResolved,
		EventSequence:      e.sequence,
		SourceSequence:     e.sequenceValidator.GetExpectedSequence(e.params.InstanceID),
		StateHashTip:       e.hasher.PrevHash(),
		IdempotencyKeys:    e.idempotency.RecentKeys(snapshotIdempotencyKeys),
	}
}

// RestoreFromSnapshot loads a snapshot into a freshly constructed
// engine. Call before processing any command.
func (e *Engine) RestoreFromSnapshot(s SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.positions = state.NewPositionBook()
	for i := range s.Positions {
		p := s.Positions[i]
		e.positions.Put(&p)
	}
	liqs := make([]*state.Liquidation, 0, len(s.Liquidations))
	for i := range s.Liquidations {
		l := s.Liquidations[i]
		liqs = append(liqs, &l)
	}
	e.liquidations.Restore(liqs, s.NextLiquidationIDs)

	e.fees.CumulativeFeeMultiplier = s.FeeMultiplier
	e.fees.LastPaymentTime = s.LastPaymentTime.UTC()
	e.rawTotalCollateral = s.RawTotalCollateral
	e.totalTokensOutstanding = s.TokensOutstanding

	if err := e.collateral.Restore(s.CollateralBalances); err != nil {
		return err
	}
	if err := e.synthetic.Restore(s.SyntheticBalances); err != nil {
		return err
	}

	e.expired = s.Expired
	e.expiryPriceTime = s.ExpiryPriceTime
	e.expiryPrice = s.ExpiryPrice
	e.expiryResolved = s.ExpiryResolved

	e.sequence = s.EventSequence
	e.sequenceValidator.SetExpectedSequence(e.params.InstanceID, s.SourceSequence)
	e.hasher.Restore(s.StateHashTip)
	e.idempotency.WarmFromKeys(s.IdempotencyKeys)
	return nil
}

// StateHashTip returns the hash of the most recently emitted event.
func (e *Engine) StateHashTip() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.PrevHash()
}
