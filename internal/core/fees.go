package core

import (
	"fmt"
	"time"

	"SynthLedger/internal/event"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/state"
	"SynthLedger/internal/token"

	"github.com/google/uuid"
)

// payRegularFees settles fees accrued since the last payment and
// shrinks the fee multiplier. Every mutating operation calls this
// first so it always reads fee-settled state. Returns nil when no
// fee was due.
func (e *Engine) payRegularFees(requestID uuid.UUID, now time.Time) (*event.RegularFeesPaid, error) {
	elapsed := now.Sub(e.fees.LastPaymentTime)
	if elapsed <= 0 {
		return nil, nil
	}

	pfc, err := e.fees.EffectiveCollateral(e.rawTotalCollateral)
	if err != nil {
		return nil, err
	}
	if pfc.IsZero() || e.params.RegularFeeRate.IsZero() {
		e.fees.LastPaymentTime = now
		return nil, nil
	}

	// Linear accrual, capped at the whole pool.
	feePct, err := e.params.RegularFeeRate.Mul(fpmath.FromInt(uint64(elapsed / time.Second)))
	if err != nil {
		return nil, err
	}
	feePct = feePct.Min(fpmath.One())
	fee, err := pfc.Mul(feePct)
	if err != nil {
		return nil, err
	}
	fee = fee.Min(pfc)
	if fee.IsZero() {
		e.fees.LastPaymentTime = now
		return nil, nil
	}

	// The effective rate rounds up so the multiplier always shrinks
	// at least enough to cover the fee actually taken.
	effectivePct, err := fee.DivCeil(pfc)
	if err != nil {
		return nil, err
	}
	effectivePct = effectivePct.Min(fpmath.One())
	if err := e.fees.ApplyFee(effectivePct); err != nil {
		return nil, err
	}
	e.fees.LastPaymentTime = now

	if err := e.collateral.Transfer(token.EscrowAccount, token.FeeStoreAccount, fee); err != nil {
		return nil, fmt.Errorf("paying regular fees: %w", err)
	}
	return &event.RegularFeesPaid{
		RequestID:  requestID,
		Amount:     fee,
		Multiplier: e.fees.CumulativeFeeMultiplier,
		Timestamp:  now,
	}, nil
}

// payFinalFeeFrom moves the flat final fee from payer to the fee
// store. The payer must have transferred the bond in beforehand or
// hold the balance directly.
func (e *Engine) payFinalFeeFrom(requestID uuid.UUID, payer string, now time.Time) (*event.FinalFeesPaid, error) {
	if e.params.FinalFee.IsZero() {
		return nil, nil
	}
	if err := e.collateral.Transfer(payer, token.FeeStoreAccount, e.params.FinalFee); err != nil {
		return nil, fmt.Errorf("paying final fee: %w", err)
	}
	return &event.FinalFeesPaid{
		RequestID:  requestID,
		Payer:      payer,
		Amount:     e.params.FinalFee,
		Multiplier: e.fees.CumulativeFeeMultiplier,
		Timestamp:  now,
	}, nil
}

// payFinalFeeFromPool charges the final fee against the whole
// collateral pool, shrinking the multiplier the same way a regular
// fee does. Used at expiry, where no single party posts the bond.
func (e *Engine) payFinalFeeFromPool(requestID uuid.UUID, now time.Time) (*event.FinalFeesPaid, error) {
	if e.params.FinalFee.IsZero() {
		return nil, nil
	}
	pfc, err := e.fees.EffectiveCollateral(e.rawTotalCollateral)
	if err != nil {
		return nil, err
	}
	if pfc.IsZero() {
		return nil, nil
	}
	fee := e.params.FinalFee.Min(pfc)
	effectivePct, err := fee.DivCeil(pfc)
	if err != nil {
		return nil, err
	}
	effectivePct = effectivePct.Min(fpmath.One())
	if err := e.fees.ApplyFee(effectivePct); err != nil {
		return nil, err
	}
	if err := e.collateral.Transfer(token.EscrowAccount, token.FeeStoreAccount, fee); err != nil {
		return nil, fmt.Errorf("paying final fee from pool: %w", err)
	}
	return &event.FinalFeesPaid{
		RequestID:  requestID,
		Payer:      token.EscrowAccount,
		Amount:     fee,
		Multiplier: e.fees.CumulativeFeeMultiplier,
		Timestamp:  now,
	}, nil
}

// addCollateral credits an effective amount to a position, flooring
// the raw delta so the position is never credited more than the
// funds that moved.
func (e *Engine) addCollateral(p *state.Position, effective fpmath.Unsigned) error {
	rawDelta, err := e.fees.RawUnits(effective)
	if err != nil {
		return err
	}
	if p.RawCollateral, err = p.RawCollateral.Add(rawDelta); err != nil {
		return err
	}
	if e.rawTotalCollateral, err = e.rawTotalCollateral.Add(rawDelta); err != nil {
		return err
	}
	return nil
}

// removeCollateral debits an effective amount from a position. It
// returns the fee-adjusted collateral actually released, which can
// round below the requested amount, together with the raw debit.
func (e *Engine) removeCollateral(p *state.Position, effective fpmath.Unsigned) (fpmath.Unsigned, fpmath.Unsigned, error) {
	rawDelta, err := e.fees.RawUnits(effective)
	if err != nil {
		return fpmath.Unsigned{}, fpmath.Unsigned{}, err
	}
	if p.RawCollateral, err = p.RawCollateral.Sub(rawDelta); err != nil {
		return fpmath.Unsigned{}, fpmath.Unsigned{}, fmt.Errorf("%w: position collateral", err)
	}
	if e.rawTotalCollateral, err = e.rawTotalCollateral.Sub(rawDelta); err != nil {
		return fpmath.Unsigned{}, fpmath.Unsigned{}, err
	}
	released, err := e.fees.EffectiveCollateral(rawDelta)
	if err != nil {
		return fpmath.Unsigned{}, fpmath.Unsigned{}, err
	}
	return released, rawDelta, nil
}

// removePositionEntirely drops a position and its raw collateral
// from the totals, returning the fee-adjusted remainder.
func (e *Engine) removePositionEntirely(p *state.Position) (fpmath.Unsigned, error) {
	released, err := e.fees.EffectiveCollateral(p.RawCollateral)
	if err != nil {
		return fpmath.Unsigned{}, err
	}
	if e.rawTotalCollateral, err = e.rawTotalCollateral.Sub(p.RawCollateral); err != nil {
		return fpmath.Unsigned{}, err
	}
	if e.totalTokensOutstanding, err = e.totalTokensOutstanding.Sub(p.TokensOutstanding); err != nil {
		return fpmath.Unsigned{}, err
	}
	e.positions.Delete(p.Sponsor)
	return released, nil
}
