// internal/state/fees.go
package state

import (
	"time"

	fpmath "SynthLedger/internal/math"
)

// FeeState carries the global fee accounting for one contract
// instance. CumulativeFeeMultiplier starts at 1.0 and only ever
// shrinks; effective collateral = raw collateral × multiplier.
type FeeState struct {
	CumulativeFeeMultiplier fpmath.Unsigned
	LastPaymentTime         time.Time
}

func NewFeeState(start time.Time) *FeeState {
	return &FeeState{
		CumulativeFeeMultiplier: fpmath.One(),
		LastPaymentTime:         start.UTC(),
	}
}

// ApplyFee shrinks the multiplier by effectiveFeePct, which must be
// in [0, 1]. The caller computes effectiveFeePct with ceiling
// rounding so the protocol never under-collects.
func (f *FeeState) ApplyFee(effectiveFeePct fpmath.Unsigned) error {
	remaining, err := fpmath.One().Sub(effectiveFeePct)
	if err != nil {
		return err
	}
	next, err := f.CumulativeFeeMultiplier.Mul(remaining)
	if err != nil {
		return err
	}
	f.CumulativeFeeMultiplier = next
	return nil
}

// EffectiveCollateral converts a raw amount to its fee-adjusted
// (claimable) amount, flooring in the holder's disfavor.
func (f *FeeState) EffectiveCollateral(raw fpmath.Unsigned) (fpmath.Unsigned, error) {
	return raw.Mul(f.CumulativeFeeMultiplier)
}

// RawUnits converts an effective amount back to raw units, flooring
// so no holder is credited more raw units than funds moved.
func (f *FeeState) RawUnits(effective fpmath.Unsigned) (fpmath.Unsigned, error) {
	return effective.Div(f.CumulativeFeeMultiplier)
}

// CanonicalBytes returns deterministic serialization for hashing
func (f *FeeState) CanonicalBytes() []byte {
	buf := make([]byte, 0, 40)
	buf = appendUnsigned(buf, f.CumulativeFeeMultiplier)
	buf = appendInt64LE(buf, f.LastPaymentTime.Unix())
	return buf
}
