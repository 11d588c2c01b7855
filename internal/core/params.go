package core

import (
	"fmt"
	"time"

	fpmath "SynthLedger/internal/math"
)

// Params are the economic parameters of one contract instance. They
// are fixed at construction.
type Params struct {
	// InstanceID identifies this contract in the event log and on
	// the wire.
	InstanceID string

	// PriceIdentifier names the oracle price feed, e.g. "SYNTHUSD".
	PriceIdentifier string

	// CollateralRequirement is the minimum collateral-to-token-value
	// ratio a liquidated position must hold for a dispute to
	// succeed. Must exceed 1.
	CollateralRequirement fpmath.Unsigned

	// DisputeBondPct of locked collateral a disputer must post.
	DisputeBondPct fpmath.Unsigned

	// SponsorDisputeRewardPct and DisputerDisputeRewardPct of the
	// token redemption value paid out of the liquidator's share on a
	// successful dispute. Their sum must be below 1.
	SponsorDisputeRewardPct  fpmath.Unsigned
	DisputerDisputeRewardPct fpmath.Unsigned

	// MinSponsorTokens is the smallest token debt a live position
	// may carry, keeping dust positions unprofitable to ignore.
	MinSponsorTokens fpmath.Unsigned

	// RegularFeeRate is the per-second fee rate on the collateral
	// pool. Accrual is linear, not compounding.
	RegularFeeRate fpmath.Unsigned

	// FinalFee is the flat fee per oracle price request.
	FinalFee fpmath.Unsigned

	WithdrawalLiveness  time.Duration
	LiquidationLiveness time.Duration

	// ExpirationTimestamp is when the contract stops and settles.
	ExpirationTimestamp time.Time
}

// Validate rejects parameter sets that would make the instance
// unsound.
func (p Params) Validate() error {
	if p.InstanceID == "" {
		return fmt.Errorf("%w: instance id required", ErrInvalidParameter)
	}
	if p.PriceIdentifier == "" {
		return fmt.Errorf("%w: price identifier required", ErrInvalidParameter)
	}
	if !p.CollateralRequirement.GT(fpmath.One()) {
		return fmt.Errorf("%w: collateral requirement %s must exceed 1", ErrInvalidParameter, p.CollateralRequirement)
	}
	if p.DisputeBondPct.GTE(fpmath.One()) {
		return fmt.Errorf("%w: dispute bond pct %s must be below 1", ErrInvalidParameter, p.DisputeBondPct)
	}
	rewardSum, err := p.SponsorDisputeRewardPct.Add(p.DisputerDisputeRewardPct)
	if err != nil {
		return fmt.Errorf("%w: reward pcts: %v", ErrInvalidParameter, err)
	}
	if rewardSum.GTE(fpmath.One()) {
		return fmt.Errorf("%w: dispute reward pcts sum %s must be below 1", ErrInvalidParameter, rewardSum)
	}
	if p.WithdrawalLiveness <= 0 {
		return fmt.Errorf("%w: withdrawal liveness must be positive", ErrInvalidParameter)
	}
	if p.LiquidationLiveness <= 0 {
		return fmt.Errorf("%w: liquidation liveness must be positive", ErrInvalidParameter)
	}
	if p.ExpirationTimestamp.IsZero() {
		return fmt.Errorf("%w: expiration timestamp required", ErrInvalidParameter)
	}
	return nil
}
