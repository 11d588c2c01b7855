package core

import (
	"errors"
	"fmt"
	"time"

	"SynthLedger/internal/event"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/state"
	"SynthLedger/internal/token"
)

func (e *Engine) handleCreateLiquidation(c *CreateLiquidation) ([]event.Event, error) {
	if err := e.requireNotExpired(); err != nil {
		return nil, err
	}
	now := e.cmdTime
	if now.After(c.Deadline) {
		return nil, fmt.Errorf("%w: deadline %s", ErrLiquidationDeadlineExceeded, c.Deadline)
	}
	p := e.positions.Get(c.Sponsor)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, c.Sponsor)
	}
	if c.MaxTokens.IsZero() {
		return nil, fmt.Errorf("%w: max tokens must be positive", ErrInvalidParameter)
	}
	if c.MinPrice.GT(c.MaxPrice) {
		return nil, fmt.Errorf("%w: min price above max price", ErrInvalidParameter)
	}

	// A liquidation proceeds even while a slow withdrawal is
	// pending; the withdrawal only blocks the sponsor's own
	// operations. The dispute test later measures collateral net of
	// the requested withdrawal, so the bounds check uses it too.
	tokensLiquidated := c.MaxTokens.Min(p.TokensOutstanding)
	ratio, err := tokensLiquidated.Div(p.TokensOutstanding)
	if err != nil {
		return nil, err
	}
	startCollateral, err := e.fees.EffectiveCollateral(p.RawCollateral)
	if err != nil {
		return nil, err
	}
	netOfWithdrawal, err := startCollateral.Sub(p.WithdrawalRequestAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: withdrawal request exceeds collateral", ErrInvalidParameter)
	}
	collateralPerToken, err := netOfWithdrawal.Div(p.TokensOutstanding)
	if err != nil {
		return nil, err
	}
	if collateralPerToken.LT(c.MinPrice) || collateralPerToken.GT(c.MaxPrice) {
		return nil, fmt.Errorf("%w: collateral per token %s outside [%s, %s]",
			ErrLiquidationPriceOutOfBounds, collateralPerToken, c.MinPrice, c.MaxPrice)
	}

	lockedCollateral, err := startCollateral.Mul(ratio)
	if err != nil {
		return nil, err
	}
	liquidatedCollateral, err := netOfWithdrawal.Mul(ratio)
	if err != nil {
		return nil, err
	}

	// The liquidator posts the final fee bond up front; it funds the
	// oracle request if the liquidation is disputed and is returned
	// otherwise.
	if !e.params.FinalFee.IsZero() {
		if err := e.collateral.Transfer(c.Caller, token.EscrowAccount, e.params.FinalFee); err != nil {
			return nil, err
		}
	}
	if err := e.synthetic.Burn(c.Caller, tokensLiquidated); err != nil {
		return nil, err
	}

	if _, _, err := e.removeCollateral(p, lockedCollateral); err != nil {
		return nil, err
	}
	if p.TokensOutstanding, err = p.TokensOutstanding.Sub(tokensLiquidated); err != nil {
		return nil, err
	}
	if e.totalTokensOutstanding, err = e.totalTokensOutstanding.Sub(tokensLiquidated); err != nil {
		return nil, err
	}

	// Scale any pending withdrawal request down with the position.
	if p.HasPendingWithdrawal() {
		remainingShare, err := fpmath.One().Sub(ratio)
		if err != nil {
			return nil, err
		}
		if p.WithdrawalRequestAmount, err = p.WithdrawalRequestAmount.Mul(remainingShare); err != nil {
			return nil, err
		}
	}
	if p.TokensOutstanding.IsZero() {
		// Flooring the raw debit can strand dust in the emptied
		// position; the residual leaves the pool total with it.
		if e.rawTotalCollateral, err = e.rawTotalCollateral.Sub(p.RawCollateral); err != nil {
			return nil, err
		}
		e.positions.Delete(p.Sponsor)
	}

	liq := &state.Liquidation{
		Sponsor:              c.Sponsor,
		Liquidator:           c.Caller,
		Status:               state.StatusPreDispute,
		TokensLiquidated:     tokensLiquidated,
		LockedCollateral:     lockedCollateral,
		LiquidatedCollateral: liquidatedCollateral,
		FinalFeeBond:         e.params.FinalFee,
		CreatedAt:            now,
		LivenessExpiry:       now.Add(e.params.LiquidationLiveness),
	}
	id := e.liquidations.Append(liq)

	return []event.Event{&event.LiquidationCreated{
		RequestID:            c.ID,
		Sponsor:              c.Sponsor,
		LiquidationID:        id,
		Liquidator:           c.Caller,
		TokensLiquidated:     tokensLiquidated,
		LockedCollateral:     lockedCollateral,
		LiquidatedCollateral: liquidatedCollateral,
		FinalFeeBond:         liq.FinalFeeBond,
		ExpiresAt:            liq.LivenessExpiry,
		Timestamp:            now,
	}}, nil
}

func (e *Engine) handleDisputeLiquidation(c *DisputeLiquidation) ([]event.Event, error) {
	liq := e.liquidations.Get(c.Sponsor, c.LiquidationID)
	if liq == nil {
		return nil, fmt.Errorf("%w: %s/%d", ErrLiquidationNotFound, c.Sponsor, c.LiquidationID)
	}
	if liq.Status != state.StatusPreDispute {
		return nil, fmt.Errorf("%w: status %s", ErrLiquidationNotSettleable, liq.Status)
	}
	now := e.cmdTime
	if !now.Before(liq.LivenessExpiry) {
		return nil, fmt.Errorf("%w: liveness expired at %s", ErrLiquidationDeadlineExceeded, liq.LivenessExpiry)
	}

	var events []event.Event
	disputeBond, err := e.params.DisputeBondPct.Mul(liq.LockedCollateral)
	if err != nil {
		return nil, err
	}
	bondPlusFee, err := disputeBond.Add(e.params.FinalFee)
	if err != nil {
		return nil, err
	}
	if err := e.collateral.Transfer(c.Caller, token.EscrowAccount, bondPlusFee); err != nil {
		return nil, err
	}
	// The disputer's final fee pays for the oracle request now; only
	// the liquidator's bond rides on the outcome.
	feeEvt, err := e.payFinalFeeFrom(c.ID, token.EscrowAccount, now)
	if err != nil {
		return nil, err
	}
	if feeEvt != nil {
		events = append(events, feeEvt)
	}

	if !liq.Status.CanTransitionTo(state.StatusPendingDispute) {
		return nil, fmt.Errorf("%w: %s -> PendingDispute", ErrLiquidationNotSettleable, liq.Status)
	}
	liq.Status = state.StatusPendingDispute
	liq.Disputer = c.Caller
	liq.DisputeBond = disputeBond
	liq.PriceRequestTime = liq.CreatedAt
	if err := e.prices.RequestPrice(e.params.PriceIdentifier, liq.PriceRequestTime); err != nil {
		return nil, err
	}

	return append(events, &event.LiquidationDisputed{
		RequestID:     c.ID,
		Sponsor:       c.Sponsor,
		LiquidationID: c.LiquidationID,
		Disputer:      c.Caller,
		DisputeBond:   disputeBond,
		PriceTime:     liq.PriceRequestTime,
		Timestamp:     now,
	}), nil
}

func (e *Engine) handleWithdrawLiquidation(c *WithdrawLiquidation) ([]event.Event, error) {
	liq := e.liquidations.Get(c.Sponsor, c.LiquidationID)
	if liq == nil {
		return nil, fmt.Errorf("%w: %s/%d", ErrLiquidationNotFound, c.Sponsor, c.LiquidationID)
	}
	now := e.cmdTime
	var events []event.Event

	switch liq.Status {
	case state.StatusPreDispute:
		return e.withdrawUndisputed(events, c, liq, now)
	case state.StatusPendingDispute:
		// Resolve against the oracle first, then fall through to the
		// regular payout path.
		settled, err := e.resolveDispute(c, liq, now)
		if err != nil {
			return nil, err
		}
		events = append(events, settled)
		return e.withdrawResolved(events, c, liq, now)
	case state.StatusDisputeSucceeded, state.StatusDisputeFailed:
		return e.withdrawResolved(events, c, liq, now)
	default:
		return nil, fmt.Errorf("%w: status %s", ErrLiquidationNotSettleable, liq.Status)
	}
}

// withdrawUndisputed pays the liquidator after the dispute window
// closes with no dispute.
func (e *Engine) withdrawUndisputed(events []event.Event, c *WithdrawLiquidation, liq *state.Liquidation, now time.Time) ([]event.Event, error) {
	if now.Before(liq.LivenessExpiry) {
		return nil, fmt.Errorf("%w: disputable until %s", ErrLiquidationNotSettleable, liq.LivenessExpiry)
	}
	if c.Caller != liq.Liquidator {
		return nil, fmt.Errorf("%w: only liquidator may withdraw an undisputed liquidation", ErrUnauthorized)
	}
	payout, err := liq.LockedCollateral.Add(liq.FinalFeeBond)
	if err != nil {
		return nil, err
	}
	if err := e.collateral.Transfer(token.EscrowAccount, c.Caller, payout); err != nil {
		return nil, err
	}
	if !liq.Status.CanTransitionTo(state.StatusUninitialized) {
		return nil, fmt.Errorf("%w: %s -> Uninitialized", ErrLiquidationNotSettleable, liq.Status)
	}
	e.liquidations.Delete(c.Sponsor, c.LiquidationID)

	return append(events, &event.LiquidationWithdrawn{
		RequestID:     c.ID,
		Sponsor:       c.Sponsor,
		LiquidationID: c.LiquidationID,
		Caller:        c.Caller,
		Amount:        payout,
		Deleted:       true,
		Timestamp:     now,
	}), nil
}

// resolveDispute fetches the oracle price and fixes the outcome. The
// price and verdict are cached so every later withdrawal sees the
// same numbers.
func (e *Engine) resolveDispute(c *WithdrawLiquidation, liq *state.Liquidation, now time.Time) (event.Event, error) {
	price, err := e.prices.GetPrice(e.params.PriceIdentifier, liq.PriceRequestTime)
	if err != nil {
		if errors.Is(err, oracle.ErrPriceNotAvailable) {
			return nil, fmt.Errorf("%w: %v", ErrLiquidationNotSettleable, err)
		}
		return nil, err
	}

	tokenRedemptionValue, err := liq.TokensLiquidated.Mul(price)
	if err != nil {
		return nil, err
	}
	requiredCollateral, err := tokenRedemptionValue.Mul(e.params.CollateralRequirement)
	if err != nil {
		return nil, err
	}

	// The dispute succeeds when the position actually held enough
	// collateral at the settlement price, meaning the liquidation
	// was invalid.
	succeeded := liq.LiquidatedCollateral.GTE(requiredCollateral)
	next := state.StatusDisputeFailed
	if succeeded {
		next = state.StatusDisputeSucceeded
	}
	if !liq.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrLiquidationNotSettleable, liq.Status, next)
	}
	liq.Status = next
	liq.Resolved = true
	liq.SettlementPrice = price

	return &event.DisputeSettled{
		RequestID:        c.ID,
		Sponsor:          c.Sponsor,
		LiquidationID:    c.LiquidationID,
		SettlementPrice:  price,
		DisputeSucceeded: succeeded,
		Timestamp:        now,
	}, nil
}

// withdrawResolved pays the calling party its share of a resolved
// dispute, exactly once per party.
func (e *Engine) withdrawResolved(events []event.Event, c *WithdrawLiquidation, liq *state.Liquidation, now time.Time) ([]event.Event, error) {
	payout, err := e.resolvedPayout(c.Caller, liq)
	if err != nil {
		return nil, err
	}
	if err := e.collateral.Transfer(token.EscrowAccount, c.Caller, payout); err != nil {
		return nil, err
	}

	deleted := false
	if liq.Status == state.StatusDisputeFailed ||
		(liq.SponsorPaid && liq.LiquidatorPaid && liq.DisputerPaid) {
		if !liq.Status.CanTransitionTo(state.StatusUninitialized) {
			return nil, fmt.Errorf("%w: %s -> Uninitialized", ErrLiquidationNotSettleable, liq.Status)
		}
		e.liquidations.Delete(c.Sponsor, c.LiquidationID)
		deleted = true
	}

	return append(events, &event.LiquidationWithdrawn{
		RequestID:     c.ID,
		Sponsor:       c.Sponsor,
		LiquidationID: c.LiquidationID,
		Caller:        c.Caller,
		Amount:        payout,
		Deleted:       deleted,
		Timestamp:     now,
	}), nil
}

// resolvedPayout computes the caller's entitlement and marks it paid.
func (e *Engine) resolvedPayout(caller string, liq *state.Liquidation) (fpmath.Unsigned, error) {
	if liq.Status == state.StatusDisputeFailed {
		// The liquidator takes everything: locked collateral, the
		// loser's bond, and the final fee bond back.
		if caller != liq.Liquidator {
			return fpmath.Unsigned{}, fmt.Errorf("%w: only liquidator collects a failed dispute", ErrUnauthorized)
		}
		if liq.LiquidatorPaid {
			return fpmath.Unsigned{}, fmt.Errorf("%w: liquidator", ErrAlreadyWithdrawn)
		}
		liq.LiquidatorPaid = true
		payout, err := liq.LockedCollateral.Add(liq.DisputeBond)
		if err != nil {
			return fpmath.Unsigned{}, err
		}
		return payout.Add(liq.FinalFeeBond)
	}

	tokenRedemptionValue, err := liq.TokensLiquidated.Mul(liq.SettlementPrice)
	if err != nil {
		return fpmath.Unsigned{}, err
	}
	sponsorReward, err := e.params.SponsorDisputeRewardPct.Mul(tokenRedemptionValue)
	if err != nil {
		return fpmath.Unsigned{}, err
	}
	disputerReward, err := e.params.DisputerDisputeRewardPct.Mul(tokenRedemptionValue)
	if err != nil {
		return fpmath.Unsigned{}, err
	}

	switch caller {
	case liq.Sponsor:
		if liq.SponsorPaid {
			return fpmath.Unsigned{}, fmt.Errorf("%w: sponsor", ErrAlreadyWithdrawn)
		}
		liq.SponsorPaid = true
		// The sponsor recovers the collateral above the token debt,
		// plus its dispute reward.
		remainder, err := liq.LockedCollateral.Sub(tokenRedemptionValue)
		if err != nil {
			return fpmath.Unsigned{}, err
		}
		return remainder.Add(sponsorReward)
	case liq.Liquidator:
		if liq.LiquidatorPaid {
			return fpmath.Unsigned{}, fmt.Errorf("%w: liquidator", ErrAlreadyWithdrawn)
		}
		liq.LiquidatorPaid = true
		// The liquidator redeems the tokens it burned, less both
		// rewards for liquidating a healthy position.
		payout, err := tokenRedemptionValue.Sub(sponsorReward)
		if err != nil {
			return fpmath.Unsigned{}, err
		}
		return payout.Sub(disputerReward)
	case liq.Disputer:
		if liq.DisputerPaid {
			return fpmath.Unsigned{}, fmt.Errorf("%w: disputer", ErrAlreadyWithdrawn)
		}
		liq.DisputerPaid = true
		payout, err := disputerReward.Add(liq.DisputeBond)
		if err != nil {
			return fpmath.Unsigned{}, err
		}
		return payout.Add(liq.FinalFeeBond)
	default:
		return fpmath.Unsigned{}, fmt.Errorf("%w: %s is not a party to this liquidation", ErrUnauthorized, caller)
	}
}
