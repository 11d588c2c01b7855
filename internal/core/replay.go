package core

import (
	"bytes"
	"fmt"

	"SynthLedger/internal/event"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/state"
	"SynthLedger/internal/token"
)

// ErrReplayChainBroken reports a persisted event whose prev_hash does
// not extend the chain the engine is replaying.
var ErrReplayChainBroken = fmt.Errorf("replay: hash chain broken")

// ReplayEvent applies one persisted event's state delta during crash
// recovery. Events must be fed in sequence order starting from the
// snapshot's event sequence. The envelope's prev_hash is checked
// against the current chain tip; the stored state hash becomes the new
// tip.
//
// Raw collateral debits ride on the events themselves where flooring
// makes them unrecoverable from the paid amount, so replay reproduces
// position balances bit for bit.
func (e *Engine) ReplayEvent(env *event.Envelope, evt event.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if env.Sequence != e.sequence {
		return fmt.Errorf("replay: expected sequence %d, got %d", e.sequence, env.Sequence)
	}
	if tip := e.hasher.PrevHash(); !bytes.Equal(env.PrevHash[:], tip[:]) {
		return fmt.Errorf("%w: sequence %d", ErrReplayChainBroken, env.Sequence)
	}

	if err := e.applyReplayed(env, evt); err != nil {
		return fmt.Errorf("replay: applying %s at sequence %d: %w", env.Type, env.Sequence, err)
	}

	// Fee settlement stamps the payment time at every command whose
	// clock moved, whether or not a fee event fired; the next event's
	// timestamp recovers it.
	if env.Timestamp.After(e.fees.LastPaymentTime) {
		e.fees.LastPaymentTime = env.Timestamp
	}

	// The commands that produced logged events were already validated
	// and acked upstream; the validator picks up past them.
	if env.SourceSequence >= e.sequenceValidator.GetExpectedSequence(e.params.InstanceID) {
		e.sequenceValidator.SetExpectedSequence(e.params.InstanceID, env.SourceSequence+1)
	}

	e.hasher.Restore(env.StateHash)
	e.sequence = env.Sequence + 1
	return nil
}

// VerifyStateHash recomputes the state digest and checks it against a
// replayed envelope's stored hash. Called for the last replayed event,
// where the in-memory state must match the digest the live engine
// hashed.
func (e *Engine) VerifyStateHash(env *event.Envelope) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	want := ChainHash(env.PrevHash, env.Sequence, e.stateDigest())
	if !bytes.Equal(want[:], env.StateHash[:]) {
		return fmt.Errorf("replay: state hash mismatch at sequence %d", env.Sequence)
	}
	return nil
}

func (e *Engine) applyReplayed(env *event.Envelope, evt event.Event) error {
	switch v := evt.(type) {
	case *event.RegularFeesPaid:
		if err := e.collateral.Transfer(token.EscrowAccount, token.FeeStoreAccount, v.Amount); err != nil {
			return err
		}
		e.fees.CumulativeFeeMultiplier = v.Multiplier
		return nil

	case *event.FinalFeesPaid:
		if err := e.collateral.Transfer(v.Payer, token.FeeStoreAccount, v.Amount); err != nil {
			return err
		}
		e.fees.CumulativeFeeMultiplier = v.Multiplier
		return nil

	case *event.PositionCreated:
		if err := e.collateral.Transfer(v.Sponsor, token.EscrowAccount, v.Collateral); err != nil {
			return err
		}
		p := e.positions.Get(v.Sponsor)
		if p == nil {
			p = &state.Position{Sponsor: v.Sponsor}
			e.positions.Put(p)
		}
		if err := e.addCollateral(p, v.Collateral); err != nil {
			return err
		}
		var err error
		if p.TokensOutstanding, err = p.TokensOutstanding.Add(v.Tokens); err != nil {
			return err
		}
		if e.totalTokensOutstanding, err = e.totalTokensOutstanding.Add(v.Tokens); err != nil {
			return err
		}
		return e.synthetic.Mint(v.Sponsor, v.Tokens)

	case *event.CollateralDeposited:
		if err := e.collateral.Transfer(v.Payer, token.EscrowAccount, v.Amount); err != nil {
			return err
		}
		p := e.positions.Get(v.Sponsor)
		if p == nil {
			return fmt.Errorf("%w: %s", ErrPositionNotFound, v.Sponsor)
		}
		return e.addCollateral(p, v.Amount)

	case *event.CollateralWithdrawn:
		p := e.positions.Get(v.Sponsor)
		if p == nil {
			return fmt.Errorf("%w: %s", ErrPositionNotFound, v.Sponsor)
		}
		if err := e.debitRaw(p, v.RawCollateral); err != nil {
			return err
		}
		return e.collateral.Transfer(token.EscrowAccount, v.Sponsor, v.Amount)

	case *event.WithdrawalRequested:
		p := e.positions.Get(v.Sponsor)
		if p == nil {
			return fmt.Errorf("%w: %s", ErrPositionNotFound, v.Sponsor)
		}
		p.WithdrawalRequestPassTimestamp = v.PassTimestamp
		p.WithdrawalRequestAmount = v.Amount
		return nil

	case *event.WithdrawalExecuted:
		p := e.positions.Get(v.Sponsor)
		if p == nil {
			return fmt.Errorf("%w: %s", ErrPositionNotFound, v.Sponsor)
		}
		if err := e.debitRaw(p, v.RawCollateral); err != nil {
			return err
		}
		p.ClearWithdrawalRequest()
		if p.RawCollateral.IsZero() && p.TokensOutstanding.IsZero() {
			e.positions.Delete(p.Sponsor)
		}
		return e.collateral.Transfer(token.EscrowAccount, v.Sponsor, v.Amount)

	case *event.WithdrawalCancelled:
		p := e.positions.Get(v.Sponsor)
		if p == nil {
			return fmt.Errorf("%w: %s", ErrPositionNotFound, v.Sponsor)
		}
		p.ClearWithdrawalRequest()
		return nil

	case *event.TokensRedeemed:
		p := e.positions.Get(v.Sponsor)
		if p == nil {
			return fmt.Errorf("%w: %s", ErrPositionNotFound, v.Sponsor)
		}
		if err := e.debitRaw(p, v.RawCollateral); err != nil {
			return err
		}
		var err error
		if p.TokensOutstanding, err = p.TokensOutstanding.Sub(v.Tokens); err != nil {
			return err
		}
		if e.totalTokensOutstanding, err = e.totalTokensOutstanding.Sub(v.Tokens); err != nil {
			return err
		}
		if p.TokensOutstanding.IsZero() {
			e.positions.Delete(p.Sponsor)
		}
		if err := e.synthetic.Burn(v.Sponsor, v.Tokens); err != nil {
			return err
		}
		return e.collateral.Transfer(token.EscrowAccount, v.Sponsor, v.Collateral)

	case *event.PositionTransferred:
		p := e.positions.Get(v.OldSponsor)
		if p == nil {
			return fmt.Errorf("%w: %s", ErrPositionNotFound, v.OldSponsor)
		}
		e.positions.Delete(v.OldSponsor)
		p.Sponsor = v.NewSponsor
		e.positions.Put(p)
		return nil

	case *event.LiquidationCreated:
		return e.replayLiquidationCreated(env, v)

	case *event.LiquidationDisputed:
		liq := e.liquidations.Get(v.Sponsor, v.LiquidationID)
		if liq == nil {
			return fmt.Errorf("%w: %s/%d", ErrLiquidationNotFound, v.Sponsor, v.LiquidationID)
		}
		bondPlusFee, err := v.DisputeBond.Add(liq.FinalFeeBond)
		if err != nil {
			return err
		}
		if err := e.collateral.Transfer(v.Disputer, token.EscrowAccount, bondPlusFee); err != nil {
			return err
		}
		liq.Status = state.StatusPendingDispute
		liq.Disputer = v.Disputer
		liq.DisputeBond = v.DisputeBond
		liq.PriceRequestTime = v.PriceTime
		// Re-request the price: the in-memory oracle store did not
		// survive the crash and a still-pending dispute needs it.
		return e.prices.RequestPrice(e.params.PriceIdentifier, liq.PriceRequestTime)

	case *event.DisputeSettled:
		liq := e.liquidations.Get(v.Sponsor, v.LiquidationID)
		if liq == nil {
			return fmt.Errorf("%w: %s/%d", ErrLiquidationNotFound, v.Sponsor, v.LiquidationID)
		}
		if v.DisputeSucceeded {
			liq.Status = state.StatusDisputeSucceeded
		} else {
			liq.Status = state.StatusDisputeFailed
		}
		liq.Resolved = true
		liq.SettlementPrice = v.SettlementPrice
		return nil

	case *event.LiquidationWithdrawn:
		liq := e.liquidations.Get(v.Sponsor, v.LiquidationID)
		if liq == nil {
			return fmt.Errorf("%w: %s/%d", ErrLiquidationNotFound, v.Sponsor, v.LiquidationID)
		}
		if err := e.collateral.Transfer(token.EscrowAccount, v.Caller, v.Amount); err != nil {
			return err
		}
		switch v.Caller {
		case liq.Sponsor:
			liq.SponsorPaid = true
		case liq.Liquidator:
			liq.LiquidatorPaid = true
		case liq.Disputer:
			liq.DisputerPaid = true
		}
		if v.Deleted {
			e.liquidations.Delete(v.Sponsor, v.LiquidationID)
		}
		return nil

	case *event.ContractExpired:
		e.expired = true
		e.expiryPriceTime = v.PriceTime
		return e.prices.RequestPrice(e.params.PriceIdentifier, e.expiryPriceTime)

	case *event.ExpiredPositionSettled:
		e.expiryPrice = v.SettlementPrice
		e.expiryResolved = true
		if p := e.positions.Get(v.Caller); p != nil {
			var err error
			if e.totalTokensOutstanding, err = e.totalTokensOutstanding.Sub(p.TokensOutstanding); err != nil {
				return err
			}
			e.positions.Delete(v.Caller)
		}
		var err error
		if e.rawTotalCollateral, err = e.rawTotalCollateral.Sub(v.RawCollateral); err != nil {
			return err
		}
		if !v.TokensBurned.IsZero() {
			if err := e.synthetic.Burn(v.Caller, v.TokensBurned); err != nil {
				return err
			}
		}
		return e.collateral.Transfer(token.EscrowAccount, v.Caller, v.CollateralPaid)

	case *event.CollateralFunded:
		return e.collateral.Mint(v.Account, v.Amount)

	default:
		return fmt.Errorf("replay: unhandled event type %s", env.Type)
	}
}

func (e *Engine) replayLiquidationCreated(env *event.Envelope, v *event.LiquidationCreated) error {
	p := e.positions.Get(v.Sponsor)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, v.Sponsor)
	}
	ratio, err := v.TokensLiquidated.Div(p.TokensOutstanding)
	if err != nil {
		return err
	}

	if !v.FinalFeeBond.IsZero() {
		if err := e.collateral.Transfer(v.Liquidator, token.EscrowAccount, v.FinalFeeBond); err != nil {
			return err
		}
	}
	if err := e.synthetic.Burn(v.Liquidator, v.TokensLiquidated); err != nil {
		return err
	}

	if _, _, err := e.removeCollateral(p, v.LockedCollateral); err != nil {
		return err
	}
	if p.TokensOutstanding, err = p.TokensOutstanding.Sub(v.TokensLiquidated); err != nil {
		return err
	}
	if e.totalTokensOutstanding, err = e.totalTokensOutstanding.Sub(v.TokensLiquidated); err != nil {
		return err
	}
	if p.HasPendingWithdrawal() {
		remainingShare, err := fpmath.One().Sub(ratio)
		if err != nil {
			return err
		}
		if p.WithdrawalRequestAmount, err = p.WithdrawalRequestAmount.Mul(remainingShare); err != nil {
			return err
		}
	}
	if p.TokensOutstanding.IsZero() {
		// Flooring the raw debit can strand dust in the emptied
		// position; the residual leaves the pool total with it.
		if e.rawTotalCollateral, err = e.rawTotalCollateral.Sub(p.RawCollateral); err != nil {
			return err
		}
		e.positions.Delete(p.Sponsor)
	}

	liq := &state.Liquidation{
		Sponsor:              v.Sponsor,
		Liquidator:           v.Liquidator,
		Status:               state.StatusPreDispute,
		TokensLiquidated:     v.TokensLiquidated,
		LockedCollateral:     v.LockedCollateral,
		LiquidatedCollateral: v.LiquidatedCollateral,
		FinalFeeBond:         v.FinalFeeBond,
		CreatedAt:            env.Timestamp,
		LivenessExpiry:       v.ExpiresAt,
	}
	if id := e.liquidations.Append(liq); id != v.LiquidationID {
		return fmt.Errorf("replay: liquidation id drift for %s: assigned %d, logged %d", v.Sponsor, id, v.LiquidationID)
	}
	return nil
}

// debitRaw subtracts a logged raw collateral debit from a position and
// the pool total.
func (e *Engine) debitRaw(p *state.Position, rawDelta fpmath.Unsigned) error {
	var err error
	if p.RawCollateral, err = p.RawCollateral.Sub(rawDelta); err != nil {
		return fmt.Errorf("%w: position collateral", err)
	}
	if e.rawTotalCollateral, err = e.rawTotalCollateral.Sub(rawDelta); err != nil {
		return err
	}
	return nil
}
