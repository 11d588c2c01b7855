package core

import (
	"errors"
	"fmt"

	"SynthLedger/internal/event"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/token"
)

func (e *Engine) handleExpire(c *Expire) ([]event.Event, error) {
	if e.expired {
		return nil, ErrContractExpired
	}
	now := e.cmdTime
	if now.Before(e.params.ExpirationTimestamp) {
		return nil, fmt.Errorf("%w: expires at %s", ErrContractNotExpired, e.params.ExpirationTimestamp)
	}

	// No single party posts the oracle bond at expiry; the whole
	// pool pays it.
	var events []event.Event
	feeEvt, err := e.payFinalFeeFromPool(c.ID, now)
	if err != nil {
		return nil, err
	}
	if feeEvt != nil {
		events = append(events, feeEvt)
	}

	e.expired = true
	e.expiryPriceTime = e.params.ExpirationTimestamp
	if err := e.prices.RequestPrice(e.params.PriceIdentifier, e.expiryPriceTime); err != nil {
		return nil, err
	}

	return append(events, &event.ContractExpired{
		RequestID: c.ID,
		Caller:    c.Caller,
		PriceTime: e.expiryPriceTime,
		Timestamp: now,
	}), nil
}

func (e *Engine) handleSettleExpired(c *SettleExpired) ([]event.Event, error) {
	if !e.expired {
		return nil, ErrContractNotExpired
	}
	now := e.cmdTime

	if !e.expiryResolved {
		price, err := e.prices.GetPrice(e.params.PriceIdentifier, e.expiryPriceTime)
		if err != nil {
			if errors.Is(err, oracle.ErrPriceNotAvailable) {
				return nil, fmt.Errorf("%w: %v", ErrLiquidationNotSettleable, err)
			}
			return nil, err
		}
		e.expiryPrice = price
		e.expiryResolved = true
	}

	tokens := e.synthetic.BalanceOf(c.Caller)
	p := e.positions.Get(c.Caller)
	if tokens.IsZero() && p == nil {
		return nil, fmt.Errorf("%w: nothing to settle for %s", ErrInvalidParameter, c.Caller)
	}

	// Token holders redeem at the settlement price; a sponsor
	// additionally recovers collateral above its own token debt.
	payout, err := tokens.Mul(e.expiryPrice)
	if err != nil {
		return nil, err
	}
	if p != nil {
		positionCollateral, err := e.fees.EffectiveCollateral(p.RawCollateral)
		if err != nil {
			return nil, err
		}
		tokenDebt, err := p.TokensOutstanding.Mul(e.expiryPrice)
		if err != nil {
			return nil, err
		}
		if positionCollateral.GT(tokenDebt) {
			excess, err := positionCollateral.Sub(tokenDebt)
			if err != nil {
				return nil, err
			}
			if payout, err = payout.Add(excess); err != nil {
				return nil, err
			}
		}
		// The position's raw collateral stays in the pool; the
		// payout below draws it back out fee-adjusted.
		if e.totalTokensOutstanding, err = e.totalTokensOutstanding.Sub(p.TokensOutstanding); err != nil {
			return nil, err
		}
		e.positions.Delete(c.Caller)
	}

	// Cap at what the pool can actually pay, then debit raw units
	// with the payout's fee adjustment. The fee-adjusted amount
	// released is what the caller receives; truncation keeps dust in
	// the pool rather than overpaying.
	poolEffective, err := e.fees.EffectiveCollateral(e.rawTotalCollateral)
	if err != nil {
		return nil, err
	}
	payout = payout.Min(poolEffective)
	rawDelta, err := e.fees.RawUnits(payout)
	if err != nil {
		return nil, err
	}
	paid, err := e.fees.EffectiveCollateral(rawDelta)
	if err != nil {
		return nil, err
	}
	if e.rawTotalCollateral, err = e.rawTotalCollateral.Sub(rawDelta); err != nil {
		return nil, err
	}

	if !tokens.IsZero() {
		if err := e.synthetic.Burn(c.Caller, tokens); err != nil {
			return nil, err
		}
	}
	if err := e.collateral.Transfer(token.EscrowAccount, c.Caller, paid); err != nil {
		return nil, err
	}

	return []event.Event{&event.ExpiredPositionSettled{
		RequestID:       c.ID,
		Caller:          c.Caller,
		TokensBurned:    tokens,
		CollateralPaid:  paid,
		RawCollateral:   rawDelta,
		SettlementPrice: e.expiryPrice,
		Timestamp:       now,
	}}, nil
}
