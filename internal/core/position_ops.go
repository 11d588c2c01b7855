package core

import (
	"fmt"

	"SynthLedger/internal/event"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/state"
	"SynthLedger/internal/token"
)

func (e *Engine) requireNotExpired() error {
	if e.expired {
		return ErrContractExpired
	}
	return nil
}

// requireNoPendingWithdrawal guards the operations a slow withdrawal
// blocks. Liquidation against the position stays allowed.
func requireNoPendingWithdrawal(p *state.Position) error {
	if p != nil && p.HasPendingWithdrawal() {
		return fmt.Errorf("%w: sponsor %s", ErrPendingWithdrawal, p.Sponsor)
	}
	return nil
}

func (e *Engine) handleCreatePosition(c *CreatePosition) ([]event.Event, error) {
	if err := e.requireNotExpired(); err != nil {
		return nil, err
	}
	if c.Tokens.IsZero() {
		return nil, fmt.Errorf("%w: token amount must be positive", ErrInvalidParameter)
	}
	p := e.positions.Get(c.Caller)
	// A sponsor with collateral already posted may mint against it;
	// only a fresh position must bring collateral in.
	if c.Collateral.IsZero() && (p == nil || p.RawCollateral.IsZero()) {
		return nil, fmt.Errorf("%w: collateral must be positive for a new position", ErrInvalidParameter)
	}
	if err := requireNoPendingWithdrawal(p); err != nil {
		return nil, err
	}

	now := e.cmdTime

	// Admission: the resulting position must not dilute the global
	// collateralization ratio, unless the whole system stays above
	// the collateral requirement anyway.
	preGCR, err := e.gcrLocked()
	if err != nil {
		return nil, err
	}
	var curEffective, curTokens fpmath.Unsigned
	if p != nil {
		if curEffective, err = e.fees.EffectiveCollateral(p.RawCollateral); err != nil {
			return nil, err
		}
		curTokens = p.TokensOutstanding
	}
	newEffective, err := curEffective.Add(c.Collateral)
	if err != nil {
		return nil, err
	}
	newTokens, err := curTokens.Add(c.Tokens)
	if err != nil {
		return nil, err
	}
	if p == nil && newTokens.LT(e.params.MinSponsorTokens) {
		return nil, fmt.Errorf("%w: %s below minimum sponsor tokens %s", ErrInvalidParameter, newTokens, e.params.MinSponsorTokens)
	}
	positionCR, err := newEffective.Div(newTokens)
	if err != nil {
		return nil, err
	}
	if positionCR.LT(preGCR) {
		globalOK, err := e.resultingGlobalAboveRequirement(c.Collateral, c.Tokens)
		if err != nil {
			return nil, err
		}
		if !globalOK {
			return nil, fmt.Errorf("%w: position ratio %s below global ratio %s", ErrInsufficientCollateralization, positionCR, preGCR)
		}
	}

	if err := e.collateral.Transfer(c.Caller, token.EscrowAccount, c.Collateral); err != nil {
		return nil, err
	}
	if p == nil {
		p = &state.Position{Sponsor: c.Caller}
		e.positions.Put(p)
	}
	if err := e.addCollateral(p, c.Collateral); err != nil {
		return nil, err
	}
	if p.TokensOutstanding, err = p.TokensOutstanding.Add(c.Tokens); err != nil {
		return nil, err
	}
	if e.totalTokensOutstanding, err = e.totalTokensOutstanding.Add(c.Tokens); err != nil {
		return nil, err
	}
	if err := e.synthetic.Mint(c.Caller, c.Tokens); err != nil {
		return nil, err
	}

	return []event.Event{&event.PositionCreated{
		RequestID:  c.ID,
		Sponsor:    c.Caller,
		Collateral: c.Collateral,
		Tokens:     c.Tokens,
		Timestamp:  now,
	}}, nil
}

// resultingGlobalAboveRequirement checks whether the pool ratio after
// adding (collateral, tokens) clears the collateral requirement.
func (e *Engine) resultingGlobalAboveRequirement(addCollateral, addTokens fpmath.Unsigned) (bool, error) {
	eff, err := e.fees.EffectiveCollateral(e.rawTotalCollateral)
	if err != nil {
		return false, err
	}
	if eff, err = eff.Add(addCollateral); err != nil {
		return false, err
	}
	tokens, err := e.totalTokensOutstanding.Add(addTokens)
	if err != nil {
		return false, err
	}
	if tokens.IsZero() {
		return true, nil
	}
	ratio, err := eff.Div(tokens)
	if err != nil {
		return false, err
	}
	return ratio.GTE(e.params.CollateralRequirement), nil
}

func (e *Engine) handleDeposit(c *Deposit) ([]event.Event, error) {
	if err := e.requireNotExpired(); err != nil {
		return nil, err
	}
	if c.Amount.IsZero() {
		return nil, fmt.Errorf("%w: deposit amount must be positive", ErrInvalidParameter)
	}
	sponsor := c.Sponsor
	if sponsor == "" {
		sponsor = c.Caller
	}
	p := e.positions.Get(sponsor)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, sponsor)
	}
	if err := requireNoPendingWithdrawal(p); err != nil {
		return nil, err
	}

	now := e.cmdTime
	if err := e.collateral.Transfer(c.Caller, token.EscrowAccount, c.Amount); err != nil {
		return nil, err
	}
	if err := e.addCollateral(p, c.Amount); err != nil {
		return nil, err
	}

	return []event.Event{&event.CollateralDeposited{
		RequestID: c.ID,
		Payer:     c.Caller,
		Sponsor:   sponsor,
		Amount:    c.Amount,
		Timestamp: now,
	}}, nil
}

func (e *Engine) handleWithdraw(c *Withdraw) ([]event.Event, error) {
	if err := e.requireNotExpired(); err != nil {
		return nil, err
	}
	if c.Amount.IsZero() {
		return nil, fmt.Errorf("%w: withdrawal amount must be positive", ErrInvalidParameter)
	}
	p := e.positions.Get(c.Caller)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, c.Caller)
	}
	if err := requireNoPendingWithdrawal(p); err != nil {
		return nil, err
	}

	now := e.cmdTime

	// The fast path may not take the position, nor the pool, below
	// the collateral requirement.
	effective, err := e.fees.EffectiveCollateral(p.RawCollateral)
	if err != nil {
		return nil, err
	}
	remaining, err := effective.Sub(c.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: withdrawal exceeds collateral %s", ErrInvalidParameter, effective)
	}
	positionCR, err := remaining.Div(p.TokensOutstanding)
	if err != nil {
		return nil, err
	}
	if positionCR.LT(e.params.CollateralRequirement) {
		return nil, fmt.Errorf("%w: resulting position ratio %s", ErrInsufficientCollateralization, positionCR)
	}
	globalOK, err := e.globalAfterRemovalAboveRequirement(c.Amount)
	if err != nil {
		return nil, err
	}
	if !globalOK {
		return nil, fmt.Errorf("%w: resulting global ratio below requirement", ErrInsufficientCollateralization)
	}

	released, rawDebit, err := e.removeCollateral(p, c.Amount)
	if err != nil {
		return nil, err
	}
	if err := e.collateral.Transfer(token.EscrowAccount, c.Caller, released); err != nil {
		return nil, err
	}

	return []event.Event{&event.CollateralWithdrawn{
		RequestID:     c.ID,
		Sponsor:       c.Caller,
		Amount:        released,
		RawCollateral: rawDebit,
		Timestamp:     now,
	}}, nil
}

func (e *Engine) globalAfterRemovalAboveRequirement(remove fpmath.Unsigned) (bool, error) {
	eff, err := e.fees.EffectiveCollateral(e.rawTotalCollateral)
	if err != nil {
		return false, err
	}
	if eff, err = eff.Sub(remove); err != nil {
		return false, err
	}
	if e.totalTokensOutstanding.IsZero() {
		return true, nil
	}
	ratio, err := eff.Div(e.totalTokensOutstanding)
	if err != nil {
		return false, err
	}
	return ratio.GTE(e.params.CollateralRequirement), nil
}

func (e *Engine) handleRequestWithdrawal(c *RequestWithdrawal) ([]event.Event, error) {
	if err := e.requireNotExpired(); err != nil {
		return nil, err
	}
	p := e.positions.Get(c.Caller)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, c.Caller)
	}
	if err := requireNoPendingWithdrawal(p); err != nil {
		return nil, err
	}

	now := e.cmdTime
	effective, err := e.fees.EffectiveCollateral(p.RawCollateral)
	if err != nil {
		return nil, err
	}
	if c.Amount.IsZero() || c.Amount.GT(effective) {
		return nil, fmt.Errorf("%w: request %s outside (0, %s]", ErrInvalidParameter, c.Amount, effective)
	}

	p.WithdrawalRequestPassTimestamp = now.Add(e.params.WithdrawalLiveness)
	p.WithdrawalRequestAmount = c.Amount

	return []event.Event{&event.WithdrawalRequested{
		RequestID:     c.ID,
		Sponsor:       c.Caller,
		Amount:        c.Amount,
		PassTimestamp: p.WithdrawalRequestPassTimestamp,
		Timestamp:     now,
	}}, nil
}

func (e *Engine) handleWithdrawPassedRequest(c *WithdrawPassedRequest) ([]event.Event, error) {
	p := e.positions.Get(c.Caller)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, c.Caller)
	}
	if !p.HasPendingWithdrawal() {
		return nil, fmt.Errorf("%w: %s", ErrNoPendingWithdrawal, c.Caller)
	}
	now := e.cmdTime
	if now.Before(p.WithdrawalRequestPassTimestamp) {
		return nil, fmt.Errorf("%w: passes at %s", ErrWithdrawalLivenessActive, p.WithdrawalRequestPassTimestamp)
	}

	// Fees or a liquidation may have shrunk the position below the
	// requested amount; pay out what remains.
	effective, err := e.fees.EffectiveCollateral(p.RawCollateral)
	if err != nil {
		return nil, err
	}
	amount := p.WithdrawalRequestAmount.Min(effective)
	released, rawDebit, err := e.removeCollateral(p, amount)
	if err != nil {
		return nil, err
	}
	p.ClearWithdrawalRequest()
	if p.RawCollateral.IsZero() && p.TokensOutstanding.IsZero() {
		e.positions.Delete(p.Sponsor)
	}
	if err := e.collateral.Transfer(token.EscrowAccount, c.Caller, released); err != nil {
		return nil, err
	}

	return []event.Event{&event.WithdrawalExecuted{
		RequestID:     c.ID,
		Sponsor:       c.Caller,
		Amount:        released,
		RawCollateral: rawDebit,
		Timestamp:     now,
	}}, nil
}

func (e *Engine) handleCancelWithdrawal(c *CancelWithdrawal) ([]event.Event, error) {
	p := e.positions.Get(c.Caller)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, c.Caller)
	}
	if !p.HasPendingWithdrawal() {
		return nil, fmt.Errorf("%w: %s", ErrNoPendingWithdrawal, c.Caller)
	}
	now := e.cmdTime
	cancelled := p.WithdrawalRequestAmount
	p.ClearWithdrawalRequest()

	return []event.Event{&event.WithdrawalCancelled{
		RequestID: c.ID,
		Sponsor:   c.Caller,
		Amount:    cancelled,
		Timestamp: now,
	}}, nil
}

func (e *Engine) handleRedeem(c *Redeem) ([]event.Event, error) {
	if err := e.requireNotExpired(); err != nil {
		return nil, err
	}
	p := e.positions.Get(c.Caller)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, c.Caller)
	}
	if err := requireNoPendingWithdrawal(p); err != nil {
		return nil, err
	}
	if c.Tokens.IsZero() || c.Tokens.GT(p.TokensOutstanding) {
		return nil, fmt.Errorf("%w: redeem %s outside (0, %s]", ErrInvalidParameter, c.Tokens, p.TokensOutstanding)
	}

	now := e.cmdTime
	var released, rawDebit fpmath.Unsigned
	var err error
	if c.Tokens.Equal(p.TokensOutstanding) {
		// Full redemption pays the entire effective balance.
		rawDebit = p.RawCollateral
		released, err = e.removePositionEntirely(p)
		if err != nil {
			return nil, err
		}
	} else {
		remaining, err := p.TokensOutstanding.Sub(c.Tokens)
		if err != nil {
			return nil, err
		}
		if remaining.LT(e.params.MinSponsorTokens) {
			return nil, fmt.Errorf("%w: remaining tokens %s below minimum %s", ErrInvalidParameter, remaining, e.params.MinSponsorTokens)
		}
		ratio, err := c.Tokens.Div(p.TokensOutstanding)
		if err != nil {
			return nil, err
		}
		effective, err := e.fees.EffectiveCollateral(p.RawCollateral)
		if err != nil {
			return nil, err
		}
		share, err := effective.Mul(ratio)
		if err != nil {
			return nil, err
		}
		released, rawDebit, err = e.removeCollateral(p, share)
		if err != nil {
			return nil, err
		}
		p.TokensOutstanding = remaining
		if e.totalTokensOutstanding, err = e.totalTokensOutstanding.Sub(c.Tokens); err != nil {
			return nil, err
		}
	}

	if err := e.synthetic.Burn(c.Caller, c.Tokens); err != nil {
		return nil, err
	}
	if err := e.collateral.Transfer(token.EscrowAccount, c.Caller, released); err != nil {
		return nil, err
	}

	return []event.Event{&event.TokensRedeemed{
		RequestID:     c.ID,
		Sponsor:       c.Caller,
		Tokens:        c.Tokens,
		Collateral:    released,
		RawCollateral: rawDebit,
		Timestamp:     now,
	}}, nil
}

func (e *Engine) handleTransferPosition(c *TransferPosition) ([]event.Event, error) {
	if err := e.requireNotExpired(); err != nil {
		return nil, err
	}
	if c.NewSponsor == "" || c.NewSponsor == c.Caller {
		return nil, fmt.Errorf("%w: bad transfer target", ErrInvalidParameter)
	}
	p := e.positions.Get(c.Caller)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, c.Caller)
	}
	if err := requireNoPendingWithdrawal(p); err != nil {
		return nil, err
	}
	if e.positions.Get(c.NewSponsor) != nil {
		return nil, fmt.Errorf("%w: %s", ErrPositionExists, c.NewSponsor)
	}

	now := e.cmdTime
	e.positions.Delete(c.Caller)
	p.Sponsor = c.NewSponsor
	e.positions.Put(p)

	return []event.Event{&event.PositionTransferred{
		RequestID:  c.ID,
		OldSponsor: c.Caller,
		NewSponsor: c.NewSponsor,
		Timestamp:  now,
	}}, nil
}

// handlePayRegularFees is a no-op: the pipeline settles fees before
// every command, so the command exists purely to drive accrual.
func (e *Engine) handlePayRegularFees(c *PayRegularFees) ([]event.Event, error) {
	return nil, nil
}

// handleFundCollateral credits external collateral to an account.
// This is the deposit edge of the ledger; production deployments gate
// the command subject to the treasury operator.
func (e *Engine) handleFundCollateral(c *FundCollateral) ([]event.Event, error) {
	if c.Amount.IsZero() {
		return nil, fmt.Errorf("%w: funding amount must be positive", ErrInvalidParameter)
	}
	account := c.Account
	if account == "" {
		account = c.Caller
	}
	now := e.cmdTime
	if err := e.collateral.Mint(account, c.Amount); err != nil {
		return nil, err
	}
	return []event.Event{&event.CollateralFunded{
		RequestID: c.ID,
		Account:   account,
		Amount:    c.Amount,
		Timestamp: now,
	}}, nil
}
