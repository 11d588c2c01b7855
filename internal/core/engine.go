package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"SynthLedger/internal/clock"
	"SynthLedger/internal/event"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/observability"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/state"
	"SynthLedger/internal/token"

	"github.com/google/uuid"
)

// Engine is the accounting and liquidation engine for one contract
// instance. A single mutex serializes every mutating operation end to
// end, so each command observes and produces a consistent state.
type Engine struct {
	mu sync.Mutex

	params     Params
	clk        clock.Clock
	prices     oracle.Adapter
	collateral *token.Store
	synthetic  *token.Store

	positions    *state.PositionBook
	liquidations *state.LiquidationBook
	fees         *state.FeeState

	// Totals track the sum across all positions. Collateral locked
	// in liquidations is excluded from rawTotalCollateral, so fees
	// accrue only on position collateral.
	rawTotalCollateral     fpmath.Unsigned
	totalTokensOutstanding fpmath.Unsigned

	expired         bool
	expiryPriceTime time.Time
	expiryPrice     fpmath.Unsigned
	expiryResolved  bool

	// cmdTime is the timestamp of the command currently being
	// processed. ProcessCommand reads the clock once; handlers and
	// emitted envelopes share that reading.
	cmdTime time.Time

	sequence          uint64
	hasher            *StateHasher
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output
}

// Output pairs an envelope with its decoded payload for downstream
// consumers.
type Output struct {
	Envelope *event.Envelope
	Payload  event.Event
}

func NewEngine(
	params Params,
	clk clock.Clock,
	prices oracle.Adapter,
	collateral, synthetic *token.Store,
	persistChan, projectionChan chan<- Output,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		params:            params,
		clk:               clk,
		prices:            prices,
		collateral:        collateral,
		synthetic:         synthetic,
		positions:         state.NewPositionBook(),
		liquidations:      state.NewLiquidationBook(),
		fees:              state.NewFeeState(clk.Now()),
		hasher:            NewStateHasher(params.InstanceID),
		idempotency:       NewIdempotencyChecker(100_000, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}, nil
}

// ProcessCommand is the main processing pipeline. Exactly one
// goroutine at a time runs it per engine.
func (e *Engine) ProcessCommand(cmd Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	cmdType := cmd.CommandType().String()
	idempotencyKey := cmd.RequestID().String()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := e.idempotency.IsDuplicate(cmdType, idempotencyKey)

	// Step 2: Sequence validation
	if err := e.sequenceValidator.ValidateSequence(e.params.InstanceID, cmd.SourceSequence(), isDuplicate); err != nil {
		return fmt.Errorf("sequence validation failed: %w", err)
	}
	if isDuplicate {
		if e.metrics != nil {
			e.metrics.CommandsRejected.WithLabelValues(cmdType, "duplicate").Inc()
		}
		return nil
	}

	e.cmdTime = e.clk.Now()

	// Step 3: Settle regular fees. This runs before dispatch so every
	// handler reads fee-settled state, and its event is emitted even
	// when the command is later rejected: the fee mutation happened
	// and the log must say so.
	var events []event.Event
	feeEvt, err := e.payRegularFees(cmd.RequestID(), e.cmdTime)
	if err != nil {
		if e.metrics != nil {
			e.metrics.CommandsRejected.WithLabelValues(cmdType, "rejected").Inc()
		}
		return err
	}
	if feeEvt != nil {
		events = append(events, feeEvt)
	}

	// Step 4: Dispatch
	cmdEvents, err := e.dispatch(cmd)
	if err != nil {
		e.emit(events, cmd.SourceSequence())
		if e.metrics != nil {
			e.metrics.CommandsRejected.WithLabelValues(cmdType, "rejected").Inc()
		}
		return err
	}
	events = append(events, cmdEvents...)

	// Step 5: Post-checks. A violation here means state corruption,
	// not a bad command.
	if err := e.collateral.ValidateConservation(); err != nil {
		panic(fmt.Sprintf("FATAL: collateral conservation violated: %v", err))
	}
	if err := e.synthetic.ValidateConservation(); err != nil {
		panic(fmt.Sprintf("FATAL: synthetic conservation violated: %v", err))
	}

	// Step 6: Envelope, hash chain, emit
	e.emit(events, cmd.SourceSequence())

	// Step 7: Mark processed
	e.idempotency.MarkProcessed(cmdType, idempotencyKey)

	if e.metrics != nil {
		e.metrics.CommandsApplied.WithLabelValues(cmdType).Inc()
		e.metrics.CommandDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
		e.metrics.FeeMultiplier.Set(observability.GaugeValue(e.fees.CumulativeFeeMultiplier.String()))
		e.metrics.CollateralPool.Set(observability.GaugeValue(e.rawTotalCollateral.String()))
		e.metrics.TokensOutstanding.Set(observability.GaugeValue(e.totalTokensOutstanding.String()))
		e.metrics.LiquidationsActive.Set(float64(len(e.liquidations.All())))
	}
	return nil
}

// emit wraps each event in an envelope, extends the hash chain, and
// hands it to the persistence and projection channels. Called with the
// engine mutex held.
func (e *Engine) emit(events []event.Event, sourceSeq int64) {
	for _, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			panic(fmt.Sprintf("FATAL: marshal %s: %v", evt.Type(), err))
		}
		prevHash := e.hasher.PrevHash()
		stateHash := e.hasher.ComputeHash(e.sequence, e.stateDigest())

		envelope := &event.Envelope{
			EventID:        uuid.New(),
			InstanceID:     e.params.InstanceID,
			Sequence:       e.sequence,
			IdempotencyKey: evt.IdempotencyKey(),
			Type:           evt.Type(),
			Timestamp:      e.cmdTime,
			SourceSequence: sourceSeq,
			Payload:        payload,
			StateHash:      stateHash,
			PrevHash:       prevHash,
		}
		e.sequence++

		out := Output{Envelope: envelope, Payload: evt}

		// Persistence: blocking send. The engine stalls until the
		// persistence worker drains; no event may be lost.
		e.persistChan <- out

		// Projections: non-blocking send, drop on full. Projection
		// workers rebuild from the event log if they fall behind.
		select {
		case e.projectionChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDropped.Inc()
			}
		}
	}
}

func (e *Engine) dispatch(cmd Command) ([]event.Event, error) {
	switch c := cmd.(type) {
	case *CreatePosition:
		return e.handleCreatePosition(c)
	case *Deposit:
		return e.handleDeposit(c)
	case *Withdraw:
		return e.handleWithdraw(c)
	case *RequestWithdrawal:
		return e.handleRequestWithdrawal(c)
	case *WithdrawPassedRequest:
		return e.handleWithdrawPassedRequest(c)
	case *CancelWithdrawal:
		return e.handleCancelWithdrawal(c)
	case *Redeem:
		return e.handleRedeem(c)
	case *TransferPosition:
		return e.handleTransferPosition(c)
	case *CreateLiquidation:
		return e.handleCreateLiquidation(c)
	case *DisputeLiquidation:
		return e.handleDisputeLiquidation(c)
	case *WithdrawLiquidation:
		return e.handleWithdrawLiquidation(c)
	case *PayRegularFees:
		return e.handlePayRegularFees(c)
	case *Expire:
		return e.handleExpire(c)
	case *SettleExpired:
		return e.handleSettleExpired(c)
	case *FundCollateral:
		return e.handleFundCollateral(c)
	default:
		return nil, fmt.Errorf("%w: unknown command %T", ErrInvalidParameter, cmd)
	}
}

// stateDigest serializes the full engine state deterministically.
func (e *Engine) stateDigest() []byte {
	buf := make([]byte, 0, 1024)
	buf = append(buf, e.fees.CanonicalBytes()...)
	raw32 := e.rawTotalCollateral.Raw().Bytes32()
	buf = append(buf, raw32[:]...)
	tok32 := e.totalTokensOutstanding.Raw().Bytes32()
	buf = append(buf, tok32[:]...)
	if e.expired {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, e.positions.CanonicalBytes()...)
	buf = append(buf, e.liquidations.CanonicalBytes()...)
	return buf
}

// ============================================================================
// Read-side accessors
// ============================================================================

// PositionView is a caller-facing snapshot of a position with the
// fee adjustment already applied.
type PositionView struct {
	Sponsor             string          `json:"sponsor"`
	Collateral          fpmath.Unsigned `json:"collateral"`
	TokensOutstanding   fpmath.Unsigned `json:"tokens_outstanding"`
	WithdrawalRequested fpmath.Unsigned `json:"withdrawal_requested"`
	WithdrawalPassTime  *time.Time      `json:"withdrawal_pass_time,omitempty"`
}

// GetPosition returns the fee-adjusted view of sponsor's position.
func (e *Engine) GetPosition(sponsor string) (PositionView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.positions.Get(sponsor)
	if p == nil {
		return PositionView{}, fmt.Errorf("%w: %s", ErrPositionNotFound, sponsor)
	}
	eff, err := e.fees.EffectiveCollateral(p.RawCollateral)
	if err != nil {
		return PositionView{}, err
	}
	v := PositionView{
		Sponsor:             sponsor,
		Collateral:          eff,
		TokensOutstanding:   p.TokensOutstanding,
		WithdrawalRequested: p.WithdrawalRequestAmount,
	}
	if p.HasPendingWithdrawal() {
		t := p.WithdrawalRequestPassTimestamp
		v.WithdrawalPassTime = &t
	}
	return v, nil
}

// GetLiquidations returns sponsor's active liquidations.
func (e *Engine) GetLiquidations(sponsor string) []state.Liquidation {
	e.mu.Lock()
	defer e.mu.Unlock()

	liqs := e.liquidations.BySponsor(sponsor)
	out := make([]state.Liquidation, len(liqs))
	for i, l := range liqs {
		out[i] = *l
	}
	return out
}

// FeeView reports the global fee accounting.
type FeeView struct {
	CumulativeFeeMultiplier fpmath.Unsigned `json:"cumulative_fee_multiplier"`
	LastPaymentTime         time.Time       `json:"last_payment_time"`
	TotalCollateral         fpmath.Unsigned `json:"total_collateral"`
	TotalTokensOutstanding  fpmath.Unsigned `json:"total_tokens_outstanding"`
}

func (e *Engine) GetFeeState() (FeeView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	eff, err := e.fees.EffectiveCollateral(e.rawTotalCollateral)
	if err != nil {
		return FeeView{}, err
	}
	return FeeView{
		CumulativeFeeMultiplier: e.fees.CumulativeFeeMultiplier,
		LastPaymentTime:         e.fees.LastPaymentTime,
		TotalCollateral:         eff,
		TotalTokensOutstanding:  e.totalTokensOutstanding,
	}, nil
}

// GlobalCollateralizationRatio is effective pool collateral per
// outstanding token, zero when no tokens are outstanding.
func (e *Engine) GlobalCollateralizationRatio() (fpmath.Unsigned, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gcrLocked()
}

func (e *Engine) gcrLocked() (fpmath.Unsigned, error) {
	if e.totalTokensOutstanding.IsZero() {
		return fpmath.Zero(), nil
	}
	eff, err := e.fees.EffectiveCollateral(e.rawTotalCollateral)
	if err != nil {
		return fpmath.Unsigned{}, err
	}
	return eff.Div(e.totalTokensOutstanding)
}

// Sponsors returns all sponsors with open positions or active
// liquidations, sorted and deduplicated.
func (e *Engine) Sponsors() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for _, s := range e.positions.Sponsors() {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, l := range e.liquidations.All() {
		if _, ok := seen[l.Sponsor]; !ok {
			seen[l.Sponsor] = struct{}{}
			out = append(out, l.Sponsor)
		}
	}
	sort.Strings(out)
	return out
}

// Sequence returns the next event sequence (events emitted so far).
func (e *Engine) Sequence() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// RestoreSequences primes the sequence validator and event sequence
// after crash recovery.
func (e *Engine) RestoreSequences(eventSeq uint64, sourceSeq int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sequence = eventSeq
	e.sequenceValidator.SetExpectedSequence(e.params.InstanceID, sourceSeq)
}
