package core_test

import (
	"errors"
	"testing"
	"time"

	"SynthLedger/internal/core"
	"SynthLedger/internal/event"
)

// ============================================================================
// Test: Collateral Funding
// ============================================================================

func TestFundCollateral_MintsToAccount(t *testing.T) {
	h := newHarness(t, nil)

	h.apply(&core.FundCollateral{Meta: h.meta("treasury"), Account: "alice", Amount: fp("200")})
	assertEqual(t, "alice balance", h.balance("alice"), fp("200"))

	outputs := drainOutputs(h.persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	evt, ok := outputs[0].Payload.(*event.CollateralFunded)
	if !ok {
		t.Fatalf("expected *event.CollateralFunded, got %T", outputs[0].Payload)
	}
	if evt.Account != "alice" {
		t.Errorf("expected account alice, got %s", evt.Account)
	}

	// Account defaults to the caller.
	h.apply(&core.FundCollateral{Meta: h.meta("bob"), Amount: fp("10")})
	assertEqual(t, "bob balance", h.balance("bob"), fp("10"))

	h.applyWantErr(&core.FundCollateral{Meta: h.meta("treasury"), Account: "alice"},
		core.ErrInvalidParameter)
}

// ============================================================================
// Test: Snapshot Restore
// ============================================================================

// restore builds a second engine from the first one's snapshot, with
// fresh stores and the clock aligned.
func restore(t *testing.T, h *harness, mutate func(*core.Params)) *harness {
	t.Helper()
	r := newHarness(t, mutate)
	r.clk.Set(h.clk.Now())
	r.seq = h.seq
	if err := r.eng.RestoreFromSnapshot(h.eng.CreateSnapshotState()); err != nil {
		t.Fatalf("RestoreFromSnapshot: %v", err)
	}
	return r
}

func TestSnapshot_RestoreReproducesState(t *testing.T) {
	mutate := func(p *core.Params) { p.RegularFeeRate = fp("0.001") }
	h := newHarness(t, mutate)
	h.openPosition("alice", "150", "100")
	h.apply(&core.RequestWithdrawal{Meta: h.meta("alice"), Amount: fp("20")})
	h.mintSynthetic("liq", fp("30"))
	h.mintCollateral("liq", fp("1"))
	h.clk.Advance(10 * time.Second)
	h.apply(&core.CreateLiquidation{
		Meta:      h.meta("liq"),
		Sponsor:   "alice",
		MinPrice:  fp("0.5"),
		MaxPrice:  fp("2"),
		MaxTokens: fp("30"),
		Deadline:  h.clk.Now().Add(time.Hour),
	})

	r := restore(t, h, mutate)

	if h.eng.StateHashTip() != r.eng.StateHashTip() {
		t.Fatal("state hash tip differs after restore")
	}
	if h.eng.Sequence() != r.eng.Sequence() {
		t.Fatalf("event sequence differs: %d vs %d", h.eng.Sequence(), r.eng.Sequence())
	}

	v, err := r.eng.GetPosition("alice")
	if err != nil {
		t.Fatalf("GetPosition after restore: %v", err)
	}
	assertEqual(t, "restored pending withdrawal", v.WithdrawalRequested, fp("14"))
	if got := len(r.eng.GetLiquidations("alice")); got != 1 {
		t.Fatalf("expected 1 restored liquidation, got %d", got)
	}

	// The same next command must extend both hash chains identically.
	h.clk.Advance(time.Second)
	r.clk.Advance(time.Second)
	feeCmd := &core.PayRegularFees{Meta: h.meta("keeper")}
	if err := h.eng.ProcessCommand(feeCmd); err != nil {
		t.Fatalf("ProcessCommand on original: %v", err)
	}
	if err := r.eng.ProcessCommand(feeCmd); err != nil {
		t.Fatalf("ProcessCommand on restored: %v", err)
	}
	if h.eng.StateHashTip() != r.eng.StateHashTip() {
		t.Fatal("hash chains diverged after the first post-restore command")
	}
}

func TestSnapshot_RestoreWarmsIdempotency(t *testing.T) {
	h := newHarness(t, nil)
	h.mintCollateral("alice", fp("150"))
	cmd := &core.CreatePosition{Meta: h.meta("alice"), Collateral: fp("150"), Tokens: fp("100")}
	h.apply(cmd)

	r := restore(t, h, nil)

	// Redelivery of a pre-snapshot command is absorbed silently.
	if err := r.eng.ProcessCommand(cmd); err != nil {
		t.Fatalf("redelivery after restore should be a no-op, got %v", err)
	}
	if got := len(drainOutputs(r.persistCh)); got != 0 {
		t.Errorf("expected no outputs on redelivery, got %d", got)
	}
	if got := r.eng.Sequence(); got != 1 {
		t.Errorf("expected event sequence 1, got %d", got)
	}
}

func TestSnapshot_LiquidationIDsSurviveRestore(t *testing.T) {
	h := disputeHarness(t)
	h.clk.Advance(2 * time.Hour)
	h.apply(&core.WithdrawLiquidation{Meta: h.meta("liq"), Sponsor: "alice", LiquidationID: 0})

	// The id 0 slot is burned even though the record is deleted.
	r := restore(t, h, func(p *core.Params) { p.FinalFee = fp("1") })

	r.mintCollateral("alice", fp("150"))
	r.apply(&core.CreatePosition{Meta: r.meta("alice"), Collateral: fp("150"), Tokens: fp("100")})
	r.mintSynthetic("liq2", fp("100"))
	r.mintCollateral("liq2", fp("1"))
	r.apply(&core.CreateLiquidation{
		Meta:      r.meta("liq2"),
		Sponsor:   "alice",
		MinPrice:  fp("1"),
		MaxPrice:  fp("2"),
		MaxTokens: fp("100"),
		Deadline:  r.clk.Now().Add(time.Hour),
	})

	liqs := r.eng.GetLiquidations("alice")
	if len(liqs) != 1 || liqs[0].ID != 1 {
		t.Fatalf("expected liquidation id 1 after restore, got %+v", liqs)
	}
}

// ============================================================================
// Test: Event Replay
// ============================================================================

// replayInto feeds every persisted output from h into a fresh engine
// and returns it with the clock aligned. All collateral in h must have
// entered through FundCollateral for the event log to be complete.
func replayInto(t *testing.T, h *harness, mutate func(*core.Params)) (*harness, *event.Envelope) {
	t.Helper()
	r := newHarness(t, mutate)
	r.clk.Set(h.clk.Now())
	r.seq = h.seq

	var last *event.Envelope
	for _, out := range drainOutputs(h.persistCh) {
		if err := r.eng.ReplayEvent(out.Envelope, out.Payload); err != nil {
			t.Fatalf("ReplayEvent(seq=%d, %s): %v", out.Envelope.Sequence, out.Envelope.Type, err)
		}
		last = out.Envelope
	}
	return r, last
}

func TestReplay_RebuildsPositionLifecycle(t *testing.T) {
	mutate := func(p *core.Params) {
		p.RegularFeeRate = fp("0.001")
		p.WithdrawalLiveness = 5 * time.Second
	}
	h := newHarness(t, mutate)

	h.apply(&core.FundCollateral{Meta: h.meta("treasury"), Account: "alice", Amount: fp("200")})
	h.apply(&core.CreatePosition{Meta: h.meta("alice"), Collateral: fp("150"), Tokens: fp("100")})
	h.clk.Advance(2 * time.Second)
	h.apply(&core.Deposit{Meta: h.meta("alice"), Amount: fp("30")})
	h.apply(&core.RequestWithdrawal{Meta: h.meta("alice"), Amount: fp("20")})
	h.clk.Advance(5 * time.Second)
	h.apply(&core.WithdrawPassedRequest{Meta: h.meta("alice")})
	h.apply(&core.Redeem{Meta: h.meta("alice"), Tokens: fp("40")})

	r, last := replayInto(t, h, mutate)

	if last == nil {
		t.Fatal("no events to replay")
	}
	if err := r.eng.VerifyStateHash(last); err != nil {
		t.Fatalf("VerifyStateHash: %v", err)
	}
	if h.eng.StateHashTip() != r.eng.StateHashTip() {
		t.Fatal("state hash tip differs after replay")
	}

	// Both engines accept the same next command and stay in lockstep.
	h.clk.Advance(time.Second)
	r.clk.Advance(time.Second)
	feeCmd := &core.PayRegularFees{Meta: h.meta("keeper")}
	if err := h.eng.ProcessCommand(feeCmd); err != nil {
		t.Fatalf("ProcessCommand on original: %v", err)
	}
	if err := r.eng.ProcessCommand(feeCmd); err != nil {
		t.Fatalf("ProcessCommand on replayed: %v", err)
	}
	if h.eng.StateHashTip() != r.eng.StateHashTip() {
		t.Fatal("hash chains diverged after the first post-replay command")
	}
}

func TestReplay_RebuildsLiquidationWithdrawal(t *testing.T) {
	mutate := func(p *core.Params) { p.FinalFee = fp("1") }
	h := newHarness(t, mutate)

	h.apply(&core.FundCollateral{Meta: h.meta("treasury"), Account: "alice", Amount: fp("151")})
	h.apply(&core.CreatePosition{Meta: h.meta("alice"), Collateral: fp("150"), Tokens: fp("100")})
	// The sponsor liquidates itself with its own minted tokens; no
	// off-ledger token movement, so the log stays complete.
	h.apply(&core.CreateLiquidation{
		Meta:      h.meta("alice"),
		Sponsor:   "alice",
		MinPrice:  fp("1"),
		MaxPrice:  fp("2"),
		MaxTokens: fp("100"),
		Deadline:  h.clk.Now().Add(time.Hour),
	})
	h.clk.Advance(2 * time.Hour)
	h.apply(&core.WithdrawLiquidation{Meta: h.meta("alice"), Sponsor: "alice", LiquidationID: 0})

	r, last := replayInto(t, h, mutate)

	if err := r.eng.VerifyStateHash(last); err != nil {
		t.Fatalf("VerifyStateHash: %v", err)
	}
	assertEqual(t, "replayed payout", r.collateral.BalanceOf("alice"), fp("151"))
	assertEqual(t, "replayed supply", r.synthetic.TotalSupply(), fp("0"))
	if got := len(r.eng.GetLiquidations("alice")); got != 0 {
		t.Errorf("expected no liquidations after replay, got %d", got)
	}
	if _, err := r.eng.GetPosition("alice"); !errors.Is(err, core.ErrPositionNotFound) {
		t.Errorf("expected position gone after replay, got %v", err)
	}
}

// TestReplay_FullLiquidationDropsResidualDust replays a full
// liquidation whose raw debit floors below the position's balance; the
// replayed pool total must hit zero exactly like the live one.
func TestReplay_FullLiquidationDropsResidualDust(t *testing.T) {
	mutate := func(p *core.Params) {
		p.MinSponsorTokens = raw("1")
		p.RegularFeeRate = raw("33333333333333334")
	}
	h := newHarness(t, mutate)

	h.apply(&core.FundCollateral{Meta: h.meta("treasury"), Account: "alice", Amount: raw("30")})
	h.apply(&core.CreatePosition{Meta: h.meta("alice"), Collateral: raw("30"), Tokens: raw("12")})
	h.clk.Advance(time.Second)
	// The sponsor liquidates itself with its own minted tokens so the
	// event log stays complete.
	h.apply(&core.CreateLiquidation{
		Meta:      h.meta("alice"),
		Sponsor:   "alice",
		MinPrice:  raw("1"),
		MaxPrice:  fp("10"),
		MaxTokens: raw("12"),
		Deadline:  h.clk.Now().Add(time.Hour),
	})

	r, last := replayInto(t, h, mutate)

	if err := r.eng.VerifyStateHash(last); err != nil {
		t.Fatalf("VerifyStateHash: %v", err)
	}
	if h.eng.StateHashTip() != r.eng.StateHashTip() {
		t.Fatal("state hash tip differs after replay")
	}
	fees, err := r.eng.GetFeeState()
	if err != nil {
		t.Fatalf("GetFeeState: %v", err)
	}
	assertEqual(t, "replayed pool total", fees.TotalCollateral, fp("0"))
	if _, err := r.eng.GetPosition("alice"); !errors.Is(err, core.ErrPositionNotFound) {
		t.Errorf("expected position gone after replay, got %v", err)
	}
}

func TestReplay_RejectsBrokenChain(t *testing.T) {
	h := newHarness(t, nil)
	h.apply(&core.FundCollateral{Meta: h.meta("treasury"), Account: "alice", Amount: fp("150")})
	h.apply(&core.CreatePosition{Meta: h.meta("alice"), Collateral: fp("150"), Tokens: fp("100")})

	outputs := drainOutputs(h.persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}

	r := newHarness(t, nil)
	if err := r.eng.ReplayEvent(outputs[0].Envelope, outputs[0].Payload); err != nil {
		t.Fatalf("ReplayEvent: %v", err)
	}

	// Tamper with the linkage.
	outputs[1].Envelope.PrevHash[0] ^= 0xff
	if err := r.eng.ReplayEvent(outputs[1].Envelope, outputs[1].Payload); !errors.Is(err, core.ErrReplayChainBroken) {
		t.Fatalf("expected ErrReplayChainBroken, got %v", err)
	}
}

func TestReplay_RejectsSequenceSkip(t *testing.T) {
	h := newHarness(t, nil)
	h.apply(&core.FundCollateral{Meta: h.meta("treasury"), Account: "alice", Amount: fp("150")})
	h.apply(&core.CreatePosition{Meta: h.meta("alice"), Collateral: fp("150"), Tokens: fp("100")})

	outputs := drainOutputs(h.persistCh)
	r := newHarness(t, nil)
	if err := r.eng.ReplayEvent(outputs[1].Envelope, outputs[1].Payload); err == nil {
		t.Fatal("expected sequence mismatch error, got nil")
	}
}
