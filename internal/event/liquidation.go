// internal/event/liquidation.go
package event

import (
	"fmt"
	"time"

	fpmath "SynthLedger/internal/math"

	"github.com/google/uuid"
)

// LiquidationCreated is emitted when a liquidator opens a liquidation
// against a sponsor position.
type LiquidationCreated struct {
	RequestID            uuid.UUID       `json:"request_id"`
	Sponsor              string          `json:"sponsor"`
	LiquidationID        uint64          `json:"liquidation_id"`
	Liquidator           string          `json:"liquidator"`
	TokensLiquidated     fpmath.Unsigned `json:"tokens_liquidated"`
	LockedCollateral     fpmath.Unsigned `json:"locked_collateral"`
	LiquidatedCollateral fpmath.Unsigned `json:"liquidated_collateral"`
	FinalFeeBond         fpmath.Unsigned `json:"final_fee_bond"`
	ExpiresAt            time.Time       `json:"expires_at"`
	Timestamp            time.Time       `json:"timestamp"`
}

func (e *LiquidationCreated) IdempotencyKey() string { return e.RequestID.String() }
func (e *LiquidationCreated) Type() Type             { return TypeLiquidationCreated }

// LiquidationDisputed is emitted when a disputer bonds against a
// pre-dispute liquidation and a settlement price is requested.
type LiquidationDisputed struct {
	RequestID     uuid.UUID       `json:"request_id"`
	Sponsor       string          `json:"sponsor"`
	LiquidationID uint64          `json:"liquidation_id"`
	Disputer      string          `json:"disputer"`
	DisputeBond   fpmath.Unsigned `json:"dispute_bond"`
	PriceTime     time.Time       `json:"price_time"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (e *LiquidationDisputed) IdempotencyKey() string { return e.RequestID.String() }
func (e *LiquidationDisputed) Type() Type             { return TypeLiquidationDisputed }

// DisputeSettled is emitted the first time a disputed liquidation
// resolves against an oracle price.
type DisputeSettled struct {
	RequestID        uuid.UUID       `json:"request_id"`
	Sponsor          string          `json:"sponsor"`
	LiquidationID    uint64          `json:"liquidation_id"`
	SettlementPrice  fpmath.Unsigned `json:"settlement_price"`
	DisputeSucceeded bool            `json:"dispute_succeeded"`
	Timestamp        time.Time       `json:"timestamp"`
}

func (e *DisputeSettled) IdempotencyKey() string {
	return fmt.Sprintf("%s:settle", e.RequestID)
}
func (e *DisputeSettled) Type() Type { return TypeDisputeSettled }

// LiquidationWithdrawn is emitted once per party payout.
type LiquidationWithdrawn struct {
	RequestID     uuid.UUID       `json:"request_id"`
	Sponsor       string          `json:"sponsor"`
	LiquidationID uint64          `json:"liquidation_id"`
	Caller        string          `json:"caller"`
	Amount        fpmath.Unsigned `json:"amount"`
	Deleted       bool            `json:"deleted"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (e *LiquidationWithdrawn) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s", e.RequestID, e.Caller)
}
func (e *LiquidationWithdrawn) Type() Type { return TypeLiquidationWithdrawn }
