// internal/event/position.go
package event

import (
	"fmt"
	"time"

	fpmath "SynthLedger/internal/math"

	"github.com/google/uuid"
)

// PositionCreated is emitted when a sponsor opens or extends a
// position by depositing collateral and minting tokens.
type PositionCreated struct {
	RequestID  uuid.UUID       `json:"request_id"`
	Sponsor    string          `json:"sponsor"`
	Collateral fpmath.Unsigned `json:"collateral"`
	Tokens     fpmath.Unsigned `json:"tokens"`
	Timestamp  time.Time       `json:"timestamp"`
}

func (e *PositionCreated) IdempotencyKey() string { return e.RequestID.String() }
func (e *PositionCreated) Type() Type             { return TypePositionCreated }

// CollateralDeposited is emitted on Deposit and DepositTo.
type CollateralDeposited struct {
	RequestID uuid.UUID       `json:"request_id"`
	Payer     string          `json:"payer"`
	Sponsor   string          `json:"sponsor"`
	Amount    fpmath.Unsigned `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e *CollateralDeposited) IdempotencyKey() string { return e.RequestID.String() }
func (e *CollateralDeposited) Type() Type             { return TypeCollateralDeposited }

// CollateralWithdrawn is emitted on the fast withdrawal path.
// RawCollateral is the pre-multiplier debit, carried so replay can
// reproduce the position's raw balance exactly.
type CollateralWithdrawn struct {
	RequestID     uuid.UUID       `json:"request_id"`
	Sponsor       string          `json:"sponsor"`
	Amount        fpmath.Unsigned `json:"amount"`
	RawCollateral fpmath.Unsigned `json:"raw_collateral"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (e *CollateralWithdrawn) IdempotencyKey() string { return e.RequestID.String() }
func (e *CollateralWithdrawn) Type() Type             { return TypeCollateralWithdrawn }

// WithdrawalRequested is emitted when a sponsor starts a slow
// withdrawal. PassTimestamp is when the liveness window ends.
type WithdrawalRequested struct {
	RequestID     uuid.UUID       `json:"request_id"`
	Sponsor       string          `json:"sponsor"`
	Amount        fpmath.Unsigned `json:"amount"`
	PassTimestamp time.Time       `json:"pass_timestamp"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (e *WithdrawalRequested) IdempotencyKey() string { return e.RequestID.String() }
func (e *WithdrawalRequested) Type() Type             { return TypeWithdrawalRequested }

// WithdrawalExecuted is emitted when a passed request pays out.
// Amount is the actual payout, which may be below the requested
// amount if fees shrank the position meanwhile.
type WithdrawalExecuted struct {
	RequestID     uuid.UUID       `json:"request_id"`
	Sponsor       string          `json:"sponsor"`
	Amount        fpmath.Unsigned `json:"amount"`
	RawCollateral fpmath.Unsigned `json:"raw_collateral"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (e *WithdrawalExecuted) IdempotencyKey() string { return e.RequestID.String() }
func (e *WithdrawalExecuted) Type() Type             { return TypeWithdrawalExecuted }

// WithdrawalCancelled is emitted when a pending request is cancelled.
type WithdrawalCancelled struct {
	RequestID uuid.UUID       `json:"request_id"`
	Sponsor   string          `json:"sponsor"`
	Amount    fpmath.Unsigned `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e *WithdrawalCancelled) IdempotencyKey() string { return e.RequestID.String() }
func (e *WithdrawalCancelled) Type() Type             { return TypeWithdrawalCancelled }

// TokensRedeemed is emitted when a sponsor burns tokens for a
// proportional share of their collateral.
type TokensRedeemed struct {
	RequestID     uuid.UUID       `json:"request_id"`
	Sponsor       string          `json:"sponsor"`
	Tokens        fpmath.Unsigned `json:"tokens"`
	Collateral    fpmath.Unsigned `json:"collateral"`
	RawCollateral fpmath.Unsigned `json:"raw_collateral"`
	Timestamp     time.Time       `json:"timestamp"`
}

func (e *TokensRedeemed) IdempotencyKey() string { return e.RequestID.String() }
func (e *TokensRedeemed) Type() Type             { return TypeTokensRedeemed }

// PositionTransferred is emitted when a position moves to a new
// sponsor address.
type PositionTransferred struct {
	RequestID  uuid.UUID `json:"request_id"`
	OldSponsor string    `json:"old_sponsor"`
	NewSponsor string    `json:"new_sponsor"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e *PositionTransferred) IdempotencyKey() string {
	return fmt.Sprintf("%s:transfer", e.RequestID)
}
func (e *PositionTransferred) Type() Type { return TypePositionTransferred }

// CollateralFunded is emitted when the treasury credits external
// collateral to an account. This is the only mint edge of the
// collateral ledger.
type CollateralFunded struct {
	RequestID uuid.UUID       `json:"request_id"`
	Account   string          `json:"account"`
	Amount    fpmath.Unsigned `json:"amount"`
	Timestamp time.Time       `json:"timestamp"`
}

func (e *CollateralFunded) IdempotencyKey() string { return e.RequestID.String() }
func (e *CollateralFunded) Type() Type             { return TypeCollateralFunded }
