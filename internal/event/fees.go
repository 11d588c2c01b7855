// internal/event/fees.go
package event

import (
	"fmt"
	"time"

	fpmath "SynthLedger/internal/math"

	"github.com/google/uuid"
)

// RegularFeesPaid is emitted when accrued per-second fees are paid
// out of the collateral pool. Multiplier is the global fee multiplier
// AFTER the payment.
type RegularFeesPaid struct {
	RequestID  uuid.UUID       `json:"request_id"`
	Amount     fpmath.Unsigned `json:"amount"`
	Multiplier fpmath.Unsigned `json:"multiplier"`
	Timestamp  time.Time       `json:"timestamp"`
}

func (e *RegularFeesPaid) IdempotencyKey() string {
	return fmt.Sprintf("%s:regular-fees", e.RequestID)
}
func (e *RegularFeesPaid) Type() Type { return TypeRegularFeesPaid }

// FinalFeesPaid is emitted when a flat final fee is paid to the fee
// store, either by a party posting a bond or out of the pool at
// expiry. Multiplier is the global fee multiplier AFTER the payment;
// it only shrinks on the pool-funded path.
type FinalFeesPaid struct {
	RequestID  uuid.UUID       `json:"request_id"`
	Payer      string          `json:"payer"`
	Amount     fpmath.Unsigned `json:"amount"`
	Multiplier fpmath.Unsigned `json:"multiplier"`
	Timestamp  time.Time       `json:"timestamp"`
}

func (e *FinalFeesPaid) IdempotencyKey() string {
	return fmt.Sprintf("%s:final-fees", e.RequestID)
}
func (e *FinalFeesPaid) Type() Type { return TypeFinalFeesPaid }

// ContractExpired is emitted once when the contract passes its
// expiration timestamp and the settlement price is requested.
type ContractExpired struct {
	RequestID uuid.UUID `json:"request_id"`
	Caller    string    `json:"caller"`
	PriceTime time.Time `json:"price_time"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *ContractExpired) IdempotencyKey() string { return e.RequestID.String() }
func (e *ContractExpired) Type() Type             { return TypeContractExpired }

// ExpiredPositionSettled is emitted per caller settling after expiry.
type ExpiredPositionSettled struct {
	RequestID       uuid.UUID       `json:"request_id"`
	Caller          string          `json:"caller"`
	TokensBurned    fpmath.Unsigned `json:"tokens_burned"`
	CollateralPaid  fpmath.Unsigned `json:"collateral_paid"`
	RawCollateral   fpmath.Unsigned `json:"raw_collateral"`
	SettlementPrice fpmath.Unsigned `json:"settlement_price"`
	Timestamp       time.Time       `json:"timestamp"`
}

func (e *ExpiredPositionSettled) IdempotencyKey() string { return e.RequestID.String() }
func (e *ExpiredPositionSettled) Type() Type             { return TypeExpiredPositionSettled }
