package event

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type discriminator for event payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypePositionCreated
	TypeCollateralDeposited
	TypeCollateralWithdrawn
	TypeWithdrawalRequested
	TypeWithdrawalExecuted
	TypeWithdrawalCancelled
	TypeTokensRedeemed
	TypePositionTransferred
	TypeLiquidationCreated
	TypeLiquidationDisputed
	TypeDisputeSettled
	TypeLiquidationWithdrawn
	TypeRegularFeesPaid
	TypeFinalFeesPaid
	TypeContractExpired
	TypeExpiredPositionSettled
	TypeCollateralFunded
)

// Envelope wraps every event in the log.
type Envelope struct {
	// Event identity assigned at emission
	EventID uuid.UUID

	// Contract instance this event belongs to
	InstanceID string

	// Per-instance monotonic sequence assigned by the engine
	Sequence uint64

	// Stable idempotency key from the originating command
	IdempotencyKey string

	// Event type discriminator
	Type Type

	// Engine clock time at emission (NOT wall-clock)
	Timestamp time.Time

	// Upstream command sequence that produced this event. Replay
	// uses it to restore the ordering validator.
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload json.RawMessage

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// envelopeWire is the JSON form of an Envelope: hex-encoded hashes,
// string event types, RFC3339 timestamps.
type envelopeWire struct {
	EventID        uuid.UUID       `json:"event_id"`
	InstanceID     string          `json:"instance_id"`
	Sequence       uint64          `json:"sequence"`
	IdempotencyKey string          `json:"idempotency_key"`
	Type           string          `json:"event_type"`
	Timestamp      time.Time       `json:"timestamp"`
	SourceSequence int64           `json:"source_sequence"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeWire{
		EventID:        e.EventID,
		InstanceID:     e.InstanceID,
		Sequence:       e.Sequence,
		IdempotencyKey: e.IdempotencyKey,
		Type:           e.Type.String(),
		Timestamp:      e.Timestamp,
		SourceSequence: e.SourceSequence,
		Payload:        e.Payload,
		StateHash:      hex.EncodeToString(e.StateHash[:]),
		PrevHash:       hex.EncodeToString(e.PrevHash[:]),
	})
}

// Event is the interface all event payloads implement.
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// Type returns the discriminator
	Type() Type
}

func (t Type) String() string {
	switch t {
	case TypePositionCreated:
		return "PositionCreated"
	case TypeCollateralDeposited:
		return "CollateralDeposited"
	case TypeCollateralWithdrawn:
		return "CollateralWithdrawn"
	case TypeWithdrawalRequested:
		return "WithdrawalRequested"
	case TypeWithdrawalExecuted:
		return "WithdrawalExecuted"
	case TypeWithdrawalCancelled:
		return "WithdrawalCancelled"
	case TypeTokensRedeemed:
		return "TokensRedeemed"
	case TypePositionTransferred:
		return "PositionTransferred"
	case TypeLiquidationCreated:
		return "LiquidationCreated"
	case TypeLiquidationDisputed:
		return "LiquidationDisputed"
	case TypeDisputeSettled:
		return "DisputeSettled"
	case TypeLiquidationWithdrawn:
		return "LiquidationWithdrawn"
	case TypeRegularFeesPaid:
		return "RegularFeesPaid"
	case TypeFinalFeesPaid:
		return "FinalFeesPaid"
	case TypeContractExpired:
		return "ContractExpired"
	case TypeExpiredPositionSettled:
		return "ExpiredPositionSettled"
	case TypeCollateralFunded:
		return "CollateralFunded"
	default:
		return "Unknown"
	}
}

// TypeFromString inverts Type.String. Unrecognized names map to
// TypeUnknown.
func TypeFromString(name string) Type {
	for t := TypePositionCreated; t <= TypeCollateralFunded; t++ {
		if t.String() == name {
			return t
		}
	}
	return TypeUnknown
}

// DecodePayload unmarshals a stored payload back into its typed
// event. Used by replay when rebuilding state from the log.
func DecodePayload(t Type, payload []byte) (Event, error) {
	var evt Event
	switch t {
	case TypePositionCreated:
		evt = &PositionCreated{}
	case TypeCollateralDeposited:
		evt = &CollateralDeposited{}
	case TypeCollateralWithdrawn:
		evt = &CollateralWithdrawn{}
	case TypeWithdrawalRequested:
		evt = &WithdrawalRequested{}
	case TypeWithdrawalExecuted:
		evt = &WithdrawalExecuted{}
	case TypeWithdrawalCancelled:
		evt = &WithdrawalCancelled{}
	case TypeTokensRedeemed:
		evt = &TokensRedeemed{}
	case TypePositionTransferred:
		evt = &PositionTransferred{}
	case TypeLiquidationCreated:
		evt = &LiquidationCreated{}
	case TypeLiquidationDisputed:
		evt = &LiquidationDisputed{}
	case TypeDisputeSettled:
		evt = &DisputeSettled{}
	case TypeLiquidationWithdrawn:
		evt = &LiquidationWithdrawn{}
	case TypeRegularFeesPaid:
		evt = &RegularFeesPaid{}
	case TypeFinalFeesPaid:
		evt = &FinalFeesPaid{}
	case TypeContractExpired:
		evt = &ContractExpired{}
	case TypeExpiredPositionSettled:
		evt = &ExpiredPositionSettled{}
	case TypeCollateralFunded:
		evt = &CollateralFunded{}
	default:
		return nil, fmt.Errorf("event: cannot decode type %d", t)
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("event: decoding %s payload: %w", t, err)
	}
	return evt, nil
}
