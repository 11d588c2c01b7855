package core

import (
	"time"

	fpmath "SynthLedger/internal/math"

	"github.com/google/uuid"
)

// CommandType discriminator for inbound commands
type CommandType int32

const (
	CommandTypeUnknown CommandType = iota
	CommandTypeCreatePosition
	CommandTypeDeposit
	CommandTypeWithdraw
	CommandTypeRequestWithdrawal
	CommandTypeWithdrawPassedRequest
	CommandTypeCancelWithdrawal
	CommandTypeRedeem
	CommandTypeTransferPosition
	CommandTypeCreateLiquidation
	CommandTypeDisputeLiquidation
	CommandTypeWithdrawLiquidation
	CommandTypePayRegularFees
	CommandTypeExpire
	CommandTypeSettleExpired
	CommandTypeFundCollateral
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTypeCreatePosition:
		return "CreatePosition"
	case CommandTypeDeposit:
		return "Deposit"
	case CommandTypeWithdraw:
		return "Withdraw"
	case CommandTypeRequestWithdrawal:
		return "RequestWithdrawal"
	case CommandTypeWithdrawPassedRequest:
		return "WithdrawPassedRequest"
	case CommandTypeCancelWithdrawal:
		return "CancelWithdrawal"
	case CommandTypeRedeem:
		return "Redeem"
	case CommandTypeTransferPosition:
		return "TransferPosition"
	case CommandTypeCreateLiquidation:
		return "CreateLiquidation"
	case CommandTypeDisputeLiquidation:
		return "DisputeLiquidation"
	case CommandTypeWithdrawLiquidation:
		return "WithdrawLiquidation"
	case CommandTypePayRegularFees:
		return "PayRegularFees"
	case CommandTypeExpire:
		return "Expire"
	case CommandTypeSettleExpired:
		return "SettleExpired"
	case CommandTypeFundCollateral:
		return "FundCollateral"
	default:
		return "Unknown"
	}
}

// Command is the interface all inbound commands implement. RequestID
// doubles as the idempotency key; SourceSequence orders commands from
// the same producer.
type Command interface {
	CommandType() CommandType
	RequestID() uuid.UUID
	SourceSequence() int64
}

// Meta carries the fields every command shares.
type Meta struct {
	ID       uuid.UUID `json:"request_id"`
	Sequence int64     `json:"sequence"`
	Caller   string    `json:"caller"`
}

func (m Meta) RequestID() uuid.UUID  { return m.ID }
func (m Meta) SourceSequence() int64 { return m.Sequence }

type CreatePosition struct {
	Meta
	Collateral fpmath.Unsigned `json:"collateral"`
	Tokens     fpmath.Unsigned `json:"tokens"`
}

func (c *CreatePosition) CommandType() CommandType { return CommandTypeCreatePosition }

// Deposit adds collateral to Sponsor's position. Caller pays; it may
// differ from Sponsor.
type Deposit struct {
	Meta
	Sponsor string          `json:"sponsor"`
	Amount  fpmath.Unsigned `json:"amount"`
}

func (c *Deposit) CommandType() CommandType { return CommandTypeDeposit }

type Withdraw struct {
	Meta
	Amount fpmath.Unsigned `json:"amount"`
}

func (c *Withdraw) CommandType() CommandType { return CommandTypeWithdraw }

type RequestWithdrawal struct {
	Meta
	Amount fpmath.Unsigned `json:"amount"`
}

func (c *RequestWithdrawal) CommandType() CommandType { return CommandTypeRequestWithdrawal }

type WithdrawPassedRequest struct {
	Meta
}

func (c *WithdrawPassedRequest) CommandType() CommandType { return CommandTypeWithdrawPassedRequest }

type CancelWithdrawal struct {
	Meta
}

func (c *CancelWithdrawal) CommandType() CommandType { return CommandTypeCancelWithdrawal }

type Redeem struct {
	Meta
	Tokens fpmath.Unsigned `json:"tokens"`
}

func (c *Redeem) CommandType() CommandType { return CommandTypeRedeem }

type TransferPosition struct {
	Meta
	NewSponsor string `json:"new_sponsor"`
}

func (c *TransferPosition) CommandType() CommandType { return CommandTypeTransferPosition }

// CreateLiquidation liquidates up to MaxTokens of Sponsor's position.
// The price bounds protect the liquidator against fee or withdrawal
// races between submission and execution; Deadline bounds staleness.
type CreateLiquidation struct {
	Meta
	Sponsor   string          `json:"sponsor"`
	MinPrice  fpmath.Unsigned `json:"min_price"`
	MaxPrice  fpmath.Unsigned `json:"max_price"`
	MaxTokens fpmath.Unsigned `json:"max_tokens"`
	Deadline  time.Time       `json:"deadline"`
}

func (c *CreateLiquidation) CommandType() CommandType { return CommandTypeCreateLiquidation }

type DisputeLiquidation struct {
	Meta
	Sponsor       string `json:"sponsor"`
	LiquidationID uint64 `json:"liquidation_id"`
}

func (c *DisputeLiquidation) CommandType() CommandType { return CommandTypeDisputeLiquidation }

type WithdrawLiquidation struct {
	Meta
	Sponsor       string `json:"sponsor"`
	LiquidationID uint64 `json:"liquidation_id"`
}

func (c *WithdrawLiquidation) CommandType() CommandType { return CommandTypeWithdrawLiquidation }

// PayRegularFees harvests accrued fees without any other operation.
type PayRegularFees struct {
	Meta
}

func (c *PayRegularFees) CommandType() CommandType { return CommandTypePayRegularFees }

type Expire struct {
	Meta
}

func (c *Expire) CommandType() CommandType { return CommandTypeExpire }

type SettleExpired struct {
	Meta
}

func (c *SettleExpired) CommandType() CommandType { return CommandTypeSettleExpired }

// FundCollateral credits external collateral to Account, or to the
// caller when Account is empty.
type FundCollateral struct {
	Meta
	Account string          `json:"account"`
	Amount  fpmath.Unsigned `json:"amount"`
}

func (c *FundCollateral) CommandType() CommandType { return CommandTypeFundCollateral }
