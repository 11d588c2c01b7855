package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"SynthLedger/internal/core"
	fpmath "SynthLedger/internal/math"
)

// Command subject suffixes. Producers publish to
// synthledger.cmd.<suffix>.
const (
	SubjectCreatePosition        = "create_position"
	SubjectDeposit               = "deposit"
	SubjectWithdraw              = "withdraw"
	SubjectRequestWithdrawal     = "request_withdrawal"
	SubjectWithdrawPassedRequest = "withdraw_passed_request"
	SubjectCancelWithdrawal      = "cancel_withdrawal"
	SubjectRedeem                = "redeem"
	SubjectTransferPosition      = "transfer_position"
	SubjectCreateLiquidation     = "create_liquidation"
	SubjectDisputeLiquidation    = "dispute_liquidation"
	SubjectWithdrawLiquidation   = "withdraw_liquidation"
	SubjectPayRegularFees        = "pay_regular_fees"
	SubjectExpire                = "expire"
	SubjectSettleExpired         = "settle_expired"
	SubjectFundCollateral        = "fund_collateral"
)

// ParseCommand converts a raw NATS message into a typed command. The
// subject's last token selects the command type; the payload is JSON
// with snake_case fields and raw 18-decimal integer strings for
// fixed-point amounts.
func ParseCommand(subject string, data []byte) (core.Command, error) {
	idx := strings.LastIndex(subject, ".")
	if idx < 0 {
		return nil, fmt.Errorf("malformed subject: %s", subject)
	}

	switch subject[idx+1:] {
	case SubjectCreatePosition:
		var c core.CreatePosition
		if err := decode(data, &c, "CreatePosition"); err != nil {
			return nil, err
		}
		if err := validateMeta(c.Meta); err != nil {
			return nil, err
		}
		// Zero collateral is legal when the sponsor mints against an
		// existing position; the engine decides.
		if c.Tokens.IsZero() {
			return nil, fmt.Errorf("CreatePosition: tokens must be positive")
		}
		return &c, nil

	case SubjectDeposit:
		var c core.Deposit
		if err := decode(data, &c, "Deposit"); err != nil {
			return nil, err
		}
		if err := validateMeta(c.Meta); err != nil {
			return nil, err
		}
		if c.Sponsor == "" {
			c.Sponsor = c.Caller
		}
		if c.Amount.IsZero() {
			return nil, fmt.Errorf("Deposit: amount must be positive")
		}
		return &c, nil

	case SubjectWithdraw:
		var c core.Withdraw
		if err := decode(data, &c, "Withdraw"); err != nil {
			return nil, err
		}
		if err := validateMeta(c.Meta); err != nil {
			return nil, err
		}
		if c.Amount.IsZero() {
			return nil, fmt.Errorf("Withdraw: amount must be positive")
		}
		return &c, nil

	case SubjectRequestWithdrawal:
		var c core.RequestWithdrawal
		if err := decode(data, &c, "RequestWithdrawal"); err != nil {
			return nil, err
		}
		if err := validateMeta(c.Meta); err != nil {
			return nil, err
		}
		if c.Amount.IsZero() {
			return nil, fmt.Errorf("RequestWithdrawal: amount must be positive")
		}
		return &c, nil

	case SubjectWithdrawPassedRequest:
		var c core.WithdrawPassedRequest
		if err := decode(data, &c, "WithdrawPassedRequest"); err != nil {
			return nil, err
		}
		if err := validateMeta(c.Meta); err != nil {
			return nil, err
		}
		return &c, nil

	case SubjectCancelWithdrawal:
		var c core.CancelWithdrawal
		if err := decode(data, &c, "CancelWithdrawal"); err != nil {
			return nil, err
		}
		if err := validateMeta(c.Meta); err != nil {
			return nil, err
		}
		return &c, nil

	case SubjectRedeem:
		var c core.Redeem
		if err := decode(data, &c, "Redeem"); err != nil {
			return nil, err
		}
		if err := validateMeta(c.Meta); err != nil {
			return nil, err
		}
		if c.Tokens.IsZero() {
			return nil, fmt.Errorf("Redeem: tokens must be positive")
		}
		return &c, nil

	case SubjectTransferPosition:
		var c core.TransferPosition
		if err := decode(data, &c, "TransferPosition"); err != nil {
			return nil, err
		}
		if err := validateMeta(c.Meta); err != nil {
			return nil, err
		}
		if c.NewSponsor == "" {
			return nil, fmt.Errorf("TransferPosition: new_sponsor required")
		}
		return &c, nil

	case SubjectCreateLiquidation:
		var c core.CreateLiquidation
		if err := decode(data, &c, "CreateLiquidation"); err != nil {
			return nil, err
		}
		if err := validateMeta(c.Meta); err != nil {
			return nil, err
		}
		if c.Sponsor == "" {
			return nil, fmt.Errorf("CreateLiquidation: sponsor required")
		}
		if c.MaxTokens.IsZero() {
			return nil, fmt.Errorf("CreateLiquidation: max_tokens must be positive")
		}
		if c.Deadline.IsZero() {
			return nil, fmt.Errorf("CreateLiquidation: deadline required")
		}
		return &c, nil

	case SubjectDisputeLiquidation:
		var c core.DisputeLiquidation
		if err := decode(data, &c, "DisputeLiquidation"); err != nil {
			return nil, err
		}
		if err := validateMeta(c.Meta); err != nil {
			return nil, err
		}
		if c.Sponsor == "" {
			return nil, fmt.Errorf("DisputeLiquidation: sponsor required")
		}
		return &c, nil

	case SubjectWithdrawLiquidation:
		var c core.WithdrawLiquidation
		if err := decode(data, &c, "WithdrawLiquidation"); err != nil {
			return nil, err
		}
		if err := validateMeta(c.Meta); err != nil {
			return nil, err
		}
		if c.Sponsor == "" {
			return nil, fmt.Errorf("WithdrawLiquidation: sponsor required")
		}
		return &c, nil

	case SubjectPayRegularFees:
		var c core.PayRegularFees
		if err := decode(data, &c, "PayRegularFees"); err != nil {
			return nil, err
		}
		if err := validateMeta(c.Meta); err != nil {
			return nil, err
		}
		return &c, nil

	case SubjectExpire:
		var c core.Expire
		if err := decode(data, &c, "Expire"); err != nil {
			return nil, err
		}
		if err := validateMeta(c.Meta); err != nil {
			return nil, err
		}
		return &c, nil

	case SubjectSettleExpired:
		var c core.SettleExpired
		if err := decode(data, &c, "SettleExpired"); err != nil {
			return nil, err
		}
		if err := validateMeta(c.Meta); err != nil {
			return nil, err
		}
		return &c, nil

	case SubjectFundCollateral:
		var c core.FundCollateral
		if err := decode(data, &c, "FundCollateral"); err != nil {
			return nil, err
		}
		if err := validateMeta(c.Meta); err != nil {
			return nil, err
		}
		if c.Amount.IsZero() {
			return nil, fmt.Errorf("FundCollateral: amount must be positive")
		}
		return &c, nil

	default:
		return nil, fmt.Errorf("unknown command subject: %s", subject)
	}
}

func decode(data []byte, v interface{}, name string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

func validateMeta(m core.Meta) error {
	if m.ID == uuid.Nil {
		return fmt.Errorf("request_id required")
	}
	if m.Caller == "" {
		return fmt.Errorf("caller required")
	}
	return nil
}

// PriceResolution is the oracle price wire format on
// synthledger.oracle.prices.
type PriceResolution struct {
	Identifier string          `json:"identifier"`
	Time       int64           `json:"time"`
	Price      fpmath.Unsigned `json:"price"`
}

// ParsePriceResolution converts a raw oracle message into a resolved
// price.
func ParsePriceResolution(data []byte) (PriceResolution, time.Time, error) {
	var p PriceResolution
	if err := json.Unmarshal(data, &p); err != nil {
		return PriceResolution{}, time.Time{}, fmt.Errorf("parse price resolution: %w", err)
	}
	if p.Identifier == "" {
		return PriceResolution{}, time.Time{}, fmt.Errorf("price resolution: identifier required")
	}
	if p.Time == 0 {
		return PriceResolution{}, time.Time{}, fmt.Errorf("price resolution: time required")
	}
	return p, time.Unix(p.Time, 0).UTC(), nil
}
