package query

// PositionResponse represents a sponsor position for API queries.
// Fixed-point values are raw 18-decimal integer strings.
type PositionResponse struct {
	Sponsor            string `json:"sponsor"`
	Collateral         string `json:"collateral"`
	TokensOutstanding  string `json:"tokens_outstanding"`
	WithdrawalPassTime int64  `json:"withdrawal_pass_time,omitempty"`
	WithdrawalAmount   string `json:"withdrawal_amount"`
	AsOfSequence       uint64 `json:"as_of_sequence"`
}

// LiquidationResponse represents a liquidation record for API queries.
type LiquidationResponse struct {
	Sponsor              string  `json:"sponsor"`
	LiquidationID        uint64  `json:"liquidation_id"`
	Liquidator           string  `json:"liquidator"`
	Disputer             *string `json:"disputer,omitempty"`
	Status               string  `json:"status"`
	TokensLiquidated     string  `json:"tokens_liquidated"`
	LockedCollateral     string  `json:"locked_collateral"`
	LiquidatedCollateral string  `json:"liquidated_collateral"`
	DisputeBond          string  `json:"dispute_bond"`
	SettlementPrice      *string `json:"settlement_price,omitempty"`
	LivenessExpiry       int64   `json:"liveness_expiry"`
	AsOfSequence         uint64  `json:"as_of_sequence"`
}

// FeeStateResponse reports global fee accounting for API queries.
type FeeStateResponse struct {
	FeeMultiplier   string `json:"fee_multiplier"`
	LastPaymentTime int64  `json:"last_payment_time"`
	TotalCollateral string `json:"total_collateral"`
	TotalTokens     string `json:"total_tokens"`
	AsOfSequence    uint64 `json:"as_of_sequence"`
}

// EventResponse is an event log entry for API queries.
type EventResponse struct {
	Sequence       uint64 `json:"sequence"`
	EventID        string `json:"event_id"`
	EventType      string `json:"event_type"`
	IdempotencyKey string `json:"idempotency_key"`
	Payload        []byte `json:"payload"`
	StateHash      string `json:"state_hash"`
	PrevHash       string `json:"prev_hash"`
	Timestamp      int64  `json:"timestamp"`
}

// IntegrityReport is the result of a hash chain verification.
type IntegrityReport struct {
	IsHealthy       bool     `json:"is_healthy"`
	EventsChecked   int64    `json:"events_checked"`
	HashChainBreaks []uint64 `json:"hash_chain_breaks,omitempty"`
}
