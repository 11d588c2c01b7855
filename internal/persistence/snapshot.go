package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"SynthLedger/internal/core"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/state"
	"SynthLedger/internal/token"
)

// SnapshotManager handles creating and loading state snapshots for
// recovery. A snapshot captures the full in-memory state so a warm
// restart only replays events written after it.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
// All fixed-point values are stored as raw 18-decimal integer strings.
type SnapshotData struct {
	InstanceID         string                `json:"instance_id"`
	Sequence           uint64                `json:"sequence"`
	StateHash          []byte                `json:"state_hash"`
	Positions          []PositionSnapshot    `json:"positions"`
	Liquidations       []LiquidationSnapshot `json:"liquidations"`
	NextLiquidationIDs map[string]uint64     `json:"next_liquidation_ids"`
	FeeMultiplier      string                `json:"fee_multiplier"`
	LastPaymentTime    int64                 `json:"last_payment_time"`
	RawTotalCollateral string                `json:"raw_total_collateral"`
	TokensOutstanding  string                `json:"tokens_outstanding"`
	CollateralBalances map[string]string     `json:"collateral_balances"`
	SyntheticBalances  map[string]string     `json:"synthetic_balances"`
	Expired            bool                  `json:"expired"`
	ExpiryPriceTime    int64                 `json:"expiry_price_time"`
	ExpiryPrice        string                `json:"expiry_price"`
	ExpiryResolved     bool                  `json:"expiry_resolved"`
	SourceSequence     int64                 `json:"source_sequence"`
	IdempotencyKeys    []string              `json:"idempotency_keys"`
	CreatedAt          time.Time             `json:"created_at"`
}

// PositionSnapshot is a serializable sponsor position.
type PositionSnapshot struct {
	Sponsor                        string `json:"sponsor"`
	RawCollateral                  string `json:"raw_collateral"`
	TokensOutstanding              string `json:"tokens_outstanding"`
	WithdrawalRequestPassTimestamp int64  `json:"withdrawal_request_pass_timestamp"`
	WithdrawalRequestAmount        string `json:"withdrawal_request_amount"`
}

// LiquidationSnapshot is a serializable liquidation record.
type LiquidationSnapshot struct {
	ID                   uint64 `json:"id"`
	Sponsor              string `json:"sponsor"`
	Liquidator           string `json:"liquidator"`
	Disputer             string `json:"disputer"`
	Status               int32  `json:"status"`
	TokensLiquidated     string `json:"tokens_liquidated"`
	LockedCollateral     string `json:"locked_collateral"`
	LiquidatedCollateral string `json:"liquidated_collateral"`
	FinalFeeBond         string `json:"final_fee_bond"`
	DisputeBond          string `json:"dispute_bond"`
	CreatedAt            int64  `json:"created_at"`
	LivenessExpiry       int64  `json:"liveness_expiry"`
	PriceRequestTime     int64  `json:"price_request_time"`
	Resolved             bool   `json:"resolved"`
	SettlementPrice      string `json:"settlement_price"`
	SponsorPaid          bool   `json:"sponsor_paid"`
	LiquidatorPaid       bool   `json:"liquidator_paid"`
	DisputerPaid         bool   `json:"disputer_paid"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres. Snapshots are taken
// periodically and verified by replaying the event log before use.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1)

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, instance_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		ON CONFLICT (instance_id, sequence) DO UPDATE SET data = $4, state_hash = $5, size_bytes = $7
	`, snapshotID, snap.InstanceID, snap.Sequence, data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot for the
// instance, or nil on a cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context, instanceID string) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE instance_id = $1 AND verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`, instanceID)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, instanceID string, sequence uint64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE
		WHERE instance_id = $1 AND sequence = $2
	`, instanceID, sequence)
	return err
}

// LoadEventsFrom loads events starting at a sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, instanceID string, fromSequence uint64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT instance_id, sequence, event_id, event_type, idempotency_key,
		       payload, state_hash, prev_hash, timestamp, source_sequence
		FROM event_log.events
		WHERE instance_id = $1 AND sequence >= $2
		ORDER BY sequence ASC
		LIMIT $3
	`, instanceID, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.InstanceID, &e.Sequence, &e.EventID, &e.EventType,
			&e.IdempotencyKey, &e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// FromEngineState converts an engine snapshot into the serializable
// form. Fixed-point values become raw 18-decimal integer strings.
func FromEngineState(instanceID string, s core.SnapshotState, createdAt time.Time) *SnapshotData {
	positions := make([]PositionSnapshot, 0, len(s.Positions))
	for _, p := range s.Positions {
		positions = append(positions, PositionSnapshot{
			Sponsor:                        p.Sponsor,
			RawCollateral:                  p.RawCollateral.RawString(),
			TokensOutstanding:              p.TokensOutstanding.RawString(),
			WithdrawalRequestPassTimestamp: unixOrZero(p.WithdrawalRequestPassTimestamp),
			WithdrawalRequestAmount:        p.WithdrawalRequestAmount.RawString(),
		})
	}
	liquidations := make([]LiquidationSnapshot, 0, len(s.Liquidations))
	for _, l := range s.Liquidations {
		liquidations = append(liquidations, LiquidationSnapshot{
			ID:                   l.ID,
			Sponsor:              l.Sponsor,
			Liquidator:           l.Liquidator,
			Disputer:             l.Disputer,
			Status:               int32(l.Status),
			TokensLiquidated:     l.TokensLiquidated.RawString(),
			LockedCollateral:     l.LockedCollateral.RawString(),
			LiquidatedCollateral: l.LiquidatedCollateral.RawString(),
			FinalFeeBond:         l.FinalFeeBond.RawString(),
			DisputeBond:          l.DisputeBond.RawString(),
			CreatedAt:            l.CreatedAt.Unix(),
			LivenessExpiry:       l.LivenessExpiry.Unix(),
			PriceRequestTime:     unixOrZero(l.PriceRequestTime),
			Resolved:             l.Resolved,
			SettlementPrice:      l.SettlementPrice.RawString(),
			SponsorPaid:          l.SponsorPaid,
			LiquidatorPaid:       l.LiquidatorPaid,
			DisputerPaid:         l.DisputerPaid,
		})
	}

	hash := s.StateHashTip
	return &SnapshotData{
		InstanceID:         instanceID,
		Sequence:           s.EventSequence,
		StateHash:          hash[:],
		Positions:          positions,
		Liquidations:       liquidations,
		NextLiquidationIDs: s.NextLiquidationIDs,
		FeeMultiplier:      s.FeeMultiplier.RawString(),
		LastPaymentTime:    s.LastPaymentTime.Unix(),
		RawTotalCollateral: s.RawTotalCollateral.RawString(),
		TokensOutstanding:  s.TokensOutstanding.RawString(),
		CollateralBalances: balancesToMap(s.CollateralBalances),
		SyntheticBalances:  balancesToMap(s.SyntheticBalances),
		Expired:            s.Expired,
		ExpiryPriceTime:    unixOrZero(s.ExpiryPriceTime),
		ExpiryPrice:        s.ExpiryPrice.RawString(),
		ExpiryResolved:     s.ExpiryResolved,
		SourceSequence:     s.SourceSequence,
		IdempotencyKeys:    s.IdempotencyKeys,
		CreatedAt:          createdAt,
	}
}

// EngineState converts the serialized snapshot back into the typed
// engine form.
func (sd *SnapshotData) EngineState() (core.SnapshotState, error) {
	s := core.SnapshotState{
		NextLiquidationIDs: sd.NextLiquidationIDs,
		LastPaymentTime:    time.Unix(sd.LastPaymentTime, 0).UTC(),
		Expired:            sd.Expired,
		ExpiryResolved:     sd.ExpiryResolved,
		EventSequence:      sd.Sequence,
		SourceSequence:     sd.SourceSequence,
		IdempotencyKeys:    sd.IdempotencyKeys,
	}
	if len(sd.StateHash) != len(s.StateHashTip) {
		return core.SnapshotState{}, fmt.Errorf("snapshot: state hash is %d bytes", len(sd.StateHash))
	}
	copy(s.StateHashTip[:], sd.StateHash)
	if sd.ExpiryPriceTime != 0 {
		s.ExpiryPriceTime = time.Unix(sd.ExpiryPriceTime, 0).UTC()
	}

	var err error
	if s.FeeMultiplier, err = fpmath.FromRawString(sd.FeeMultiplier); err != nil {
		return core.SnapshotState{}, fmt.Errorf("snapshot: fee multiplier: %w", err)
	}
	if s.RawTotalCollateral, err = fpmath.FromRawString(sd.RawTotalCollateral); err != nil {
		return core.SnapshotState{}, fmt.Errorf("snapshot: raw total collateral: %w", err)
	}
	if s.TokensOutstanding, err = fpmath.FromRawString(sd.TokensOutstanding); err != nil {
		return core.SnapshotState{}, fmt.Errorf("snapshot: tokens outstanding: %w", err)
	}
	if s.ExpiryPrice, err = fpmath.FromRawString(zeroIfEmpty(sd.ExpiryPrice)); err != nil {
		return core.SnapshotState{}, fmt.Errorf("snapshot: expiry price: %w", err)
	}

	for _, p := range sd.Positions {
		pos := state.Position{Sponsor: p.Sponsor}
		if pos.RawCollateral, err = fpmath.FromRawString(p.RawCollateral); err != nil {
			return core.SnapshotState{}, fmt.Errorf("snapshot: position %s: %w", p.Sponsor, err)
		}
		if pos.TokensOutstanding, err = fpmath.FromRawString(p.TokensOutstanding); err != nil {
			return core.SnapshotState{}, fmt.Errorf("snapshot: position %s: %w", p.Sponsor, err)
		}
		if pos.WithdrawalRequestAmount, err = fpmath.FromRawString(zeroIfEmpty(p.WithdrawalRequestAmount)); err != nil {
			return core.SnapshotState{}, fmt.Errorf("snapshot: position %s: %w", p.Sponsor, err)
		}
		if p.WithdrawalRequestPassTimestamp != 0 {
			pos.WithdrawalRequestPassTimestamp = time.Unix(p.WithdrawalRequestPassTimestamp, 0).UTC()
		}
		s.Positions = append(s.Positions, pos)
	}

	for _, l := range sd.Liquidations {
		liq := state.Liquidation{
			ID:             l.ID,
			Sponsor:        l.Sponsor,
			Liquidator:     l.Liquidator,
			Disputer:       l.Disputer,
			Status:         state.Status(l.Status),
			CreatedAt:      time.Unix(l.CreatedAt, 0).UTC(),
			LivenessExpiry: time.Unix(l.LivenessExpiry, 0).UTC(),
			Resolved:       l.Resolved,
			SponsorPaid:    l.SponsorPaid,
			LiquidatorPaid: l.LiquidatorPaid,
			DisputerPaid:   l.DisputerPaid,
		}
		if l.PriceRequestTime != 0 {
			liq.PriceRequestTime = time.Unix(l.PriceRequestTime, 0).UTC()
		}
		if liq.TokensLiquidated, err = fpmath.FromRawString(l.TokensLiquidated); err != nil {
			return core.SnapshotState{}, fmt.Errorf("snapshot: liquidation %s/%d: %w", l.Sponsor, l.ID, err)
		}
		if liq.LockedCollateral, err = fpmath.FromRawString(l.LockedCollateral); err != nil {
			return core.SnapshotState{}, fmt.Errorf("snapshot: liquidation %s/%d: %w", l.Sponsor, l.ID, err)
		}
		if liq.LiquidatedCollateral, err = fpmath.FromRawString(l.LiquidatedCollateral); err != nil {
			return core.SnapshotState{}, fmt.Errorf("snapshot: liquidation %s/%d: %w", l.Sponsor, l.ID, err)
		}
		if liq.FinalFeeBond, err = fpmath.FromRawString(zeroIfEmpty(l.FinalFeeBond)); err != nil {
			return core.SnapshotState{}, fmt.Errorf("snapshot: liquidation %s/%d: %w", l.Sponsor, l.ID, err)
		}
		if liq.DisputeBond, err = fpmath.FromRawString(zeroIfEmpty(l.DisputeBond)); err != nil {
			return core.SnapshotState{}, fmt.Errorf("snapshot: liquidation %s/%d: %w", l.Sponsor, l.ID, err)
		}
		if liq.SettlementPrice, err = fpmath.FromRawString(zeroIfEmpty(l.SettlementPrice)); err != nil {
			return core.SnapshotState{}, fmt.Errorf("snapshot: liquidation %s/%d: %w", l.Sponsor, l.ID, err)
		}
		s.Liquidations = append(s.Liquidations, liq)
	}

	if s.CollateralBalances, err = balancesFromMap(sd.CollateralBalances); err != nil {
		return core.SnapshotState{}, fmt.Errorf("snapshot: collateral balances: %w", err)
	}
	if s.SyntheticBalances, err = balancesFromMap(sd.SyntheticBalances); err != nil {
		return core.SnapshotState{}, fmt.Errorf("snapshot: synthetic balances: %w", err)
	}
	return s, nil
}

func balancesToMap(balances []token.Balance) map[string]string {
	out := make(map[string]string, len(balances))
	for _, b := range balances {
		out[b.Account] = b.Amount.RawString()
	}
	return out
}

func balancesFromMap(m map[string]string) ([]token.Balance, error) {
	out := make([]token.Balance, 0, len(m))
	for account, raw := range m {
		amt, err := fpmath.FromRawString(raw)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", account, err)
		}
		out = append(out, token.Balance{Account: account, Amount: amt})
	}
	return out, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func zeroIfEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
