package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"SynthLedger/internal/observability"
)

// Service provides read-only access to the Postgres read model and
// event log. Every response carries as_of_sequence so callers can
// reason about freshness against the engine sequence.
type Service struct {
	db         *sql.DB
	instanceID string
	metrics    *observability.Metrics
}

func NewService(db *sql.DB, instanceID string, metrics *observability.Metrics) *Service {
	return &Service{db: db, instanceID: instanceID, metrics: metrics}
}

// GetPosition returns a sponsor's position from the read model.
// Returns nil when the sponsor has no open position.
func (s *Service) GetPosition(ctx context.Context, sponsor string) (*PositionResponse, error) {
	defer s.observe("get_position", time.Now())

	row := s.db.QueryRowContext(ctx, `
		SELECT sponsor, collateral, tokens_outstanding,
		       withdrawal_pass_time, withdrawal_amount, updated_sequence
		FROM read_model.positions
		WHERE instance_id = $1 AND sponsor = $2
	`, s.instanceID, sponsor)

	var p PositionResponse
	err := row.Scan(
		&p.Sponsor, &p.Collateral, &p.TokensOutstanding,
		&p.WithdrawalPassTime, &p.WithdrawalAmount, &p.AsOfSequence,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPositions returns all open positions, sorted by sponsor.
func (s *Service) ListPositions(ctx context.Context, limit int, afterSponsor string) ([]PositionResponse, error) {
	defer s.observe("list_positions", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT sponsor, collateral, tokens_outstanding,
		       withdrawal_pass_time, withdrawal_amount, updated_sequence
		FROM read_model.positions
		WHERE instance_id = $1 AND sponsor > $2
		ORDER BY sponsor
		LIMIT $3
	`, s.instanceID, afterSponsor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		var p PositionResponse
		if err := rows.Scan(
			&p.Sponsor, &p.Collateral, &p.TokensOutstanding,
			&p.WithdrawalPassTime, &p.WithdrawalAmount, &p.AsOfSequence,
		); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetLiquidations returns active liquidations for a sponsor.
func (s *Service) GetLiquidations(ctx context.Context, sponsor string) ([]LiquidationResponse, error) {
	defer s.observe("get_liquidations", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT sponsor, liquidation_id, liquidator, disputer, status,
		       tokens_liquidated, locked_collateral, liquidated_collateral,
		       dispute_bond, settlement_price, liveness_expiry, updated_sequence
		FROM read_model.liquidations
		WHERE instance_id = $1 AND sponsor = $2
		ORDER BY liquidation_id
	`, s.instanceID, sponsor)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLiquidations(rows)
}

// ListLiquidations returns liquidations filtered by status, or all
// when status is empty.
func (s *Service) ListLiquidations(ctx context.Context, status string, limit int) ([]LiquidationResponse, error) {
	defer s.observe("list_liquidations", time.Now())

	query := `
		SELECT sponsor, liquidation_id, liquidator, disputer, status,
		       tokens_liquidated, locked_collateral, liquidated_collateral,
		       dispute_bond, settlement_price, liveness_expiry, updated_sequence
		FROM read_model.liquidations
		WHERE instance_id = $1
	`
	args := []interface{}{s.instanceID}
	if status != "" {
		query += " AND status = $2 ORDER BY sponsor, liquidation_id LIMIT $3"
		args = append(args, status, limit)
	} else {
		query += " ORDER BY sponsor, liquidation_id LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLiquidations(rows)
}

func scanLiquidations(rows *sql.Rows) ([]LiquidationResponse, error) {
	var results []LiquidationResponse
	for rows.Next() {
		var r LiquidationResponse
		if err := rows.Scan(
			&r.Sponsor, &r.LiquidationID, &r.Liquidator, &r.Disputer, &r.Status,
			&r.TokensLiquidated, &r.LockedCollateral, &r.LiquidatedCollateral,
			&r.DisputeBond, &r.SettlementPrice, &r.LivenessExpiry, &r.AsOfSequence,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetFeeState returns the global fee accounting from the read model.
func (s *Service) GetFeeState(ctx context.Context) (*FeeStateResponse, error) {
	defer s.observe("get_fee_state", time.Now())

	row := s.db.QueryRowContext(ctx, `
		SELECT fee_multiplier, last_payment_time, total_collateral,
		       total_tokens, updated_sequence
		FROM read_model.fee_state
		WHERE instance_id = $1
	`, s.instanceID)

	var f FeeStateResponse
	err := row.Scan(
		&f.FeeMultiplier, &f.LastPaymentTime, &f.TotalCollateral,
		&f.TotalTokens, &f.AsOfSequence,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// GetEvents returns event log entries with cursor pagination.
func (s *Service) GetEvents(ctx context.Context, fromSequence uint64, limit int) ([]EventResponse, error) {
	defer s.observe("get_events", time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, event_id, event_type, idempotency_key,
		       payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE instance_id = $1 AND sequence >= $2
		ORDER BY sequence ASC
		LIMIT $3
	`, s.instanceID, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventResponse
	for rows.Next() {
		var e EventResponse
		var stateHash, prevHash []byte
		var ts time.Time
		if err := rows.Scan(
			&e.Sequence, &e.EventID, &e.EventType, &e.IdempotencyKey,
			&e.Payload, &stateHash, &prevHash, &ts,
		); err != nil {
			return nil, err
		}
		e.StateHash = hex.EncodeToString(stateHash)
		e.PrevHash = hex.EncodeToString(prevHash)
		e.Timestamp = ts.Unix()
		events = append(events, e)
	}
	return events, rows.Err()
}

// VerifyIntegrity checks hash chain continuity across the event log.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	defer s.observe("verify_integrity", time.Now())

	report := &IntegrityReport{}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM event_log.events WHERE instance_id = $1
	`, s.instanceID).Scan(&report.EventsChecked); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2
		  ON e2.instance_id = e1.instance_id AND e2.sequence = e1.sequence - 1
		WHERE e1.instance_id = $1 AND e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`, s.instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq uint64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

func (s *Service) observe(endpoint string, start time.Time) {
	if s.metrics != nil {
		s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

// Watermark returns the highest read-model sequence for freshness
// checks.
func (s *Service) Watermark(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(updated_sequence) FROM read_model.positions WHERE instance_id = $1
	`, s.instanceID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("watermark: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}
