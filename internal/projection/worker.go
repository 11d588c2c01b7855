package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"SynthLedger/internal/core"
	"SynthLedger/internal/event"
	"SynthLedger/internal/state"
)

// StateReader is the slice of the engine read API the projector needs.
type StateReader interface {
	GetPosition(sponsor string) (core.PositionView, error)
	GetLiquidations(sponsor string) []state.Liquidation
	GetFeeState() (core.FeeView, error)
	Sponsors() []string
}

// Worker updates the Postgres read model from processed events. The
// projection channel is non-blocking with drop on the engine side, so
// the read model is eventually consistent; a dropped event is repaired
// by the next event touching the same sponsor or by Rebuild.
type Worker struct {
	db         *sql.DB
	reader     StateReader
	instanceID string
	inputChan  <-chan core.Output
	log        zerolog.Logger
}

func NewWorker(db *sql.DB, reader StateReader, instanceID string, inputChan <-chan core.Output, log zerolog.Logger) *Worker {
	return &Worker{
		db:         db,
		reader:     reader,
		instanceID: instanceID,
		inputChan:  inputChan,
		log:        log,
	}
}

// Run starts the projection loop. Blocks until ctx is cancelled or the
// input channel closes.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			if err := w.apply(ctx, output); err != nil {
				w.log.Warn().
					Err(err).
					Uint64("sequence", output.Envelope.Sequence).
					Str("event_type", output.Envelope.Type.String()).
					Msg("read model update failed")
			}
		}
	}
}

func (w *Worker) apply(ctx context.Context, output core.Output) error {
	seq := output.Envelope.Sequence

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, sponsor := range affectedSponsors(output.Payload) {
		if err := w.syncSponsor(ctx, tx, sponsor, seq); err != nil {
			return fmt.Errorf("sync sponsor %s: %w", sponsor, err)
		}
	}

	if err := w.syncFeeState(ctx, tx, seq); err != nil {
		return fmt.Errorf("sync fee state: %w", err)
	}

	return tx.Commit()
}

// affectedSponsors extracts every sponsor whose read-model rows the
// event may have changed.
func affectedSponsors(evt event.Event) []string {
	switch e := evt.(type) {
	case *event.PositionCreated:
		return []string{e.Sponsor}
	case *event.CollateralDeposited:
		return []string{e.Sponsor}
	case *event.CollateralWithdrawn:
		return []string{e.Sponsor}
	case *event.WithdrawalRequested:
		return []string{e.Sponsor}
	case *event.WithdrawalExecuted:
		return []string{e.Sponsor}
	case *event.WithdrawalCancelled:
		return []string{e.Sponsor}
	case *event.TokensRedeemed:
		return []string{e.Sponsor}
	case *event.PositionTransferred:
		return []string{e.OldSponsor, e.NewSponsor}
	case *event.LiquidationCreated:
		return []string{e.Sponsor}
	case *event.LiquidationDisputed:
		return []string{e.Sponsor}
	case *event.DisputeSettled:
		return []string{e.Sponsor}
	case *event.LiquidationWithdrawn:
		return []string{e.Sponsor}
	case *event.ExpiredPositionSettled:
		return []string{e.Caller}
	default:
		// Fee and funding events touch no sponsor rows; syncFeeState
		// picks up the global changes.
		return nil
	}
}

// syncSponsor replaces the sponsor's position and liquidation rows with
// the engine's current view.
func (w *Worker) syncSponsor(ctx context.Context, tx *sql.Tx, sponsor string, seq uint64) error {
	view, err := w.reader.GetPosition(sponsor)
	switch {
	case errors.Is(err, core.ErrPositionNotFound):
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM read_model.positions WHERE instance_id = $1 AND sponsor = $2
		`, w.instanceID, sponsor); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		var passTime int64
		if view.WithdrawalPassTime != nil {
			passTime = view.WithdrawalPassTime.Unix()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO read_model.positions
				(instance_id, sponsor, collateral, tokens_outstanding,
				 withdrawal_pass_time, withdrawal_amount, updated_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
			ON CONFLICT (instance_id, sponsor) DO UPDATE SET
				collateral = EXCLUDED.collateral,
				tokens_outstanding = EXCLUDED.tokens_outstanding,
				withdrawal_pass_time = EXCLUDED.withdrawal_pass_time,
				withdrawal_amount = EXCLUDED.withdrawal_amount,
				updated_sequence = EXCLUDED.updated_sequence,
				updated_at = NOW()
		`, w.instanceID, sponsor,
			view.Collateral.RawString(), view.TokensOutstanding.RawString(),
			passTime, view.WithdrawalRequested.RawString(), seq,
		); err != nil {
			return err
		}
	}

	// Liquidation rows: full delete-and-reinsert for the sponsor keeps
	// the read model exact even when records were removed.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM read_model.liquidations WHERE instance_id = $1 AND sponsor = $2
	`, w.instanceID, sponsor); err != nil {
		return err
	}

	for _, liq := range w.reader.GetLiquidations(sponsor) {
		var disputer *string
		if liq.Disputer != "" {
			d := liq.Disputer
			disputer = &d
		}
		var settlement *string
		if liq.Resolved {
			s := liq.SettlementPrice.RawString()
			settlement = &s
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO read_model.liquidations
				(instance_id, sponsor, liquidation_id, liquidator, disputer, status,
				 tokens_liquidated, locked_collateral, liquidated_collateral,
				 dispute_bond, settlement_price, liveness_expiry, updated_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		`, w.instanceID, sponsor, liq.ID, liq.Liquidator, disputer, liq.Status.String(),
			liq.TokensLiquidated.RawString(), liq.LockedCollateral.RawString(),
			liq.LiquidatedCollateral.RawString(), liq.DisputeBond.RawString(),
			settlement, liq.LivenessExpiry.Unix(), seq,
		); err != nil {
			return err
		}
	}

	return nil
}

func (w *Worker) syncFeeState(ctx context.Context, tx *sql.Tx, seq uint64) error {
	fees, err := w.reader.GetFeeState()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO read_model.fee_state
			(instance_id, fee_multiplier, last_payment_time, total_collateral,
			 total_tokens, updated_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (instance_id) DO UPDATE SET
			fee_multiplier = EXCLUDED.fee_multiplier,
			last_payment_time = EXCLUDED.last_payment_time,
			total_collateral = EXCLUDED.total_collateral,
			total_tokens = EXCLUDED.total_tokens,
			updated_sequence = EXCLUDED.updated_sequence,
			updated_at = NOW()
	`, w.instanceID,
		fees.CumulativeFeeMultiplier.RawString(), fees.LastPaymentTime.Unix(),
		fees.TotalCollateral.RawString(), fees.TotalTokensOutstanding.RawString(), seq,
	)
	return err
}

// Rebuild truncates and repopulates the read model from live engine
// state. Used on startup after replay and when projection drops were
// observed.
func (w *Worker) Rebuild(ctx context.Context) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM read_model.positions WHERE instance_id = $1`,
		`DELETE FROM read_model.liquidations WHERE instance_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, w.instanceID); err != nil {
			return fmt.Errorf("truncate read model: %w", err)
		}
	}

	for _, sponsor := range w.reader.Sponsors() {
		if err := w.syncSponsor(ctx, tx, sponsor, 0); err != nil {
			return fmt.Errorf("rebuild sponsor %s: %w", sponsor, err)
		}
	}

	if err := w.syncFeeState(ctx, tx, 0); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	w.log.Info().Msg("read model rebuild complete")
	return nil
}
