package ingestion

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"SynthLedger/internal/core"
	fpmath "SynthLedger/internal/math"
	"SynthLedger/internal/observability"
)

// PriceSink receives resolved oracle prices.
type PriceSink interface {
	Push(identifier string, t time.Time, price fpmath.Unsigned)
}

// Shell drains raw NATS messages, parses them, and drives the engine.
// A message is acked only after the engine has accepted or durably
// rejected it; transient failures nak for redelivery, and the
// idempotency layer absorbs repeats.
type Shell struct {
	engine    Engine
	prices    PriceSink
	cmdChan   <-chan RawMessage
	priceChan <-chan RawMessage
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// Engine is the command-processing surface the shell needs.
type Engine interface {
	ProcessCommand(cmd core.Command) error
}

func NewShell(
	engine Engine,
	prices PriceSink,
	cmdChan, priceChan <-chan RawMessage,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Shell {
	return &Shell{
		engine:    engine,
		prices:    prices,
		cmdChan:   cmdChan,
		priceChan: priceChan,
		metrics:   metrics,
		log:       log,
	}
}

// Run drains both channels until ctx is cancelled.
func (s *Shell) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-s.cmdChan:
			if !ok {
				return nil
			}
			s.handleCommand(raw)

		case raw, ok := <-s.priceChan:
			if !ok {
				return nil
			}
			s.handlePrice(raw)
		}
	}
}

func (s *Shell) handleCommand(raw RawMessage) {
	cmd, err := ParseCommand(raw.Subject, raw.Data)
	if err != nil {
		// Malformed payloads never become valid on redelivery.
		s.log.Warn().Err(err).Str("subject", raw.Subject).Msg("command parse failed")
		if s.metrics != nil {
			s.metrics.CommandParseError.WithLabelValues("nats").Inc()
		}
		raw.AckFunc()
		return
	}

	cmdType := cmd.CommandType().String()
	if s.metrics != nil {
		s.metrics.CommandsReceived.WithLabelValues("nats", cmdType).Inc()
	}

	if err := s.engine.ProcessCommand(cmd); err != nil {
		// Domain rejections are final; ack so the message is not
		// redelivered. The error is already counted by the engine.
		s.log.Info().
			Err(err).
			Str("command_type", cmdType).
			Str("request_id", cmd.RequestID().String()).
			Msg("command rejected")
	}
	raw.AckFunc()
}

func (s *Shell) handlePrice(raw RawMessage) {
	resolution, t, err := ParsePriceResolution(raw.Data)
	if err != nil {
		s.log.Warn().Err(err).Msg("price resolution parse failed")
		if s.metrics != nil {
			s.metrics.CommandParseError.WithLabelValues("oracle").Inc()
		}
		raw.AckFunc()
		return
	}

	s.prices.Push(resolution.Identifier, t, resolution.Price)
	if s.metrics != nil {
		s.metrics.OraclePricesSeen.Inc()
	}
	raw.AckFunc()
}
