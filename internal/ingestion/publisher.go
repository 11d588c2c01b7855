package ingestion

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"SynthLedger/internal/core"
)

// Publisher publishes processed event envelopes to NATS for downstream
// consumers. Subjects follow synthledger.evt.<event_type>. Publish
// failures are non-fatal: consumers can always catch up from the event
// log over the query API.
type Publisher struct {
	js        jetstream.JetStream
	inputChan <-chan core.Output
	log       zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, inputChan <-chan core.Output, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:        js,
		inputChan: inputChan,
		log:       log,
	}
}

// Run starts the publisher loop. Blocks until ctx is cancelled or the
// input channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-p.inputChan:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, out); err != nil {
				p.log.Warn().
					Err(err).
					Uint64("sequence", out.Envelope.Sequence).
					Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, out core.Output) error {
	data, err := out.Envelope.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", EventSubjectPrefix, out.Envelope.Type)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}
