// Package consume drains work queues: a pump delivers received messages
// to a handler and acknowledges the ones it handles, leaving failures
// for redelivery and eventual dead-lettering.
package consume

import (
	"context"
	"log/slog"
	"time"

	"github.com/clinichub/ddxwatch/internal/queue"
)

const (
	defaultPollEvery = 2 * time.Second
	defaultBatchSize = 10
)

// Handler processes one message. A returned error leaves the message
// invisible until its visibility timeout lapses; the queue dead-letters
// it after the receive cap.
type Handler interface {
	Handle(ctx context.Context, msg *queue.Message) error
}

// Pump pulls batches from one queue into a handler.
type Pump struct {
	queue   *queue.Queue
	handler Handler
	logger  *slog.Logger

	pollEvery time.Duration
	batchSize int
}

// NewPump creates a pump over the queue.
func NewPump(q *queue.Queue, handler Handler, logger *slog.Logger) *Pump {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pump{
		queue:     q,
		handler:   handler,
		logger:    logger,
		pollEvery: defaultPollEvery,
		batchSize: defaultBatchSize,
	}
}

// Start pumps until the context is canceled.
func (p *Pump) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Drain(ctx); err != nil {
				p.logger.Warn("queue drain failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Drain processes every currently visible message. Exported for
// one-shot runs and tests.
func (p *Pump) Drain(ctx context.Context) error {
	for {
		msgs, err := p.queue.Receive(ctx, p.batchSize)
		if err != nil {
			return err
		}

		if len(msgs) == 0 {
			return nil
		}

		for i := range msgs {
			msg := &msgs[i]

			if err := p.handler.Handle(ctx, msg); err != nil {
				// Left unacked: redelivered after the visibility
				// timeout, dead-lettered past the receive cap.
				p.logger.Warn("message handling failed",
					slog.String("message", msg.ID),
					slog.Int("receive_count", msg.ReceiveCount),
					slog.String("error", err.Error()),
				)

				continue
			}

			if err := p.queue.Ack(ctx, msg.ID); err != nil {
				return err
			}
		}
	}
}
