package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearth-app/hearth-server/internal/event"
	"github.com/hearth-app/hearth-server/internal/kv"
)

const (
	batchSize  = 32
	blockFor   = 5 * time.Second
	trimCycles = 100
)

// Worker drains the outbox within the shared consumer group and republishes each
// notification on the recipient's channel.
type Worker struct {
	kv       *kv.Client
	consumer string
	log      zerolog.Logger
}

// NewWorker creates a worker with a unique consumer name, typically derived from the
// instance identity.
func NewWorker(kvc *kv.Client, consumer string, logger zerolog.Logger) *Worker {
	return &Worker{
		kv:       kvc,
		consumer: consumer,
		log:      logger.With().Str("component", "notify").Str("consumer", consumer).Logger(),
	}
}

// Run drains the outbox until the context is cancelled. Entries that cannot be
// decoded are acknowledged and dropped; delivery failures leave the entry pending so
// another pass retries it.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.kv.CreateGroup(ctx, OutboxKey, Group, "$"); err != nil {
		return err
	}

	cycles := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		entries, err := w.kv.ReadGroup(ctx, OutboxKey, Group, w.consumer, batchSize, blockFor)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, e := range entries {
			w.deliver(ctx, e)
		}

		cycles++
		if cycles%trimCycles == 0 {
			if err := w.kv.Trim(ctx, OutboxKey, outboxMaxLen); err != nil {
				w.log.Warn().Err(err).Msg("Outbox trim failed")
			}
		}
	}
}

func (w *Worker) deliver(ctx context.Context, e kv.Entry) {
	n, err := fromEntry(e)
	if err != nil {
		w.log.Warn().Err(err).Str("entry_id", e.ID).Msg("Dropping undecodable notification")
		w.ack(ctx, e.ID)
		return
	}

	env, err := event.NewEnvelope(event.Notification, n)
	if err != nil {
		w.log.Error().Err(err).Str("entry_id", e.ID).Msg("Notification encode failed")
		w.ack(ctx, e.ID)
		return
	}
	if err := w.kv.Publish(ctx, event.NotificationChannel(n.UserID), env); err != nil {
		w.log.Warn().Err(err).Str("user_id", n.UserID).Msg("Notification publish failed, leaving pending")
		return
	}
	w.ack(ctx, e.ID)
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.kv.Ack(ctx, OutboxKey, Group, id); err != nil {
		w.log.Warn().Err(err).Str("entry_id", id).Msg("Notification ack failed")
	}
}
