package progress

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"

	"github.com/phraseforge/phraseforge/pkg/logger"
	"github.com/phraseforge/phraseforge/pkg/metrics"
	"github.com/phraseforge/phraseforge/pkg/sse"
)

// notifyChannel is the Postgres NOTIFY channel carrying progress
// events. Every server instance listens, so events reach subscribers
// regardless of which instance processed the chunk.
const notifyChannel = "pf_job_progress"

// Broker bridges progress events across server instances over Postgres
// LISTEN/NOTIFY and fans them into the local hub.
type Broker struct {
	pool   *pgxpool.Pool
	hub    *Hub
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBroker creates the broker and starts its listener with the fx
// lifecycle.
func NewBroker(lc fx.Lifecycle, pool *pgxpool.Pool, hub *Hub, log *slog.Logger) *Broker {
	b := &Broker{
		pool: pool,
		hub:  hub,
		log:  log.With(logger.Scope("progress.broker")),
		done: make(chan struct{}),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			listenCtx, cancel := context.WithCancel(context.Background())
			b.cancel = cancel
			go b.listen(listenCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if b.cancel != nil {
				b.cancel()
			}
			select {
			case <-b.done:
			case <-ctx.Done():
			}
			return nil
		},
	})
	return b
}

// Publish sends an event through Postgres so every instance's hub sees
// it. At-least-once: a local broadcast is not attempted separately, the
// notification loops back to this instance too.
func (b *Broker) Publish(ctx context.Context, event sse.JobProgressEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.log.Error("failed to encode progress event", logger.Error(err))
		return
	}

	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", notifyChannel, string(payload)); err != nil {
		b.log.Error("failed to publish progress event",
			slog.String("job_id", event.JobID),
			logger.Error(err),
		)
		// Degrade to local-only delivery so this instance's
		// subscribers still see the event.
		b.hub.Broadcast(event)
		return
	}
	metrics.ProgressEvents.Inc()
}

// listen holds a dedicated connection on LISTEN and pushes incoming
// notifications into the hub, reconnecting with backoff on failure.
func (b *Broker) listen(ctx context.Context) {
	defer close(b.done)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := b.listenOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.log.Warn("progress listener disconnected, retrying", logger.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (b *Broker) listenOnce(ctx context.Context) error {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return err
	}
	b.log.Info("listening for progress notifications", slog.String("channel", notifyChannel))

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		var event sse.JobProgressEvent
		if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
			b.log.Warn("dropping malformed progress notification", logger.Error(err))
			continue
		}
		b.hub.Broadcast(event)
	}
}
