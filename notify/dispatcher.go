package notify

import (
	"context"
	"log/slog"
	"time"
)

// Dispatcher polls the outbox and delivers staged notifications after the
// transactions that produced them have committed. Failures are logged and
// retried on the next tick; rows exhaust after ten attempts.
type Dispatcher struct {
	store     Store
	gateway   Gateway
	log       *slog.Logger
	batchSize int
	interval  time.Duration
}

func NewDispatcher(store Store, gateway Gateway, log *slog.Logger, batchSize int, interval time.Duration) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Dispatcher{
		store:     store,
		gateway:   gateway,
		log:       log,
		batchSize: batchSize,
		interval:  interval,
	}
}

// Run polls until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil {
				d.log.ErrorContext(ctx, "outbox dispatch failed", "error", err)
			}
		}
	}
}

// DispatchOnce delivers one batch and returns how many notifications were
// sent successfully.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	events, err := d.store.FetchPending(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, ev := range events {
		if err := d.gateway.Send(ctx, ev.Topic, ev.Payload); err != nil {
			d.log.WarnContext(ctx, "notification delivery failed",
				"topic", ev.Topic, "outbox_id", ev.ID, "attempts", ev.Attempts+1, "error", err)
			if err := d.store.MarkFailed(ctx, ev.ID); err != nil {
				return sent, err
			}
			continue
		}
		if err := d.store.MarkSent(ctx, ev.ID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
