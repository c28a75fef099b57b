package notify

import (
	"context"
	"log/slog"
	"time"
)

// Event is one staged notification from the outbox table.
type Event struct {
	ID        int64
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Gateway delivers a notification to its downstream channel. Delivery is
// best-effort; a failed send never affects the committed state change that
// produced it.
type Gateway interface {
	Send(ctx context.Context, topic string, payload []byte) error
}

// SlogGateway writes notifications to the structured log. It stands in for
// the email and push channels in development and tests.
type SlogGateway struct {
	log *slog.Logger
}

func NewSlogGateway(log *slog.Logger) *SlogGateway {
	if log == nil {
		log = slog.Default()
	}
	return &SlogGateway{log: log}
}

func (g *SlogGateway) Send(ctx context.Context, topic string, payload []byte) error {
	g.log.InfoContext(ctx, "notification", "topic", topic, "payload", string(payload))
	return nil
}
