package feed

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// NotifyChannel is the LISTEN channel written by the messages insert trigger.
const NotifyChannel = "chat_messages"

// PostgresBroker listens to the database's own notifications on a dedicated
// connection. Publish is a no-op because the insert trigger already notifies.
type PostgresBroker struct {
	databaseURL string
	hub         *Hub
	backoff     Backoff
	logger      *zap.Logger
}

func NewPostgresBroker(databaseURL string, buffer int, backoff Backoff, logger *zap.Logger) *PostgresBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresBroker{databaseURL: databaseURL, hub: NewHub(buffer, false), backoff: backoff, logger: logger}
}

func (b *PostgresBroker) Name() string { return "postgres" }

func (b *PostgresBroker) Subscribe(_ context.Context, chatID string) (*Subscription, error) {
	return b.hub.Subscribe(chatID)
}

func (b *PostgresBroker) Publish(context.Context, Event) error {
	return nil
}

func (b *PostgresBroker) Run(ctx context.Context) error {
	defer b.hub.Close()
	attempt := 0
	for {
		connected, err := b.pump(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		b.hub.SetAvailable(false, ErrUnavailable)
		b.logger.Warn("postgres feed lost", zap.Error(err), zap.Int("attempt", attempt))
		if !sleepCtx(ctx, b.backoff.Delay(attempt)) {
			return nil
		}
		attempt++
	}
}

func (b *PostgresBroker) pump(ctx context.Context) (bool, error) {
	conn, err := pgx.Connect(ctx, b.databaseURL)
	if err != nil {
		return false, fmt.Errorf("connect feed listener: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{NotifyChannel}.Sanitize()); err != nil {
		return false, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	b.hub.SetAvailable(true, nil)
	b.logger.Info("postgres feed listening", zap.String("channel", NotifyChannel))

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, fmt.Errorf("wait for notification: %w", err)
		}
		ev, err := DecodeEvent([]byte(notification.Payload))
		if err != nil {
			b.logger.Warn("dropping malformed feed event", zap.Error(err))
			continue
		}
		b.hub.Dispatch(ev)
	}
}

func (b *PostgresBroker) Available() bool {
	return b.hub.Available()
}
