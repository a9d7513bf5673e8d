package feed

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisChannelPattern = "chat:*:messages"

func redisChannel(chatID string) string {
	return "chat:" + chatID + ":messages"
}

func chatIDFromChannel(channel string) (string, bool) {
	if !strings.HasPrefix(channel, "chat:") || !strings.HasSuffix(channel, ":messages") {
		return "", false
	}
	chatID := strings.TrimSuffix(strings.TrimPrefix(channel, "chat:"), ":messages")
	return chatID, chatID != ""
}

// RedisBroker fans messages out across API instances over Redis pub/sub.
// Publish is called by the message log after each committed insert.
type RedisBroker struct {
	client  *redis.Client
	hub     *Hub
	backoff Backoff
	logger  *zap.Logger
}

func NewRedisBroker(client *redis.Client, buffer int, backoff Backoff, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{client: client, hub: NewHub(buffer, false), backoff: backoff, logger: logger}
}

func (b *RedisBroker) Name() string { return "redis" }

func (b *RedisBroker) Subscribe(_ context.Context, chatID string) (*Subscription, error) {
	return b.hub.Subscribe(chatID)
}

func (b *RedisBroker) Publish(ctx context.Context, ev Event) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, redisChannel(ev.ChatID), payload).Err(); err != nil {
		return fmt.Errorf("publish feed event: %w", err)
	}
	return nil
}

func (b *RedisBroker) Run(ctx context.Context) error {
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
		b.logger.Warn("redis feed lost", zap.Error(err), zap.Int("attempt", attempt))
		if !sleepCtx(ctx, b.backoff.Delay(attempt)) {
			return nil
		}
		attempt++
	}
}

func (b *RedisBroker) pump(ctx context.Context) (bool, error) {
	pubsub := b.client.PSubscribe(ctx, redisChannelPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return false, fmt.Errorf("confirm psubscribe: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = pubsub.Close() })
	defer stop()

	b.hub.SetAvailable(true, nil)
	b.logger.Info("redis feed listening", zap.String("pattern", redisChannelPattern))

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return true, ctx.Err()
			}
			return true, fmt.Errorf("receive feed message: %w", err)
		}
		chatID, ok := chatIDFromChannel(msg.Channel)
		if !ok {
			continue
		}
		ev, err := DecodeEvent([]byte(msg.Payload))
		if err != nil {
			b.logger.Warn("dropping malformed feed event", zap.String("channel", msg.Channel), zap.Error(err))
			continue
		}
		if ev.ChatID != chatID {
			b.logger.Warn("feed event chat mismatch", zap.String("channel", msg.Channel), zap.String("chat_id", ev.ChatID))
			continue
		}
		b.hub.Dispatch(ev)
	}
}

// Available reports whether the pump is connected.
func (b *RedisBroker) Available() bool {
	return b.hub.Available()
}
