package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/zsprackett/agent-relay/internal/events"
)

const DefaultChannel = "relay:events"

// RedisBus publishes envelopes as JSON on one cluster-wide redis channel.
type RedisBus struct {
	rdb     redis.UniversalClient
	channel string
	logger  *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

func NewRedisBus(rdb redis.UniversalClient, channel string, logger *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

func (b *RedisBus) Publish(ctx context.Context, env *events.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	select {
	case <-b.done:
		return ErrBusUnavailable
	default:
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: publish: %w", ErrBusUnavailable, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler, ready func()) error {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed so transport failures
	// surface here instead of as a silent empty channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("%w: subscribe %s: %w", ErrBusUnavailable, b.channel, err)
	}
	b.logger.Info("bus: subscribed", "channel", b.channel)

	ch := pubsub.Channel()
	if ready != nil {
		ready()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.done:
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("%w: subscription closed", ErrBusUnavailable)
			}
			var env events.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Warn("bus: dropping undecodable envelope", "err", err)
				continue
			}
			if err := env.Validate(); err != nil {
				b.logger.Warn("bus: dropping invalid envelope", "err", err)
				continue
			}
			h(ctx, &env)
		}
	}
}

// Close stops active subscriptions. The redis client is owned by the caller.
func (b *RedisBus) Close() error {
	b.closeOnce.Do(func() { close(b.done) })
	return nil
}
