// Package redis carries peer messages over redis pub/sub, one redis channel per
// room. Messages a peer publishes are filtered out of its own subscriptions.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/astromechza/automerge-whiteboard/pkg/collab"
)

const channelPrefix = "whiteboard:"

type Channel struct {
	rdb     *redis.Client
	channel string
	id      string
	logger  *slog.Logger
}

var _ collab.Channel = (*Channel)(nil)

// New joins room on rdb. The client is owned by the caller.
func New(rdb *redis.Client, room string, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{
		rdb:     rdb,
		channel: channelPrefix + room,
		id:      uuid.NewString(),
		logger:  logger.With("channel", channelPrefix+room),
	}
}

// Connect creates a client for addr and checks it can reach the server.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

func (c *Channel) ID() string {
	return c.id
}

func (c *Channel) BroadcastMessage(ctx context.Context, msgType string, content json.RawMessage) error {
	payload, err := json.Marshal(collab.Message{Type: msgType, Content: content, SenderID: c.id})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := c.rdb.Publish(ctx, c.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (c *Channel) ObserveMessages(ctx context.Context) (<-chan collab.Message, error) {
	pubsub := c.rdb.Subscribe(ctx, c.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan collab.Message, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		in := pubsub.Channel()
		for {
			select {
			case raw, ok := <-in:
				if !ok {
					return
				}
				var msg collab.Message
				if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
					c.logger.Error("failed to decode message", "err", err)
					continue
				}
				if msg.SenderID == c.id {
					continue
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
