package notify

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

var errNotSubscribed = errors.New("notify: redis listener is not subscribed")

// RedisConnector uses Redis pub/sub as the shared channel.
type RedisConnector struct {
	client *redis.Client
}

// NewRedisConnector wraps an existing client. The client is owned by the caller.
func NewRedisConnector(client *redis.Client) *RedisConnector {
	return &RedisConnector{client: client}
}

func (c *RedisConnector) Connect(ctx context.Context) (Listener, error) {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &redisListener{client: c.client}, nil
}

func (c *RedisConnector) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.client.Publish(ctx, channel, payload).Err()
}

type redisListener struct {
	client *redis.Client
	pubsub *redis.PubSub
}

func (l *redisListener) Listen(ctx context.Context, channel string) error {
	pubsub := l.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	l.pubsub = pubsub
	return nil
}

func (l *redisListener) WaitForNotification(ctx context.Context) ([]byte, error) {
	if l.pubsub == nil {
		return nil, errNotSubscribed
	}
	message, err := l.pubsub.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(message.Payload), nil
}

func (l *redisListener) Close(context.Context) error {
	if l.pubsub == nil {
		return nil
	}
	return l.pubsub.Close()
}
