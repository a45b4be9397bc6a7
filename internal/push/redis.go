package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const relayChannel = "jobwatch:push"

type relayEnvelope struct {
	Origin  string  `json:"origin"`
	Message Message `json:"message"`
}

// RedisRelay mirrors hub traffic across server processes over Redis pub/sub.
// Local subscribers are served directly; frames coming back with our own origin are skipped.
type RedisRelay struct {
	client *redis.Client
	local  *Hub
	origin string
	logger *slog.Logger
}

// NewRedisRelay connects to redisURL (redis://...) and verifies the connection.
func NewRedisRelay(ctx context.Context, redisURL string, local *Hub, logger *slog.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client: client,
		local:  local,
		origin: uuid.New().String(),
		logger: logger,
	}, nil
}

// Publish delivers locally, then forwards to peers. A Redis failure only costs remote delivery.
func (r *RedisRelay) Publish(ctx context.Context, msg Message) error {
	if err := r.local.Publish(ctx, msg); err != nil {
		return err
	}
	payload, err := encodeEnvelope(r.origin, msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, relayChannel, payload).Err(); err != nil {
		r.logger.Warn("push: redis relay publish failed", "room", msg.Room, "type", msg.Type, "error", err)
	}
	return nil
}

// Run forwards peer frames into the local hub until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) {
	sub := r.client.Subscribe(ctx, relayChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			origin, msg, err := decodeEnvelope([]byte(m.Payload))
			if err != nil {
				r.logger.Warn("push: bad relay frame", "error", err)
				continue
			}
			if origin == r.origin {
				continue
			}
			if err := r.local.Publish(ctx, msg); err != nil {
				r.logger.Warn("push: relay delivery failed", "room", msg.Room, "error", err)
			}
		}
	}
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}

func encodeEnvelope(origin string, msg Message) ([]byte, error) {
	b, err := json.Marshal(relayEnvelope{Origin: origin, Message: msg})
	if err != nil {
		return nil, fmt.Errorf("marshal relay envelope: %w", err)
	}
	return b, nil
}

func decodeEnvelope(b []byte) (string, Message, error) {
	var env relayEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return "", Message{}, fmt.Errorf("unmarshal relay envelope: %w", err)
	}
	if env.Origin == "" || env.Message.Room == "" {
		return "", Message{}, fmt.Errorf("incomplete relay envelope")
	}
	return env.Origin, env.Message, nil
}
