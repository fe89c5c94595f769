package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/robertosilvah/rdtmgr/internal/view"
)

// DefaultChannel is the Redis channel actions are relayed on.
const DefaultChannel = "rdtmgr:actions"

// Sink receives the actions of a location.
type Sink interface {
	Publish(ctx context.Context, locationID int64, a view.Action) error
}

// envelope is the relayed form of an action.
type envelope struct {
	LocationID int64           `json:"locationId"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

func encodeEnvelope(locationID int64, a view.Action) ([]byte, error) {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return json.Marshal(envelope{LocationID: locationID, Type: a.Type, Payload: payload})
}

func decodeEnvelope(data []byte) (int64, view.Action, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return 0, view.Action{}, fmt.Errorf("decode envelope: %w", err)
	}
	return e.LocationID, view.Action{Type: e.Type, Payload: e.Payload}, nil
}

// RedisRelay shares actions between instances through Redis pub/sub. Every
// instance publishes its actions to the channel and delivers what it reads
// from it to its local hub, so clients connected anywhere see every line.
type RedisRelay struct {
	rdb     *redis.Client
	channel string
	local   Sink
	log     *slog.Logger
}

// NewRedisRelay connects to the Redis server at url. Received actions go to
// local.
func NewRedisRelay(url, channel string, local Sink, log *slog.Logger) (*RedisRelay, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisRelay{
		rdb:     redis.NewClient(opt),
		channel: channel,
		local:   local,
		log:     log.With("component", "relay"),
	}, nil
}

// Ping checks the Redis connection.
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// Publish sends the action to every instance, this one included.
func (r *RedisRelay) Publish(ctx context.Context, locationID int64, a view.Action) error {
	data, err := encodeEnvelope(locationID, a)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.rdb.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Run delivers relayed actions to the local sink until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	ps := r.rdb.Subscribe(ctx, r.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			id, a, err := decodeEnvelope([]byte(msg.Payload))
			if err != nil {
				r.log.Warn("dropping relayed message", "error", err)
				continue
			}
			if err := r.local.Publish(ctx, id, a); err != nil {
				r.log.Error("deliver relayed action", "location", id, "error", err)
			}
		}
	}
}

// Close closes the Redis client.
func (r *RedisRelay) Close() error {
	return r.rdb.Close()
}
