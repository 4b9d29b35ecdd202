// Package redisbus fans socket events out to every API instance through Redis pub/sub.
package redisbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/masomo/campus/core"
	"github.com/masomo/campus/core/chat"
)

// envelope is what travels on the Redis channel.
type envelope struct {
	Rooms []string        `json:"rooms"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Bus publishes to Redis; Run forwards what every instance published to the local publisher (the hub).
type Bus struct {
	client  redis.UniversalClient
	channel string
	local   chat.Publisher
	logger  core.Logger
}

var _ chat.Publisher = (*Bus)(nil)

// NewClient connects to the Redis server at url.
func NewClient(ctx context.Context, url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parsing redis url")
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err = client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "pinging redis")
	}
	return client, nil
}

func New(client redis.UniversalClient, channel string, local chat.Publisher, logger core.Logger) *Bus {
	return &Bus{
		client:  client,
		channel: channel,
		local:   local,
		logger:  logger,
	}
}

func (b *Bus) Publish(ctx context.Context, rooms []string, event string, data interface{}) error {
	env := envelope{Rooms: rooms, Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return errors.Wrap(err, "encoding event data")
		}
		env.Data = raw
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "encoding envelope")
	}
	return errors.Wrap(b.client.Publish(ctx, b.channel, payload).Err(), "publishing to redis")
}

// Run subscribes to the channel and forwards every event to the local publisher until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrap(err, "subscribing to redis")
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.dispatch(ctx, []byte(msg.Payload))
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Error("dropping malformed redis event", errors.Wrap(err, "decoding envelope"))
		return
	}
	var data interface{}
	if len(env.Data) > 0 {
		data = env.Data
	}
	if err := b.local.Publish(ctx, env.Rooms, env.Event, data); err != nil {
		b.logger.Error("forwarding redis event", errors.Wrap(err, "publishing locally"))
	}
}

func (b *Bus) Close() error {
	return b.client.Close()
}
