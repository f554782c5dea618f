package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Broadcast is the payload relayed between instances. Push assignments stay
// instance-local; only operator broadcasts and status rebroadcasts fan out.
type Broadcast struct {
	Message  json.RawMessage `json:"message"`
	WorkerID string          `json:"worker_id,omitempty"`
}

// Relay fans broadcasts out to every dispatcher instance through redis
// pub/sub, so sessions attached to other instances see them too.
type Relay struct {
	client  *redis.Client
	channel string
}

func NewRelay(addr, channel string) *Relay {
	return &Relay{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
	}
}

func (r *Relay) Publish(ctx context.Context, b Broadcast) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}

// Subscribe delivers every relayed broadcast to fn until ctx is cancelled.
// The publishing instance receives its own messages back, which is how its
// local sessions get them.
func (r *Relay) Subscribe(ctx context.Context, fn func(Broadcast)) {
	sub := r.client.Subscribe(ctx, r.channel)

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var b Broadcast
				if err := json.Unmarshal([]byte(msg.Payload), &b); err != nil {
					log.Warn().Err(err).Msg("malformed fanout payload")
					continue
				}
				fn(b)
			}
		}
	}()
}

func (r *Relay) Close() error {
	return r.client.Close()
}
