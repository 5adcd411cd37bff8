package feed

import (
	"context"
	"encoding/json"
	"log"

	redis "github.com/redis/go-redis/v9"
)

const defaultChannel = "warungpos:changes"

// RedisFeed fans events out across processes via redis pub/sub. Terminals
// pointed at the same database share one channel.
type RedisFeed struct {
	client  *redis.Client
	channel string
}

func NewRedisFeed(addr string, password string, db int) *RedisFeed {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisFeed{client: client, channel: defaultChannel}
}

func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}

func (f *RedisFeed) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel, payload).Err()
}

func (f *RedisFeed) Subscribe(ctx context.Context) (<-chan Event, error) {
	sub := f.client.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	ch := make(chan Event, 64)
	go func() {
		defer close(ch)
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Printf("[feed] WARN: drop malformed event: %v", err)
					continue
				}
				select {
				case ch <- event:
				default:
				}
			}
		}
	}()
	return ch, nil
}
