package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	fanoutChannel  = "soundstage:fanout"
	publishTimeout = 5 * time.Second
)

// RedisBridge implements Bridge over a single Redis pub/sub channel.
type RedisBridge struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisBridge creates a Redis pub/sub bridge for hub fan-outs.
func NewRedisBridge(client *redis.Client, logger *zap.Logger) *RedisBridge {
	return &RedisBridge{client: client, channel: fanoutChannel, logger: logger}
}

// Publish sends the frame to every subscribed instance, including this one.
func (r *RedisBridge) Publish(ctx context.Context, f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, r.channel, body).Err()
}

// Subscribe calls handler for each frame until cancel is called or ctx is done.
func (r *RedisBridge) Subscribe(ctx context.Context, handler func(Frame)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(ctx)
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var f Frame
				if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
					r.logger.Warn("drop malformed fanout frame", zap.Error(err))
					continue
				}
				handler(f)
			}
		}
	}()
	return cancelCtx, nil
}
