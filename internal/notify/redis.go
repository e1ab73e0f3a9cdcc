package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultStream is the Redis Stream events are appended to.
const DefaultStream = "teamwarden:events"

// RedisSink appends events to a Redis Stream so other processes can
// follow team activity.
type RedisSink struct {
	rdb    *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewRedisSink connects to redisURL and verifies the connection.
func NewRedisSink(ctx context.Context, redisURL, stream string, maxLen int64, logger *zap.Logger) (*RedisSink, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{rdb: rdb, stream: stream, maxLen: maxLen, logger: logger}, nil
}

func (r *RedisSink) Name() string { return "redis" }

// Send XADDs the event as a JSON "data" field.
func (r *RedisSink) Send(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"kind": string(ev.Kind),
			"team": ev.TeamID,
			"data": string(data),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if _, err := r.rdb.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("publish to %s: %w", r.stream, err)
	}
	r.logger.Debug("published event",
		zap.String("stream", r.stream),
		zap.String("kind", string(ev.Kind)),
		zap.String("team", ev.TeamID))
	return nil
}

// Subscribe follows the stream from entries added after the call (or
// after fromID when set). Cancel ctx to stop; the channel is then closed.
func (r *RedisSink) Subscribe(ctx context.Context, fromID string) <-chan Event {
	ch := make(chan Event, 16)
	lastID := fromID
	if lastID == "" {
		lastID = "$"
	}

	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := r.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{r.stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				continue
			}

			for _, res := range results {
				for _, msg := range res.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var ev Event
					if json.Unmarshal([]byte(data), &ev) != nil {
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (r *RedisSink) Close() error {
	return r.rdb.Close()
}
