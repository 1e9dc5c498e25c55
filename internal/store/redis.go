package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	pingTimeout = 3 * time.Second

	decrFloorScript = `
local v = redis.call("DECR", KEYS[1])
if v < 0 then
	redis.call("SET", KEYS[1], 0)
	return 0
end
return v
`

	maxScript = `
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local v = tonumber(ARGV[1])
if v > cur then
	redis.call("SET", KEYS[1], v)
	return v
end
return cur
`
)

type redisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	MGet(ctx context.Context, keys ...string) *redis.SliceCmd
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	LRem(ctx context.Context, key string, count int64, value any) *redis.IntCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	Close() error
}

// NewRedisClient connects to addr, which is either host:port or a redis:// URL.
func NewRedisClient(addr string) (*redis.Client, error) {
	var options *redis.Options

	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("could not parse Redis URL: %w", err)
		}
		options = opt
	} else {
		options = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("could not connect to Redis: %w", err)
	}
	return client, nil
}

type Redis struct {
	client redisClient
}

func NewRedis(client redisClient) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Incr(ctx context.Context, key string) (int64, error) {
	v, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("could not increment %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) DecrFloor(ctx context.Context, key string) (int64, error) {
	v, err := r.client.Eval(ctx, decrFloorScript, []string{key}).Int64()
	if err != nil {
		return 0, fmt.Errorf("could not decrement %s: %w", key, err)
	}
	return v, nil
}

func (r *Redis) Max(ctx context.Context, key string, v int64) (int64, error) {
	got, err := r.client.Eval(ctx, maxScript, []string{key}, v).Int64()
	if err != nil {
		return 0, fmt.Errorf("could not update peak %s: %w", key, err)
	}
	return got, nil
}

func (r *Redis) Values(ctx context.Context, keys ...string) ([]int64, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	raw, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("could not read counters: %w", err)
	}

	values := make([]int64, len(keys))
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s holds non-integer %q: %w", keys[i], s, err)
		}
		values[i] = n
	}
	return values, nil
}

func (r *Redis) Push(ctx context.Context, key string, value []byte) error {
	if err := r.client.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("could not push to %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, key string, value []byte) (int64, error) {
	n, err := r.client.LRem(ctx, key, 0, value).Result()
	if err != nil {
		return 0, fmt.Errorf("could not remove from %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("could not publish on %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channel)

	// Wait for the SUBSCRIBE confirmation so nothing published after we
	// return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("could not subscribe to %s: %w", channel, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan []byte, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	go sub.forward()
	return sub, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *redisSubscription) forward() {
	defer close(s.out)

	for msg := range s.pubsub.Channel() {
		select {
		case s.out <- []byte(msg.Payload):
		case <-s.done:
			return
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
