package store

import (
	"context"
	"sync"

	"github.com/go-redis/redis/v8"
)

var _ redisClient = &redisMock{}

type redisMock struct {
	mu          sync.Mutex
	evalScripts []string
	closeCalled bool

	incrFunc    func(ctx context.Context, key string) *redis.IntCmd
	mGetFunc    func(ctx context.Context, keys ...string) *redis.SliceCmd
	rPushFunc   func(ctx context.Context, key string, values ...any) *redis.IntCmd
	lRemFunc    func(ctx context.Context, key string, count int64, value any) *redis.IntCmd
	publishFunc func(ctx context.Context, channel string, message any) *redis.IntCmd
	evalFunc    func(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

func newRedisMock() *redisMock {
	return &redisMock{}
}

func (m *redisMock) Incr(ctx context.Context, key string) *redis.IntCmd {
	if m.incrFunc != nil {
		return m.incrFunc(ctx, key)
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(1)
	return cmd
}

func (m *redisMock) MGet(ctx context.Context, keys ...string) *redis.SliceCmd {
	if m.mGetFunc != nil {
		return m.mGetFunc(ctx, keys...)
	}
	cmd := redis.NewSliceCmd(ctx)
	cmd.SetVal(make([]any, len(keys)))
	return cmd
}

func (m *redisMock) RPush(ctx context.Context, key string, values ...any) *redis.IntCmd {
	if m.rPushFunc != nil {
		return m.rPushFunc(ctx, key, values...)
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(values)))
	return cmd
}

func (m *redisMock) LRem(ctx context.Context, key string, count int64, value any) *redis.IntCmd {
	if m.lRemFunc != nil {
		return m.lRemFunc(ctx, key, count, value)
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(0)
	return cmd
}

func (m *redisMock) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	if m.publishFunc != nil {
		return m.publishFunc(ctx, channel, message)
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(0)
	return cmd
}

// Subscribe is exercised against a real Redis in the e2e suite.
func (m *redisMock) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	panic("redisMock: Subscribe is not supported")
}

func (m *redisMock) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	m.mu.Lock()
	m.evalScripts = append(m.evalScripts, script)
	m.mu.Unlock()

	if m.evalFunc != nil {
		return m.evalFunc(ctx, script, keys, args...)
	}
	cmd := redis.NewCmd(ctx)
	cmd.SetVal(int64(0))
	return cmd
}

func (m *redisMock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}
