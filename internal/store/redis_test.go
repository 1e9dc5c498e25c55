package store

import (
	"context"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_Incr(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		incrFunc  func(ctx context.Context, key string) *redis.IntCmd
		expected  int64
		expectErr bool
	}{
		{
			name: "increments key",
			incrFunc: func(ctx context.Context, key string) *redis.IntCmd {
				assert.Equal(t, "global:player:count:total", key)

				cmd := redis.NewIntCmd(ctx)
				cmd.SetVal(42)
				return cmd
			},
			expected: 42,
		},
		{
			name: "client error",
			incrFunc: func(ctx context.Context, key string) *redis.IntCmd {
				cmd := redis.NewIntCmd(ctx)
				cmd.SetErr(assert.AnError)
				return cmd
			},
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mock := newRedisMock()
			mock.incrFunc = tc.incrFunc

			got, err := NewRedis(mock).Incr(context.TODO(), "global:player:count:total")
			if tc.expectErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, assert.AnError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestRedis_DecrFloorAndMaxUseScripts(t *testing.T) {
	t.Parallel()

	mock := newRedisMock()
	mock.evalFunc = func(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
		cmd := redis.NewCmd(ctx)
		switch script {
		case decrFloorScript:
			assert.Equal(t, []string{"global:game:count:current"}, keys)
			assert.Empty(t, args)
			cmd.SetVal(int64(0))
		case maxScript:
			assert.Equal(t, []string{"global:game:count:peak"}, keys)
			assert.Equal(t, []any{int64(7)}, args)
			cmd.SetVal(int64(9))
		default:
			t.Fatalf("unexpected script %q", script)
		}
		return cmd
	}

	r := NewRedis(mock)

	v, err := r.DecrFloor(context.TODO(), "global:game:count:current")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	v, err = r.Max(context.TODO(), "global:game:count:peak", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(9), v)

	assert.Equal(t, []string{decrFloorScript, maxScript}, mock.evalScripts)
}

func TestRedis_EvalError(t *testing.T) {
	t.Parallel()

	mock := newRedisMock()
	mock.evalFunc = func(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
		cmd := redis.NewCmd(ctx)
		cmd.SetErr(assert.AnError)
		return cmd
	}

	_, err := NewRedis(mock).DecrFloor(context.TODO(), "k")
	assert.ErrorIs(t, err, assert.AnError)

	_, err = NewRedis(mock).Max(context.TODO(), "k", 1)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRedis_Values(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		reply     []any
		expected  []int64
		expectErr bool
	}{
		{
			name:     "missing keys read as zero",
			reply:    []any{"3", nil, "12"},
			expected: []int64{3, 0, 12},
		},
		{
			name:      "non-integer value",
			reply:     []any{"3", "three", "1"},
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mock := newRedisMock()
			mock.mGetFunc = func(ctx context.Context, keys ...string) *redis.SliceCmd {
				assert.Equal(t, []string{"a", "b", "c"}, keys)

				cmd := redis.NewSliceCmd(ctx)
				cmd.SetVal(tc.reply)
				return cmd
			}

			got, err := NewRedis(mock).Values(context.TODO(), "a", "b", "c")
			if tc.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}

	got, err := NewRedis(newRedisMock()).Values(context.TODO())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedis_ListAndPublish(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"id":"p1"}`)

	mock := newRedisMock()
	mock.rPushFunc = func(ctx context.Context, key string, values ...any) *redis.IntCmd {
		assert.Equal(t, "players", key)
		assert.Equal(t, []any{payload}, values)

		cmd := redis.NewIntCmd(ctx)
		cmd.SetVal(1)
		return cmd
	}
	mock.lRemFunc = func(ctx context.Context, key string, count int64, value any) *redis.IntCmd {
		assert.Equal(t, "players", key)
		assert.Equal(t, int64(0), count, "every occurrence must be removed")
		assert.Equal(t, payload, value)

		cmd := redis.NewIntCmd(ctx)
		cmd.SetVal(2)
		return cmd
	}
	mock.publishFunc = func(ctx context.Context, channel string, message any) *redis.IntCmd {
		assert.Equal(t, "waiting", channel)
		assert.Equal(t, payload, message)

		cmd := redis.NewIntCmd(ctx)
		cmd.SetErr(assert.AnError)
		return cmd
	}

	r := NewRedis(mock)

	require.NoError(t, r.Push(context.TODO(), "players", payload))

	n, err := r.Remove(context.TODO(), "players", payload)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	err = r.Publish(context.TODO(), "waiting", payload)
	assert.ErrorIs(t, err, assert.AnError)

	require.NoError(t, r.Close())
	assert.True(t, mock.closeCalled)
}
