package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_Counters(t *testing.T) {
	t.Parallel()

	ctx := context.TODO()
	m := NewMemory()

	v, err := m.DecrFloor(ctx, "current")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v, "decrement below zero is clamped")

	for i := 0; i < 3; i++ {
		_, err = m.Incr(ctx, "current")
		require.NoError(t, err)
	}
	v, err = m.DecrFloor(ctx, "current")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	v, err = m.Max(ctx, "peak", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	v, err = m.Max(ctx, "peak", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	values, err := m.Values(ctx, "current", "peak", "missing")
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 5, 0}, values)
}

func TestMemory_ConcurrentIncrements(t *testing.T) {
	t.Parallel()

	ctx := context.TODO()
	m := NewMemory()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Incr(ctx, "total")
			_, _ = m.DecrFloor(ctx, "current")
		}()
	}
	wg.Wait()

	values, err := m.Values(ctx, "total", "current")
	require.NoError(t, err)
	assert.Equal(t, []int64{50, 0}, values)
}

func TestMemory_List(t *testing.T) {
	t.Parallel()

	ctx := context.TODO()
	m := NewMemory()

	require.NoError(t, m.Push(ctx, "players", []byte("a")))
	require.NoError(t, m.Push(ctx, "players", []byte("b")))
	require.NoError(t, m.Push(ctx, "players", []byte("a")))
	assert.Equal(t, 3, m.Len("players"))

	n, err := m.Remove(ctx, "players", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 1, m.Len("players"))

	n, err = m.Remove(ctx, "players", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = m.Remove(ctx, "nothing", []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestMemory_PubSubOrder(t *testing.T) {
	t.Parallel()

	ctx := context.TODO()
	m := NewMemory()

	sub, err := m.Subscribe(ctx, "waiting")
	require.NoError(t, err)
	other, err := m.Subscribe(ctx, "elsewhere")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Publish(ctx, "waiting", []byte(fmt.Sprint(i))))
	}

	for i := 0; i < 10; i++ {
		select {
		case msg := <-sub.Messages():
			assert.Equal(t, fmt.Sprint(i), string(msg))
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
	}
	assert.Empty(t, other.Messages())

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, ok := <-sub.Messages()
	assert.False(t, ok, "closed subscription channel")

	require.NoError(t, m.Publish(ctx, "waiting", []byte("after close")))
}

func TestMemory_PublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	t.Parallel()

	ctx := context.TODO()
	m := NewMemory()

	sub, err := m.Subscribe(ctx, "relay")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriptionBuffer*2; i++ {
			_ = m.Publish(ctx, "relay", []byte("u"))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, sub.Messages(), subscriptionBuffer)
}

func TestMemory_Close(t *testing.T) {
	t.Parallel()

	ctx := context.TODO()
	m := NewMemory()

	sub, err := m.Subscribe(ctx, "waiting")
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, ok := <-sub.Messages()
	assert.False(t, ok)
	require.NoError(t, sub.Close())

	_, err = m.Incr(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Push(ctx, "k", []byte("v")), ErrClosed)
	assert.ErrorIs(t, m.Publish(ctx, "k", nil), ErrClosed)
	_, err = m.Subscribe(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
}
