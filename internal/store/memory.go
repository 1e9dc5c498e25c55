package store

import (
	"bytes"
	"context"
	"sync"
)

const subscriptionBuffer = 256

// Memory is a single-process Store. Slow subscribers lose messages once
// their buffer is full, matching the at-most-once delivery of Redis pub/sub.
type Memory struct {
	mu       sync.Mutex
	counters map[string]int64
	lists    map[string][][]byte
	subs     map[string]map[*memorySubscription]struct{}
	closed   bool
}

func NewMemory() *Memory {
	return &Memory{
		counters: make(map[string]int64),
		lists:    make(map[string][][]byte),
		subs:     make(map[string]map[*memorySubscription]struct{}),
	}
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	m.counters[key]++
	return m.counters[key], nil
}

func (m *Memory) DecrFloor(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if m.counters[key] > 0 {
		m.counters[key]--
	} else {
		m.counters[key] = 0
	}
	return m.counters[key], nil
}

func (m *Memory) Max(_ context.Context, key string, v int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if v > m.counters[key] {
		m.counters[key] = v
	}
	return m.counters[key], nil
}

func (m *Memory) Values(_ context.Context, keys ...string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	values := make([]int64, len(keys))
	for i, k := range keys {
		values[i] = m.counters[k]
	}
	return values, nil
}

func (m *Memory) Push(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.lists[key] = append(m.lists[key], bytes.Clone(value))
	return nil
}

func (m *Memory) Remove(_ context.Context, key string, value []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	list := m.lists[key]
	kept := list[:0]
	var removed int64
	for _, v := range list {
		if bytes.Equal(v, value) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	m.lists[key] = kept
	return removed, nil
}

// Len reports the length of list key.
func (m *Memory) Len(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lists[key])
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for sub := range m.subs[channel] {
		select {
		case sub.out <- bytes.Clone(payload):
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, channel string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		store:   m,
		channel: channel,
		out:     make(chan []byte, subscriptionBuffer),
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySubscription]struct{})
	}
	m.subs[channel][sub] = struct{}{}
	return sub, nil
}

func (m *Memory) unsubscribe(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[sub.channel][sub]; !ok {
		return
	}
	delete(m.subs[sub.channel], sub)
	if len(m.subs[sub.channel]) == 0 {
		delete(m.subs, sub.channel)
	}
	close(sub.out)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for channel, subs := range m.subs {
		for sub := range subs {
			close(sub.out)
		}
		delete(m.subs, channel)
	}
	return nil
}

type memorySubscription struct {
	store   *Memory
	channel string
	out     chan []byte
}

func (s *memorySubscription) Messages() <-chan []byte {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.store.unsubscribe(s)
	return nil
}
