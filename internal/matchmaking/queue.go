// Package matchmaking pairs waiting players across server processes.
//
// Every enqueue is pushed onto a shared list and mirrored as a publish on the
// waiting channel. Each process buffers the notifications it receives and
// pairs the two oldest entries as soon as it holds two. Pairing is not
// globally atomic; processes that saw the same notifications in the same
// order reach the same pairs.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/you/pong/backend/internal/store"
)

const (
	ListKey      = "players"
	WaitingTopic = "waiting"
	LeaveTopic   = "waiting:leave"

	defaultCtxTimeout = 5 * time.Second
	maxDeparted       = 1024
)

var ErrAlreadyQueued = errors.New("matchmaking: player already queued")

type backend interface {
	store.List
	store.Bus
}

// Lookup returns the live local player with id, or nil.
type Lookup func(id string) *Player

type queueStats interface {
	IncrQueue(ctx context.Context)
	DecrQueue(ctx context.Context)
}

type entry struct {
	player *Player
	raw    []byte
}

type Queue struct {
	logger   *slog.Logger
	backend  backend
	serverID string
	lookup   Lookup
	stats    queueStats
	onReady  func(Match)

	mu      sync.Mutex
	waiting []entry
	// own holds the records this process pushed for players still waiting.
	own map[string][]byte
	// Leave notices can overtake the entry they cancel; departed remembers
	// them until the entry shows up.
	departed      map[string]struct{}
	departedOrder []string

	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewQueue(
	logger *slog.Logger,
	backend backend,
	serverID string,
	lookup Lookup,
	stats queueStats,
	onReady func(Match),
) *Queue {
	return &Queue{
		logger:   logger.WithGroup("matchmaking"),
		backend:  backend,
		serverID: serverID,
		lookup:   lookup,
		stats:    stats,
		onReady:  onReady,
		own:      make(map[string][]byte),
		departed: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the waiting and leave channels. It returns once both
// subscriptions are active.
func (q *Queue) Start(ctx context.Context) error {
	var err error
	q.startOnce.Do(func() {
		var waitingSub, leaveSub store.Subscription

		waitingSub, err = q.backend.Subscribe(ctx, WaitingTopic)
		if err != nil {
			err = fmt.Errorf("could not subscribe to waiting players: %w", err)
			return
		}
		leaveSub, err = q.backend.Subscribe(ctx, LeaveTopic)
		if err != nil {
			_ = waitingSub.Close()
			err = fmt.Errorf("could not subscribe to leaving players: %w", err)
			return
		}

		loopCtx, cancel := context.WithCancel(context.Background())
		q.cancel = cancel
		go q.run(loopCtx, waitingSub, leaveSub)
	})
	return err
}

func (q *Queue) run(ctx context.Context, waitingSub, leaveSub store.Subscription) {
	defer close(q.done)
	defer waitingSub.Close()
	defer leaveSub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-waitingSub.Messages():
			if !ok {
				q.logger.Info("Waiting channel closed")
				return
			}
			q.handleWaiting(data)
		case data, ok := <-leaveSub.Messages():
			if !ok {
				q.logger.Info("Leave channel closed")
				return
			}
			q.drop(string(data))
		}
	}
}

// Enqueue pushes p onto the shared list and notifies every process.
func (q *Queue) Enqueue(ctx context.Context, p *Player) error {
	p.SetState(StateWaiting)
	raw, err := p.MarshalJSON()
	if err != nil {
		return fmt.Errorf("could not marshal player: %w", err)
	}

	q.mu.Lock()
	if _, ok := q.own[p.ID()]; ok {
		q.mu.Unlock()
		return ErrAlreadyQueued
	}
	q.own[p.ID()] = raw
	q.mu.Unlock()

	if err := q.backend.Push(ctx, ListKey, raw); err != nil {
		q.forget(p.ID())
		return fmt.Errorf("could not enqueue player: %w", err)
	}
	if err := q.backend.Publish(ctx, WaitingTopic, raw); err != nil {
		q.forget(p.ID())
		_, _ = q.backend.Remove(ctx, ListKey, raw)
		return fmt.Errorf("could not announce player: %w", err)
	}

	q.stats.IncrQueue(ctx)
	q.logger.Debug("Player enqueued", slog.String("player_id", p.ID()))
	return nil
}

// Remove takes a waiting local player out of the queue on every process. It
// reports false when the player was not waiting.
func (q *Queue) Remove(ctx context.Context, id string) bool {
	raw, ok := q.forget(id)
	if !ok {
		return false
	}
	q.drop(id)

	if _, err := q.backend.Remove(ctx, ListKey, raw); err != nil {
		q.logger.Error("Could not remove player from list", slog.String("player_id", id), slog.String("error", err.Error()))
	}
	if err := q.backend.Publish(ctx, LeaveTopic, []byte(id)); err != nil {
		q.logger.Error("Could not announce leaving player", slog.String("player_id", id), slog.String("error", err.Error()))
	}

	q.stats.DecrQueue(ctx)
	q.logger.Debug("Player left the queue", slog.String("player_id", id))
	return true
}

// Waiting returns the ids in the local buffer, oldest first.
func (q *Queue) Waiting() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, len(q.waiting))
	for i, e := range q.waiting {
		ids[i] = e.player.ID()
	}
	return ids
}

func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		if q.cancel == nil {
			close(q.done)
			return
		}
		q.cancel()
		<-q.done
	})
}

func (q *Queue) forget(id string) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw, ok := q.own[id]
	delete(q.own, id)
	return raw, ok
}

func (q *Queue) drop(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.waiting {
		if e.player.ID() == id {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return
		}
	}

	if _, ok := q.departed[id]; ok {
		return
	}
	q.departed[id] = struct{}{}
	q.departedOrder = append(q.departedOrder, id)
	if len(q.departedOrder) > maxDeparted {
		delete(q.departed, q.departedOrder[0])
		q.departedOrder = q.departedOrder[1:]
	}
}

func (q *Queue) handleWaiting(raw []byte) {
	p, err := DecodePlayer(raw)
	if err != nil {
		q.logger.Warn("Dropping malformed queue entry", slog.String("error", err.Error()))
		return
	}

	// A player this process already holds is used as is, so state changes
	// stay visible to its socket.
	if local := q.lookup(p.ID()); local != nil {
		if local.State() != StateWaiting {
			q.logger.Debug("Ignoring entry for player no longer waiting", slog.String("player_id", p.ID()))
			return
		}
		p = local
	}

	q.mu.Lock()
	if _, ok := q.departed[p.ID()]; ok {
		delete(q.departed, p.ID())
		q.mu.Unlock()
		return
	}
	for _, e := range q.waiting {
		if e.player.ID() == p.ID() {
			q.mu.Unlock()
			return
		}
	}
	q.waiting = append(q.waiting, entry{player: p, raw: raw})

	var pairs [][2]entry
	for len(q.waiting) >= 2 {
		pairs = append(pairs, [2]entry{q.waiting[0], q.waiting[1]})
		q.waiting = q.waiting[2:]
	}
	for _, pair := range pairs {
		for _, e := range pair {
			delete(q.own, e.player.ID())
		}
	}
	q.mu.Unlock()

	for _, pair := range pairs {
		q.pair(pair[0], pair[1])
	}
}

func (q *Queue) pair(left, right entry) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCtxTimeout)
	defer cancel()

	for _, e := range [2]entry{left, right} {
		e.player.SetState(StateMatching)
		if _, err := q.backend.Remove(ctx, ListKey, e.raw); err != nil {
			q.logger.Error("Could not remove paired player from list", slog.String("player_id", e.player.ID()), slog.String("error", err.Error()))
		}
		if e.player.Server() == q.serverID {
			q.stats.DecrQueue(ctx)
		}
	}

	m := NewMatch(left.player, right.player)
	left.player.SetState(StateReady)
	right.player.SetState(StateReady)

	q.logger.Info(
		"Players paired",
		slog.String("match_id", m.ID),
		slog.String("left", m.Left.ID()),
		slog.String("right", m.Right.ID()),
	)
	q.onReady(m)
}
