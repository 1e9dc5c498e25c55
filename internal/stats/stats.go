// Package stats keeps the instance-wide counters in the shared store and the
// process-local connection and message counters.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/you/pong/backend/internal/matchmaking"
	"github.com/you/pong/backend/internal/protocol"
	"github.com/you/pong/backend/internal/store"
)

const defaultCtxTimeout = 2 * time.Second

type Family string

const (
	Instance Family = "instance"
	Game     Family = "game"
	Player   Family = "player"
	Queue    Family = "queue"
)

var families = [...]Family{Instance, Game, Player, Queue}

// Key names the shared counter for family and kind (current, peak or total).
func Key(f Family, kind string) string {
	return "global:" + string(f) + ":count:" + kind
}

type Aggregator struct {
	logger    *slog.Logger
	counters  store.Counters
	serverID  string
	startedAt time.Time
	now       func() time.Time

	mu         sync.RWMutex
	global     protocol.GlobalStats
	connCur    int64
	connPeak   int64
	connTotal  int64
	messages   atomic.Int64
	refreshing chan struct{}
}

func New(logger *slog.Logger, counters store.Counters, serverID string) *Aggregator {
	return &Aggregator{
		logger:    logger.WithGroup("stats"),
		counters:  counters,
		serverID:  serverID,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Checkin registers this process in the instance counters. A failure means
// the shared store is unusable.
func (a *Aggregator) Checkin(ctx context.Context) error {
	if err := a.incr(ctx, Instance); err != nil {
		return fmt.Errorf("could not check in instance: %w", err)
	}
	return a.Refresh(ctx)
}

func (a *Aggregator) Checkout(ctx context.Context) error {
	if err := a.decr(ctx, Instance); err != nil {
		return fmt.Errorf("could not check out instance: %w", err)
	}
	return nil
}

func (a *Aggregator) PlayerConnected(ctx context.Context) {
	a.mu.Lock()
	a.connCur++
	a.connTotal++
	if a.connCur > a.connPeak {
		a.connPeak = a.connCur
	}
	a.mu.Unlock()

	a.logged(a.incr(ctx, Player))
}

func (a *Aggregator) PlayerDisconnected(ctx context.Context) {
	a.mu.Lock()
	if a.connCur > 0 {
		a.connCur--
	}
	a.mu.Unlock()

	a.logged(a.decr(ctx, Player))
}

func (a *Aggregator) IncrQueue(ctx context.Context) { a.logged(a.incr(ctx, Queue)) }
func (a *Aggregator) DecrQueue(ctx context.Context) { a.logged(a.decr(ctx, Queue)) }
func (a *Aggregator) GameStart(ctx context.Context) { a.logged(a.incr(ctx, Game)) }
func (a *Aggregator) GameEnd(ctx context.Context)   { a.logged(a.decr(ctx, Game)) }

// IncrServerMessages counts one message delivered to a local client.
func (a *Aggregator) IncrServerMessages() {
	a.messages.Add(1)
}

// incr bumps current and total and raises peak, each with one atomic store
// operation.
func (a *Aggregator) incr(ctx context.Context, f Family) error {
	cur, err := a.counters.Incr(ctx, Key(f, "current"))
	if err != nil {
		return err
	}
	peak, err := a.counters.Max(ctx, Key(f, "peak"), cur)
	if err != nil {
		return err
	}
	total, err := a.counters.Incr(ctx, Key(f, "total"))
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	slots := a.slots(f)
	*slots[0], *slots[1], *slots[2] = cur, peak, total
	return nil
}

func (a *Aggregator) decr(ctx context.Context, f Family) error {
	cur, err := a.counters.DecrFloor(ctx, Key(f, "current"))
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	*a.slots(f)[0] = cur
	return nil
}

func (a *Aggregator) logged(err error) {
	if err != nil {
		a.logger.Error("Could not update shared counter", slog.String("error", err.Error()))
	}
}

// slots returns the current, peak and total fields of f. a.mu must be held.
func (a *Aggregator) slots(f Family) [3]*int64 {
	g := &a.global
	switch f {
	case Instance:
		return [3]*int64{&g.CurrentInstanceCount, &g.PeakInstanceCount, &g.TotalInstanceCount}
	case Game:
		return [3]*int64{&g.CurrentGameCount, &g.PeakGameCount, &g.TotalGameCount}
	case Player:
		return [3]*int64{&g.CurrentPlayerCount, &g.PeakPlayerCount, &g.TotalPlayerCount}
	}
	return [3]*int64{&g.CurrentQueueCount, &g.PeakQueueCount, &g.TotalQueueCount}
}

// Refresh reloads every global counter from the shared store.
func (a *Aggregator) Refresh(ctx context.Context) error {
	keys := make([]string, 0, len(families)*3)
	for _, f := range families {
		keys = append(keys, Key(f, "current"), Key(f, "peak"), Key(f, "total"))
	}

	values, err := a.counters.Values(ctx, keys...)
	if err != nil {
		return fmt.Errorf("could not refresh global stats: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i, f := range families {
		for j, slot := range a.slots(f) {
			*slot = values[i*3+j]
		}
	}
	return nil
}

// StartRefresh reloads the global counters every interval until
// StopRefresh. Calling it while running does nothing.
func (a *Aggregator) StartRefresh(interval time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.refreshing != nil {
		return
	}
	stop := make(chan struct{})
	a.refreshing = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), defaultCtxTimeout)
				if err := a.Refresh(ctx); err != nil {
					a.logger.Warn("Stats refresh failed", slog.String("error", err.Error()))
				}
				cancel()
			}
		}
	}()
}

func (a *Aggregator) StopRefresh() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.refreshing == nil {
		return
	}
	close(a.refreshing)
	a.refreshing = nil
}

func (a *Aggregator) Global() protocol.GlobalStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.global
}

func (a *Aggregator) Server() protocol.ServerStats {
	now := a.now()
	messages := a.messages.Load()

	a.mu.RLock()
	defer a.mu.RUnlock()

	return protocol.ServerStats{
		ServerID:               a.serverID,
		RunningSince:           a.startedAt.UnixMilli(),
		Uptime:                 now.Sub(a.startedAt).Milliseconds(),
		CurrentConnectionCount: a.connCur,
		PeakConnectionCount:    a.connPeak,
		TotalConnectionCount:   a.connTotal,
		Messages:               messages,
		MPS:                    rate(messages, now.Sub(a.startedAt)),
	}
}

// ToStatsUpdate assembles the stats message for the socket owned by p. It
// reads counters only. A nil p yields an empty player record.
func (a *Aggregator) ToStatsUpdate(p *matchmaking.Player) protocol.StatsUpdate {
	u := protocol.StatsUpdate{
		Global: a.Global(),
		Server: a.Server(),
	}
	if p != nil {
		messages := p.Messages()
		u.Player = protocol.PlayerStats{
			PlayerID:   p.ID(),
			OpponentID: p.Opponent(),
			State:      string(p.State()),
			Messages:   messages,
			MPS:        rate(messages, a.now().Sub(p.Joined())),
		}
	}
	return u
}

func rate(n int64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(n) / secs
}
