// Package relay binds a matched pair of players to one simulation engine.
//
// The engine for a match runs on its host process. Updates reach a player on
// the same process through its socket directly and a player on another
// process through the pub/sub channel named by its id. Paddle commands from
// a remote player travel back on "<id>:input".
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/you/pong/backend/internal/analytics"
	"github.com/you/pong/backend/internal/history"
	"github.com/you/pong/backend/internal/matchmaking"
	"github.com/you/pong/backend/internal/pong"
	"github.com/you/pong/backend/internal/protocol"
	"github.com/you/pong/backend/internal/store"
)

const (
	defaultPublishBuffer = 64
	publishTimeout       = time.Second
	recordTimeout        = 5 * time.Second
)

var (
	ErrNoMatch = errors.New("relay: player is not in a match")
	ErrClosed  = errors.New("relay: closed")
)

// InputChannel is the channel a non-host process forwards playerID's paddle
// commands on.
func InputChannel(playerID string) string {
	return playerID + ":input"
}

// Socket is the local client connection of a player.
type Socket interface {
	Send(data []byte) error
}

// SocketLookup returns the socket of a player connected to this process.
type SocketLookup func(playerID string) (Socket, bool)

type gameStats interface {
	GameStart(ctx context.Context)
	GameEnd(ctx context.Context)
	IncrServerMessages()
}

type matchRecorder interface {
	RecordMatch(ctx context.Context, m history.Match) error
}

type eventEmitter interface {
	Emit(event analytics.Event, payload map[string]any)
}

// Deps are the collaborators of an Orchestrator. History and Analytics may
// be nil.
type Deps struct {
	Bus       store.Bus
	Sockets   SocketLookup
	Stats     gameStats
	History   matchRecorder
	Analytics eventEmitter
}

type Options struct {
	ServerID      string
	Engine        pong.Config
	PublishBuffer int
}

type Orchestrator struct {
	logger *slog.Logger
	deps   Deps
	opts   Options
	now    func() time.Time

	// startMu serializes StartMatch so a match is started at most once.
	startMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	sessions map[string]*session
	// players maps a local player id to its session.
	players map[string]*session
	wg      sync.WaitGroup
}

func New(logger *slog.Logger, deps Deps, opts Options) *Orchestrator {
	if opts.PublishBuffer <= 0 {
		opts.PublishBuffer = defaultPublishBuffer
	}
	return &Orchestrator{
		logger:   logger.WithGroup("relay"),
		deps:     deps,
		opts:     opts,
		now:      time.Now,
		sessions: make(map[string]*session),
		players:  make(map[string]*session),
	}
}

// StartMatch begins m on this process. Processes without a local player in m
// ignore it.
func (o *Orchestrator) StartMatch(m matchmaking.Match) error {
	s := &session{
		o:     o,
		match: m,
		host:  m.Host() == o.opts.ServerID,
		done:  make(chan struct{}),
	}
	for i, p := range m.Players() {
		if p.Server() != o.opts.ServerID {
			continue
		}
		s.local[i] = true
		if sock, ok := o.deps.Sockets(p.ID()); ok {
			s.sockets[i] = sock
		} else {
			s.gone[i] = true
		}
	}
	if !s.local[0] && !s.local[1] {
		return nil
	}
	if !s.host && !s.hasLiveSocket() {
		o.logger.Debug("Local player already left, not relaying", slog.String("match_id", m.ID))
		return nil
	}
	if s.host {
		s.engine = pong.NewEngine(o.logger, o.opts.Engine)
		s.outbound = make(chan outbound, o.opts.PublishBuffer)
	}

	o.startMu.Lock()
	defer o.startMu.Unlock()

	o.mu.Lock()
	_, running := o.sessions[m.ID]
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if running {
		return nil
	}

	var err error
	if s.host {
		err = s.startHost()
	} else {
		err = s.startRelay()
	}
	if err != nil {
		return fmt.Errorf("could not start match %s: %w", m.ID, err)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		s.stop()
		return ErrClosed
	}
	select {
	case <-s.done:
		o.mu.Unlock()
		return nil
	default:
	}
	o.sessions[m.ID] = s
	for i, p := range m.Players() {
		if s.local[i] && !s.gone[i] {
			o.players[p.ID()] = s
		}
	}
	o.mu.Unlock()

	s.mu.Lock()
	gone := s.gone
	s.mu.Unlock()

	if s.host && s.local[0] && s.local[1] && gone[0] && gone[1] {
		s.abandon()
	}
	// A player who left between the socket lookup and registration was not
	// seen by Disconnect.
	if !s.host {
		for i, p := range m.Players() {
			if !s.local[i] || gone[i] {
				continue
			}
			if _, ok := o.deps.Sockets(p.ID()); !ok {
				o.Disconnect(p.ID())
			}
		}
	}
	return nil
}

// HandleInput routes a paddle command from a local player to its match. The
// paddle is the player's side in the match whatever cmd.ID says.
func (o *Orchestrator) HandleInput(ctx context.Context, playerID string, cmd protocol.PaddleCommand) error {
	o.mu.Lock()
	s, ok := o.players[playerID]
	o.mu.Unlock()
	if !ok {
		return ErrNoMatch
	}

	cmd.ID = s.match.Side(playerID)
	if s.host {
		return s.engine.MovePaddle(cmd.ID, cmd.Y)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("could not marshal paddle command: %w", err)
	}
	if err := o.deps.Bus.Publish(ctx, InputChannel(playerID), data); err != nil {
		return fmt.Errorf("could not forward paddle command: %w", err)
	}
	return nil
}

// Disconnect detaches a local player from its match. A match hosted here
// whose local players have all left stops when no remote player is in it.
func (o *Orchestrator) Disconnect(playerID string) {
	o.mu.Lock()
	s, ok := o.players[playerID]
	if ok {
		delete(o.players, playerID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	side := s.match.Side(playerID)
	s.mu.Lock()
	s.gone[side] = true
	s.sockets[side] = nil
	abandoned := s.local[0] && s.local[1] && s.gone[0] && s.gone[1]
	s.mu.Unlock()

	switch {
	case !s.host:
		s.end()
	case abandoned:
		o.logger.Info("Both players left, stopping match", slog.String("match_id", s.match.ID))
		s.abandon()
	}
}

// Matches returns the number of matches running on this process.
func (o *Orchestrator) Matches() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// Close stops every match without recording it.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	sessions := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	for _, s := range sessions {
		s.stop()
	}
	o.wg.Wait()
}

func (o *Orchestrator) forget(s *session) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.sessions[s.match.ID] == s {
		delete(o.sessions, s.match.ID)
	}
	for _, p := range s.match.Players() {
		if o.players[p.ID()] == s {
			delete(o.players, p.ID())
		}
	}
}

func (o *Orchestrator) spawn(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

type outbound struct {
	channel string
	data    []byte
}

// session is one match as seen from this process.
type session struct {
	o     *Orchestrator
	match matchmaking.Match
	host  bool
	local [2]bool

	mu      sync.Mutex
	sockets [2]Socket
	gone    [2]bool

	engine    *pong.Engine
	outbound  chan outbound
	subs      []store.Subscription
	startedAt time.Time
	scores    [2]int

	endOnce sync.Once
	done    chan struct{}
}

func (s *session) logger() *slog.Logger {
	return s.o.logger.With(slog.String("match_id", s.match.ID))
}

func (s *session) startHost() error {
	o := s.o
	for i, p := range s.match.Players() {
		if s.local[i] {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		sub, err := o.deps.Bus.Subscribe(ctx, InputChannel(p.ID()))
		cancel()
		if err != nil {
			s.closeSubs()
			return err
		}
		s.subs = append(s.subs, sub)
		o.spawn(func() { s.forwardInput(i, sub) })
	}

	o.spawn(s.publishPump)
	s.engine.AddListener(pong.ListenerFunc(s.onUpdate))

	s.startedAt = o.now()
	for _, p := range s.match.Players() {
		p.SetState(matchmaking.StatePlaying)
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	o.deps.Stats.GameStart(ctx)
	cancel()
	s.emit(analytics.MatchStart, nil)

	s.logger().Info(
		"Match started",
		slog.String("left", s.match.Left.ID()),
		slog.String("right", s.match.Right.ID()),
		slog.Bool("co_located", s.local[0] && s.local[1]),
	)
	s.engine.Start()
	return nil
}

func (s *session) hasLiveSocket() bool {
	for i := range s.local {
		if s.local[i] && !s.gone[i] {
			return true
		}
	}
	return false
}

func (s *session) startRelay() error {
	o := s.o
	side := 0
	if s.local[1] {
		side = 1
	}
	p := s.match.Players()[side]

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	sub, err := o.deps.Bus.Subscribe(ctx, p.ID())
	cancel()
	if err != nil {
		return err
	}
	s.subs = append(s.subs, sub)
	p.SetState(matchmaking.StatePlaying)

	o.spawn(func() { s.forwardUpdates(side, sub) })
	s.logger().Info("Relaying match", slog.String("player_id", p.ID()), slog.String("host", s.match.Host()))
	return nil
}

// onUpdate runs on the engine's tick goroutine.
func (s *session) onUpdate(u protocol.Update) {
	data, err := protocol.Encode(u)
	if err != nil {
		s.logger().Error("Could not encode update", slog.String("error", err.Error()))
		return
	}

	for i, p := range s.match.Players() {
		if u.State == protocol.StateGameOver {
			p.SetState(matchmaking.StateGameOver)
		}
		if s.local[i] {
			s.deliver(i, data)
			continue
		}
		select {
		case s.outbound <- outbound{channel: p.ID(), data: data}:
		default:
			s.logger().Debug("Outbound update dropped", slog.String("player_id", p.ID()))
		}
	}

	if u.LeftScore != s.scores[0] || u.RightScore != s.scores[1] {
		scorer := "left"
		if u.RightScore != s.scores[1] {
			scorer = "right"
		}
		s.scores = [2]int{u.LeftScore, u.RightScore}
		s.emit(analytics.MatchPoint, map[string]any{"side": scorer})
	}

	if u.State == protocol.StateGameOver {
		s.o.spawn(func() { s.finish(u) })
	}
}

// deliver writes to a local socket. Write failures are ignored; the
// connection's close handler ends the player's participation.
func (s *session) deliver(side int, data []byte) {
	s.mu.Lock()
	sock := s.sockets[side]
	s.mu.Unlock()
	if sock == nil {
		return
	}
	if err := sock.Send(data); err != nil {
		s.logger().Debug("Could not deliver update", slog.Int("side", side), slog.String("error", err.Error()))
		return
	}
	s.match.Players()[side].IncrMessages()
	s.o.deps.Stats.IncrServerMessages()
}

func (s *session) publishPump() {
	for msg := range s.outbound {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := s.o.deps.Bus.Publish(ctx, msg.channel, msg.data); err != nil {
			s.logger().Warn("Could not publish update", slog.String("channel", msg.channel), slog.String("error", err.Error()))
		}
		cancel()
	}
}

func (s *session) forwardInput(side int, sub store.Subscription) {
	for data := range sub.Messages() {
		cmd, err := protocol.DecodePaddleCommand(data)
		if err != nil {
			s.logger().Warn("Dropping malformed paddle command", slog.String("error", err.Error()))
			continue
		}
		_ = s.engine.MovePaddle(side, cmd.Y)
	}
}

func (s *session) forwardUpdates(side int, sub store.Subscription) {
	p := s.match.Players()[side]
	for data := range sub.Messages() {
		u, err := protocol.DecodeUpdate(data)
		if err != nil {
			s.logger().Warn("Dropping malformed update", slog.String("error", err.Error()))
			continue
		}
		if u.State == protocol.StateGameOver {
			p.SetState(matchmaking.StateGameOver)
		}
		s.deliver(side, data)
		if u.State == protocol.StateGameOver {
			s.o.spawn(s.end)
			return
		}
	}
}

// finish records a completed match hosted here.
func (s *session) finish(final protocol.Update) {
	<-s.engine.Done()
	s.endOnce.Do(func() { s.record(final) })
}

func (s *session) record(final protocol.Update) {
	endedAt := s.o.now()
	winner := "left"
	if final.RightScore > final.LeftScore {
		winner = "right"
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if s.o.deps.History != nil {
		err := s.o.deps.History.RecordMatch(ctx, history.Match{
			ID:         s.match.ID,
			Left:       s.match.Left.ID(),
			Right:      s.match.Right.ID(),
			LeftScore:  final.LeftScore,
			RightScore: final.RightScore,
			Winner:     winner,
			StartedAt:  s.startedAt,
			EndedAt:    endedAt,
		})
		if err != nil {
			s.logger().Error("Could not record match", slog.String("error", err.Error()))
		}
	}
	s.emit(analytics.MatchEnd, map[string]any{
		"winner":     winner,
		"durationMs": endedAt.Sub(s.startedAt).Milliseconds(),
	})
	s.o.deps.Stats.GameEnd(ctx)

	s.logger().Info(
		"Match over",
		slog.String("winner", winner),
		slog.Int("left_score", final.LeftScore),
		slog.Int("right_score", final.RightScore),
	)
	s.release()
}

// abandon stops a hosted match before it is over.
func (s *session) abandon() {
	s.endOnce.Do(func() {
		s.engine.Stop()
		<-s.engine.Done()

		final := s.engine.Snapshot()
		s.emit(analytics.MatchEnd, map[string]any{
			"abandoned":  true,
			"durationMs": s.o.now().Sub(s.startedAt).Milliseconds(),
			"leftScore":  final.LeftScore,
			"rightScore": final.RightScore,
		})

		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		s.o.deps.Stats.GameEnd(ctx)
		cancel()

		s.release()
	})
}

func (s *session) stop() {
	if s.host {
		s.abandon()
		return
	}
	s.end()
}

func (s *session) end() {
	s.endOnce.Do(s.release)
}

func (s *session) release() {
	s.closeSubs()
	if s.outbound != nil {
		close(s.outbound)
	}
	s.o.forget(s)
	close(s.done)
}

func (s *session) closeSubs() {
	for _, sub := range s.subs {
		if err := sub.Close(); err != nil {
			s.logger().Debug("Could not close subscription", slog.String("error", err.Error()))
		}
	}
}

func (s *session) emit(event analytics.Event, extra map[string]any) {
	if s.o.deps.Analytics == nil {
		return
	}
	payload := map[string]any{
		"matchId":    s.match.ID,
		"left":       s.match.Left.ID(),
		"right":      s.match.Right.ID(),
		"leftScore":  s.scores[0],
		"rightScore": s.scores[1],
	}
	for k, v := range extra {
		payload[k] = v
	}
	// Analytics writes block on the broker; keep them off the tick goroutine.
	s.o.spawn(func() { s.o.deps.Analytics.Emit(event, payload) })
}
