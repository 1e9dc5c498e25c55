// Package server wires the pong components of one process together and
// serves them over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/you/pong/backend/internal/analytics"
	"github.com/you/pong/backend/internal/config"
	"github.com/you/pong/backend/internal/history"
	"github.com/you/pong/backend/internal/matchmaking"
	"github.com/you/pong/backend/internal/pong"
	"github.com/you/pong/backend/internal/protocol"
	"github.com/you/pong/backend/internal/registry"
	"github.com/you/pong/backend/internal/relay"
	"github.com/you/pong/backend/internal/stats"
	"github.com/you/pong/backend/internal/store"
)

const (
	defaultCtxTimeout = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
)

type historyStore interface {
	RecordMatch(ctx context.Context, m history.Match) error
	RecentMatches(ctx context.Context, limit int) ([]history.Match, error)
}

// Deps are the external resources of a Server. History and Analytics may be
// nil.
type Deps struct {
	Store     store.Store
	History   historyStore
	Analytics *analytics.Emitter
}

type Server struct {
	logger   *slog.Logger
	cfg      *config.Config
	serverID string
	deps     Deps

	stats    *stats.Aggregator
	registry *registry.Registry
	queue    *matchmaking.Queue
	relay    *relay.Orchestrator

	httpServer *http.Server
}

func New(logger *slog.Logger, cfg *config.Config, serverID string, deps Deps) *Server {
	s := &Server{
		logger:   logger.With(slog.String("server_id", serverID)),
		cfg:      cfg,
		serverID: serverID,
		deps:     deps,
	}
	s.stats = stats.New(s.logger, deps.Store, serverID)
	s.registry = registry.New(s.logger, registry.Hooks{
		OnConnected: s.onConnected,
		OnMessage:   s.onMessage,
		OnRemoved:   s.onRemoved,
	})

	relayDeps := relay.Deps{
		Bus:     deps.Store,
		Sockets: s.socket,
		Stats:   s.stats,
	}
	if deps.History != nil {
		relayDeps.History = deps.History
	}
	if deps.Analytics != nil {
		relayDeps.Analytics = deps.Analytics
	}
	s.relay = relay.New(s.logger, relayDeps, relay.Options{
		ServerID: serverID,
		Engine: pong.Config{
			FrameRate:    cfg.TickRate,
			WinningScore: cfg.WinningScore,
			RoundPause:   cfg.RoundPause,
		},
	})
	s.queue = matchmaking.NewQueue(s.logger, deps.Store, serverID, s.player, s.stats, s.onReady)

	s.httpServer = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.routes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Start checks this process in and begins matchmaking. A failure means the
// shared store is unusable.
func (s *Server) Start(ctx context.Context) error {
	if err := s.stats.Checkin(ctx); err != nil {
		return err
	}
	if err := s.queue.Start(ctx); err != nil {
		return fmt.Errorf("could not start matchmaking: %w", err)
	}
	s.stats.StartRefresh(s.cfg.StatsRefreshInterval)
	return nil
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks until the HTTP server stops. It returns nil after
// Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Pong server listening", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("could not serve http: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, closes every client connection within
// CloseTimeout, stops running matches and checks this process out.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("could not shut down http: %w", err))
	}

	closeCtx, cancel := context.WithTimeout(ctx, s.cfg.CloseTimeout)
	if err := s.registry.Close(closeCtx); err != nil {
		errs = append(errs, fmt.Errorf("could not close connections: %w", err))
	}
	cancel()

	s.relay.Close()
	s.queue.Close()
	s.stats.StopRefresh()

	if err := s.stats.Checkout(ctx); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("Pong server closed")
	return errors.Join(errs...)
}

func (s *Server) onConnected(c *registry.Connection) {
	p := matchmaking.NewPlayer(c.ID.String(), s.serverID)
	c.SetPlayer(p)

	ctx, cancel := context.WithTimeout(context.Background(), defaultCtxTimeout)
	defer cancel()

	s.stats.PlayerConnected(ctx)
	if s.registry.StartBroadcasting(s.snapshot, s.cfg.BroadcastInterval) {
		s.logger.Debug("Broadcasting started")
	}
	if err := s.queue.Enqueue(ctx, p); err != nil {
		s.logger.Error("Could not enqueue player", slog.String("player_id", p.ID()), slog.String("error", err.Error()))
	}
}

func (s *Server) onMessage(c *registry.Connection, data []byte) {
	p := c.Player()
	if p == nil {
		return
	}

	cmd, err := protocol.DecodePaddleCommand(data)
	if err != nil {
		s.logger.Warn("Dropping malformed client message", slog.String("player_id", p.ID()), slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultCtxTimeout)
	defer cancel()

	if err := s.relay.HandleInput(ctx, p.ID(), cmd); err != nil && !errors.Is(err, relay.ErrNoMatch) {
		s.logger.Warn("Could not apply paddle command", slog.String("player_id", p.ID()), slog.String("error", err.Error()))
	}
}

func (s *Server) onRemoved(c *registry.Connection) {
	p := c.Player()
	if p == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultCtxTimeout)
	defer cancel()

	s.queue.Remove(ctx, p.ID())
	s.relay.Disconnect(p.ID())
	s.stats.PlayerDisconnected(ctx)
	if s.registry.Len() == 0 {
		s.logger.Debug("Connections closed, broadcasting stopped")
	}
}

func (s *Server) onReady(m matchmaking.Match) {
	if err := s.relay.StartMatch(m); err != nil {
		s.logger.Error("Could not start match", slog.String("match_id", m.ID), slog.String("error", err.Error()))
	}
}

// player returns the live player of a local connection.
func (s *Server) player(id string) *matchmaking.Player {
	c, ok := s.registry.FindByString(id)
	if !ok {
		return nil
	}
	return c.Player()
}

func (s *Server) socket(id string) (relay.Socket, bool) {
	c, ok := s.registry.FindByString(id)
	if !ok {
		return nil, false
	}
	return c, true
}

func (s *Server) snapshot(c *registry.Connection) []byte {
	data, err := protocol.Encode(s.stats.ToStatsUpdate(c.Player()))
	if err != nil {
		s.logger.Error("Could not encode stats", slog.String("error", err.Error()))
		return nil
	}
	return data
}
