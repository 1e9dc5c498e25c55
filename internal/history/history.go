// Package history persists finished matches to Postgres.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Match is one finished match. Winner is "left" or "right".
type Match struct {
	ID         string    `json:"id"`
	Left       string    `json:"left"`
	Right      string    `json:"right"`
	LeftScore  int       `json:"leftScore"`
	RightScore int       `json:"rightScore"`
	Winner     string    `json:"winner"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

type Store struct {
	pool pool
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("could not create postgres pool: %w", err)
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("could not connect to postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS matches (
			id          UUID PRIMARY KEY,
			left_id     TEXT NOT NULL,
			right_id    TEXT NOT NULL,
			left_score  INT NOT NULL,
			right_score INT NOT NULL,
			winner      TEXT NOT NULL,
			started_at  TIMESTAMPTZ NOT NULL,
			ended_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_matches_ended_at ON matches(ended_at);
	`)
	if err != nil {
		return fmt.Errorf("could not migrate match history: %w", err)
	}
	return nil
}

// RecordMatch stores m. Recording the same match twice keeps the latest result.
func (s *Store) RecordMatch(ctx context.Context, m Match) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO matches (id, left_id, right_id, left_score, right_score, winner, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			left_score  = EXCLUDED.left_score,
			right_score = EXCLUDED.right_score,
			winner      = EXCLUDED.winner,
			ended_at    = EXCLUDED.ended_at
	`, m.ID, m.Left, m.Right, m.LeftScore, m.RightScore, m.Winner, m.StartedAt, m.EndedAt)
	if err != nil {
		return fmt.Errorf("could not record match %s: %w", m.ID, err)
	}
	return nil
}

// RecentMatches returns up to limit matches, most recently ended first.
// limit is clamped to [1, MaxLimit].
func (s *Store) RecentMatches(ctx context.Context, limit int) ([]Match, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id::text, left_id, right_id, left_score, right_score, winner, started_at, ended_at
		FROM matches
		ORDER BY ended_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query recent matches: %w", err)
	}
	defer rows.Close()

	out := []Match{}
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.Left, &m.Right, &m.LeftScore, &m.RightScore, &m.Winner, &m.StartedAt, &m.EndedAt); err != nil {
			return nil, fmt.Errorf("could not scan match: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not read recent matches: %w", err)
	}
	return out, nil
}

func (s *Store) Close() {
	s.pool.Close()
}
