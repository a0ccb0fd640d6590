// Package store persists session and utterance history to Postgres.
// The gateway runs without it when no database URL is configured.
package store

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a Postgres-backed conversation store.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to the database, runs pending migrations and returns a
// ready Store.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if err := migrate(cfg); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool, logger: logger}, nil
}

func migrate(cfg *pgxpool.Config) error {
	db := stdlib.OpenDB(*cfg.ConnConfig)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable. Used by the readiness
// probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SessionRecord is one live session row.
type SessionRecord struct {
	ID        string
	Language  string
	StartedAt time.Time
	EndedAt   *time.Time
	Status    string
}

// UtteranceRecord is one completed or cancelled utterance row.
type UtteranceRecord struct {
	ID           string
	SessionID    string
	Path         string
	Outcome      string
	UserText     string
	ReplyText    string
	Language     string
	StartedAt    time.Time
	FinishedAt   time.Time
	PathSwitches int
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, id, language string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (id, language, started_at, status)
		 VALUES ($1, $2, now(), 'active')`,
		id, language)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// EndSession marks a session row closed.
func (s *Store) EndSession(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE sessions SET ended_at = now(), status = $2 WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

// RecordUtterance inserts one finished utterance.
func (s *Store) RecordUtterance(ctx context.Context, rec UtteranceRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO utterances
		   (id, session_id, path, outcome, user_text, reply_text, language,
		    started_at, finished_at, path_switches)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.SessionID, rec.Path, rec.Outcome, rec.UserText,
		rec.ReplyText, rec.Language, rec.StartedAt, rec.FinishedAt,
		rec.PathSwitches)
	if err != nil {
		return fmt.Errorf("record utterance: %w", err)
	}
	return nil
}

// SessionUtterances returns the utterances of one session, oldest first.
func (s *Store) SessionUtterances(ctx context.Context, sessionID string) ([]UtteranceRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, path, outcome, user_text, reply_text,
		        language, started_at, finished_at, path_switches
		   FROM utterances
		  WHERE session_id = $1
		  ORDER BY started_at`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("query utterances: %w", err)
	}
	defer rows.Close()

	var out []UtteranceRecord
	for rows.Next() {
		var rec UtteranceRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Path, &rec.Outcome,
			&rec.UserText, &rec.ReplyText, &rec.Language,
			&rec.StartedAt, &rec.FinishedAt, &rec.PathSwitches); err != nil {
			return nil, fmt.Errorf("scan utterance: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
