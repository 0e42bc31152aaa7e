// Package archive mirrors finalized call transcripts into Postgres.
package archive

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/nnicholas-c/CivicGrid/pkg/relay/transcript"
)

//go:embed migrations/*.sql
var migrations embed.FS

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGStore is a transcript.Store backed by the call_transcripts table. Saving
// the same session twice overwrites the earlier row.
type PGStore struct {
	db     execer
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects, applies pending migrations and returns a ready store.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return &PGStore{db: pool, pool: pool, logger: logger}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		logger.Info("applied migration", "version", r.Source.Version, "duration_ms", r.Duration.Milliseconds())
	}
	return nil
}

const upsertTranscript = `
	INSERT INTO call_transcripts (session_id, ref, transcript, picture_b64, started_at, ended_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (session_id) DO UPDATE SET
		ref = EXCLUDED.ref,
		transcript = EXCLUDED.transcript,
		picture_b64 = EXCLUDED.picture_b64,
		started_at = EXCLUDED.started_at,
		ended_at = EXCLUDED.ended_at,
		archived_at = now()
`

// Save returns a "postgres://call_transcripts/<id>" reference.
func (s *PGStore) Save(ctx context.Context, a transcript.Artifact) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("archive store is not open")
	}
	id := strings.TrimSpace(a.SessionID)
	if id == "" {
		return "", fmt.Errorf("archive: session id is required")
	}
	var picture *string
	if a.Image != "" {
		img := a.Image
		picture = &img
	}
	if _, err := s.db.Exec(ctx, upsertTranscript, id, a.Ref, a.Text, picture, a.StartedAt, a.EndedAt); err != nil {
		return "", fmt.Errorf("upsert transcript %s: %w", id, err)
	}
	s.logger.Debug("archived transcript", "session_id", id)
	return "postgres://call_transcripts/" + id, nil
}

func (s *PGStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
