// Package journal records session lifecycle metadata. It never stores audio
// or transcripts.
package journal

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vango-go/vai-relay/pkg/gateway/protocol"
	"github.com/vango-go/vai-relay/pkg/gateway/session"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Record is one finished session.
type Record struct {
	SessionID string
	Provider  string
	Model     string
	StartedAt time.Time
	EndedAt   time.Time
	CloseCode int
	Reason    string
	Error     string
	Stats     session.Stats
}

type Recorder interface {
	Record(ctx context.Context, rec Record) error
	Ping(ctx context.Context) error
	Close()
}

// Nop discards every record. It is used when no database is configured.
type Nop struct{}

func (Nop) Record(context.Context, Record) error { return nil }
func (Nop) Ping(context.Context) error           { return nil }
func (Nop) Close()                               {}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

type Postgres struct {
	db    execer
	close func()
}

const insertRecord = `INSERT INTO relay_sessions (
	session_id, provider, model, started_at, ended_at, close_code, reason, error,
	frames_in, frames_out, bytes_in, bytes_out, barge_ins, dropped
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (session_id) DO NOTHING`

// Open connects to databaseURL and applies pending migrations.
func Open(ctx context.Context, databaseURL string) (*Postgres, error) {
	if databaseURL == "" {
		return nil, errors.New("journal: database url is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("journal: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{db: pool, close: pool.Close}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("journal: goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

func (p *Postgres) Record(ctx context.Context, rec Record) error {
	_, err := p.db.Exec(ctx, insertRecord,
		rec.SessionID, rec.Provider, rec.Model, rec.StartedAt, rec.EndedAt,
		rec.CloseCode, rec.Reason, rec.Error,
		int64(rec.Stats.FramesIn), int64(rec.Stats.FramesOut),
		int64(rec.Stats.BytesIn), int64(rec.Stats.BytesOut),
		int64(rec.Stats.BargeIns), int64(rec.Stats.Dropped),
	)
	if err != nil {
		return fmt.Errorf("journal: insert %s: %w", rec.SessionID, err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.Ping(ctx) }

func (p *Postgres) Close() {
	if p.close != nil {
		p.close()
	}
}

// OnClose returns a session close hook that writes one record per session.
// Writes run detached from the session with their own timeout.
func OnClose(rec Recorder, provider, model string, timeout time.Duration, logger *slog.Logger, onError func()) func(*session.Session, protocol.CloseReason, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(s *session.Session, reason protocol.CloseReason, err error) {
		r := Record{
			SessionID: s.ID(),
			Provider:  provider,
			Model:     model,
			StartedAt: s.CreatedAt(),
			EndedAt:   time.Now(),
			CloseCode: reason.Code,
			Reason:    reason.Reason,
			Stats:     s.Stats(),
		}
		if err != nil {
			r.Error = err.Error()
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if werr := rec.Record(ctx, r); werr != nil {
			logger.Warn("journal write failed", "session_id", r.SessionID, "error", werr)
			if onError != nil {
				onError()
			}
		}
	}
}
