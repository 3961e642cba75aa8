package audit

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres records audit sessions and messages in a local database, for
// deployments that keep audit data in-house instead of the hosting platform.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres creates a database-backed recorder.
func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Postgres{pool: pool, logger: logger}
}

// EnsureSchema creates the audit tables when missing. Idempotent; called
// once at startup.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS audit_sessions (
			id         UUID PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS audit_messages (
			id         UUID PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES audit_sessions(id) ON DELETE CASCADE,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			metadata   JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_messages_session
			ON audit_messages(session_id, created_at);
	`)
	return err
}

// CreateSession implements Recorder.
func (p *Postgres) CreateSession(ctx context.Context) string {
	id := uuid.New()
	_, err := p.pool.Exec(ctx, `INSERT INTO audit_sessions (id) VALUES ($1)`, id)
	if err != nil {
		p.logger.Debug("audit session insert failed", "error", err)
		return ""
	}
	return id.String()
}

// LogMessage implements Recorder.
func (p *Postgres) LogMessage(ctx context.Context, sessionID, role, content string, metadata map[string]any) {
	if sessionID == "" {
		return
	}
	sid, err := uuid.Parse(sessionID)
	if err != nil {
		p.logger.Debug("audit message dropped, bad session id", "session_id", sessionID)
		return
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO audit_messages (id, session_id, role, content, metadata) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), sid, role, content, metadata,
	)
	if err != nil {
		p.logger.Debug("audit message insert failed", "error", err)
	}
}
