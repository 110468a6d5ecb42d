package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
    id             TEXT         PRIMARY KEY,
    password_hash  BYTEA        NOT NULL,
    role           TEXT         NOT NULL DEFAULT 'user' CHECK (role IN ('user', 'admin')),
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlLogs = `
CREATE TABLE IF NOT EXISTS logs (
    id                   BIGSERIAL    PRIMARY KEY,
    user_id              TEXT         NOT NULL REFERENCES users (id),
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    input_type           TEXT         NOT NULL CHECK (input_type IN ('upload', 'live-recording')),
    original_text        TEXT         NOT NULL,
    summary_text         TEXT         NOT NULL,
    wordcloud_path       TEXT         NOT NULL,
    response_text        TEXT         NOT NULL,
    summary_audio_path   TEXT         NOT NULL,
    response_audio_path  TEXT         NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_logs_user_created
    ON logs (user_id, created_at DESC, id DESC);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlUsers, ddlLogs} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
