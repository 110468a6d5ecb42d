// Package postgres provides a PostgreSQL-backed implementation of
// [store.Store] using a single [pgxpool.Pool].
//
// Timestamps are assigned by the database. A log entry is never stamped
// earlier than the newest existing entry, so CreatedAt stays monotonic even
// if the database clock steps back.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, "postgres://echonote@localhost/echonote")
//	if err != nil { … }
//	defer st.Close()
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/echonote/internal/store"
)

// Compile-time interface assertion.
var _ store.Store = (*Store)(nil)

// PostgreSQL SQLSTATE codes mapped to store sentinels.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Store implements [store.Store] on PostgreSQL. It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool for dsn, verifies connectivity and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: postgres: ping: %w", store.ErrStorageUnavailable, err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Users
// ─────────────────────────────────────────────────────────────────────────────

// CreateUser implements [store.UserRepository].
func (s *Store) CreateUser(ctx context.Context, u store.User) error {
	role := u.Role
	if role == "" {
		role = store.RoleUser
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, password_hash, role) VALUES ($1, $2, $3)`,
		u.ID, u.PasswordHash, string(role))
	if err != nil {
		return classify("create user", err)
	}
	return nil
}

// GetUser implements [store.UserRepository].
func (s *Store) GetUser(ctx context.Context, id string) (store.User, error) {
	var (
		u    store.User
		role string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, password_hash, role, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.PasswordHash, &role, &u.CreatedAt)
	if err != nil {
		return store.User{}, classify(fmt.Sprintf("get user %q", id), err)
	}
	u.Role = store.Role(role)
	return u, nil
}

// UpdateRole implements [store.UserRepository].
func (s *Store) UpdateRole(ctx context.Context, id string, role store.Role) error {
	tag, err := s.pool.Exec(ctx, `UPDATE users SET role = $1 WHERE id = $2`, string(role), id)
	if err != nil {
		return classify("update role", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: postgres: update role: user %q", store.ErrNotFound, id)
	}
	return nil
}

// ListUsers implements [store.UserRepository].
func (s *Store) ListUsers(ctx context.Context) ([]store.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, password_hash, role, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, classify("list users", err)
	}
	defer rows.Close()

	var out []store.User
	for rows.Next() {
		var (
			u    store.User
			role string
		)
		if err := rows.Scan(&u.ID, &u.PasswordHash, &role, &u.CreatedAt); err != nil {
			return nil, classify("scan user", err)
		}
		u.Role = store.Role(role)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate users", err)
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Logs
// ─────────────────────────────────────────────────────────────────────────────

// AppendLog implements [store.LogRepository].
func (s *Store) AppendLog(ctx context.Context, e store.LogEntry) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO logs (user_id, created_at, input_type, original_text, summary_text,
		                  wordcloud_path, response_text, summary_audio_path, response_audio_path)
		VALUES ($1, GREATEST(now(), COALESCE((SELECT max(created_at) FROM logs), now())),
		        $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		e.UserID, string(e.InputType), e.OriginalText, e.SummaryText,
		e.WordCloudPath, e.ResponseText, e.SummaryAudioPath, e.ResponseAudioPath).
		Scan(&id)
	if err != nil {
		return 0, classify("append log", err)
	}
	return id, nil
}

// ListLogs implements [store.LogRepository].
func (s *Store) ListLogs(ctx context.Context, userID string) ([]store.LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, created_at, input_type, original_text, summary_text,
		       wordcloud_path, response_text, summary_audio_path, response_audio_path
		FROM logs
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, classify("list logs", err)
	}
	defer rows.Close()

	var out []store.LogEntry
	for rows.Next() {
		var (
			e         store.LogEntry
			inputType string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.CreatedAt, &inputType, &e.OriginalText, &e.SummaryText,
			&e.WordCloudPath, &e.ResponseText, &e.SummaryAudioPath, &e.ResponseAudioPath); err != nil {
			return nil, classify("scan log", err)
		}
		e.InputType = store.InputType(inputType)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate logs", err)
	}
	return out, nil
}

// classify maps a pgx error to the sentinel errors of package store.
func classify(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: postgres: %s", store.ErrNotFound, op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return fmt.Errorf("%w: postgres: %s: %w", store.ErrAlreadyExists, op, err)
		case codeForeignKeyViolation:
			return fmt.Errorf("%w: postgres: %s: %w", store.ErrNotFound, op, err)
		}
	}
	return fmt.Errorf("%w: postgres: %s: %w", store.ErrStorageUnavailable, op, err)
}
