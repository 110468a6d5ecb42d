package sqlite

import (
	"context"
	"fmt"

	"github.com/MrWong99/echonote/internal/store"
)

// CreateUser implements [store.UserRepository].
func (s *Store) CreateUser(ctx context.Context, u store.User) error {
	role := u.Role
	if role == "" {
		role = store.RoleUser
	}
	created := u.CreatedAt.UnixMicro()
	if u.CreatedAt.IsZero() {
		created = s.now().UnixMicro()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, password_hash, role, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.PasswordHash, string(role), created)
	if err != nil {
		return classify("create user", err)
	}
	return nil
}

// GetUser implements [store.UserRepository].
func (s *Store) GetUser(ctx context.Context, id string) (store.User, error) {
	var (
		u       store.User
		role    string
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, password_hash, role, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.PasswordHash, &role, &created)
	if err != nil {
		return store.User{}, classify(fmt.Sprintf("get user %q", id), err)
	}
	u.Role = store.Role(role)
	u.CreatedAt = fromMicros(created)
	return u, nil
}

// UpdateRole implements [store.UserRepository].
func (s *Store) UpdateRole(ctx context.Context, id string, role store.Role) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET role = ? WHERE id = ?`, string(role), id)
	if err != nil {
		return classify("update role", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("update role", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: sqlite: update role: user %q", store.ErrNotFound, id)
	}
	return nil
}

// ListUsers implements [store.UserRepository].
func (s *Store) ListUsers(ctx context.Context) ([]store.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, password_hash, role, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, classify("list users", err)
	}
	defer rows.Close()

	var out []store.User
	for rows.Next() {
		var (
			u       store.User
			role    string
			created int64
		)
		if err := rows.Scan(&u.ID, &u.PasswordHash, &role, &created); err != nil {
			return nil, classify("scan user", err)
		}
		u.Role = store.Role(role)
		u.CreatedAt = fromMicros(created)
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate users", err)
	}
	return out, nil
}
