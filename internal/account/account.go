// Package account implements credential handling on top of a
// [store.UserRepository]: registration with bcrypt hashing, constant-cost
// authentication and role management.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/MrWong99/echonote/internal/artifact"
	"github.com/MrWong99/echonote/internal/store"
)

// Errors returned by [Service].
var (
	// ErrInvalidInput is returned for empty identifiers or passwords and for
	// unknown roles.
	ErrInvalidInput = errors.New("account: invalid input")

	// ErrInvalidCredentials is returned by callers that turn a failed
	// [Service.Authenticate] into an error.
	ErrInvalidCredentials = errors.New("account: invalid credentials")

	// ErrPermissionDenied is returned when a caller lacks the admin role.
	ErrPermissionDenied = errors.New("account: permission denied")
)

// maxPasswordBytes is the longest password bcrypt accepts.
const maxPasswordBytes = 72

// Option configures a [Service].
type Option func(*Service)

// WithCost sets the bcrypt cost. Values outside
// [bcrypt.MinCost, bcrypt.MaxCost] fall back to bcrypt.DefaultCost.
func WithCost(cost int) Option {
	return func(s *Service) {
		s.cost = cost
	}
}

// Service handles registration, authentication and roles. It is safe for
// concurrent use.
type Service struct {
	users store.UserRepository
	cost  int

	// dummyHash is compared against for unknown users so that both failure
	// paths of Authenticate cost one bcrypt comparison.
	dummyHash []byte
}

// New creates a Service backed by users.
func New(users store.UserRepository, opts ...Option) (*Service, error) {
	if users == nil {
		return nil, errors.New("account: user repository must not be nil")
	}
	s := &Service{users: users, cost: bcrypt.DefaultCost}
	for _, o := range opts {
		o(s)
	}
	if s.cost < bcrypt.MinCost || s.cost > bcrypt.MaxCost {
		s.cost = bcrypt.DefaultCost
	}
	h, err := bcrypt.GenerateFromPassword([]byte("echonote-dummy-password"), s.cost)
	if err != nil {
		return nil, fmt.Errorf("account: prepare dummy hash: %w", err)
	}
	s.dummyHash = h
	return s, nil
}

// normalizeID is applied to every identifier the Service receives.
func normalizeID(id string) string { return strings.TrimSpace(id) }

// Register creates a user with the default role. The id must be usable as
// an artifact owner (see [artifact.ValidUserID]). A taken id yields
// [store.ErrAlreadyExists].
func (s *Service) Register(ctx context.Context, id, password string) error {
	id = normalizeID(id)
	if id == "" || password == "" {
		return fmt.Errorf("%w: identifier and password are required", ErrInvalidInput)
	}
	if len(password) > maxPasswordBytes {
		return fmt.Errorf("%w: password longer than %d bytes", ErrInvalidInput, maxPasswordBytes)
	}
	if !artifact.ValidUserID(id) {
		return fmt.Errorf("%w: identifier %q may only hold letters, digits and ._@+-", ErrInvalidInput, id)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("account: hash password: %w", err)
	}
	if err := s.users.CreateUser(ctx, store.User{ID: id, PasswordHash: hash, Role: store.RoleUser}); err != nil {
		return fmt.Errorf("account: register %q: %w", id, err)
	}
	slog.InfoContext(ctx, "account: user registered", "user", id)
	return nil
}

// Authenticate reports whether password matches the stored hash of id.
// Unknown users and wrong passwords both return false with a nil error. The
// error is reserved for storage failures.
func (s *Service) Authenticate(ctx context.Context, id, password string) (bool, error) {
	u, err := s.users.GetUser(ctx, normalizeID(id))
	switch {
	case errors.Is(err, store.ErrNotFound):
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return false, nil
	case err != nil:
		return false, fmt.Errorf("account: authenticate: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

// RoleOf returns the role of id. ok is false when the user does not exist.
func (s *Service) RoleOf(ctx context.Context, id string) (role store.Role, ok bool, err error) {
	id = normalizeID(id)
	u, err := s.users.GetUser(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("account: role of %q: %w", id, err)
	}
	return u.Role, true, nil
}

// IsAdmin reports whether id exists and holds the admin role.
func (s *Service) IsAdmin(ctx context.Context, id string) (bool, error) {
	role, ok, err := s.RoleOf(ctx, id)
	if err != nil {
		return false, err
	}
	return ok && role == store.RoleAdmin, nil
}

// SetRole changes the role of an existing user. Unknown ids yield
// [store.ErrNotFound]; unknown roles yield [ErrInvalidInput].
func (s *Service) SetRole(ctx context.Context, id string, role store.Role) error {
	if !role.IsValid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	id = normalizeID(id)
	if err := s.users.UpdateRole(ctx, id, role); err != nil {
		return fmt.Errorf("account: set role of %q: %w", id, err)
	}
	slog.InfoContext(ctx, "account: role changed", "user", id, "role", role)
	return nil
}

// ListUsers returns every user ordered by id. Password hashes are cleared.
func (s *Service) ListUsers(ctx context.Context) ([]store.User, error) {
	users, err := s.users.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("account: list users: %w", err)
	}
	for i := range users {
		users[i].PasswordHash = nil
	}
	return users, nil
}
