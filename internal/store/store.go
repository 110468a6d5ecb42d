// Package store defines the persistent data model of echonote and the
// repository interfaces its backends implement.
//
// Two backends exist: [github.com/MrWong99/echonote/internal/store/sqlite]
// (the local default) and [github.com/MrWong99/echonote/internal/store/postgres].
// Both classify failures into the sentinel errors of this package so that
// callers never need to inspect driver errors.
package store

import (
	"context"
	"errors"
	"time"
)

// NotApplicable marks a LogEntry field that does not apply to a run, either
// because the run's input type never produces it or because producing it
// failed without aborting the run.
const NotApplicable = "N/A"

// Sentinel errors returned by every backend.
var (
	// ErrAlreadyExists is returned when an insert violates a uniqueness
	// constraint (e.g., a duplicate user id).
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrNotFound is returned when the referenced row does not exist, including
	// foreign-key violations on insert.
	ErrNotFound = errors.New("store: not found")

	// ErrStorageUnavailable wraps every other database failure.
	ErrStorageUnavailable = errors.New("store: storage unavailable")
)

// ─────────────────────────────────────────────────────────────────────────────
// Data model
// ─────────────────────────────────────────────────────────────────────────────

// Role is the authorisation level of a user.
type Role string

const (
	// RoleUser is the default role of a newly registered user.
	RoleUser Role = "user"

	// RoleAdmin may inspect users, their logs and change roles.
	RoleAdmin Role = "admin"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAdmin
}

// User is a registered account. PasswordHash is a bcrypt hash; the plaintext
// password is never stored.
type User struct {
	ID           string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
}

// InputType distinguishes how the audio of a run reached the service.
type InputType string

const (
	// InputUpload is an uploaded audio file.
	InputUpload InputType = "upload"

	// InputLiveRecording is audio recorded in the browser. Live recordings
	// also receive an assistant response.
	InputLiveRecording InputType = "live-recording"
)

// IsValid reports whether t is a known input type.
func (t InputType) IsValid() bool {
	return t == InputUpload || t == InputLiveRecording
}

// LogEntry is one completed processing run. Path fields hold artifact
// locations or [NotApplicable].
type LogEntry struct {
	ID                int64
	UserID            string
	CreatedAt         time.Time
	InputType         InputType
	OriginalText      string
	SummaryText       string
	WordCloudPath     string
	ResponseText      string
	SummaryAudioPath  string
	ResponseAudioPath string
}

// ─────────────────────────────────────────────────────────────────────────────
// Repositories
// ─────────────────────────────────────────────────────────────────────────────

// UserRepository persists users.
type UserRepository interface {
	// CreateUser inserts u. A duplicate ID yields ErrAlreadyExists. The
	// uniqueness check is left to the database constraint.
	CreateUser(ctx context.Context, u User) error

	// GetUser returns the user with the given id or ErrNotFound.
	GetUser(ctx context.Context, id string) (User, error)

	// UpdateRole changes the role of an existing user. Unknown ids yield
	// ErrNotFound.
	UpdateRole(ctx context.Context, id string, role Role) error

	// ListUsers returns all users ordered by ID.
	ListUsers(ctx context.Context) ([]User, error)
}

// LogRepository persists activity log entries.
type LogRepository interface {
	// AppendLog inserts e with a server-assigned CreatedAt and returns the new
	// entry id. e.ID and e.CreatedAt are ignored. An unknown e.UserID yields
	// ErrNotFound. CreatedAt never decreases between successive inserts.
	AppendLog(ctx context.Context, e LogEntry) (int64, error)

	// ListLogs returns every entry of userID, newest first. An unknown user
	// simply has no entries.
	ListLogs(ctx context.Context, userID string) ([]LogEntry, error)
}

// Store combines both repositories with lifecycle methods.
type Store interface {
	UserRepository
	LogRepository

	// Ping verifies the database is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}
