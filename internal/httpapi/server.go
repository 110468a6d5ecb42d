// Package httpapi is the JSON presentation boundary of echonote.
//
// Routes:
//
//	POST /api/register                 create an account
//	POST /api/login                    exchange credentials for a bearer token
//	POST /api/logout                   end the session
//	GET  /api/me                       the caller's session
//	POST /api/process                  run an audio file through the pipeline
//	GET  /api/logs                     the caller's activity log, newest first
//	GET  /api/artifacts?ref=...        download an artifact the caller owns
//	GET  /api/admin/users              all users (admin)
//	GET  /api/admin/users/{id}/logs    a user's activity log (admin)
//	PUT  /api/admin/users/{id}/role    change a user's role (admin)
//
// Every request carries its user identity explicitly: handlers resolve the
// bearer token to a session and pass the user id down. Nothing is kept in
// ambient state between requests.
package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/MrWong99/echonote/internal/pipeline"
	"github.com/MrWong99/echonote/internal/session"
	"github.com/MrWong99/echonote/internal/store"
)

// defaultMaxUploadBytes caps /api/process bodies when no limit is configured.
const defaultMaxUploadBytes = 64 << 20

// Accounts is the subset of *account.Service the API needs.
type Accounts interface {
	Register(ctx context.Context, id, password string) error
	Authenticate(ctx context.Context, id, password string) (bool, error)
	RoleOf(ctx context.Context, id string) (store.Role, bool, error)
	IsAdmin(ctx context.Context, id string) (bool, error)
	SetRole(ctx context.Context, id string, role store.Role) error
	ListUsers(ctx context.Context) ([]store.User, error)
}

// Processor runs one request through the pipeline.
// *pipeline.Orchestrator implements it.
type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Artifacts reads stored artifacts. artifact.Store implements it.
type Artifacts interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Owner(ref string) (string, error)
}

// Deps are the collaborators of a [Server]. All are required.
type Deps struct {
	Accounts  Accounts
	Logs      store.LogRepository
	Artifacts Artifacts
	Pipeline  Processor
	Sessions  *session.Manager
}

// Option configures a [Server].
type Option func(*Server)

// WithMaxUploadBytes caps the size of /api/process request bodies.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxUpload = n
		}
	}
}

// WithRoutes lets the caller add extra routes such as health probes and
// /metrics to the same mux.
func WithRoutes(register func(mux *http.ServeMux)) Option {
	return func(s *Server) {
		s.extra = append(s.extra, register)
	}
}

// WithMiddleware wraps the whole mux. Middlewares are applied in the order
// given, the first being outermost.
func WithMiddleware(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) {
		s.middleware = append(s.middleware, mw)
	}
}

// Server serves the echonote HTTP API.
type Server struct {
	deps       Deps
	maxUpload  int64
	extra      []func(*http.ServeMux)
	middleware []func(http.Handler) http.Handler
}

// New creates a Server.
func New(deps Deps, opts ...Option) *Server {
	s := &Server{deps: deps, maxUpload: defaultMaxUploadBytes}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the routed and wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.authed(s.handleLogout))
	mux.HandleFunc("GET /api/me", s.authed(s.handleMe))
	mux.HandleFunc("POST /api/process", s.authed(s.handleProcess))
	mux.HandleFunc("GET /api/logs", s.authed(s.handleLogs))
	mux.HandleFunc("GET /api/artifacts", s.authed(s.handleArtifact))
	mux.HandleFunc("GET /api/admin/users", s.admin(s.handleAdminUsers))
	mux.HandleFunc("GET /api/admin/users/{id}/logs", s.admin(s.handleAdminLogs))
	mux.HandleFunc("PUT /api/admin/users/{id}/role", s.admin(s.handleAdminRole))
	for _, register := range s.extra {
		register(mux)
	}

	var h http.Handler = mux
	for i := len(s.middleware) - 1; i >= 0; i-- {
		h = s.middleware[i](h)
	}
	return h
}
