package httpapi

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/echonote/internal/account"
	"github.com/MrWong99/echonote/internal/observe"
	"github.com/MrWong99/echonote/internal/pipeline"
	"github.com/MrWong99/echonote/internal/session"
	"github.com/MrWong99/echonote/internal/store"
)

// multipartMemory is the part of a multipart body kept in memory; the rest
// spills to temporary files.
const multipartMemory = 8 << 20

// ── DTOs ─────────────────────────────────────────────────────────────────────

type credentials struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string     `json:"token"`
	UserID    string     `json:"user_id"`
	Role      store.Role `json:"role"`
	ExpiresAt time.Time  `json:"expires_at"`
}

type meResponse struct {
	UserID                string     `json:"user_id"`
	Role                  store.Role `json:"role"`
	ExpiresAt             time.Time  `json:"expires_at"`
	RecordDurationSeconds float64    `json:"record_duration_seconds,omitempty"`
}

type userJSON struct {
	ID        string     `json:"id"`
	Role      store.Role `json:"role"`
	CreatedAt time.Time  `json:"created_at"`
}

type logJSON struct {
	ID                int64           `json:"id"`
	UserID            string          `json:"user_id"`
	CreatedAt         time.Time       `json:"created_at"`
	InputType         store.InputType `json:"input_type"`
	OriginalText      string          `json:"original_text"`
	SummaryText       string          `json:"summary_text"`
	WordCloudPath     string          `json:"wordcloud_path"`
	ResponseText      string          `json:"response_text"`
	SummaryAudioPath  string          `json:"summary_audio_path"`
	ResponseAudioPath string          `json:"response_audio_path"`
}

type roleRequest struct {
	Role store.Role `json:"role"`
}

func toLogJSON(entries []store.LogEntry) []logJSON {
	out := make([]logJSON, len(entries))
	for i, e := range entries {
		out[i] = logJSON(e)
	}
	return out
}

// ── authentication ───────────────────────────────────────────────────────────

// authedHandler receives the resolved session of the caller.
type authedHandler func(w http.ResponseWriter, r *http.Request, sess session.Session)

// authed resolves the bearer token before calling h. Missing or expired
// tokens yield 401.
func (s *Server) authed(h authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: missing bearer token", session.ErrNotFound))
			return
		}
		sess, err := s.deps.Sessions.Get(token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		h(w, r.WithContext(observe.WithUser(r.Context(), sess.UserID)), sess)
	}
}

// admin is [Server.authed] plus a role check against the store, so a
// demotion takes effect without logging the admin out.
func (s *Server) admin(h authedHandler) http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request, sess session.Session) {
		ok, err := s.deps.Accounts.IsAdmin(r.Context(), sess.UserID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if !ok {
			writeError(w, r, fmt.Errorf("%w: %s is not an admin", account.ErrPermissionDenied, sess.UserID))
			return
		}
		h(w, r, sess)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// ── accounts ─────────────────────────────────────────────────────────────────

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Accounts.Register(r.Context(), req.ID, req.Password); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": strings.TrimSpace(req.ID)})
}

// handleLogin answers 401 with the same message for unknown users and wrong
// passwords.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id := strings.TrimSpace(req.ID)
	ok, err := s.deps.Accounts.Authenticate(r.Context(), id, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, r, account.ErrInvalidCredentials)
		return
	}
	role, _, err := s.deps.Accounts.RoleOf(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sess := s.deps.Sessions.Create(id)
	observe.Logger(r.Context()).Info("httpapi: login", "user", id, "role", role)
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     sess.Token,
		UserID:    id,
		Role:      role,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, sess session.Session) {
	s.deps.Sessions.Delete(sess.Token)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, sess session.Session) {
	role, _, err := s.deps.Accounts.RoleOf(r.Context(), sess.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		UserID:                sess.UserID,
		Role:                  role,
		ExpiresAt:             sess.ExpiresAt,
		RecordDurationSeconds: sess.RecordDuration.Seconds(),
	})
}

// ── processing ───────────────────────────────────────────────────────────────

// handleProcess expects a multipart form with an "audio" file, an optional
// "input_type" (default upload) and an optional "duration_seconds" that is
// remembered on the session for the recording UI.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request, sess session.Session) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		writeError(w, r, fmt.Errorf("%w: parse form: %w", errBadRequest, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	if v := r.FormValue("duration_seconds"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs < 0 {
			writeError(w, r, fmt.Errorf("%w: duration_seconds %q", errBadRequest, v))
			return
		}
		if err := s.deps.Sessions.SetRecordDuration(sess.Token, time.Duration(secs*float64(time.Second))); err != nil {
			writeError(w, r, err)
			return
		}
	}

	f, fh, err := r.FormFile("audio")
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: audio file: %w", errBadRequest, err))
		return
	}
	defer f.Close()
	audio, err := io.ReadAll(f)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: read audio: %w", errBadRequest, err))
		return
	}

	inputType := store.InputType(r.FormValue("input_type"))
	if inputType == "" {
		inputType = store.InputUpload
	}

	res, err := s.deps.Pipeline.Process(r.Context(), pipeline.Request{
		UserID:    sess.UserID,
		Audio:     audio,
		Filename:  fh.Filename,
		InputType: inputType,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, sess session.Session) {
	s.writeLogs(w, r, sess.UserID)
}

func (s *Server) writeLogs(w http.ResponseWriter, r *http.Request, userID string) {
	entries, err := s.deps.Logs.ListLogs(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLogJSON(entries))
}

// handleArtifact streams an artifact. Only its owner and admins may read it.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request, sess session.Session) {
	ref := r.URL.Query().Get("ref")
	if ref == "" || ref == store.NotApplicable {
		writeError(w, r, fmt.Errorf("%w: missing ref", errBadRequest))
		return
	}
	owner, err := s.deps.Artifacts.Owner(ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if owner != sess.UserID {
		if err := s.requireAdmin(r.Context(), sess.UserID); err != nil {
			writeError(w, r, err)
			return
		}
	}

	rc, err := s.deps.Artifacts.Open(r.Context(), ref)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()

	ctype := mime.TypeByExtension(path.Ext(ref))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": path.Base(ref)}))
	if _, err := io.Copy(w, rc); err != nil {
		observe.Logger(r.Context()).Warn("httpapi: stream artifact", "ref", ref, "err", err)
	}
}

func (s *Server) requireAdmin(ctx context.Context, userID string) error {
	ok, err := s.deps.Accounts.IsAdmin(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", account.ErrPermissionDenied, userID)
	}
	return nil
}

// ── admin backoffice ─────────────────────────────────────────────────────────

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, _ session.Session) {
	users, err := s.deps.Accounts.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]userJSON, len(users))
	for i, u := range users {
		out[i] = userJSON{ID: u.ID, Role: u.Role, CreatedAt: u.CreatedAt}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAdminLogs answers 404 for unknown users instead of an empty list.
func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request, _ session.Session) {
	id := r.PathValue("id")
	if _, ok, err := s.deps.Accounts.RoleOf(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	} else if !ok {
		writeError(w, r, fmt.Errorf("%w: user %q", store.ErrNotFound, id))
		return
	}
	s.writeLogs(w, r, id)
}

func (s *Server) handleAdminRole(w http.ResponseWriter, r *http.Request, _ session.Session) {
	var req roleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Accounts.SetRole(r.Context(), id, req.Role); err != nil {
		writeError(w, r, err)
		return
	}
	observe.Logger(r.Context()).Info("httpapi: role changed", "target", id, "role", req.Role)
	w.WriteHeader(http.StatusNoContent)
}
