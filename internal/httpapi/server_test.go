package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/MrWong99/echonote/internal/account"
	"github.com/MrWong99/echonote/internal/artifact"
	"github.com/MrWong99/echonote/internal/httpapi"
	"github.com/MrWong99/echonote/internal/pipeline"
	"github.com/MrWong99/echonote/internal/session"
	"github.com/MrWong99/echonote/internal/store"
	"github.com/MrWong99/echonote/internal/store/sqlite"
	"github.com/MrWong99/echonote/pkg/provider/stt"
)

// ---- fixture ----------------------------------------------------------------

// fakeProcessor stores the uploaded audio and appends a log entry, or fails
// with err.
type fakeProcessor struct {
	st   *sqlite.Store
	arts artifact.Store
	err  error

	mu   sync.Mutex
	reqs []pipeline.Request
}

func (p *fakeProcessor) Process(ctx context.Context, req pipeline.Request) (*pipeline.Result, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()

	if p.err != nil {
		return &pipeline.Result{State: pipeline.StateFailed}, p.err
	}
	ref, err := p.arts.Save(ctx, req.UserID, "recording", "wav", req.Audio)
	if err != nil {
		return nil, err
	}
	id, err := p.st.AppendLog(ctx, store.LogEntry{
		UserID:            req.UserID,
		InputType:         req.InputType,
		OriginalText:      "hello",
		SummaryText:       "hi",
		WordCloudPath:     store.NotApplicable,
		ResponseText:      store.NotApplicable,
		SummaryAudioPath:  store.NotApplicable,
		ResponseAudioPath: store.NotApplicable,
	})
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{State: pipeline.StateCompleted, Transcript: "hello", Summary: "hi", AudioPath: ref, LogID: id}, nil
}

func (p *fakeProcessor) requests() []pipeline.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pipeline.Request(nil), p.reqs...)
}

type fixture struct {
	h        http.Handler
	st       *sqlite.Store
	accounts *account.Service
	arts     *artifact.FS
	sessions *session.Manager
	proc     *fakeProcessor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	accounts, err := account.New(st, account.WithCost(bcrypt.MinCost))
	require.NoError(t, err)
	arts, err := artifact.NewFS(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		st:       st,
		accounts: accounts,
		arts:     arts,
		sessions: session.NewManager(),
		proc:     &fakeProcessor{st: st, arts: arts},
	}
	f.h = httpapi.New(httpapi.Deps{
		Accounts:  accounts,
		Logs:      st,
		Artifacts: arts,
		Pipeline:  f.proc,
		Sessions:  f.sessions,
	}, httpapi.WithMaxUploadBytes(1<<20)).Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, target, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) doJSON(t *testing.T, method, target, token string, v any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return f.do(t, method, target, token, bytes.NewReader(b), "application/json")
}

// login registers id (if needed) and returns a bearer token.
func (f *fixture) login(t *testing.T, id string) string {
	t.Helper()
	_ = f.accounts.Register(context.Background(), id, "pw-"+id)
	rec := f.doJSON(t, http.MethodPost, "/api/login", "", map[string]string{"id": id, "password": "pw-" + id})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Token
}

func (f *fixture) upload(t *testing.T, token string, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("audio", "meeting.wav")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("RIFF clip"))
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return f.do(t, http.MethodPost, "/api/process", token, &buf, mw.FormDataContentType())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type errBody struct {
	Error string `json:"error"`
	Stage string `json:"stage"`
}

// ---- accounts ---------------------------------------------------------------

func TestRegister(t *testing.T) {
	f := newFixture(t)

	rec := f.doJSON(t, http.MethodPost, "/api/register", "", map[string]string{"id": "alice", "password": "pw123"})
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = f.doJSON(t, http.MethodPost, "/api/register", "", map[string]string{"id": "alice", "password": "other"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.doJSON(t, http.MethodPost, "/api/register", "", map[string]string{"id": "bob", "password": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/register", "", strings.NewReader("{not json"), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.accounts.Register(context.Background(), "alice", "pw123"))

	rec := f.doJSON(t, http.MethodPost, "/api/login", "", map[string]string{"id": "alice", "password": "pw123"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Token string     `json:"token"`
		Role  store.Role `json:"role"`
	}](t, rec)
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, store.RoleUser, resp.Role)

	wrong := f.doJSON(t, http.MethodPost, "/api/login", "", map[string]string{"id": "alice", "password": "nope"})
	unknown := f.doJSON(t, http.MethodPost, "/api/login", "", map[string]string{"id": "mallory", "password": "pw123"})
	assert.Equal(t, http.StatusUnauthorized, wrong.Code)
	assert.Equal(t, http.StatusUnauthorized, unknown.Code)
	assert.Equal(t, wrong.Body.String(), unknown.Body.String(), "unknown users and wrong passwords look the same")
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/me", "", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/me", "bogus", nil, "").Code)

	token := f.login(t, "alice")
	rec := f.do(t, http.MethodGet, "/api/me", token, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decode[struct {
		UserID string `json:"user_id"`
	}](t, rec).UserID)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/api/logout", token, nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/me", token, nil, "").Code)
}

// ---- processing -------------------------------------------------------------

func TestProcess_UsesSessionIdentity(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "alice")

	rec := f.upload(t, token, map[string]string{"duration_seconds": "30"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[pipeline.Result](t, rec)
	assert.Equal(t, pipeline.StateCompleted, res.State)
	assert.NotZero(t, res.LogID)

	reqs := f.proc.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "alice", reqs[0].UserID)
	assert.Equal(t, "meeting.wav", reqs[0].Filename)
	assert.Equal(t, store.InputUpload, reqs[0].InputType)
	assert.Equal(t, []byte("RIFF clip"), reqs[0].Audio)

	sess, err := f.sessions.Get(token)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, sess.RecordDuration)
}

func TestProcess_LiveRecording(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "alice")

	rec := f.upload(t, token, map[string]string{"input_type": "live-recording"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, store.InputLiveRecording, f.proc.requests()[0].InputType)
}

func TestProcess_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantStage  string
	}{
		{
			name:       "transcription",
			err:        &pipeline.StageError{Stage: pipeline.StateTranscribing, Err: fmt.Errorf("%w: whisper down", stt.ErrTranscriptionFailed)},
			wantStatus: http.StatusBadGateway,
			wantStage:  "transcribing",
		},
		{
			name:       "invalid input",
			err:        &pipeline.StageError{Stage: pipeline.StateReceived, Err: fmt.Errorf("%w: empty audio", pipeline.ErrInvalidInput)},
			wantStatus: http.StatusBadRequest,
			wantStage:  "received",
		},
		{
			name:       "storage",
			err:        &pipeline.StageError{Stage: pipeline.StateLogging, Err: store.ErrStorageUnavailable},
			wantStatus: http.StatusServiceUnavailable,
			wantStage:  "logging",
		},
		{
			name:       "unclassified",
			err:        fmt.Errorf("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.proc.err = tt.err
			token := f.login(t, "alice")

			rec := f.upload(t, token, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decode[errBody](t, rec)
			assert.Equal(t, tt.wantStage, body.Stage)
			assert.NotEmpty(t, body.Error)
			if tt.wantStatus >= 500 {
				assert.NotContains(t, body.Error, "whisper down", "server errors hide their cause")
			}
		})
	}
}

func TestProcess_BadRequests(t *testing.T) {
	f := newFixture(t)
	token := f.login(t, "alice")

	rec := f.do(t, http.MethodPost, "/api/process", token, strings.NewReader("not multipart"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.upload(t, token, map[string]string{"duration_seconds": "soon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("input_type", "upload")
	_ = mw.Close()
	rec = f.do(t, http.MethodPost, "/api/process", token, &buf, mw.FormDataContentType())
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing audio part")

	assert.Empty(t, f.proc.requests())
}

func TestProcess_RequiresLogin(t *testing.T) {
	f := newFixture(t)
	rec := f.upload(t, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// ---- logs and artifacts -----------------------------------------------------

func TestLogs_OnlyOwn(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	require.Equal(t, http.StatusOK, f.upload(t, alice, nil).Code)
	require.Equal(t, http.StatusOK, f.upload(t, alice, nil).Code)
	require.Equal(t, http.StatusOK, f.upload(t, bob, nil).Code)

	type entry struct {
		ID     int64  `json:"id"`
		UserID string `json:"user_id"`
	}
	entries := decode[[]entry](t, f.do(t, http.MethodGet, "/api/logs", alice, nil, ""))
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, "alice", e.UserID)
	}
	assert.Greater(t, entries[0].ID, entries[1].ID, "newest first")
}

func TestArtifacts_Ownership(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")
	bob := f.login(t, "bob")

	res := decode[pipeline.Result](t, f.upload(t, alice, nil))
	target := "/api/artifacts?ref=" + res.AudioPath

	rec := f.do(t, http.MethodGet, target, alice, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RIFF clip", rec.Body.String())

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, target, bob, nil, "").Code)

	require.NoError(t, f.accounts.SetRole(context.Background(), "bob", store.RoleAdmin))
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, target, bob, nil, "").Code, "admins may read any artifact")
}

func TestArtifacts_BadRefs(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/artifacts", alice, nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/artifacts?ref=N/A", alice, nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/artifacts?ref=/etc/passwd", alice, nil, "").Code)

	res := decode[pipeline.Result](t, f.upload(t, alice, nil))
	missing := strings.TrimSuffix(res.AudioPath, ".wav") + "x.wav"
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/artifacts?ref="+missing, alice, nil, "").Code)
}

// ---- admin ------------------------------------------------------------------

func TestAdmin_RequiresRole(t *testing.T) {
	f := newFixture(t)
	alice := f.login(t, "alice")

	for _, target := range []string{"/api/admin/users", "/api/admin/users/alice/logs"} {
		assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, target, alice, nil, "").Code, target)
	}
	rec := f.doJSON(t, http.MethodPut, "/api/admin/users/alice/role", alice, map[string]string{"role": "admin"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdmin_Backoffice(t *testing.T) {
	f := newFixture(t)
	root := f.login(t, "root")
	require.NoError(t, f.accounts.SetRole(context.Background(), "root", store.RoleAdmin))
	alice := f.login(t, "alice")
	require.Equal(t, http.StatusOK, f.upload(t, alice, nil).Code)

	users := decode[[]struct {
		ID   string     `json:"id"`
		Role store.Role `json:"role"`
	}](t, f.do(t, http.MethodGet, "/api/admin/users", root, nil, ""))
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].ID)
	assert.Equal(t, store.RoleAdmin, users[1].Role)
	assert.NotContains(t, f.do(t, http.MethodGet, "/api/admin/users", root, nil, "").Body.String(), "hash")

	logs := decode[[]struct {
		UserID string `json:"user_id"`
	}](t, f.do(t, http.MethodGet, "/api/admin/users/alice/logs", root, nil, ""))
	require.Len(t, logs, 1)
	assert.Equal(t, "alice", logs[0].UserID)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/admin/users/ghost/logs", root, nil, "").Code)

	rec := f.doJSON(t, http.MethodPut, "/api/admin/users/alice/role", root, map[string]string{"role": "superuser"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.doJSON(t, http.MethodPut, "/api/admin/users/ghost/role", root, map[string]string{"role": "admin"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.doJSON(t, http.MethodPut, "/api/admin/users/alice/role", root, map[string]string{"role": "admin"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	ok, err := f.accounts.IsAdmin(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdmin_DemotionTakesEffectImmediately(t *testing.T) {
	f := newFixture(t)
	root := f.login(t, "root")
	require.NoError(t, f.accounts.SetRole(context.Background(), "root", store.RoleAdmin))
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/admin/users", root, nil, "").Code)

	require.NoError(t, f.accounts.SetRole(context.Background(), "root", store.RoleUser))
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/api/admin/users", root, nil, "").Code)
}

// ---- composition ------------------------------------------------------------

func TestExtraRoutesAndMiddleware(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := httpapi.New(httpapi.Deps{Sessions: session.NewManager()},
		httpapi.WithRoutes(func(mux *http.ServeMux) {
			mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
		}),
		httpapi.WithMiddleware(mw("outer")),
		httpapi.WithMiddleware(mw("inner")),
	).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, []string{"outer", "inner"}, order)
}
