package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/echonote/internal/account"
	"github.com/MrWong99/echonote/internal/artifact"
	"github.com/MrWong99/echonote/internal/observe"
	"github.com/MrWong99/echonote/internal/pipeline"
	"github.com/MrWong99/echonote/internal/session"
	"github.com/MrWong99/echonote/internal/store"
	"github.com/MrWong99/echonote/pkg/provider/llm"
	"github.com/MrWong99/echonote/pkg/provider/stt"
	"github.com/MrWong99/echonote/pkg/provider/tts"
)

// errBadRequest marks malformed requests that never reached a service.
var errBadRequest = errors.New("httpapi: bad request")

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

// errorKinds maps error kinds to a status and a client-facing message. The
// order matters: the first kind found in the chain wins.
var errorKinds = []struct {
	kind    error
	status  int
	message string
}{
	{errBadRequest, http.StatusBadRequest, "bad request"},
	{pipeline.ErrInvalidInput, http.StatusBadRequest, "invalid input"},
	{account.ErrInvalidInput, http.StatusBadRequest, "invalid input"},
	{artifact.ErrInvalidName, http.StatusBadRequest, "invalid artifact reference"},
	{account.ErrInvalidCredentials, http.StatusUnauthorized, "invalid credentials"},
	{session.ErrNotFound, http.StatusUnauthorized, "not logged in"},
	{account.ErrPermissionDenied, http.StatusForbidden, "permission denied"},
	{store.ErrNotFound, http.StatusNotFound, "not found"},
	{artifact.ErrNotFound, http.StatusNotFound, "not found"},
	{store.ErrAlreadyExists, http.StatusConflict, "already exists"},
	{stt.ErrTranscriptionFailed, http.StatusBadGateway, "transcription failed"},
	{llm.ErrGenerationFailed, http.StatusBadGateway, "generation failed"},
	{tts.ErrSynthesisFailed, http.StatusBadGateway, "synthesis failed"},
	{store.ErrStorageUnavailable, http.StatusServiceUnavailable, "storage unavailable"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timed out"},
}

// classify returns the status and message for err. Client errors expose
// err's text; server errors only expose the kind.
func classify(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.kind) {
			if k.status < 500 {
				return k.status, err.Error()
			}
			return k.status, k.message
		}
	}
	return http.StatusInternalServerError, "internal error"
}

// writeError classifies err and writes it. Server errors are logged with the
// full chain.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := classify(err)
	body := errorBody{Error: msg}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		body.Stage = string(se.Stage)
	}
	if status >= 500 {
		observe.Logger(r.Context()).Warn("httpapi: request failed",
			"route", r.Pattern,
			"status", status,
			"err", err,
		)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode body: %w", errBadRequest, err)
	}
	return nil
}
