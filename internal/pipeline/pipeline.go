// Package pipeline runs one uploaded or recorded audio clip through the full
// processing chain and records the outcome.
//
// A run moves through the states
//
//	Received → Transcribing → Summarizing → Visualizing → Synthesizing → Logging → Completed
//
// and ends in [StateFailed] when a critical step fails. Transcription,
// summarisation and the final log write are critical: their failure aborts
// the run with a [*StageError]. The conversational response, the word cloud
// and speech synthesis are enhancements: their failure becomes a [Warning]
// on an otherwise completed [Result].
//
// Exactly one activity-log entry is written per completed run. Failed runs
// write none.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/echonote/internal/keywords"
	"github.com/MrWong99/echonote/internal/store"
)

// ErrInvalidInput is returned for requests that cannot be processed: an
// unknown input type, empty audio, a missing user or an unusable file name.
var ErrInvalidInput = errors.New("invalid input")

// State is the position of a run in the processing chain.
type State string

const (
	StateReceived     State = "received"
	StateTranscribing State = "transcribing"
	StateSummarizing  State = "summarizing"
	StateVisualizing  State = "visualizing"
	StateSynthesizing State = "synthesizing"
	StateLogging      State = "logging"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Request is the input of [Orchestrator.Process].
type Request struct {
	// UserID owns the run, its artifacts and its log entry.
	UserID string

	// Audio is the raw clip.
	Audio []byte

	// Filename is the client-side name of the clip. Its extension is used as
	// the format hint for transcription and as the stored file extension.
	// Empty means "wav".
	Filename string

	// InputType tells uploads from live recordings. Only live recordings get
	// a conversational response.
	InputType store.InputType
}

// Warning describes a non-fatal failure of one stage. A failed live-recording
// answer is reported under the stage "responding".
type Warning struct {
	Stage   State  `json:"stage"`
	Message string `json:"message"`
}

// Result is the outcome of a run. Fields of steps that did not run or do not
// apply hold [store.NotApplicable] for paths and "" for texts.
type Result struct {
	State       State `json:"state"`
	FailedStage State `json:"failed_stage,omitempty"`

	Transcript string         `json:"transcript"`
	Summary    string         `json:"summary"`
	Response   string         `json:"response,omitempty"`
	Keywords   keywords.Table `json:"keywords"`

	AudioPath         string `json:"audio_path"`
	WordCloudPath     string `json:"wordcloud_path"`
	SummaryAudioPath  string `json:"summary_audio_path"`
	ResponseAudioPath string `json:"response_audio_path"`

	LogID    int64     `json:"log_id,omitempty"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// StageError is returned when a critical stage fails. It unwraps to the
// stage's failure kind (stt.ErrTranscriptionFailed,
// llm.ErrGenerationFailed, store.ErrStorageUnavailable, ErrInvalidInput).
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
