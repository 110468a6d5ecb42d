package pipeline_test

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/crypto/bcrypt"

	"github.com/MrWong99/echonote/internal/account"
	"github.com/MrWong99/echonote/internal/artifact"
	"github.com/MrWong99/echonote/internal/assistant"
	"github.com/MrWong99/echonote/internal/keywords"
	"github.com/MrWong99/echonote/internal/observe"
	"github.com/MrWong99/echonote/internal/pipeline"
	"github.com/MrWong99/echonote/internal/store"
	"github.com/MrWong99/echonote/internal/store/sqlite"
	"github.com/MrWong99/echonote/pkg/provider/llm"
	llmmock "github.com/MrWong99/echonote/pkg/provider/llm/mock"
	"github.com/MrWong99/echonote/pkg/provider/stt"
	sttmock "github.com/MrWong99/echonote/pkg/provider/stt/mock"
	"github.com/MrWong99/echonote/pkg/provider/tts"
	ttsmock "github.com/MrWong99/echonote/pkg/provider/tts/mock"
)

// ---- fixture ----------------------------------------------------------------

type fixture struct {
	st       *sqlite.Store
	accounts *account.Service
	stt      *sttmock.Provider
	llm      *llmmock.Provider
	tts      *ttsmock.Provider
	root     string

	mu     sync.Mutex
	states []pipeline.State
}

// brokenVisualizer always fails to build a word cloud.
type brokenVisualizer struct{}

func (brokenVisualizer) Build(string) (keywords.Table, []byte, error) {
	return keywords.Table{}, nil, errors.New("font exploded")
}

// brokenLogs fails every append.
type brokenLogs struct{ store.LogRepository }

func (brokenLogs) AppendLog(context.Context, store.LogEntry) (int64, error) {
	return 0, errors.New("disk full")
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := sqlite.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	accounts, err := account.New(st, account.WithCost(bcrypt.MinCost))
	require.NoError(t, err)
	require.NoError(t, accounts.Register(ctx, "alice", "pw123"))

	return &fixture{
		st:       st,
		accounts: accounts,
		stt:      &sttmock.Provider{Text: "회의를 시작하겠습니다 회의 안건은 예산입니다"},
		llm: &llmmock.Provider{
			CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
				if strings.HasPrefix(req.Messages[0].Content, "User question:") {
					return &llm.CompletionResponse{Content: "the answer"}, nil
				}
				return &llm.CompletionResponse{Content: "the summary"}, nil
			},
		},
		tts:  &ttsmock.Provider{Audio: &tts.Audio{Data: []byte("ID3 voice"), Format: "mp3"}},
		root: t.TempDir(),
	}
}

// deps builds the default collaborators. Tests override single fields.
func (f *fixture) deps(t *testing.T) pipeline.Deps {
	t.Helper()
	asst, err := assistant.New(f.llm)
	require.NoError(t, err)
	gen, err := keywords.NewGenerator(keywords.WithSize(300, 150))
	require.NoError(t, err)
	arts, err := artifact.NewFS(f.root)
	require.NoError(t, err)
	return pipeline.Deps{
		STT:        f.stt,
		Generator:  asst,
		Visualizer: gen,
		TTS:        f.tts,
		Logs:       f.st,
		Artifacts:  arts,
	}
}

func (f *fixture) orchestrator(t *testing.T, deps pipeline.Deps, opts ...pipeline.Option) *pipeline.Orchestrator {
	t.Helper()
	opts = append([]pipeline.Option{pipeline.WithObserver(func(_ string, s pipeline.State) {
		f.mu.Lock()
		f.states = append(f.states, s)
		f.mu.Unlock()
	})}, opts...)
	o, err := pipeline.New(deps, opts...)
	require.NoError(t, err)
	return o
}

func (f *fixture) observed() []pipeline.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.states)
}

func (f *fixture) logs(t *testing.T) []store.LogEntry {
	t.Helper()
	entries, err := f.st.ListLogs(context.Background(), "alice")
	require.NoError(t, err)
	return entries
}

func upload(audio string) pipeline.Request {
	return pipeline.Request{UserID: "alice", Audio: []byte(audio), Filename: "meeting.WAV", InputType: store.InputUpload}
}

// ---- construction -----------------------------------------------------------

func TestNew_MissingDependencies(t *testing.T) {
	_, err := pipeline.New(pipeline.Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "artifacts, generator, logs, stt, tts, visualizer")
}

// ---- completed runs ---------------------------------------------------------

func TestProcess_UploadCompletes(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, f.deps(t))

	res, err := o.Process(context.Background(), upload("RIFF clip"))
	require.NoError(t, err)

	assert.Equal(t, pipeline.StateCompleted, res.State)
	assert.Equal(t, "회의를 시작하겠습니다 회의 안건은 예산입니다", res.Transcript)
	assert.Equal(t, "the summary", res.Summary)
	assert.Empty(t, res.Response)
	assert.Empty(t, res.Warnings)
	assert.NotZero(t, res.Keywords.Len())
	assert.Equal(t, store.NotApplicable, res.ResponseAudioPath)

	for _, p := range []string{res.AudioPath, res.WordCloudPath, res.SummaryAudioPath} {
		assert.FileExists(t, p)
		assert.True(t, strings.HasPrefix(p, f.root), "%s outside artifact root", p)
	}
	assert.True(t, strings.HasSuffix(res.AudioPath, ".wav"), "audio path %q keeps the lowercased extension", res.AudioPath)
	assert.True(t, strings.HasSuffix(res.WordCloudPath, ".png"))
	assert.True(t, strings.HasSuffix(res.SummaryAudioPath, ".mp3"))

	calls := f.stt.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "wav", calls[0].FormatHint)

	entries := f.logs(t)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, res.LogID, e.ID)
	assert.Equal(t, store.InputUpload, e.InputType)
	assert.Equal(t, res.Transcript, e.OriginalText)
	assert.Equal(t, "the summary", e.SummaryText)
	assert.Equal(t, store.NotApplicable, e.ResponseText)
	assert.Equal(t, store.NotApplicable, e.ResponseAudioPath)
	assert.Equal(t, res.WordCloudPath, e.WordCloudPath)

	assert.Equal(t, []pipeline.State{
		pipeline.StateReceived,
		pipeline.StateTranscribing,
		pipeline.StateSummarizing,
		pipeline.StateVisualizing,
		pipeline.StateSynthesizing,
		pipeline.StateLogging,
		pipeline.StateCompleted,
	}, f.observed())
}

func TestProcess_LiveRecordingResponds(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, f.deps(t), pipeline.WithLanguage("en"))

	req := upload("webm clip")
	req.Filename = "recording.webm"
	req.InputType = store.InputLiveRecording
	res, err := o.Process(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "the answer", res.Response)
	assert.FileExists(t, res.ResponseAudioPath)
	assert.FileExists(t, res.SummaryAudioPath)
	assert.NotEqual(t, res.SummaryAudioPath, res.ResponseAudioPath)

	synth := f.tts.Calls()
	require.Len(t, synth, 2)
	texts := []string{synth[0].Text, synth[1].Text}
	slices.Sort(texts)
	assert.Equal(t, []string{"the answer", "the summary"}, texts)
	assert.Equal(t, "en", synth[0].Language)

	entries := f.logs(t)
	require.Len(t, entries, 1)
	assert.Equal(t, store.InputLiveRecording, entries[0].InputType)
	assert.Equal(t, "the answer", entries[0].ResponseText)
	assert.Equal(t, res.ResponseAudioPath, entries[0].ResponseAudioPath)
}

func TestProcess_ResponseHasItsOwnStageMetric(t *testing.T) {
	f := newFixture(t)
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	o := f.orchestrator(t, f.deps(t), pipeline.WithMetrics(m))

	req := upload("clip")
	req.InputType = store.InputLiveRecording
	_, err = o.Process(context.Background(), req)
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	counts := map[string]uint64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "echonote.pipeline.stage.duration" {
				continue
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			require.True(t, ok)
			for _, dp := range hist.DataPoints {
				stage, _ := dp.Attributes.Value(attribute.Key("stage"))
				counts[stage.AsString()] += dp.Count
			}
		}
	}
	assert.Equal(t, uint64(1), counts["responding"])
	assert.Equal(t, uint64(1), counts["summarizing"], "the answer is not booked as summarizing")
}

func TestProcess_EmptyTranscript(t *testing.T) {
	f := newFixture(t)
	ok, err := f.accounts.Authenticate(context.Background(), "alice", "pw123")
	require.NoError(t, err)
	require.True(t, ok)

	f.stt.Text = ""
	o := f.orchestrator(t, f.deps(t))

	res, err := o.Process(context.Background(), upload("silence"))
	require.NoError(t, err)

	assert.Equal(t, pipeline.StateCompleted, res.State)
	assert.Empty(t, res.Summary)
	assert.Zero(t, res.Keywords.Len())
	assert.Equal(t, store.NotApplicable, res.WordCloudPath)
	assert.Equal(t, store.NotApplicable, res.SummaryAudioPath)
	assert.Empty(t, res.Warnings, "nothing failed, there was just nothing to say")
	assert.Empty(t, f.llm.Calls(), "blank transcripts never reach the model")
	assert.Empty(t, f.tts.Calls())

	entries := f.logs(t)
	require.Len(t, entries, 1)
	assert.Equal(t, store.InputUpload, entries[0].InputType)
	assert.Equal(t, store.NotApplicable, entries[0].ResponseAudioPath)
}

// ---- non-critical failures --------------------------------------------------

func TestProcess_VisualizationFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	deps := f.deps(t)
	deps.Visualizer = brokenVisualizer{}
	o := f.orchestrator(t, deps)

	res, err := o.Process(context.Background(), upload("clip"))
	require.NoError(t, err)

	assert.Equal(t, pipeline.StateCompleted, res.State)
	assert.Equal(t, store.NotApplicable, res.WordCloudPath)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, pipeline.StateVisualizing, res.Warnings[0].Stage)
	assert.Contains(t, res.Warnings[0].Message, "font exploded")
	assert.FileExists(t, res.SummaryAudioPath, "later stages still run")

	entries := f.logs(t)
	require.Len(t, entries, 1)
	assert.Equal(t, store.NotApplicable, entries[0].WordCloudPath)
}

func TestProcess_SynthesisFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	f.tts.Err = tts.ErrSynthesisFailed
	o := f.orchestrator(t, f.deps(t))

	req := upload("clip")
	req.InputType = store.InputLiveRecording
	res, err := o.Process(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, pipeline.StateCompleted, res.State)
	assert.Equal(t, store.NotApplicable, res.SummaryAudioPath)
	assert.Equal(t, store.NotApplicable, res.ResponseAudioPath)
	require.Len(t, res.Warnings, 2)
	for _, w := range res.Warnings {
		assert.Equal(t, pipeline.StateSynthesizing, w.Stage)
	}
	assert.Equal(t, "the answer", res.Response, "the text survives without its audio")
}

func TestProcess_ResponseFailureIsWarning(t *testing.T) {
	f := newFixture(t)
	f.llm.CompleteFunc = func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if strings.HasPrefix(req.Messages[0].Content, "User question:") {
			return nil, llm.ErrGenerationFailed
		}
		return &llm.CompletionResponse{Content: "the summary"}, nil
	}
	o := f.orchestrator(t, f.deps(t))

	req := upload("clip")
	req.InputType = store.InputLiveRecording
	res, err := o.Process(context.Background(), req)
	require.NoError(t, err)

	assert.Empty(t, res.Response)
	assert.Equal(t, store.NotApplicable, res.ResponseAudioPath)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, pipeline.State("responding"), res.Warnings[0].Stage)
	assert.NotContains(t, f.observed(), pipeline.State("responding"), "answering is not a run state")

	entries := f.logs(t)
	require.Len(t, entries, 1)
	assert.Equal(t, store.NotApplicable, entries[0].ResponseText)
}

// ---- critical failures ------------------------------------------------------

func TestProcess_TranscriptionFailure(t *testing.T) {
	f := newFixture(t)
	f.stt.Err = errors.New("connection refused")
	o := f.orchestrator(t, f.deps(t))

	res, err := o.Process(context.Background(), upload("clip"))
	require.Error(t, err)
	assert.ErrorIs(t, err, stt.ErrTranscriptionFailed)

	var se *pipeline.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, pipeline.StateTranscribing, se.Stage)

	require.NotNil(t, res)
	assert.Equal(t, pipeline.StateFailed, res.State)
	assert.Equal(t, pipeline.StateTranscribing, res.FailedStage)
	assert.FileExists(t, res.AudioPath, "the staged recording is kept")
	assert.Empty(t, f.logs(t), "failed runs leave no log entry")
	assert.Empty(t, f.llm.Calls())

	states := f.observed()
	assert.Equal(t, pipeline.StateFailed, states[len(states)-1])
	assert.NotContains(t, states, pipeline.StateSummarizing)
}

func TestProcess_SummarizeFailure(t *testing.T) {
	f := newFixture(t)
	f.llm.CompleteFunc = nil
	f.llm.CompleteErr = errors.New("rate limited")
	o := f.orchestrator(t, f.deps(t))

	res, err := o.Process(context.Background(), upload("clip"))
	assert.ErrorIs(t, err, llm.ErrGenerationFailed)
	assert.Equal(t, pipeline.StateSummarizing, res.FailedStage)
	assert.Equal(t, res.Transcript, "회의를 시작하겠습니다 회의 안건은 예산입니다")
	assert.Empty(t, f.tts.Calls())
	assert.Empty(t, f.logs(t))
}

func TestProcess_LoggingFailure(t *testing.T) {
	f := newFixture(t)
	deps := f.deps(t)
	deps.Logs = brokenLogs{}
	o := f.orchestrator(t, deps)

	res, err := o.Process(context.Background(), upload("clip"))
	assert.ErrorIs(t, err, store.ErrStorageUnavailable)
	assert.Equal(t, pipeline.StateLogging, res.FailedStage)
	assert.Zero(t, res.LogID)
}

func TestProcess_UnknownUserCannotLog(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, f.deps(t))

	req := upload("clip")
	req.UserID = "mallory"
	res, err := o.Process(context.Background(), req)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, pipeline.StateLogging, res.FailedStage)
}

func TestProcess_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*pipeline.Request)
	}{
		{"empty audio", func(r *pipeline.Request) { r.Audio = nil }},
		{"missing user", func(r *pipeline.Request) { r.UserID = "  " }},
		{"unknown input type", func(r *pipeline.Request) { r.InputType = "fax" }},
		{"odd extension", func(r *pipeline.Request) { r.Filename = "clip.wav;rm" }},
		{"unsafe user id", func(r *pipeline.Request) { r.UserID = "../etc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			o := f.orchestrator(t, f.deps(t))

			req := upload("clip")
			tt.mutate(&req)
			res, err := o.Process(context.Background(), req)
			assert.ErrorIs(t, err, pipeline.ErrInvalidInput)
			assert.Equal(t, pipeline.StateReceived, res.FailedStage)
			assert.Equal(t, store.NotApplicable, res.AudioPath)
			assert.Empty(t, f.stt.Calls())

			dirs, err := os.ReadDir(f.root)
			require.NoError(t, err)
			assert.Empty(t, dirs, "nothing is staged for rejected input")
		})
	}
}

func TestProcess_MissingExtensionDefaultsToWAV(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, f.deps(t))

	req := upload("clip")
	req.Filename = "blob"
	res, err := o.Process(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(res.AudioPath, ".wav"))
	assert.Equal(t, "wav", f.stt.Calls()[0].FormatHint)
}

func TestProcess_StepTimeout(t *testing.T) {
	f := newFixture(t)
	f.stt.TranscribeFunc = func(ctx context.Context, _ []byte, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	o := f.orchestrator(t, f.deps(t), pipeline.WithStepTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := o.Process(context.Background(), upload("clip"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, stt.ErrTranscriptionFailed)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProcess_ConcurrentRunsKeepArtifactsApart(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, f.deps(t))

	const n = 8
	results := make([]*pipeline.Result, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			res, err := o.Process(context.Background(), upload("clip"))
			assert.NoError(t, err)
			results[i] = res
		})
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, res := range results {
		require.NotNil(t, res)
		for _, p := range []string{res.AudioPath, res.WordCloudPath, res.SummaryAudioPath} {
			assert.False(t, seen[p], "artifact %s shared between runs", p)
			seen[p] = true
		}
	}
	assert.Len(t, f.logs(t), n)
}
