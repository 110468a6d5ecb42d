package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echonote/internal/artifact"
	"github.com/MrWong99/echonote/internal/keywords"
	"github.com/MrWong99/echonote/internal/observe"
	"github.com/MrWong99/echonote/internal/store"
	"github.com/MrWong99/echonote/pkg/provider/llm"
	"github.com/MrWong99/echonote/pkg/provider/stt"
	"github.com/MrWong99/echonote/pkg/provider/tts"
)

const (
	defaultStepTimeout = 60 * time.Second
	defaultLanguage    = "ko"
	defaultFormat      = "wav"
)

// Artifact names of the files a run produces.
const (
	artifactRecording     = "recording"
	artifactWordCloud     = "wordcloud"
	artifactSummaryAudio  = "summary_audio"
	artifactResponseAudio = "response_audio"
)

// formatPattern matches acceptable audio file extensions.
var formatPattern = regexp.MustCompile(`^[a-z0-9]{1,5}$`)

// Generator produces the summary and the conversational response.
// *assistant.Assistant implements it.
type Generator interface {
	Summarize(ctx context.Context, text string) (string, error)
	Respond(ctx context.Context, text string) (string, error)
}

// Visualizer builds the keyword table and word-cloud image of a transcript.
// *keywords.Generator implements it.
type Visualizer interface {
	Build(text string) (keywords.Table, []byte, error)
}

// Deps are the collaborators of an [Orchestrator]. All are required.
type Deps struct {
	STT        stt.Provider
	Generator  Generator
	Visualizer Visualizer
	TTS        tts.Provider
	Logs       store.LogRepository
	Artifacts  artifact.Store
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithStepTimeout bounds every upstream call. Default: 60s.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stepTimeout = d
		}
	}
}

// WithLanguage sets the language passed to speech synthesis. Default: "ko".
func WithLanguage(lang string) Option {
	return func(o *Orchestrator) {
		if lang != "" {
			o.language = lang
		}
	}
}

// WithObserver registers fn to be called on every state transition of every
// run. fn is called synchronously on the goroutine that called Process.
func WithObserver(fn func(userID string, s State)) Option {
	return func(o *Orchestrator) {
		o.observer = fn
	}
}

// WithMetrics records stage and provider metrics into m. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithProviderNames sets the provider labels used in metrics.
func WithProviderNames(sttName, llmName, ttsName string) Option {
	return func(o *Orchestrator) {
		o.sttName, o.llmName, o.ttsName = sttName, llmName, ttsName
	}
}

// Orchestrator drives runs. It holds no per-run state and is safe for
// concurrent use; each run stages its artifacts under its own unique names.
type Orchestrator struct {
	deps        Deps
	stepTimeout time.Duration
	language    string
	observer    func(string, State)
	metrics     *observe.Metrics

	sttName, llmName, ttsName string
}

// New creates an Orchestrator.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	var missing []string
	for name, dep := range map[string]any{
		"stt": deps.STT, "generator": deps.Generator, "visualizer": deps.Visualizer,
		"tts": deps.TTS, "logs": deps.Logs, "artifacts": deps.Artifacts,
	} {
		if dep == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return nil, fmt.Errorf("pipeline: missing dependencies: %s", strings.Join(missing, ", "))
	}
	o := &Orchestrator{
		deps:        deps,
		stepTimeout: defaultStepTimeout,
		language:    defaultLanguage,
		sttName:     "stt",
		llmName:     "llm",
		ttsName:     "tts",
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o, nil
}

// run carries the state of one Process call.
type run struct {
	o      *Orchestrator
	req    Request
	format string
	res    *Result
	mu     sync.Mutex // guards res.Warnings during synthesis
}

// Process runs req through the chain. On a critical failure it returns the
// partial result in [StateFailed] together with a [*StageError].
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Result, error) {
	ctx = observe.WithUser(ctx, req.UserID)
	ctx, span := observe.StartSpan(ctx, "pipeline.process")
	o.metrics.ActiveRuns.Add(ctx, 1)
	defer o.metrics.ActiveRuns.Add(ctx, -1)

	r := &run{
		o:   o,
		req: req,
		res: &Result{
			AudioPath:         store.NotApplicable,
			WordCloudPath:     store.NotApplicable,
			SummaryAudioPath:  store.NotApplicable,
			ResponseAudioPath: store.NotApplicable,
		},
	}
	res, err := r.execute(ctx)
	observe.EndSpan(span, err)

	outcome := string(res.State)
	o.metrics.RecordRun(ctx, string(req.InputType), outcome)
	if err != nil {
		return res, err
	}
	observe.Logger(ctx).Info("pipeline: run completed",
		"input_type", req.InputType,
		"log_id", res.LogID,
		"warnings", len(res.Warnings),
	)
	return res, nil
}

func (r *run) execute(ctx context.Context) (*Result, error) {
	r.enter(StateReceived)
	if err := r.validate(); err != nil {
		return r.fail(ctx, StateReceived, err)
	}

	ref, err := r.o.deps.Artifacts.Save(ctx, r.req.UserID, artifactRecording, r.format, r.req.Audio)
	if err != nil {
		return r.fail(ctx, StateReceived, classifyArtifactErr("stage audio", err))
	}
	r.res.AudioPath = ref

	// ── critical path ──
	r.enter(StateTranscribing)
	transcript, err := r.transcribe(ctx)
	if err != nil {
		return r.fail(ctx, StateTranscribing, err)
	}
	r.res.Transcript = transcript

	r.enter(StateSummarizing)
	summary, err := r.summarize(ctx, transcript)
	if err != nil {
		return r.fail(ctx, StateSummarizing, err)
	}
	r.res.Summary = summary
	if r.req.InputType == store.InputLiveRecording {
		r.respond(ctx, transcript)
	}

	// ── enhancements ──
	r.enter(StateVisualizing)
	r.visualize(ctx, transcript)

	r.enter(StateSynthesizing)
	r.synthesize(ctx)

	r.enter(StateLogging)
	id, err := r.appendLog(ctx)
	if err != nil {
		return r.fail(ctx, StateLogging, err)
	}
	r.res.LogID = id

	r.enter(StateCompleted)
	return r.res, nil
}

// validate checks the request and derives the format hint.
func (r *run) validate() error {
	if !r.req.InputType.IsValid() {
		return fmt.Errorf("%w: unknown input type %q", ErrInvalidInput, r.req.InputType)
	}
	if strings.TrimSpace(r.req.UserID) == "" {
		return fmt.Errorf("%w: missing user", ErrInvalidInput)
	}
	if len(r.req.Audio) == 0 {
		return fmt.Errorf("%w: empty audio", ErrInvalidInput)
	}
	format := strings.ToLower(strings.TrimPrefix(filepath.Ext(r.req.Filename), "."))
	if format == "" {
		format = defaultFormat
	}
	if !formatPattern.MatchString(format) {
		return fmt.Errorf("%w: unsupported file extension %q", ErrInvalidInput, format)
	}
	r.format = format
	return nil
}

func (r *run) transcribe(ctx context.Context) (string, error) {
	var text string
	err := r.step(ctx, StateTranscribing, func(ctx context.Context) error {
		start := time.Now()
		var err error
		text, err = r.o.deps.STT.Transcribe(ctx, r.req.Audio, r.format)
		r.o.metrics.RecordProviderCall(ctx, r.o.sttName, "stt", time.Since(start), err)
		return withKind(err, stt.ErrTranscriptionFailed)
	})
	return strings.TrimSpace(text), err
}

func (r *run) summarize(ctx context.Context, transcript string) (string, error) {
	var summary string
	err := r.step(ctx, StateSummarizing, func(ctx context.Context) error {
		start := time.Now()
		var err error
		summary, err = r.o.deps.Generator.Summarize(ctx, transcript)
		r.o.metrics.RecordProviderCall(ctx, r.o.llmName, "llm", time.Since(start), err)
		return withKind(err, llm.ErrGenerationFailed)
	})
	return summary, err
}

// stageResponding labels the live-recording answer step in spans, metrics
// and warnings. The run itself stays in StateSummarizing meanwhile.
const stageResponding State = "responding"

// respond asks for a conversational answer. A failure leaves the response
// empty and its audio not applicable.
func (r *run) respond(ctx context.Context, transcript string) {
	err := r.step(ctx, stageResponding, func(ctx context.Context) error {
		start := time.Now()
		resp, err := r.o.deps.Generator.Respond(ctx, transcript)
		r.o.metrics.RecordProviderCall(ctx, r.o.llmName, "llm", time.Since(start), err)
		r.res.Response = resp
		return err
	})
	if err != nil {
		r.res.Response = ""
		r.warn(ctx, stageResponding, "response generation failed", err)
	}
}

func (r *run) visualize(ctx context.Context, transcript string) {
	err := r.step(ctx, StateVisualizing, func(ctx context.Context) error {
		start := time.Now()
		table, img, err := r.o.deps.Visualizer.Build(transcript)
		r.o.metrics.KeywordsDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil {
			return fmt.Errorf("build word cloud: %w", err)
		}
		r.res.Keywords = table
		if img == nil {
			return nil
		}
		ref, err := r.o.deps.Artifacts.Save(ctx, r.req.UserID, artifactWordCloud, "png", img)
		if err != nil {
			return fmt.Errorf("store word cloud: %w", err)
		}
		r.res.WordCloudPath = ref
		return nil
	})
	if err != nil {
		r.res.Keywords = keywords.Table{}
		r.warn(ctx, StateVisualizing, "keyword visualization failed", err)
	}
}

// synthesize voices the summary and, when present, the response in
// parallel. Empty texts are skipped.
func (r *run) synthesize(ctx context.Context) {
	type job struct {
		name string
		text string
		dst  *string
	}
	jobs := []job{{artifactSummaryAudio, r.res.Summary, &r.res.SummaryAudioPath}}
	if r.res.Response != "" {
		jobs = append(jobs, job{artifactResponseAudio, r.res.Response, &r.res.ResponseAudioPath})
	}

	var g errgroup.Group
	for _, j := range jobs {
		if strings.TrimSpace(j.text) == "" {
			continue
		}
		g.Go(func() error {
			var ref string
			err := r.step(ctx, StateSynthesizing, func(ctx context.Context) error {
				start := time.Now()
				audio, err := r.o.deps.TTS.Synthesize(ctx, j.text, r.o.language)
				r.o.metrics.RecordProviderCall(ctx, r.o.ttsName, "tts", time.Since(start), err)
				if err != nil {
					return withKind(err, tts.ErrSynthesisFailed)
				}
				if audio == nil || len(audio.Data) == 0 {
					return fmt.Errorf("%w: empty audio", tts.ErrSynthesisFailed)
				}
				format := audio.Format
				if format == "" {
					format = "mp3"
				}
				ref, err = r.o.deps.Artifacts.Save(ctx, r.req.UserID, j.name, format, audio.Data)
				if err != nil {
					return fmt.Errorf("store %s: %w", j.name, err)
				}
				return nil
			})
			if err != nil {
				r.warn(ctx, StateSynthesizing, j.name+" synthesis failed", err)
				return nil
			}
			*j.dst = ref
			return nil
		})
	}
	_ = g.Wait()
}

func (r *run) appendLog(ctx context.Context) (int64, error) {
	response := r.res.Response
	if r.req.InputType != store.InputLiveRecording || response == "" {
		response = store.NotApplicable
	}
	entry := store.LogEntry{
		UserID:            r.req.UserID,
		InputType:         r.req.InputType,
		OriginalText:      r.res.Transcript,
		SummaryText:       r.res.Summary,
		WordCloudPath:     r.res.WordCloudPath,
		ResponseText:      response,
		SummaryAudioPath:  r.res.SummaryAudioPath,
		ResponseAudioPath: r.res.ResponseAudioPath,
	}
	var id int64
	err := r.step(ctx, StateLogging, func(ctx context.Context) error {
		var err error
		id, err = r.o.deps.Logs.AppendLog(ctx, entry)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return withKind(err, store.ErrStorageUnavailable)
		}
		return err
	})
	return id, err
}

// step runs fn under the step timeout inside a span and records the stage
// duration.
func (r *run) step(ctx context.Context, s State, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.o.stepTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "pipeline."+string(s))

	start := time.Now()
	err := fn(ctx)
	r.o.metrics.RecordStage(ctx, string(s), time.Since(start), err)
	observe.EndSpan(span, err)
	return err
}

func (r *run) enter(s State) {
	r.res.State = s
	if r.o.observer != nil {
		r.o.observer(r.req.UserID, s)
	}
}

func (r *run) warn(ctx context.Context, s State, msg string, err error) {
	r.mu.Lock()
	r.res.Warnings = append(r.res.Warnings, Warning{Stage: s, Message: msg + ": " + err.Error()})
	r.mu.Unlock()
	r.o.metrics.RecordWarning(ctx, string(s))
	observe.Logger(ctx).Warn("pipeline: "+msg, "stage", s, "err", err)
}

func (r *run) fail(ctx context.Context, s State, err error) (*Result, error) {
	r.res.FailedStage = s
	r.enter(StateFailed)
	observe.Logger(ctx).Warn("pipeline: run failed", "stage", s, "err", err)
	return r.res, &StageError{Stage: s, Err: err}
}

// withKind makes sure err carries kind so callers can classify it.
func withKind(err, kind error) error {
	if err == nil || errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

func classifyArtifactErr(op string, err error) error {
	if errors.Is(err, artifact.ErrInvalidName) {
		return fmt.Errorf("%w: %s: %w", ErrInvalidInput, op, err)
	}
	return fmt.Errorf("%w: %s: %w", store.ErrStorageUnavailable, op, err)
}
