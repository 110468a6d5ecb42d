package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt": {"openai", "whisper", "deepgram"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"tts": {"openai", "elevenlabs", "coqui"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr      = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMaxUploadBytes  = 64 << 20
	DefaultSQLitePath      = "echonote.db"
	DefaultArtifactRoot    = "data"
	DefaultLanguage        = "ko"
	DefaultStepTimeout     = 60 * time.Second
	DefaultMaxAttempts     = 2
	DefaultInitialBackoff  = 500 * time.Millisecond
	DefaultMaxBackoff      = 5 * time.Second
	DefaultMaxFailures     = 5
	DefaultResetTimeout    = 30 * time.Second
	DefaultCloudWidth      = 900
	DefaultCloudHeight     = 400
	DefaultCloudMaxWords   = 200
	DefaultSessionTTL      = 12 * time.Hour
)

// envRef matches ${NAME} references. Bare $NAME is left alone so that values
// such as bcrypt hashes or passwords containing '$' survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references from the environment, decodes a
// YAML config from r, applies defaults and validates the result. Unknown keys
// are rejected. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = ExpandEnv(raw, os.LookupEnv)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces every ${NAME} in raw by the value lookup returns.
// Unset variables expand to the empty string and are reported at WARN.
func ExpandEnv(raw []byte, lookup func(string) (string, bool)) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := string(envRef.FindSubmatch(m)[1])
		v, ok := lookup(name)
		if !ok {
			slog.Warn("config: environment variable not set", "name", name)
		}
		return []byte(v)
	})
}

// ApplyDefaults fills every unset field of cfg with its default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)
	setDefault(&cfg.Server.ShutdownTimeout, DefaultShutdownTimeout)
	setDefault(&cfg.Server.MaxUploadBytes, DefaultMaxUploadBytes)

	setDefault(&cfg.Database.Driver, DriverSQLite)
	if cfg.Database.Driver == DriverSQLite {
		setDefault(&cfg.Database.DSN, DefaultSQLitePath)
	}

	setDefault(&cfg.Artifacts.Backend, BackendFS)
	if cfg.Artifacts.Backend == BackendFS {
		setDefault(&cfg.Artifacts.Root, DefaultArtifactRoot)
	}

	setDefault(&cfg.Pipeline.Language, DefaultLanguage)
	setDefault(&cfg.Pipeline.StepTimeout, DefaultStepTimeout)
	setDefault(&cfg.Pipeline.Retry.MaxAttempts, DefaultMaxAttempts)
	setDefault(&cfg.Pipeline.Retry.InitialBackoff, DefaultInitialBackoff)
	setDefault(&cfg.Pipeline.Retry.MaxBackoff, DefaultMaxBackoff)
	setDefault(&cfg.Pipeline.CircuitBreaker.MaxFailures, DefaultMaxFailures)
	setDefault(&cfg.Pipeline.CircuitBreaker.ResetTimeout, DefaultResetTimeout)

	setDefault(&cfg.Visualization.Width, DefaultCloudWidth)
	setDefault(&cfg.Visualization.Height, DefaultCloudHeight)
	setDefault(&cfg.Visualization.MaxWords, DefaultCloudMaxWords)

	setDefault(&cfg.Auth.BcryptCost, bcrypt.DefaultCost)
	setDefault(&cfg.Auth.SessionTTL, DefaultSessionTTL)
}

func setDefault[T comparable](dst *T, def T) {
	var zero T
	if *dst == zero {
		*dst = def
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %v must not be negative", cfg.Server.ShutdownTimeout))
	}
	if cfg.Server.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes %d must not be negative", cfg.Server.MaxUploadBytes))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Database
	if !cfg.Database.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("database.driver %q is invalid; valid values: sqlite, postgres", cfg.Database.Driver))
	}
	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	// Artifacts
	switch cfg.Artifacts.Backend {
	case BackendFS:
		if cfg.Artifacts.Root == "" {
			errs = append(errs, errors.New("artifacts.root is required for the fs backend"))
		}
	case BackendS3:
		s3 := cfg.Artifacts.S3
		if s3.Bucket == "" {
			errs = append(errs, errors.New("artifacts.s3.bucket is required for the s3 backend"))
		}
		if s3.Region == "" {
			errs = append(errs, errors.New("artifacts.s3.region is required for the s3 backend"))
		}
		if (s3.AccessKey == "") != (s3.SecretKey == "") {
			errs = append(errs, errors.New("artifacts.s3.access_key and secret_key must be set together"))
		}
	default:
		errs = append(errs, fmt.Errorf("artifacts.backend %q is invalid; valid values: fs, s3", cfg.Artifacts.Backend))
	}

	// Providers
	errs = append(errs, validateProvider("stt", cfg.Providers.STT)...)
	errs = append(errs, validateProvider("llm", cfg.Providers.LLM)...)
	errs = append(errs, validateProvider("tts", cfg.Providers.TTS)...)

	// Pipeline
	p := cfg.Pipeline
	if p.StepTimeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.step_timeout %v must not be negative", p.StepTimeout))
	}
	if p.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("pipeline.retry.max_attempts %d must be at least 1", p.Retry.MaxAttempts))
	}
	if p.Retry.InitialBackoff < 0 || p.Retry.MaxBackoff < 0 {
		errs = append(errs, errors.New("pipeline.retry backoffs must not be negative"))
	}
	if p.Retry.MaxBackoff > 0 && p.Retry.InitialBackoff > p.Retry.MaxBackoff {
		errs = append(errs, fmt.Errorf("pipeline.retry.initial_backoff %v exceeds max_backoff %v", p.Retry.InitialBackoff, p.Retry.MaxBackoff))
	}
	if p.CircuitBreaker.MaxFailures < 0 || p.CircuitBreaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("pipeline.circuit_breaker values must not be negative"))
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		errs = append(errs, fmt.Errorf("pipeline.temperature %.2f is out of range [0, 2]", *p.Temperature))
	}
	if p.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_tokens %d must not be negative", p.MaxTokens))
	}

	// Visualization
	v := cfg.Visualization
	if v.Width <= 0 || v.Height <= 0 {
		errs = append(errs, fmt.Errorf("visualization size %dx%d must be positive", v.Width, v.Height))
	}
	if v.MaxWords <= 0 {
		errs = append(errs, fmt.Errorf("visualization.max_words %d must be positive", v.MaxWords))
	}

	// Auth
	if cfg.Auth.BcryptCost < bcrypt.MinCost || cfg.Auth.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("auth.bcrypt_cost %d is out of range [%d, %d]", cfg.Auth.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost))
	}
	if cfg.Auth.SessionTTL < 0 {
		errs = append(errs, fmt.Errorf("auth.session_ttl %v must not be negative", cfg.Auth.SessionTTL))
	}

	return errors.Join(errs...)
}

func validateProvider(kind string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" {
		errs = append(errs, fmt.Errorf("providers.%s.name is required", kind))
	}
	validateProviderName(kind, e.Name)
	for i, fb := range e.Fallbacks {
		prefix := fmt.Sprintf("providers.%s.fallbacks[%d]", kind, i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if len(fb.Fallbacks) > 0 {
			errs = append(errs, fmt.Errorf("%s must not declare nested fallbacks", prefix))
		}
		validateProviderName(kind, fb.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
