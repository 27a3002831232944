// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrCorpusDirRequired is returned when CORPUS_DIR is not set.
	ErrCorpusDirRequired = errors.New("config: CORPUS_DIR is required")
	// ErrInvalid is returned when a value fails validation.
	ErrInvalid = errors.New("config: invalid configuration")
	// ErrMelStatsNeedsNormalization is returned when the melstats extractor is
	// selected without mono downmix and resampling.
	ErrMelStatsNeedsNormalization = errors.New("config: melstats extractor requires FORCE_MONO and RESAMPLE_IF_NEEDED")
)

// Extractor names.
const (
	ExtractorMelStats = "melstats"
	ExtractorHTTP     = "http"
)

// Config holds all configuration for the application.
type Config struct {
	// Directories
	CorpusDir     string   `env:"CORPUS_DIR, required" json:"corpus_dir" validate:"required"`
	ArtifactDir   string   `env:"ARTIFACT_DIR, default=data/embeddings" json:"artifact_dir" validate:"required"`
	FailedDir     string   `env:"FAILED_DIR, default=data/failed" json:"failed_dir" validate:"required"`
	QuarantineDir string   `env:"QUARANTINE_DIR" json:"quarantine_dir,omitempty"` // Defaults to FAILED_DIR/corrupted
	TrimmedDir    string   `env:"TRIMMED_DIR" json:"trimmed_dir,omitempty"`
	MetadataPath  string   `env:"METADATA_PATH, default=data/metadata.json" json:"metadata_path"`
	TempDir       string   `env:"TEMP_DIR, default=/tmp/dialects" json:"temp_dir"`
	Extensions    []string `env:"EXTENSIONS, default=.wav,.mp3" json:"extensions" validate:"min=1,dive,required"`

	// Processing settings
	Workers          int           `env:"WORKERS, default=0" json:"workers" validate:"gte=0"` // 0 means one per CPU
	FileTimeout      time.Duration `env:"FILE_TIMEOUT, default=5m" json:"file_timeout" validate:"gte=0"`
	TargetSampleRate int           `env:"TARGET_SAMPLE_RATE, default=16000" json:"target_sample_rate" validate:"gt=0"`
	ForceMono        bool          `env:"FORCE_MONO, default=true" json:"force_mono"`
	ResampleIfNeeded bool          `env:"RESAMPLE_IF_NEEDED, default=true" json:"resample_if_needed"`
	Device           string        `env:"DEVICE, default=cpu" json:"device"`
	FFmpegPath       string        `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`

	// Narration trimming
	TrimNarration      bool    `env:"TRIM_NARRATION, default=true" json:"trim_narration"`
	OnsetInitialSkipMs float64 `env:"ONSET_INITIAL_SKIP_MS, default=13000" json:"onset_initial_skip_ms" validate:"gte=0"`
	OnsetMaxSkipMs     float64 `env:"ONSET_MAX_SKIP_MS, default=20000" json:"onset_max_skip_ms" validate:"gtefield=OnsetInitialSkipMs"`
	OnsetStepMs        float64 `env:"ONSET_STEP_MS, default=2000" json:"onset_step_ms" validate:"gt=0"`
	OnsetMinOffsetMs   float64 `env:"ONSET_MIN_OFFSET_MS, default=1000" json:"onset_min_offset_ms" validate:"gte=0"`
	VADKind            string  `env:"VAD_KIND, default=energy" json:"vad_kind" validate:"oneof=energy silencedetect silero"`
	VADModelPath       string  `env:"VAD_MODEL_PATH" json:"vad_model_path,omitempty" validate:"required_if=VADKind silero"`
	VADThreshold       float32 `env:"VAD_THRESHOLD, default=0.5" json:"vad_threshold" validate:"gt=0,lt=1"`
	VADNoiseDB         float64 `env:"VAD_NOISE_DB, default=-40" json:"vad_noise_db" validate:"lt=0"`
	VADMinSilenceMs    int     `env:"VAD_MIN_SILENCE_MS, default=500" json:"vad_min_silence_ms" validate:"gt=0"`

	// Feature extraction
	Extractor          string        `env:"EXTRACTOR, default=melstats" json:"extractor" validate:"oneof=melstats http"`
	EmbedEndpoint      string        `env:"EMBED_ENDPOINT" json:"embed_endpoint,omitempty" validate:"required_if=Extractor http"`
	EmbedAPIKey        string        `env:"EMBED_API_KEY" json:"-"` // Masked in JSON
	EmbedModel         string        `env:"EMBED_MODEL" json:"embed_model,omitempty"`
	EmbedDim           int           `env:"EMBED_DIM, default=0" json:"embed_dim" validate:"required_if=Extractor http,gte=0"`
	EmbedTimeout       time.Duration `env:"EMBED_TIMEOUT, default=60s" json:"embed_timeout" validate:"gte=0"`
	EmbedMaxRetries    int           `env:"EMBED_MAX_RETRIES, default=3" json:"embed_max_retries" validate:"gte=0"`
	SerializeInference bool          `env:"SERIALIZE_INFERENCE, default=false" json:"serialize_inference"`

	// Optional S3 mirror
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Prefix           string `env:"S3_PREFIX, default=embeddings/" json:"s3_prefix,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty" validate:"omitempty,url"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Surfaces
	HTTPAddr    string `env:"HTTP_ADDR" json:"http_addr,omitempty"`
	ProgressBar bool   `env:"PROGRESS_BAR, default=true" json:"progress_bar"`

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format" validate:"oneof=text json TEXT JSON"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`                                        // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// HTTPEnabled returns true if the status server should be started.
func (c *Config) HTTPEnabled() bool {
	return c.HTTPAddr != ""
}

// Load reads configuration from environment variables using go-envconfig
// and validates it. It returns an error if required variables are not set.
func Load() (*Config, error) {
	return load(context.Background(), envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: lookuper,
	}); err != nil {
		// Map envconfig errors to our domain errors for required fields
		if strings.Contains(err.Error(), "CORPUS_DIR") {
			return nil, ErrCorpusDirRequired
		}
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field against its validation tag.
func (c *Config) Validate() error {
	if c.CorpusDir == "" {
		return ErrCorpusDirRequired
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	// melstats only accepts mono clips at TARGET_SAMPLE_RATE.
	if c.Extractor == ExtractorMelStats && (!c.ForceMono || !c.ResampleIfNeeded) {
		return fmt.Errorf("%w: %w", ErrInvalid, ErrMelStatsNeedsNormalization)
	}
	return nil
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{CorpusDir: %s, ArtifactDir: %s, FailedDir: %s, Workers: %d, TrimNarration: %t, VADKind: %s, Extractor: %s, EmbedEndpoint: %s, S3Bucket: %s, S3Region: %s, HTTPAddr: %s, LogFormat: %s, LogLevel: %s}",
		c.CorpusDir,
		c.ArtifactDir,
		c.FailedDir,
		c.Workers,
		c.TrimNarration,
		c.VADKind,
		c.Extractor,
		c.EmbedEndpoint,
		c.S3Bucket,
		c.S3Region,
		c.HTTPAddr,
		c.LogFormat,
		c.LogLevel,
	)
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
