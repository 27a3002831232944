// Package bootstrap provides dependency initialization for the extractor.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gbarbosa99/dialects/internal/audio"
	"github.com/gbarbosa99/dialects/internal/config"
	"github.com/gbarbosa99/dialects/internal/embedding"
	"github.com/gbarbosa99/dialects/internal/metadata"
	"github.com/gbarbosa99/dialects/internal/metrics"
	"github.com/gbarbosa99/dialects/internal/onset"
	"github.com/gbarbosa99/dialects/internal/pipeline"
	"github.com/gbarbosa99/dialects/internal/storage"
	"github.com/gbarbosa99/dialects/internal/vad"
)

// Dependencies holds all initialized dependencies for one extractor process.
type Dependencies struct {
	Pipeline *pipeline.Service
	Metrics  *metrics.Metrics
	Dirs     pipeline.Dirs

	closers []io.Closer
}

// Close releases resources held by the dependencies (VAD model sessions).
func (d *Dependencies) Close() error {
	var errs []error
	for _, c := range d.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewDependencies creates and initializes all dependencies for the application.
// reporter may be nil.
func NewDependencies(cfg *config.Config, logger *slog.Logger, reporter pipeline.Reporter) (*Dependencies, error) {
	deps := &Dependencies{
		Metrics: metrics.New(nil),
		Dirs: pipeline.Dirs{
			Corpus:     cfg.CorpusDir,
			Artifacts:  cfg.ArtifactDir,
			Failed:     cfg.FailedDir,
			Quarantine: cfg.QuarantineDir,
			Trimmed:    cfg.TrimmedDir,
		},
	}

	// Initialize feature extractor
	extractor, err := initExtractor(cfg, logger)
	if err != nil {
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithArtifactOpener(initArtifacts(cfg, logger)),
		pipeline.WithMetadata(metadata.Load(cfg.MetadataPath, logger)),
		pipeline.WithMetrics(deps.Metrics),
		pipeline.WithReporter(reporter),
		pipeline.WithWorkers(cfg.Workers),
		pipeline.WithFileTimeout(cfg.FileTimeout),
		pipeline.WithExtensions(cfg.Extensions...),
		pipeline.WithNormalization(cfg.TargetSampleRate, cfg.ForceMono, cfg.ResampleIfNeeded),
		pipeline.WithDevice(cfg.Device),
	}

	// Initialize onset detection
	if cfg.TrimNarration {
		detector, err := initOnset(cfg, logger)
		if err != nil {
			_ = deps.Close()
			return nil, err
		}
		if c, ok := detector.vad.(io.Closer); ok {
			deps.closers = append(deps.closers, c)
		}
		opts = append(opts, pipeline.WithOnset(detector.onset))
	} else if cfg.TrimmedDir != "" {
		logger.Warn("TRIMMED_DIR is ignored because TRIM_NARRATION is off")
		deps.Dirs.Trimmed = ""
	}

	store := audio.NewFileStore(cfg.FFmpegPath, cfg.TempDir)
	deps.Pipeline = pipeline.NewService(store, extractor, logger, opts...)

	return deps, nil
}

type onsetDeps struct {
	vad   vad.Detector
	onset *onset.Detector
}

func initOnset(cfg *config.Config, logger *slog.Logger) (*onsetDeps, error) {
	v, err := vad.New(vad.Config{
		Kind:         vad.Kind(cfg.VADKind),
		ModelPath:    cfg.VADModelPath,
		Threshold:    cfg.VADThreshold,
		FFmpegPath:   cfg.FFmpegPath,
		NoiseDB:      cfg.VADNoiseDB,
		MinSilenceMs: cfg.VADMinSilenceMs,
	})
	if err != nil {
		return nil, fmt.Errorf("create VAD: %w", err)
	}

	opts := onset.DefaultOptions()
	opts.InitialSkipMs = cfg.OnsetInitialSkipMs
	opts.MaxSkipMs = cfg.OnsetMaxSkipMs
	opts.StepMs = cfg.OnsetStepMs
	opts.MinAcceptedOffsetMs = cfg.OnsetMinOffsetMs

	detector, err := onset.NewDetector(v, opts, logger)
	if err != nil {
		if c, ok := v.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, fmt.Errorf("create onset detector: %w", err)
	}

	logger.Info("narration trimming enabled",
		slog.String("vad", cfg.VADKind),
		slog.Float64("initial_skip_ms", opts.InitialSkipMs),
		slog.Float64("max_skip_ms", opts.MaxSkipMs),
	)
	return &onsetDeps{vad: v, onset: detector}, nil
}

// initExtractor creates the configured feature extractor with its
// timeout and optional serialization gate.
func initExtractor(cfg *config.Config, logger *slog.Logger) (embedding.Extractor, error) {
	var ext embedding.Extractor
	switch cfg.Extractor {
	case config.ExtractorHTTP:
		httpExt, err := embedding.NewHTTPExtractor(cfg.EmbedEndpoint, cfg.EmbedDim,
			embedding.WithAPIKey(cfg.EmbedAPIKey),
			embedding.WithModel(cfg.EmbedModel),
			embedding.WithMaxRetries(cfg.EmbedMaxRetries),
		)
		if err != nil {
			return nil, fmt.Errorf("create HTTP extractor: %w", err)
		}
		ext = httpExt
	default:
		melCfg := embedding.DefaultMelStatsConfig()
		melCfg.SampleRate = cfg.TargetSampleRate
		mel, err := embedding.NewMelStats(melCfg)
		if err != nil {
			return nil, fmt.Errorf("create melstats extractor: %w", err)
		}
		ext = mel
	}

	if cfg.EmbedTimeout > 0 {
		ext = embedding.WithTimeout(ext, cfg.EmbedTimeout)
	}
	if cfg.SerializeInference {
		ext = embedding.Serialize(ext)
	}

	logger.Info("feature extractor configured",
		slog.String("extractor", ext.Name()),
		slog.Int("dim", ext.Dim()),
		slog.Bool("serialized", cfg.SerializeInference),
	)
	return ext, nil
}

// initArtifacts returns the artifact store factory based on configuration.
func initArtifacts(cfg *config.Config, logger *slog.Logger) pipeline.ArtifactOpener {
	if !cfg.S3Enabled() {
		logger.Info("local artifact storage configured",
			slog.String("artifact_dir", cfg.ArtifactDir),
		)
		return func(_ context.Context, dir string) (storage.ArtifactStore, error) {
			local, err := storage.NewLocalArtifacts(dir)
			if err != nil {
				return nil, fmt.Errorf("create local storage: %w", err)
			}
			return local, nil
		}
	}

	s3Cfg := storage.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Prefix:          cfg.S3Prefix,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
	}
	return func(ctx context.Context, dir string) (storage.ArtifactStore, error) {
		local, err := storage.NewLocalArtifacts(dir)
		if err != nil {
			return nil, fmt.Errorf("create local storage: %w", err)
		}
		if n, err := local.CleanupPartial(ctx); err != nil {
			logger.Warn("failed to clean partial artifacts", slog.String("error", err.Error()))
		} else if n > 0 {
			logger.Info("removed partial artifacts", slog.Int("count", n))
		}
		mirror, err := storage.NewS3Mirror(ctx, local, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 mirror: %w", err)
		}
		logger.Info("S3 artifact mirror opened",
			slog.String("target", mirror.String()),
			slog.String("region", cfg.S3Region),
		)
		return mirror, nil
	}
}
