// Package commands implements CLI command handlers for concache.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/concache/pkg/bgcalc"
	"github.com/Sumatoshi-tech/concache/pkg/conccache"
	"github.com/Sumatoshi-tech/concache/pkg/conccache/archive"
	"github.com/Sumatoshi-tech/concache/pkg/conccache/boltmap"
	"github.com/Sumatoshi-tech/concache/pkg/conccache/filemap"
	"github.com/Sumatoshi-tech/concache/pkg/conclib"
	"github.com/Sumatoshi-tech/concache/pkg/config"
	"github.com/Sumatoshi-tech/concache/pkg/corpus/textengine"
	"github.com/Sumatoshi-tech/concache/pkg/observability"
	"github.com/Sumatoshi-tech/concache/pkg/version"
)

// Persistent flag names shared by all subcommands.
const (
	FlagConfig  = "config"
	FlagVerbose = "verbose"
)

// ErrNotListable is returned when the cache backend cannot enumerate entries.
var ErrNotListable = errors.New("cache backend cannot list entries")

// appRuntime bundles the components a command works with.
type appRuntime struct {
	cfg       *config.Config
	providers observability.Providers
	metrics   *observability.CacheMetrics
	caches    conccache.Factory
	engine    *textengine.Engine
	archive   conclib.Archive
	logger    *slog.Logger
}

// loadRuntime reads the configuration named by the persistent flags and
// builds the shared components.
func loadRuntime(cmd *cobra.Command, mode observability.AppMode) (*appRuntime, error) {
	configPath, _ := cmd.Flags().GetString(FlagConfig)
	verbose, _ := cmd.Flags().GetBool(FlagVerbose)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	obsCfg := observabilityConfig(cfg, mode, verbose)

	providers, err := observability.InitWithWriter(obsCfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	metrics, err := observability.NewCacheMetrics(providers.Meter)
	if err != nil {
		return nil, errors.Join(err, providers.Shutdown(context.Background()))
	}

	logger := providers.Logger

	arch, err := newArchive(cfg.Archive)
	if err != nil {
		return nil, errors.Join(err, providers.Shutdown(context.Background()))
	}

	return &appRuntime{
		cfg:       cfg,
		providers: providers,
		metrics:   metrics,
		caches:    newCacheFactory(cfg.Cache, logger),
		engine: textengine.New(textengine.Config{
			Registry:   cfg.Corpora.Registry,
			SubcDirs:   cfg.Corpora.SubcDirs,
			BatchSize:  cfg.Corpora.BatchSize,
			BatchDelay: cfg.Corpora.ScanDelay,
			Logger:     logger,
		}),
		archive: arch,
		logger:  logger,
	}, nil
}

func observabilityConfig(cfg *config.Config, mode observability.AppMode, verbose bool) observability.Config {
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version.Version
	obsCfg.Environment = cfg.Telemetry.Environment
	obsCfg.Mode = mode
	obsCfg.OTLPEndpoint = cfg.Telemetry.Endpoint
	obsCfg.OTLPHeaders = cfg.Telemetry.Headers
	obsCfg.OTLPInsecure = cfg.Telemetry.Insecure
	obsCfg.SampleRatio = cfg.Telemetry.SampleRatio
	obsCfg.Prometheus = mode == observability.ModeServe && cfg.Diagnostics.Enabled
	obsCfg.LogJSON = cfg.Logging.Format == "json"
	obsCfg.LogLevel = parseLevel(cfg.Logging.Level)

	if verbose {
		obsCfg.LogLevel = slog.LevelDebug
	}

	return obsCfg
}

func parseLevel(raw string) slog.Level {
	var level slog.Level

	err := level.UnmarshalText([]byte(raw))
	if err != nil {
		return slog.LevelInfo
	}

	return level
}

func newCacheFactory(cfg config.CacheConfig, logger *slog.Logger) conccache.Factory {
	if cfg.Backend == config.BackendBolt {
		return boltmap.NewFactory(cfg.Directory, cfg.LockTimeout, logger)
	}

	return filemap.NewFactory(cfg.Directory, logger)
}

func newArchive(cfg config.ArchiveConfig) (conclib.Archive, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	store, err := archive.New(archive.Config{
		Endpoint:  cfg.Endpoint,
		Region:    cfg.Region,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		Prefix:    cfg.Prefix,
		UseSSL:    cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init archive: %w", err)
	}

	return store, nil
}

// deps assembles the conclib dependencies around tasks.
func (rt *appRuntime) deps(tasks bgcalc.Client) conclib.Deps {
	return conclib.Deps{
		Caches:  rt.caches,
		Engine:  rt.engine,
		Tasks:   tasks,
		Archive: rt.archive,
		Metrics: rt.metrics,
		Logger:  rt.logger,
		Tracer:  rt.providers.Tracer,
		Wait: conclib.WaitPolicy{
			Step:          rt.cfg.Wait.Step,
			PartialLimit:  rt.cfg.Wait.PartialLimit,
			CompleteLimit: rt.cfg.Wait.CompleteLimit,
		},
		TaskTimeLimit: rt.cfg.CalcBackend.TaskTimeLimit,
	}
}

// localApp starts an in-process task app running the calculation workers.
func (rt *appRuntime) localApp() (*bgcalc.LocalApp, error) {
	app, err := bgcalc.NewLocalApp(bgcalc.LocalConfig{
		MaxWorkers:   rt.cfg.CalcBackend.MaxWorkers,
		KeepFinished: rt.cfg.CalcBackend.KeepFinished,
		Logger:       rt.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("start task app: %w", err)
	}

	conclib.RegisterTasks(app, rt.deps(app))

	return app, nil
}

// listable returns the cache map of corpname able to enumerate its entries.
func (rt *appRuntime) listable(corpname string) (conccache.ListableMap, error) {
	cm, err := rt.caches.Mapping(corpname)
	if err != nil {
		return nil, err
	}

	lm, ok := cm.(conccache.ListableMap)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotListable, cm)
	}

	return lm, nil
}

func (rt *appRuntime) close(ctx context.Context) {
	err := rt.providers.Shutdown(ctx)
	if err != nil {
		rt.logger.Warn("observability shutdown failed", "error", err)
	}
}
