// Package config provides configuration loading and validation for concache.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"github.com/Sumatoshi-tech/concache/pkg/safeconv"
)

// Sentinel validation errors.
var (
	ErrInvalidBackend     = errors.New("unknown cache backend")
	ErrInvalidCalcBackend = errors.New("unknown calculation backend")
	ErrMissingDirectory   = errors.New("cache directory is required")
	ErrMissingRegistry    = errors.New("corpus registry is required")
	ErrMissingTaskServer  = errors.New("task server url is required for the http calculation backend")
	ErrInvalidMaxSize     = errors.New("invalid cache max size")
	ErrInvalidWait        = errors.New("wait step and limits must be positive")
	ErrInvalidWorkers     = errors.New("max workers must be positive")
	ErrInvalidTimeLimit   = errors.New("task time limit must be positive")
	ErrInvalidSampleRatio = errors.New("telemetry sample ratio must be within [0, 1]")
)

// Cache backends.
const (
	BackendFile = "file"
	BackendBolt = "bolt"
)

// Calculation backends.
const (
	CalcLocal = "local"
	CalcHTTP  = "http"
)

// EnvPrefix prefixes environment overrides, e.g. CONCACHE_CACHE_DIRECTORY.
const EnvPrefix = "CONCACHE"

// Default configuration values.
const (
	defaultCacheDir      = "/tmp/concache"
	defaultRegistry      = "./corpora"
	defaultMaxWorkers    = 4
	defaultKeepFinished  = 1024
	defaultServerAddr    = ":8082"
	defaultDiagAddr      = ":9464"
	defaultBatchSize     = 4096
	defaultMaxSize       = "1GB"
	defaultMaxAge        = 7 * 24 * time.Hour
	defaultLockTimeout   = 5 * time.Second
	defaultTaskTimeLimit = 300 * time.Second
	defaultWaitStep      = 100 * time.Millisecond
	defaultPartialLimit  = 5 * time.Second
	defaultCompleteLimit = 30 * time.Second
	defaultHTTPTimeout   = 30 * time.Second
	defaultResultWait    = time.Hour
	defaultShutdown      = 10 * time.Second
)

// Config holds all configuration of concache.
type Config struct {
	Cache       CacheConfig       `mapstructure:"cache"`
	Corpora     CorporaConfig     `mapstructure:"corpora"`
	CalcBackend CalcBackendConfig `mapstructure:"calc_backend"`
	Wait        WaitConfig        `mapstructure:"wait"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Server      ServerConfig      `mapstructure:"server"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// CacheConfig holds cache map and retention settings.
type CacheConfig struct {
	Backend     string        `mapstructure:"backend"`
	Directory   string        `mapstructure:"directory"`
	MaxAge      time.Duration `mapstructure:"max_age"`
	MaxSize     string        `mapstructure:"max_size"`
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

// MaxBytes parses MaxSize. An empty value disables the size limit.
func (c CacheConfig) MaxBytes() (int64, error) {
	if strings.TrimSpace(c.MaxSize) == "" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(c.MaxSize)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %w", ErrInvalidMaxSize, c.MaxSize, err)
	}

	return safeconv.Uint64ToInt64(n), nil
}

// CorporaConfig locates corpus data.
type CorporaConfig struct {
	Registry  string        `mapstructure:"registry"`
	SubcDirs  []string      `mapstructure:"subc_dirs"`
	BatchSize int           `mapstructure:"batch_size"`
	ScanDelay time.Duration `mapstructure:"scan_delay"`
}

// CalcBackendConfig selects where calculations run.
type CalcBackendConfig struct {
	Type              string        `mapstructure:"type"`
	URL               string        `mapstructure:"url"`
	TaskTimeLimit     time.Duration `mapstructure:"task_time_limit"`
	MaxWorkers        int64         `mapstructure:"max_workers"`
	KeepFinished      int           `mapstructure:"keep_finished"`
	HTTPTimeout       time.Duration `mapstructure:"http_timeout"`
	ResultWaitMaxTime time.Duration `mapstructure:"result_wait_max_time"`
	// BackgroundSync computes multi-operation queries with the sync worker.
	BackgroundSync bool `mapstructure:"background_sync"`
}

// WaitConfig drives the cache polling protocol.
type WaitConfig struct {
	Step          time.Duration `mapstructure:"step"`
	PartialLimit  time.Duration `mapstructure:"partial_limit"`
	CompleteLimit time.Duration `mapstructure:"complete_limit"`
}

// ArchiveConfig configures the optional object storage mirror.
type ArchiveConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// ServerConfig holds task server settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DiagnosticsConfig holds the health and metrics endpoint settings.
type DiagnosticsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Endpoint    string            `mapstructure:"endpoint"`
	Headers     map[string]string `mapstructure:"headers"`
	Insecure    bool              `mapstructure:"insecure"`
	SampleRatio float64           `mapstructure:"sample_ratio"`
	Environment string            `mapstructure:"environment"`
}

// LoadConfig loads configuration from file and environment variables.
// An empty configPath searches the default locations; a missing file there
// is not an error.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("concache")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath("/etc/concache")
	}

	viperCfg.SetEnvPrefix(EnvPrefix)
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := validateConfig(&config)
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("cache.backend", BackendFile)
	viperCfg.SetDefault("cache.directory", defaultCacheDir)
	viperCfg.SetDefault("cache.max_age", defaultMaxAge)
	viperCfg.SetDefault("cache.max_size", defaultMaxSize)
	viperCfg.SetDefault("cache.lock_timeout", defaultLockTimeout)

	viperCfg.SetDefault("corpora.registry", defaultRegistry)
	viperCfg.SetDefault("corpora.subc_dirs", []string{})
	viperCfg.SetDefault("corpora.batch_size", defaultBatchSize)
	viperCfg.SetDefault("corpora.scan_delay", time.Duration(0))

	viperCfg.SetDefault("calc_backend.type", CalcLocal)
	viperCfg.SetDefault("calc_backend.url", "")
	viperCfg.SetDefault("calc_backend.task_time_limit", defaultTaskTimeLimit)
	viperCfg.SetDefault("calc_backend.max_workers", defaultMaxWorkers)
	viperCfg.SetDefault("calc_backend.keep_finished", defaultKeepFinished)
	viperCfg.SetDefault("calc_backend.http_timeout", defaultHTTPTimeout)
	viperCfg.SetDefault("calc_backend.result_wait_max_time", defaultResultWait)
	viperCfg.SetDefault("calc_backend.background_sync", false)

	viperCfg.SetDefault("wait.step", defaultWaitStep)
	viperCfg.SetDefault("wait.partial_limit", defaultPartialLimit)
	viperCfg.SetDefault("wait.complete_limit", defaultCompleteLimit)

	viperCfg.SetDefault("archive.enabled", false)
	viperCfg.SetDefault("archive.endpoint", "")
	viperCfg.SetDefault("archive.region", "")
	viperCfg.SetDefault("archive.bucket", "")
	viperCfg.SetDefault("archive.prefix", "concache")
	viperCfg.SetDefault("archive.access_key", "")
	viperCfg.SetDefault("archive.secret_key", "")
	viperCfg.SetDefault("archive.use_ssl", true)

	viperCfg.SetDefault("server.addr", defaultServerAddr)
	viperCfg.SetDefault("server.read_timeout", "30s")
	viperCfg.SetDefault("server.write_timeout", "30s")
	viperCfg.SetDefault("server.shutdown_timeout", defaultShutdown)

	viperCfg.SetDefault("diagnostics.enabled", true)
	viperCfg.SetDefault("diagnostics.addr", defaultDiagAddr)

	viperCfg.SetDefault("logging.level", "info")
	viperCfg.SetDefault("logging.format", "text")

	viperCfg.SetDefault("telemetry.endpoint", "")
	viperCfg.SetDefault("telemetry.insecure", false)
	viperCfg.SetDefault("telemetry.sample_ratio", 1.0)
	viperCfg.SetDefault("telemetry.environment", "")
}

func validateConfig(config *Config) error {
	switch config.Cache.Backend {
	case BackendFile, BackendBolt:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, config.Cache.Backend)
	}

	if strings.TrimSpace(config.Cache.Directory) == "" {
		return ErrMissingDirectory
	}

	_, err := config.Cache.MaxBytes()
	if err != nil {
		return err
	}

	if strings.TrimSpace(config.Corpora.Registry) == "" {
		return ErrMissingRegistry
	}

	switch config.CalcBackend.Type {
	case CalcLocal:
		if config.CalcBackend.MaxWorkers <= 0 {
			return fmt.Errorf("%w: %d", ErrInvalidWorkers, config.CalcBackend.MaxWorkers)
		}
	case CalcHTTP:
		if strings.TrimSpace(config.CalcBackend.URL) == "" {
			return ErrMissingTaskServer
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCalcBackend, config.CalcBackend.Type)
	}

	if config.CalcBackend.TaskTimeLimit <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTimeLimit, config.CalcBackend.TaskTimeLimit)
	}

	if config.Wait.Step <= 0 || config.Wait.PartialLimit <= 0 || config.Wait.CompleteLimit <= 0 {
		return fmt.Errorf("%w: step %s, partial %s, complete %s", ErrInvalidWait,
			config.Wait.Step, config.Wait.PartialLimit, config.Wait.CompleteLimit)
	}

	if config.Telemetry.SampleRatio < 0 || config.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidSampleRatio, config.Telemetry.SampleRatio)
	}

	return nil
}
