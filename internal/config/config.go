// Package config loads deviceingest runtime configuration.
//
// Precedence, highest first: runtime overrides, DEVINGEST_* environment
// variables, the config file, built-in defaults.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/deviceingest/pkg/ingest"
	"github.com/3leaps/deviceingest/pkg/sources"
)

// AppName names the data directory and the default metrics job.
const AppName = "deviceingest"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "DEVINGEST"

// Config is the full runtime configuration.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Blob    BlobConfig    `mapstructure:"blob"`
	Store   StoreConfig   `mapstructure:"store"`
	Job     JobConfig     `mapstructure:"job"`
	Sources SourcesConfig `mapstructure:"sources"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// BlobConfig selects where fetched payloads are kept between fetch and parse.
type BlobConfig struct {
	Backend string       `mapstructure:"backend"`
	Dir     string       `mapstructure:"dir"`
	Discard bool         `mapstructure:"discard"`
	S3      BlobS3Config `mapstructure:"s3"`
}

type BlobS3Config struct {
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
	DSN       string `mapstructure:"dsn"`
	MaxConns  int    `mapstructure:"max_conns"`
}

type JobConfig struct {
	ReplaceMode    string `mapstructure:"replace_mode"`
	InvalidRecords string `mapstructure:"invalid_records"`
	MergeBuffer    int    `mapstructure:"merge_buffer"`
}

type SourcesConfig struct {
	HTTPTimeout time.Duration  `mapstructure:"http_timeout"`
	RateLimit   float64        `mapstructure:"rate_limit"`
	Carelink    SourceEndpoint `mapstructure:"carelink"`
	Diasend     SourceEndpoint `mapstructure:"diasend"`
	Tconnect    SourceEndpoint `mapstructure:"tconnect"`
}

// SourceEndpoint is the deployment-level default for an HTTP source.
type SourceEndpoint struct {
	BaseURL string `mapstructure:"base_url"`
}

type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	JobName        string `mapstructure:"job_name"`
}

// Blob backends and store drivers.
const (
	BlobBackendFile = "file"
	BlobBackendS3   = "s3"

	StoreDriverSQLite     = "sqlite"
	StoreDriverPostgres   = "postgres"
	StoreDriverClickHouse = "clickhouse"
)

// EnvSpec maps a short environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Load reads configuration from the optional file at path, the environment
// and the given runtime overrides, validates it and caches the result.
func Load(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks enumerations and required fields.
func (c *Config) Validate() error {
	var errs []error

	if _, err := zapcore.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}

	switch c.Blob.Backend {
	case BlobBackendFile:
		if strings.TrimSpace(c.Blob.Dir) == "" {
			errs = append(errs, errors.New("blob.dir is required for the file backend"))
		}
	case BlobBackendS3:
		if strings.TrimSpace(c.Blob.S3.Bucket) == "" {
			errs = append(errs, errors.New("blob.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.backend %q (want file or s3)", c.Blob.Backend))
	}

	switch c.Store.Driver {
	case StoreDriverSQLite:
		if c.Store.Path == "" && c.Store.URL == "" {
			errs = append(errs, errors.New("store.path or store.url is required for sqlite"))
		}
	case StoreDriverPostgres, StoreDriverClickHouse:
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q (want sqlite, postgres or clickhouse)", c.Store.Driver))
	}

	if _, err := ingest.ParseReplaceMode(c.Job.ReplaceMode); err != nil {
		errs = append(errs, fmt.Errorf("job.replace_mode: %w", err))
	}
	if _, err := sources.ParseInvalidPolicy(c.Job.InvalidRecords); err != nil {
		errs = append(errs, fmt.Errorf("job.invalid_records: %w", err))
	}
	if c.Job.MergeBuffer < 0 {
		errs = append(errs, errors.New("job.merge_buffer must be >= 0"))
	}
	if c.Sources.HTTPTimeout < 0 {
		errs = append(errs, errors.New("sources.http_timeout must be >= 0"))
	}
	if c.Sources.RateLimit < 0 {
		errs = append(errs, errors.New("sources.rate_limit must be >= 0"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %w", errors.Join(errs...))
}

func setDefaults(v *viper.Viper) {
	dataDir := gfconfig.GetAppDataDir(AppName)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 5)

	v.SetDefault("blob.backend", BlobBackendFile)
	v.SetDefault("blob.dir", filepath.Join(os.TempDir(), AppName, "blobs"))
	v.SetDefault("blob.discard", false)
	v.SetDefault("blob.s3.bucket", "")
	v.SetDefault("blob.s3.prefix", "")
	v.SetDefault("blob.s3.region", "")
	v.SetDefault("blob.s3.endpoint", "")
	v.SetDefault("blob.s3.profile", "")
	v.SetDefault("blob.s3.force_path_style", false)

	v.SetDefault("store.driver", StoreDriverSQLite)
	v.SetDefault("store.path", filepath.Join(dataDir, "records.db"))
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 4)

	v.SetDefault("job.replace_mode", string(ingest.ModeDeleteFirst))
	v.SetDefault("job.invalid_records", string(sources.PolicyNone))
	v.SetDefault("job.merge_buffer", ingest.DefaultMergeBuffer)

	v.SetDefault("sources.http_timeout", "60s")
	v.SetDefault("sources.rate_limit", 0)
	v.SetDefault("sources.carelink.base_url", "")
	v.SetDefault("sources.diasend.base_url", "")
	v.SetDefault("sources.tconnect.base_url", "")

	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job_name", AppName)
}

// getEnvSpecs returns the short environment aliases. Every other key is
// reachable as DEVINGEST_<PATH> with dots replaced by underscores.
func getEnvSpecs() []EnvSpec {
	return []EnvSpec{
		{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"},
		{Name: EnvPrefix + "_LOG_FILE", Path: "logging.file"},
		{Name: EnvPrefix + "_BLOB_BACKEND", Path: "blob.backend"},
		{Name: EnvPrefix + "_BLOB_DIR", Path: "blob.dir"},
		{Name: EnvPrefix + "_S3_BUCKET", Path: "blob.s3.bucket"},
		{Name: EnvPrefix + "_S3_ENDPOINT", Path: "blob.s3.endpoint"},
		{Name: EnvPrefix + "_STORE_DRIVER", Path: "store.driver"},
		{Name: EnvPrefix + "_STORE_DSN", Path: "store.dsn"},
		{Name: EnvPrefix + "_STORE_PATH", Path: "store.path"},
		{Name: EnvPrefix + "_STORE_AUTH_TOKEN", Path: "store.auth_token"},
		{Name: EnvPrefix + "_REPLACE_MODE", Path: "job.replace_mode"},
		{Name: EnvPrefix + "_PUSHGATEWAY_URL", Path: "metrics.pushgateway_url"},
	}
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
