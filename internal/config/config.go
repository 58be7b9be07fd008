// Package config builds the immutable configuration value consumed by the pipeline and binaries.
// Values come from the environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"alertlake/internal/errs"
)

// ValidationMode controls how per-record validation failures are handled.
type ValidationMode string

const (
	ModeStrict ValidationMode = "strict"
	ModeWarn   ValidationMode = "warn"
	ModeIgnore ValidationMode = "ignore"
)

// FileFormat selects the storage layout. Delta is written as partitioned parquet.
type FileFormat string

const (
	FormatParquet FileFormat = "parquet"
	FormatDelta   FileFormat = "delta"
	FormatJSON    FileFormat = "json"
)

// Columnar reports whether the format is written as parquet.
func (f FileFormat) Columnar() bool { return f == FormatParquet || f == FormatDelta }

type StorageConfig struct {
	BasePath         string     `validate:"required"`
	BronzePath       string     `validate:"required"`
	FileFormat       FileFormat `validate:"oneof=parquet delta json"`
	PartitionColumns []string   `validate:"dive,oneof=observation_date source filter_name processing_id"`
	Compression      string     `validate:"oneof=snappy zstd gzip none"`
}

type ProcessingConfig struct {
	ValidationMode    ValidationMode `validate:"oneof=strict warn ignore"`
	BatchSize         int            `validate:"gte=1,lte=100000"`
	ValidationWorkers int            `validate:"gte=1,lte=256"`
}

type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json console"`
}

type LedgerConfig struct {
	Backend string `validate:"oneof=memory pebble badger"`
	Dir     string `validate:"required_unless=Backend memory"`
}

type KafkaConfig struct {
	Brokers        []string
	GroupID        string
	AlertsTopic    string
	ChangelogTopic string
	ManifestTopic  string
}

type RedisConfig struct {
	Addr    string
	LockTTL time.Duration `validate:"gte=0"`
}

// Config is built once at startup and passed by value. Nothing in this module mutates it.
type Config struct {
	Environment string `validate:"oneof=development staging production"`
	Storage     StorageConfig
	Processing  ProcessingConfig
	Log         LogConfig
	Ledger      LedgerConfig
	Kafka       KafkaConfig
	Redis       RedisConfig
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the configuration used when no environment overrides are present.
func Default() Config {
	return Config{
		Environment: "development",
		Storage: StorageConfig{
			BasePath:         "./data",
			BronzePath:       "bronze/alerts",
			FileFormat:       FormatParquet,
			PartitionColumns: []string{"observation_date"},
			Compression:      "snappy",
		},
		Processing: ProcessingConfig{
			ValidationMode:    ModeStrict,
			BatchSize:         1000,
			ValidationWorkers: 1,
		},
		Log: LogConfig{Level: "info", Format: "console"},
		Ledger: LedgerConfig{
			Backend: "memory",
			Dir:     "./data/ledger",
		},
		Kafka: KafkaConfig{
			GroupID:        "bronze",
			AlertsTopic:    "fink.alerts.raw",
			ChangelogTopic: "bronze.changelog",
			ManifestTopic:  "bronze.manifest",
		},
		Redis: RedisConfig{LockTTL: 2 * time.Minute},
	}
}

// Load reads files (".env" when none are given) and then the process environment.
// A missing default .env is not an error; a missing explicit file is.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if len(files) > 0 || !errors.Is(err, os.ErrNotExist) {
			return Config{}, errs.Wrap(errs.KindConfig, err, "load env file")
		}
	}
	return FromEnv(os.LookupEnv)
}

// FromEnv builds a Config from a lookup function, starting from Default.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	get := func(name string) (string, bool) {
		v, ok := lookup(name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("AGD_ENVIRONMENT"); ok {
		cfg.Environment = strings.ToLower(v)
	}
	if v, ok := get("STORAGE_BASE_PATH"); ok {
		cfg.Storage.BasePath = v
	}
	if v, ok := get("STORAGE_BRONZE_PATH"); ok {
		cfg.Storage.BronzePath = v
	}
	if v, ok := get("STORAGE_FILE_FORMAT"); ok {
		cfg.Storage.FileFormat = FileFormat(strings.ToLower(v))
	}
	if v, ok := lookup("STORAGE_PARTITION_COLUMNS"); ok {
		cfg.Storage.PartitionColumns = splitList(v)
	}
	if v, ok := get("STORAGE_COMPRESSION"); ok {
		cfg.Storage.Compression = strings.ToLower(v)
	}
	if v, ok := get("PROCESSING_SCHEMA_VALIDATION_MODE"); ok {
		cfg.Processing.ValidationMode = ValidationMode(strings.ToLower(v))
	}
	if v, ok := get("PROCESSING_BATCH_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errs.Wrap(errs.KindConfig, err, "parse PROCESSING_BATCH_SIZE")
		}
		cfg.Processing.BatchSize = n
	}
	if v, ok := get("PROCESSING_VALIDATION_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, errs.Wrap(errs.KindConfig, err, "parse PROCESSING_VALIDATION_WORKERS")
		}
		cfg.Processing.ValidationWorkers = n
	}

	// Log format follows the environment unless set explicitly.
	switch cfg.Environment {
	case "production", "staging":
		cfg.Log.Format = "json"
	default:
		cfg.Log.Format = "console"
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v, ok := get("LOG_FORMAT"); ok {
		cfg.Log.Format = strings.ToLower(v)
	}

	if v, ok := get("LEDGER_BACKEND"); ok {
		cfg.Ledger.Backend = strings.ToLower(v)
	}
	if v, ok := get("LEDGER_DIR"); ok {
		cfg.Ledger.Dir = v
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok {
		cfg.Kafka.Brokers = splitList(v)
	}
	if v, ok := get("KAFKA_GROUP_ID"); ok {
		cfg.Kafka.GroupID = v
	}
	if v, ok := get("KAFKA_ALERTS_TOPIC"); ok {
		cfg.Kafka.AlertsTopic = v
	}
	if v, ok := get("KAFKA_CHANGELOG_TOPIC"); ok {
		cfg.Kafka.ChangelogTopic = v
	}
	if v, ok := get("KAFKA_MANIFEST_TOPIC"); ok {
		cfg.Kafka.ManifestTopic = v
	}
	if v, ok := get("REDIS_ADDR"); ok {
		cfg.Redis.Addr = v
	}
	if v, ok := get("REDIS_LOCK_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, errs.Wrap(errs.KindConfig, err, "parse REDIS_LOCK_TTL")
		}
		cfg.Redis.LockTTL = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and reports every violation in one config error.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errs.Wrap(errs.KindConfig, err, "validate config")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: rule '%s' failed for '%v'", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return errs.New(errs.KindConfig, "invalid configuration").
		WithDetail("violations", strings.Join(msgs, "; "))
}

// BronzePath is the root directory of the bronze dataset.
func (c Config) BronzePath() string {
	if filepath.IsAbs(c.Storage.BronzePath) {
		return filepath.Clean(c.Storage.BronzePath)
	}
	return filepath.Join(c.Storage.BasePath, c.Storage.BronzePath)
}

// Partitioned reports whether writes may use the partitioned layout.
func (c Config) Partitioned() bool {
	return c.Storage.FileFormat.Columnar() && len(c.Storage.PartitionColumns) > 0
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
