// Package config loads the cyclops service configuration.
//
// Configuration is YAML. ${VAR} references are expanded from the environment
// before parsing, and an optional .env file can seed the environment first.
// Unset keys keep the values of Default. The result is checked with
// go-playground/validator.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	REST     REST     `yaml:"rest"`
	Path     Path     `yaml:"path"`
	Redis    Redis    `yaml:"redis"`
	Workers  []string `yaml:"workers" validate:"required,min=1,unique,dive,shardname"`
	Settings Settings `yaml:"settings"`
	Index    Index    `yaml:"index"`
	Storage  Storage  `yaml:"storage"`
	Records  Records  `yaml:"records"`
	Queue    Queue    `yaml:"queue"`
	Fetch    Fetch    `yaml:"fetch"`
	Logging  Logging  `yaml:"logging"`
	Tracing  Tracing  `yaml:"tracing"`
	Metrics  Metrics  `yaml:"metrics"`
}

// REST is the HTTP listener.
type REST struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port" validate:"min=0,max=65535"`
}

// Addr returns host:port.
func (r REST) Addr() string { return net.JoinHostPort(r.Host, strconv.Itoa(r.Port)) }

// Path holds local directories.
type Path struct {
	// Data holds shard files, journals and the embedded record store.
	Data string `yaml:"data" validate:"required"`
}

// Redis is the shared Redis connection of the redis backends.
type Redis struct {
	// Address is a redis:// URL.
	Address string `yaml:"address"`
}

// Settings groups runtime behavior.
type Settings struct {
	Autosave Autosave `yaml:"autosave"`
}

// Autosave configures the per-shard autosave scheduler.
type Autosave struct {
	Enabled    bool          `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval" validate:"required_if=Enabled true,gte=0"`
	OnShutdown bool          `yaml:"on_shutdown"`
}

// Index configures the per-shard metric tree.
type Index struct {
	LeafCapacity int `yaml:"leaf_capacity" validate:"gt=0"`
	// Width is the fingerprint width in bytes.
	Width int `yaml:"width" validate:"min=1,max=64"`
}

// Storage configures where shard files live.
type Storage struct {
	Backend     string  `yaml:"backend" validate:"oneof=local minio s3"`
	Compression string  `yaml:"compression" validate:"oneof=none lz4 zstd"`
	Journal     Journal `yaml:"journal"`
	MinIO       MinIO   `yaml:"minio"`
	S3          S3      `yaml:"s3"`

	// MaxConcurrentPersists bounds simultaneous shard saves. 0 is unlimited.
	MaxConcurrentPersists int64 `yaml:"max_concurrent_persists" validate:"gte=0"`
	// IOLimitBytesPerSec throttles shard file writes. 0 is unlimited.
	IOLimitBytesPerSec int64 `yaml:"io_limit_bytes_per_sec" validate:"gte=0"`
}

// Journal configures the per-shard insert journal.
type Journal struct {
	Enabled    bool   `yaml:"enabled"`
	Durability string `yaml:"durability" validate:"oneof=async group sync"`
}

// MinIO is the minio storage backend.
type MinIO struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// S3 is the AWS S3 storage backend.
type S3 struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// Records configures the fingerprint record store.
type Records struct {
	Backend string `yaml:"backend" validate:"oneof=redis badger"`
	// PageSize is the scan page size of URL set reads.
	PageSize int          `yaml:"page_size" validate:"gte=0"`
	Badger   BadgerRecord `yaml:"badger"`
}

// BadgerRecord configures the embedded record store.
type BadgerRecord struct {
	// Dir defaults to <path.data>/records.
	Dir        string        `yaml:"dir"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// Queue configures the URL queue.
type Queue struct {
	Backend       string        `yaml:"backend" validate:"oneof=redis memory"`
	Name          string        `yaml:"name" validate:"required"`
	Codec         string        `yaml:"codec" validate:"oneof=json go-json msgpack"`
	Prefetch      int           `yaml:"prefetch" validate:"gt=0"`
	PollInterval  time.Duration `yaml:"poll_interval" validate:"gt=0"`
	RetryInterval time.Duration `yaml:"retry_interval" validate:"gt=0"`
	MaxRetries    uint          `yaml:"max_retries" validate:"gt=0"`
}

// Fetch configures the HTTP fingerprint provider.
type Fetch struct {
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxBytes  int64         `yaml:"max_bytes" validate:"gte=0"`
	UserAgent string        `yaml:"user_agent"`
	// Concurrency bounds in-flight fetches across all consumers. 0 is unlimited.
	Concurrency int64 `yaml:"concurrency" validate:"gte=0"`
	// RatePerSec limits fetch starts. 0 is unlimited.
	RatePerSec float64 `yaml:"rate_per_sec" validate:"gte=0"`
	Burst      int     `yaml:"burst" validate:"gte=0"`
	// CacheEntries is the size of the URL to fingerprint cache. 0 disables it.
	CacheEntries int `yaml:"cache_entries" validate:"gte=0"`
}

// Logging configures the service logger.
type Logging struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Tracing configures OpenTelemetry tracing.
type Tracing struct {
	Enabled bool `yaml:"enabled"`
	// Pretty indents exported spans.
	Pretty bool `yaml:"pretty"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace" validate:"required_if=Enabled true"`
}

// Default returns the default configuration: two shards, local storage,
// Redis record store and queue.
func Default() *Config {
	return &Config{
		REST:    REST{Host: "0.0.0.0", Port: 8080},
		Path:    Path{Data: "./data"},
		Redis:   Redis{Address: "redis://localhost:6379/0"},
		Workers: []string{"w0", "w1"},
		Settings: Settings{
			Autosave: Autosave{Enabled: true, Interval: 5 * time.Minute, OnShutdown: true},
		},
		Index: Index{LeafCapacity: 4096, Width: 8},
		Storage: Storage{
			Backend:     "local",
			Compression: "zstd",
			Journal:     Journal{Enabled: true, Durability: "group"},
		},
		Records: Records{
			Backend: "redis",
			Badger:  BadgerRecord{GCInterval: 10 * time.Minute},
		},
		Queue: Queue{
			Backend:       "redis",
			Name:          "cyclops_hashing_urls",
			Codec:         "go-json",
			Prefetch:      8,
			PollInterval:  10 * time.Second,
			RetryInterval: time.Second,
			MaxRetries:    20,
		},
		Fetch: Fetch{
			Timeout:      30 * time.Second,
			MaxBytes:     32 << 20,
			UserAgent:    "cyclops/1.0",
			Concurrency:  32,
			CacheEntries: 4096,
		},
		Logging: Logging{Level: "info", Format: "text"},
		Metrics: Metrics{Enabled: true, Namespace: "cyclops"},
	}
}

// LoadDotEnv loads .env style files into the process environment. Existing
// variables win. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads, expands, parses and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references in data from the environment, decodes it on
// top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	expanded := os.ExpandEnv(string(data))
	if strings.TrimSpace(expanded) != "" {
		dec := yaml.NewDecoder(strings.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parse: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteDefault writes the default configuration to path, creating parent
// directories. An existing file is left alone.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// BadgerDir returns the embedded record store directory.
func (c *Config) BadgerDir() string {
	if c.Records.Badger.Dir != "" {
		return c.Records.Badger.Dir
	}
	return filepath.Join(c.Path.Data, "records")
}

// JournalDir returns the journal directory, or "" when journaling is off.
func (c *Config) JournalDir() string {
	if !c.Storage.Journal.Enabled {
		return ""
	}
	return filepath.Join(c.Path.Data, "journal")
}

var shardNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	// Shard names end up in file names and Redis keys.
	_ = v.RegisterValidation("shardname", func(fl validator.FieldLevel) bool {
		return shardNamePattern.MatchString(fl.Field().String())
	})

	v.RegisterStructValidation(configLevel, Config{})
	return v
}

func configLevel(sl validator.StructLevel) {
	c := sl.Current().Interface().(Config)

	if (c.Records.Backend == "redis" || c.Queue.Backend == "redis") && c.Redis.Address == "" {
		sl.ReportError(c.Redis.Address, "redis.address", "Address", "required_with_redis", "")
	}

	switch c.Storage.Backend {
	case "minio":
		if c.Storage.MinIO.Endpoint == "" {
			sl.ReportError(c.Storage.MinIO.Endpoint, "storage.minio.endpoint", "Endpoint", "required_with_minio", "")
		}
		if c.Storage.MinIO.Bucket == "" {
			sl.ReportError(c.Storage.MinIO.Bucket, "storage.minio.bucket", "Bucket", "required_with_minio", "")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			sl.ReportError(c.Storage.S3.Bucket, "storage.s3.bucket", "Bucket", "required_with_s3", "")
		}
	}
}

// Validate checks c and returns one error listing every violation.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: %s", field, fe.Tag()))
		}
	}
	return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
}
