// Package config assembles the runtime configuration of the mediahub
// commands.
//
// Values are layered: built-in defaults, then an optional YAML file named by
// --config or MEDIAHUB_CONFIG, then MEDIAHUB_* environment variables, then
// command-line flags. Later layers only override what they set.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mediahub/internal/blobstore"
	"mediahub/internal/checksum"
	"mediahub/internal/server"
	"mediahub/internal/storage"
	"mediahub/internal/upload"
)

const (
	BlobDriverLocal  = "local"
	BlobDriverS3     = "s3"
	BlobDriverMemory = "memory"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Uploads      UploadsConfig      `yaml:"uploads"`
	SessionStore SessionStoreConfig `yaml:"session_store"`
	BlobStore    BlobStoreConfig    `yaml:"blob_store"`
	Sweeper      SweeperConfig      `yaml:"sweeper"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Artifacts    ArtifactsConfig    `yaml:"artifacts"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	TLSCertFile     string        `yaml:"tls_cert_file"`
	TLSKeyFile      string        `yaml:"tls_key_file"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MediaTypeConfig mirrors upload.MediaPolicy with human readable sizes.
type MediaTypeConfig struct {
	MaxFileSize ByteSize `yaml:"max_file_size"`
	MimeTypes   []string `yaml:"mime_types"`
}

type UploadsConfig struct {
	MaxFileSize        ByteSize                   `yaml:"max_file_size"`
	MinChunkSize       ByteSize                   `yaml:"min_chunk_size"`
	MaxChunkSize       ByteSize                   `yaml:"max_chunk_size"`
	DefaultChunkSize   ByteSize                   `yaml:"default_chunk_size"`
	SessionTTL         time.Duration              `yaml:"session_ttl"`
	ChecksumAlgorithm  string                     `yaml:"checksum_algorithm"`
	MediaTypes         map[string]MediaTypeConfig `yaml:"media_types"`
	AssemblyWorkers    int                        `yaml:"assembly_workers"`
	AssemblyTimeout    time.Duration              `yaml:"assembly_timeout"`
	StaleAssemblyAfter time.Duration              `yaml:"stale_assembly_after"`
	DeleteConcurrency  int                        `yaml:"delete_concurrency"`
}

type SessionStoreConfig struct {
	Driver                 string        `yaml:"driver"`
	SQLitePath             string        `yaml:"sqlite_path"`
	PostgresDSN            string        `yaml:"postgres_dsn"`
	PostgresMaxConns       int           `yaml:"postgres_max_conns"`
	PostgresMinConns       int           `yaml:"postgres_min_conns"`
	PostgresAcquireTimeout time.Duration `yaml:"postgres_acquire_timeout"`
	PostgresAppName        string        `yaml:"postgres_app_name"`
	PostgresMigrate        bool          `yaml:"postgres_migrate"`
	RedisAddr              string        `yaml:"redis_addr"`
	RedisPassword          string        `yaml:"redis_password"`
	RedisDB                int           `yaml:"redis_db"`
	RedisKeyPrefix         string        `yaml:"redis_key_prefix"`
}

type S3Config struct {
	Endpoint       string        `yaml:"endpoint"`
	Region         string        `yaml:"region"`
	AccessKey      string        `yaml:"access_key"`
	SecretKey      string        `yaml:"secret_key"`
	Bucket         string        `yaml:"bucket"`
	UseSSL         bool          `yaml:"use_ssl"`
	Prefix         string        `yaml:"prefix"`
	PublicEndpoint string        `yaml:"public_endpoint"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PartSize       ByteSize      `yaml:"part_size"`
}

type BlobStoreConfig struct {
	Driver        string   `yaml:"driver"`
	Root          string   `yaml:"root"`
	PublicBaseURL string   `yaml:"public_base_url"`
	S3            S3Config `yaml:"s3"`
}

type SweeperConfig struct {
	Interval        time.Duration `yaml:"interval"`
	BatchSize       int           `yaml:"batch_size"`
	FailedRetention time.Duration `yaml:"failed_retention"`
	RecordRetention time.Duration `yaml:"record_retention"`
	DeleteWorkers   int           `yaml:"delete_workers"`
	RunOnStart      bool          `yaml:"run_on_start"`
}

type RateLimitConfig struct {
	GlobalRPS             float64       `yaml:"global_rps"`
	GlobalBurst           int           `yaml:"global_burst"`
	ChunkLimit            int           `yaml:"chunk_limit"`
	ChunkWindow           time.Duration `yaml:"chunk_window"`
	TrustForwardedHeaders bool          `yaml:"trust_forwarded_headers"`
	TrustedProxies        []string      `yaml:"trusted_proxies"`
	RedisAddr             string        `yaml:"redis_addr"`
	RedisPassword         string        `yaml:"redis_password"`
	RedisDB               int           `yaml:"redis_db"`
	RedisTimeout          time.Duration `yaml:"redis_timeout"`
	RedisTLS              bool          `yaml:"redis_tls"`
	RedisCAFile           string        `yaml:"redis_ca_file"`
}

type ArtifactsConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	limits := upload.DefaultLimits()
	media := make(map[string]MediaTypeConfig, len(limits.MediaTypes))
	for name, policy := range limits.MediaTypes {
		media[name] = MediaTypeConfig{
			MaxFileSize: ByteSize(policy.MaxFileSize),
			MimeTypes:   append([]string(nil), policy.MimeTypes...),
		}
	}
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     2 * time.Minute,
			WriteTimeout:    35 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Uploads: UploadsConfig{
			MaxFileSize:        ByteSize(limits.MaxFileSize),
			MinChunkSize:       ByteSize(limits.MinChunkSize),
			MaxChunkSize:       ByteSize(limits.MaxChunkSize),
			DefaultChunkSize:   ByteSize(limits.DefaultChunkSize),
			SessionTTL:         limits.SessionTTL,
			ChecksumAlgorithm:  string(limits.ChecksumAlgorithm),
			MediaTypes:         media,
			AssemblyWorkers:    4,
			AssemblyTimeout:    30 * time.Minute,
			StaleAssemblyAfter: 30 * time.Minute,
			DeleteConcurrency:  8,
		},
		SessionStore: SessionStoreConfig{
			Driver:         storage.DriverMemory,
			SQLitePath:     "data/sessions.db",
			RedisKeyPrefix: "mediahub",
		},
		BlobStore: BlobStoreConfig{
			Driver: BlobDriverLocal,
			Root:   "data/blobs",
		},
		Sweeper: SweeperConfig{
			Interval:        time.Hour,
			BatchSize:       500,
			FailedRetention: 7 * 24 * time.Hour,
			RecordRetention: 30 * 24 * time.Hour,
			DeleteWorkers:   8,
		},
		RateLimit: RateLimitConfig{
			ChunkWindow:  time.Minute,
			RedisTimeout: 2 * time.Second,
		},
		Artifacts: ArtifactsConfig{DefaultTTL: 24 * time.Hour},
	}
}

// Validate reports every problem found rather than stopping at the first.
func (c Config) Validate() error {
	var problems []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		problems = append(problems, errors.New("server addr is required"))
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		problems = append(problems, errors.New("both tls cert file and key file must be provided"))
	}
	if c.Uploads.MinChunkSize > c.Uploads.MaxChunkSize {
		problems = append(problems, fmt.Errorf("min chunk size %s exceeds max chunk size %s", c.Uploads.MinChunkSize, c.Uploads.MaxChunkSize))
	}
	if c.Uploads.MaxFileSize <= 0 {
		problems = append(problems, errors.New("max file size must be positive"))
	}
	if _, err := checksum.ParseAlgorithm(c.Uploads.ChecksumAlgorithm); err != nil {
		problems = append(problems, fmt.Errorf("checksum algorithm: %w", err))
	}
	switch strings.ToLower(c.SessionStore.Driver) {
	case storage.DriverMemory:
	case storage.DriverSQLite:
		if strings.TrimSpace(c.SessionStore.SQLitePath) == "" {
			problems = append(problems, errors.New("sqlite session store selected without a path"))
		}
	case storage.DriverPostgres:
		if strings.TrimSpace(c.SessionStore.PostgresDSN) == "" {
			problems = append(problems, errors.New("postgres session store selected without a DSN"))
		}
	case storage.DriverRedis:
		if strings.TrimSpace(c.SessionStore.RedisAddr) == "" {
			problems = append(problems, errors.New("redis session store selected without an address"))
		}
	default:
		problems = append(problems, fmt.Errorf("unsupported session store driver %q", c.SessionStore.Driver))
	}
	switch strings.ToLower(c.BlobStore.Driver) {
	case BlobDriverMemory:
	case BlobDriverLocal:
		if strings.TrimSpace(c.BlobStore.Root) == "" {
			problems = append(problems, errors.New("local blob store selected without a root"))
		}
	case BlobDriverS3:
		if strings.TrimSpace(c.BlobStore.S3.Bucket) == "" {
			problems = append(problems, errors.New("s3 blob store selected without a bucket"))
		}
	default:
		problems = append(problems, fmt.Errorf("unsupported blob store driver %q", c.BlobStore.Driver))
	}
	if c.RateLimit.GlobalRPS < 0 || c.RateLimit.ChunkLimit < 0 {
		problems = append(problems, errors.New("rate limits must not be negative"))
	}
	return errors.Join(problems...)
}

// Limits converts the upload section into upload.Limits.
func (c UploadsConfig) Limits() (upload.Limits, error) {
	algorithm, err := checksum.ParseAlgorithm(c.ChecksumAlgorithm)
	if err != nil {
		return upload.Limits{}, err
	}
	media := make(map[string]upload.MediaPolicy, len(c.MediaTypes))
	for name, policy := range c.MediaTypes {
		media[strings.ToLower(strings.TrimSpace(name))] = upload.MediaPolicy{
			MaxFileSize: int64(policy.MaxFileSize),
			MimeTypes:   policy.MimeTypes,
		}
	}
	return upload.Limits{
		MaxFileSize:       int64(c.MaxFileSize),
		MinChunkSize:      int64(c.MinChunkSize),
		MaxChunkSize:      int64(c.MaxChunkSize),
		DefaultChunkSize:  int64(c.DefaultChunkSize),
		SessionTTL:        c.SessionTTL,
		ChecksumAlgorithm: algorithm,
		MediaTypes:        media,
	}, nil
}

// StorageConfig converts the session store section for storage.Open.
func (c SessionStoreConfig) StorageConfig() storage.Config {
	var pgOptions []storage.Option
	if c.PostgresMaxConns > 0 || c.PostgresMinConns > 0 {
		pgOptions = append(pgOptions, storage.WithPostgresPoolLimits(int32(c.PostgresMaxConns), int32(c.PostgresMinConns)))
	}
	if c.PostgresAcquireTimeout > 0 {
		pgOptions = append(pgOptions, storage.WithPostgresAcquireTimeout(c.PostgresAcquireTimeout))
	}
	if c.PostgresAppName != "" {
		pgOptions = append(pgOptions, storage.WithPostgresApplicationName(c.PostgresAppName))
	}
	return storage.Config{
		Driver:          c.Driver,
		SQLitePath:      c.SQLitePath,
		PostgresDSN:     c.PostgresDSN,
		PostgresOptions: pgOptions,
		MigratePostgres: c.PostgresMigrate,
		Redis: storage.RedisConfig{
			Addr:      c.RedisAddr,
			Password:  c.RedisPassword,
			DB:        c.RedisDB,
			KeyPrefix: c.RedisKeyPrefix,
		},
	}
}

// Open constructs the configured blob store.
func (c BlobStoreConfig) Open(ctx context.Context) (blobstore.Store, error) {
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case BlobDriverMemory:
		return blobstore.NewMemoryStore(c.PublicBaseURL), nil
	case "", BlobDriverLocal:
		store, err := blobstore.NewLocalStore(blobstore.LocalConfig{Root: c.Root, PublicBaseURL: c.PublicBaseURL})
		if err != nil {
			return nil, err
		}
		return store, nil
	case BlobDriverS3:
		store, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
			Endpoint:       c.S3.Endpoint,
			Region:         c.S3.Region,
			AccessKey:      c.S3.AccessKey,
			SecretKey:      c.S3.SecretKey,
			Bucket:         c.S3.Bucket,
			UseSSL:         c.S3.UseSSL,
			Prefix:         c.S3.Prefix,
			PublicEndpoint: c.S3.PublicEndpoint,
			RequestTimeout: c.S3.RequestTimeout,
			PartSize:       int64(c.S3.PartSize),
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported blob store driver %q", c.Driver)
	}
}

// ServerConfig converts the rate limit section for the HTTP server.
func (c RateLimitConfig) ServerConfig() server.RateLimitConfig {
	return server.RateLimitConfig{
		GlobalRPS:             c.GlobalRPS,
		GlobalBurst:           c.GlobalBurst,
		ChunkLimit:            c.ChunkLimit,
		ChunkWindow:           c.ChunkWindow,
		TrustForwardedHeaders: c.TrustForwardedHeaders,
		TrustedProxies:        c.TrustedProxies,
		RedisAddr:             c.RedisAddr,
		RedisPassword:         c.RedisPassword,
		RedisDB:               c.RedisDB,
		RedisTimeout:          c.RedisTimeout,
		RedisTLS:              c.RedisTLS,
		RedisCAFile:           c.RedisCAFile,
	}
}
