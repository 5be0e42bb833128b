package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix      = "MEDIAHUB_"
	configEnvKey   = envPrefix + "CONFIG"
	configFlag     = "config"
	databaseEnvKey = "DATABASE_URL"
)

// ErrHelp is returned by Load when --help was requested. The usage text has
// already been written.
var ErrHelp = pflag.ErrHelp

// Load resolves the configuration for the named command from args (without
// the program name) and the process environment. extra registers
// command-specific flags on the same set.
func Load(name string, args []string, usage io.Writer, extra ...func(*pflag.FlagSet)) (Config, error) {
	return load(name, args, os.LookupEnv, usage, extra...)
}

func load(name string, args []string, lookupEnv func(string) (string, bool), usage io.Writer, extra ...func(*pflag.FlagSet)) (Config, error) {
	cfg := Default()

	path, err := configPath(args, lookupEnv)
	if err != nil {
		return Config{}, err
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	if usage != nil {
		fs.SetOutput(usage)
	}
	fs.String(configFlag, path, "path to a YAML configuration file (env "+configEnvKey+")")
	envKeys := registerFlags(fs, &cfg)
	for _, register := range extra {
		register(fs)
	}

	if err := applyEnv(fs, envKeys, lookupEnv); err != nil {
		return Config{}, err
	}
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.SessionStore.PostgresDSN == "" {
		if dsn, ok := lookupEnv(databaseEnvKey); ok {
			cfg.SessionStore.PostgresDSN = strings.TrimSpace(dsn)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults without consulting the
// environment or flags.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// configPath finds --config ahead of the full parse so the file can be
// loaded underneath environment and flag overrides.
func configPath(args []string, lookupEnv func(string) (string, bool)) (string, error) {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist = pflag.ParseErrorsWhitelist{UnknownFlags: true}
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	path := fs.String(configFlag, "", "")
	if err := fs.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return "", err
	}
	if fs.Changed(configFlag) {
		return strings.TrimSpace(*path), nil
	}
	if env, ok := lookupEnv(configEnvKey); ok {
		return strings.TrimSpace(env), nil
	}
	return "", nil
}

// applyEnv feeds environment values through the flag parsers so both layers
// accept the same syntax.
func applyEnv(fs *pflag.FlagSet, envKeys map[string]string, lookupEnv func(string) (string, bool)) error {
	var problems []error
	fs.VisitAll(func(flag *pflag.Flag) {
		key, ok := envKeys[flag.Name]
		if !ok {
			return
		}
		raw, ok := lookupEnv(key)
		if !ok {
			return
		}
		raw = strings.TrimSpace(raw)
		if slice, isSlice := flag.Value.(pflag.SliceValue); isSlice {
			if err := slice.Replace(splitAndTrim(raw)); err != nil {
				problems = append(problems, fmt.Errorf("%s: %w", key, err))
			}
			return
		}
		if raw == "" {
			return
		}
		if err := flag.Value.Set(raw); err != nil {
			problems = append(problems, fmt.Errorf("%s: %w", key, err))
		}
	})
	return errors.Join(problems...)
}

type binder struct {
	fs   *pflag.FlagSet
	envs map[string]string
}

func (b binder) bind(name, env string) {
	b.envs[name] = envPrefix + env
}

func (b binder) string(p *string, name, env, usage string) {
	b.fs.StringVar(p, name, *p, usage)
	b.bind(name, env)
}

func (b binder) strings(p *[]string, name, env, usage string) {
	b.fs.StringSliceVar(p, name, *p, usage)
	b.bind(name, env)
}

func (b binder) int(p *int, name, env, usage string) {
	b.fs.IntVar(p, name, *p, usage)
	b.bind(name, env)
}

func (b binder) float(p *float64, name, env, usage string) {
	b.fs.Float64Var(p, name, *p, usage)
	b.bind(name, env)
}

func (b binder) bool(p *bool, name, env, usage string) {
	b.fs.BoolVar(p, name, *p, usage)
	b.bind(name, env)
}

func (b binder) duration(p *time.Duration, name, env, usage string) {
	b.fs.DurationVar(p, name, *p, usage)
	b.bind(name, env)
}

func (b binder) size(p *ByteSize, name, env, usage string) {
	b.fs.Var(p, name, usage)
	b.bind(name, env)
}

func registerFlags(fs *pflag.FlagSet, cfg *Config) map[string]string {
	b := binder{fs: fs, envs: make(map[string]string)}

	b.string(&cfg.Server.Addr, "addr", "ADDR", "HTTP listen address")
	b.string(&cfg.Server.TLSCertFile, "tls-cert", "TLS_CERT", "path to TLS certificate file")
	b.string(&cfg.Server.TLSKeyFile, "tls-key", "TLS_KEY", "path to TLS private key file")
	b.duration(&cfg.Server.ReadTimeout, "read-timeout", "READ_TIMEOUT", "maximum duration for reading a request")
	b.duration(&cfg.Server.WriteTimeout, "write-timeout", "WRITE_TIMEOUT", "maximum duration for writing a response, including assembly")
	b.duration(&cfg.Server.ShutdownTimeout, "shutdown-timeout", "SHUTDOWN_TIMEOUT", "graceful shutdown bound")
	b.strings(&cfg.Server.AllowedOrigins, "cors-origins", "CORS_ORIGINS", "comma separated browser origins allowed to call the API")

	b.string(&cfg.Logging.Level, "log-level", "LOG_LEVEL", "log level (debug, info, warn, error)")
	b.string(&cfg.Logging.Format, "log-format", "LOG_FORMAT", "log format (json or text)")

	b.size(&cfg.Uploads.MaxFileSize, "max-file-size", "MAX_FILE_SIZE", "largest accepted file (e.g. 5GiB)")
	b.size(&cfg.Uploads.MinChunkSize, "min-chunk-size", "MIN_CHUNK_SIZE", "smallest accepted chunk size")
	b.size(&cfg.Uploads.MaxChunkSize, "max-chunk-size", "MAX_CHUNK_SIZE", "largest accepted chunk size")
	b.size(&cfg.Uploads.DefaultChunkSize, "default-chunk-size", "DEFAULT_CHUNK_SIZE", "chunk size used when a client requests none")
	b.duration(&cfg.Uploads.SessionTTL, "session-ttl", "SESSION_TTL", "time an upload session stays resumable")
	b.string(&cfg.Uploads.ChecksumAlgorithm, "checksum-algorithm", "CHECKSUM_ALGORITHM", "default chunk checksum algorithm")
	b.int(&cfg.Uploads.AssemblyWorkers, "assembly-workers", "ASSEMBLY_WORKERS", "maximum concurrent assemblies")
	b.duration(&cfg.Uploads.AssemblyTimeout, "assembly-timeout", "ASSEMBLY_TIMEOUT", "upper bound for a single assembly")
	b.duration(&cfg.Uploads.StaleAssemblyAfter, "stale-assembly-after", "STALE_ASSEMBLY_AFTER", "age after which a completing session is assembled again on start")
	b.int(&cfg.Uploads.DeleteConcurrency, "delete-concurrency", "DELETE_CONCURRENCY", "parallel chunk deletions during cancel")

	b.string(&cfg.SessionStore.Driver, "session-store", "SESSION_STORE", "session store driver (memory, sqlite, postgres, redis)")
	b.string(&cfg.SessionStore.SQLitePath, "sqlite-path", "SQLITE_PATH", "SQLite database path")
	b.string(&cfg.SessionStore.PostgresDSN, "postgres-dsn", "POSTGRES_DSN", "Postgres connection string")
	b.int(&cfg.SessionStore.PostgresMaxConns, "postgres-max-conns", "POSTGRES_MAX_CONNS", "maximum connections in the Postgres pool")
	b.int(&cfg.SessionStore.PostgresMinConns, "postgres-min-conns", "POSTGRES_MIN_CONNS", "minimum idle connections in the Postgres pool")
	b.duration(&cfg.SessionStore.PostgresAcquireTimeout, "postgres-acquire-timeout", "POSTGRES_ACQUIRE_TIMEOUT", "timeout when acquiring a Postgres connection")
	b.string(&cfg.SessionStore.PostgresAppName, "postgres-app-name", "POSTGRES_APP_NAME", "application_name reported to Postgres")
	b.bool(&cfg.SessionStore.PostgresMigrate, "postgres-migrate", "POSTGRES_MIGRATE", "apply the Postgres schema on start")
	b.string(&cfg.SessionStore.RedisAddr, "session-redis-addr", "SESSION_REDIS_ADDR", "Redis address for the session store")
	b.string(&cfg.SessionStore.RedisPassword, "session-redis-password", "SESSION_REDIS_PASSWORD", "Redis password for the session store")
	b.int(&cfg.SessionStore.RedisDB, "session-redis-db", "SESSION_REDIS_DB", "Redis database for the session store")
	b.string(&cfg.SessionStore.RedisKeyPrefix, "session-redis-prefix", "SESSION_REDIS_PREFIX", "key prefix for the Redis session store")

	b.string(&cfg.BlobStore.Driver, "blob-store", "BLOB_STORE", "blob store driver (local, s3, memory)")
	b.string(&cfg.BlobStore.Root, "blob-root", "BLOB_ROOT", "root directory of the local blob store")
	b.string(&cfg.BlobStore.PublicBaseURL, "blob-public-url", "BLOB_PUBLIC_URL", "public base URL of local or memory blobs")
	b.string(&cfg.BlobStore.S3.Endpoint, "s3-endpoint", "S3_ENDPOINT", "S3 compatible endpoint")
	b.string(&cfg.BlobStore.S3.Region, "s3-region", "S3_REGION", "S3 region")
	b.string(&cfg.BlobStore.S3.AccessKey, "s3-access-key", "S3_ACCESS_KEY", "S3 access key")
	b.string(&cfg.BlobStore.S3.SecretKey, "s3-secret-key", "S3_SECRET_KEY", "S3 secret key")
	b.string(&cfg.BlobStore.S3.Bucket, "s3-bucket", "S3_BUCKET", "S3 bucket name")
	b.bool(&cfg.BlobStore.S3.UseSSL, "s3-use-ssl", "S3_USE_SSL", "use TLS for S3 requests")
	b.string(&cfg.BlobStore.S3.Prefix, "s3-prefix", "S3_PREFIX", "key prefix inside the bucket")
	b.string(&cfg.BlobStore.S3.PublicEndpoint, "s3-public-endpoint", "S3_PUBLIC_ENDPOINT", "public endpoint used for final object URLs")
	b.duration(&cfg.BlobStore.S3.RequestTimeout, "s3-request-timeout", "S3_REQUEST_TIMEOUT", "timeout for single S3 requests")
	b.size(&cfg.BlobStore.S3.PartSize, "s3-part-size", "S3_PART_SIZE", "multipart upload part size for final objects")

	b.duration(&cfg.Sweeper.Interval, "sweep-interval", "SWEEP_INTERVAL", "interval between expiry sweeps (0 disables the worker)")
	b.int(&cfg.Sweeper.BatchSize, "sweep-batch", "SWEEP_BATCH", "maximum items reclaimed per source and pass")
	b.duration(&cfg.Sweeper.FailedRetention, "failed-retention", "FAILED_RETENTION", "how long failed uploads keep their chunks")
	b.duration(&cfg.Sweeper.RecordRetention, "record-retention", "RECORD_RETENTION", "how long cancelled and expired session records are kept")
	b.int(&cfg.Sweeper.DeleteWorkers, "sweep-delete-workers", "SWEEP_DELETE_WORKERS", "parallel chunk deletions during a sweep")
	b.bool(&cfg.Sweeper.RunOnStart, "sweep-on-start", "SWEEP_ON_START", "run one sweep immediately on start")

	b.float(&cfg.RateLimit.GlobalRPS, "rate-global-rps", "RATE_GLOBAL_RPS", "global request rate limit in requests per second")
	b.int(&cfg.RateLimit.GlobalBurst, "rate-global-burst", "RATE_GLOBAL_BURST", "global rate limit burst allowance")
	b.int(&cfg.RateLimit.ChunkLimit, "rate-chunk-limit", "RATE_CHUNK_LIMIT", "chunk writes allowed per owner and window (0 disables)")
	b.duration(&cfg.RateLimit.ChunkWindow, "rate-chunk-window", "RATE_CHUNK_WINDOW", "window for counting chunk writes")
	b.bool(&cfg.RateLimit.TrustForwardedHeaders, "rate-trust-forwarded-headers", "RATE_TRUST_FORWARDED_HEADERS", "trust proxy-provided client IP headers")
	b.strings(&cfg.RateLimit.TrustedProxies, "rate-trusted-proxies", "RATE_TRUSTED_PROXIES", "comma separated CIDR blocks or IPs of trusted proxies")
	b.string(&cfg.RateLimit.RedisAddr, "rate-redis-addr", "RATE_REDIS_ADDR", "Redis address for distributed chunk throttling")
	b.string(&cfg.RateLimit.RedisPassword, "rate-redis-password", "RATE_REDIS_PASSWORD", "Redis password for distributed chunk throttling")
	b.int(&cfg.RateLimit.RedisDB, "rate-redis-db", "RATE_REDIS_DB", "Redis database for distributed chunk throttling")
	b.duration(&cfg.RateLimit.RedisTimeout, "rate-redis-timeout", "RATE_REDIS_TIMEOUT", "timeout for Redis operations")
	b.bool(&cfg.RateLimit.RedisTLS, "rate-redis-tls", "RATE_REDIS_TLS", "connect to Redis over TLS")
	b.string(&cfg.RateLimit.RedisCAFile, "rate-redis-tls-ca", "RATE_REDIS_TLS_CA", "path to the Redis TLS CA certificate")

	b.duration(&cfg.Artifacts.DefaultTTL, "artifact-ttl", "ARTIFACT_TTL", "default lifetime of temporary artifacts")

	return b.envs
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
