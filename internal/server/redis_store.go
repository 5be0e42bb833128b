package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the counter for KEYS[1], starting a window of
// ARGV[1] milliseconds on the first hit, and returns the count and the
// remaining window.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type redisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
	TLS      RedisTLSConfig
}

type redisStore struct {
	client  *redis.Client
	timeout time.Duration
}

func newRedisStore(cfg redisStoreConfig) (*redisStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	opts := &redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
	if cfg.TLS.Enabled || cfg.TLS.CAFile != "" {
		tlsConfig, err := redisTLSConfig(addr, cfg.TLS)
		if err != nil {
			return nil, err
		}
		opts.TLSConfig = tlsConfig
	}
	return &redisStore{client: redis.NewClient(opts), timeout: timeout}, nil
}

func redisTLSConfig(addr string, cfg RedisTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if host, _, found := strings.Cut(addr, ":"); found && host != "" {
		tlsConfig.ServerName = host
	}
	if cfg.CAFile == "" {
		return tlsConfig, nil
	}
	pem, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read redis ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("redis ca file %s contains no certificates", cfg.CAFile)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	windowMillis := window.Milliseconds()
	if windowMillis <= 0 {
		windowMillis = 1
	}
	values, err := fixedWindowScript.Run(ctx, s.client, []string{key}, windowMillis).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", errRateLimiterUnavailable, err)
	}
	if len(values) != 2 {
		return false, 0, fmt.Errorf("%w: unexpected reply length %d", errRateLimiterUnavailable, len(values))
	}
	if values[0] <= int64(limit) {
		return true, 0, nil
	}
	return false, time.Duration(values[1]) * time.Millisecond, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", errRateLimiterUnavailable, err)
	}
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
