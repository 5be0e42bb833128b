package server

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func TestRedisStoreFixedWindow(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("MEDIAHUB_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("MEDIAHUB_TEST_REDIS_ADDR not set")
	}
	store, err := newRedisStore(redisStoreConfig{
		Addr:     addr,
		Password: os.Getenv("MEDIAHUB_TEST_REDIS_PASSWORD"),
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("new redis store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	key := fmt.Sprintf("mediahub:test:chunks:%d", time.Now().UnixNano())
	for i := 0; i < 2; i++ {
		allowed, retry, err := store.Allow(ctx, key, 2, 5*time.Second)
		if err != nil || !allowed || retry != 0 {
			t.Fatalf("attempt %d unexpected: allowed=%v retry=%v err=%v", i, allowed, retry, err)
		}
	}
	allowed, retry, err := store.Allow(ctx, key, 2, 5*time.Second)
	if err != nil {
		t.Fatalf("third allow err: %v", err)
	}
	if allowed {
		t.Fatal("expected throttle on third attempt")
	}
	if retry <= 0 || retry > 5*time.Second {
		t.Fatalf("expected retry within the window, got %v", retry)
	}
}

func TestNewRedisStoreValidatesConfig(t *testing.T) {
	if _, err := newRedisStore(redisStoreConfig{}); err == nil {
		t.Fatal("expected missing address to be rejected")
	}
	if _, err := newRedisStore(redisStoreConfig{Addr: "localhost:6379", TLS: RedisTLSConfig{CAFile: "/does/not/exist.pem"}}); err == nil {
		t.Fatal("expected unreadable CA file to be rejected")
	}
}
