package server

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSecurityHeadersMiddlewareUsesDefaults(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/uploads", nil)

	middleware := securityHeadersMiddleware(SecurityConfig{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	middleware.ServeHTTP(rec, req)

	res := rec.Result()
	assertDefaultSecurityHeaders(t, res)
	assertHeaderEquals(t, res, "Strict-Transport-Security", "")
}

func TestSecurityHeadersSendHSTSOverTLS(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/uploads", nil)
	req.TLS = &tls.ConnectionState{}

	securityHeadersMiddleware(SecurityConfig{}, http.NotFoundHandler()).ServeHTTP(rec, req)

	assertHeaderEquals(t, rec.Result(), "Strict-Transport-Security", defaultHSTS)
}

func TestSecurityHeadersCanBeOverridden(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/uploads", nil)

	cfg := SecurityConfig{
		ContentSecurityPolicy: "default-src 'self'",
		FrameOptions:          "SAMEORIGIN",
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		ContentTypeOptions:    "nosniff",
		CacheControl:          "private, max-age=0",
	}
	middleware := securityHeadersMiddleware(cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	middleware.ServeHTTP(rec, req)

	res := rec.Result()
	assertHeaderEquals(t, res, "Content-Security-Policy", cfg.ContentSecurityPolicy)
	assertHeaderEquals(t, res, "X-Frame-Options", cfg.FrameOptions)
	assertHeaderEquals(t, res, "Referrer-Policy", cfg.ReferrerPolicy)
	assertHeaderEquals(t, res, "X-Content-Type-Options", cfg.ContentTypeOptions)
	assertHeaderEquals(t, res, "Cache-Control", cfg.CacheControl)
}

func TestServerAppliesSecurityHeadersToAllRoutes(t *testing.T) {
	handler, _ := newTestHandler(t)

	srv, err := New(handler, Config{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	for _, path := range []string{"/healthz", "/api/uploads/unknown", "/missing"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, path, nil)

			srv.Handler().ServeHTTP(rec, req)

			assertDefaultSecurityHeaders(t, rec.Result())
		})
	}
}

func assertDefaultSecurityHeaders(t *testing.T, res *http.Response) {
	t.Helper()
	assertHeaderEquals(t, res, "Content-Security-Policy", defaultContentSecurityPolicy)
	assertHeaderEquals(t, res, "X-Frame-Options", defaultFrameOptions)
	assertHeaderEquals(t, res, "Referrer-Policy", defaultReferrerPolicy)
	assertHeaderEquals(t, res, "X-Content-Type-Options", defaultContentTypeOptions)
	assertHeaderEquals(t, res, "Cache-Control", defaultCacheControl)
}

func assertHeaderEquals(t *testing.T, res *http.Response, key, expected string) {
	t.Helper()
	if got := res.Header.Get(key); got != expected {
		t.Fatalf("expected %s=%q, got %q", key, expected, got)
	}
}
