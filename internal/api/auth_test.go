package api

import (
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"perpflow/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func authConfig() config.AuthConfig {
	return config.AuthConfig{
		APIKeySecret:      "super-secret",
		ReadonlyViewToken: "view-token",
	}
}

func request(remote string, mutate func(*http.Request)) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	r.RemoteAddr = remote
	if mutate != nil {
		mutate(r)
	}
	return r
}

func TestAccessFor(t *testing.T) {
	t.Parallel()

	b64 := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name string
		cfg  config.AuthConfig
		req  *http.Request
		want Access
	}{
		{
			name: "no credentials",
			cfg:  authConfig(),
			req:  request("203.0.113.9:1234", nil),
			want: AccessNone,
		},
		{
			name: "bearer header",
			cfg:  authConfig(),
			req: request("203.0.113.9:1234", func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer super-secret")
			}),
			want: AccessBearer,
		},
		{
			name: "wrong bearer",
			cfg:  authConfig(),
			req: request("203.0.113.9:1234", func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer guess")
			}),
			want: AccessNone,
		},
		{
			name: "viewer header",
			cfg:  authConfig(),
			req: request("203.0.113.9:1234", func(r *http.Request) {
				r.Header.Set("X-Viewer-Token", "view-token")
			}),
			want: AccessViewer,
		},
		{
			name: "bearer subprotocol",
			cfg:  authConfig(),
			req: request("203.0.113.9:1234", func(r *http.Request) {
				r.Header.Set("Sec-WebSocket-Protocol", "proxy-auth, bearer."+b64("super-secret"))
			}),
			want: AccessBearer,
		},
		{
			name: "viewer subprotocol",
			cfg:  authConfig(),
			req: request("203.0.113.9:1234", func(r *http.Request) {
				r.Header.Set("Sec-WebSocket-Protocol", "viewer."+b64("view-token"))
			}),
			want: AccessViewer,
		},
		{
			name: "localhost bypass disabled",
			cfg:  authConfig(),
			req:  request("127.0.0.1:5555", nil),
			want: AccessNone,
		},
		{
			name: "localhost bypass enabled",
			cfg: config.AuthConfig{
				APIKeySecret:         "super-secret",
				AllowLocalhostNoAuth: true,
			},
			req:  request("127.0.0.1:5555", nil),
			want: AccessBearer,
		},
		{
			name: "external readonly caps remote bearer",
			cfg: config.AuthConfig{
				APIKeySecret:         "super-secret",
				ExternalReadonlyMode: true,
			},
			req: request("203.0.113.9:1234", func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer super-secret")
			}),
			want: AccessViewer,
		},
		{
			name: "external readonly keeps local bearer",
			cfg: config.AuthConfig{
				APIKeySecret:         "super-secret",
				ExternalReadonlyMode: true,
			},
			req: request("127.0.0.1:5555", func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer super-secret")
			}),
			want: AccessBearer,
		},
		{
			name: "empty viewer token never matches",
			cfg:  config.AuthConfig{APIKeySecret: "super-secret"},
			req: request("203.0.113.9:1234", func(r *http.Request) {
				r.Header.Set("X-Viewer-Token", "")
			}),
			want: AccessNone,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := NewAuth(tt.cfg, testLogger())
			if got := a.AccessFor(tt.req); got != tt.want {
				t.Errorf("AccessFor() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMiddlewareViewerReadOnly(t *testing.T) {
	t.Parallel()

	a := NewAuth(authConfig(), testLogger())
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := a.Middleware(next)

	// Viewer GET passes.
	rec := httptest.NewRecorder()
	r := request("203.0.113.9:1234", func(r *http.Request) {
		r.Header.Set("X-Viewer-Token", "view-token")
	})
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusNoContent {
		t.Errorf("viewer GET = %d, want 204", rec.Code)
	}

	// Viewer POST is forbidden.
	rec = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/api/dry-run/start", nil)
	r.RemoteAddr = "203.0.113.9:1234"
	r.Header.Set("X-Viewer-Token", "view-token")
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusForbidden {
		t.Errorf("viewer POST = %d, want 403", rec.Code)
	}

	// No credentials at all.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, request("203.0.113.9:1234", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous = %d, want 401", rec.Code)
	}
}
