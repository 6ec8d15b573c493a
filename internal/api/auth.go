// auth.go implements bearer/viewer authentication for the HTTP and
// WebSocket surfaces.
//
// Two credentials exist: the bearer secret (full access) and an optional
// viewer token (read-only verbs). Either arrives in a header
// (Authorization: Bearer <key>, X-Viewer-Token: <token>) or, for browser
// WebSocket clients that cannot set headers, as a subprotocol entry
// (bearer.<base64url(key)> or viewer.<base64url(token)> alongside
// proxy-auth). All comparisons are constant-time.
package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"perpflow/internal/config"
)

// Access is the privilege level resolved for a request.
type Access int

const (
	AccessNone   Access = iota
	AccessViewer        // read-only verbs
	AccessBearer        // full access
)

// Auth resolves request credentials against the configured secrets.
type Auth struct {
	cfg    config.AuthConfig
	logger *slog.Logger
}

// NewAuth creates the resolver.
func NewAuth(cfg config.AuthConfig, logger *slog.Logger) *Auth {
	return &Auth{cfg: cfg, logger: logger.With("component", "auth")}
}

// AccessFor resolves the privilege level of a request.
func (a *Auth) AccessFor(r *http.Request) Access {
	local := isLoopback(r.RemoteAddr)
	if local && a.cfg.AllowLocalhostNoAuth {
		return AccessBearer
	}

	access := AccessNone
	if key, ok := bearerFromRequest(r); ok && tokenEqual(key, a.cfg.APIKeySecret) {
		access = AccessBearer
	} else if tok, ok := viewerFromRequest(r); ok &&
		a.cfg.ReadonlyViewToken != "" && tokenEqual(tok, a.cfg.ReadonlyViewToken) {
		access = AccessViewer
	}

	// External readonly mode caps non-loopback callers at viewer even
	// with a valid bearer.
	if a.cfg.ExternalReadonlyMode && !local && access == AccessBearer {
		access = AccessViewer
	}
	return access
}

// Middleware enforces auth on an HTTP handler. Viewer access is limited
// to read-only verbs.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch a.AccessFor(r) {
		case AccessBearer:
			next.ServeHTTP(w, r)
		case AccessViewer:
			if readOnlyVerb(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			writeError(w, http.StatusForbidden, "forbidden", "viewer token is read-only")
		default:
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
		}
	})
}

func readOnlyVerb(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// bearerFromRequest extracts the bearer key from the Authorization header
// or the bearer.<base64url> subprotocol.
func bearerFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer "), true
	}
	return subprotocolToken(r, "bearer.")
}

// viewerFromRequest extracts the viewer token from the X-Viewer-Token
// header or the viewer.<base64url> subprotocol.
func viewerFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("X-Viewer-Token"); h != "" {
		return h, true
	}
	return subprotocolToken(r, "viewer.")
}

func subprotocolToken(r *http.Request, prefix string) (string, bool) {
	for _, raw := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, proto := range strings.Split(raw, ",") {
			proto = strings.TrimSpace(proto)
			if !strings.HasPrefix(proto, prefix) {
				continue
			}
			decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(proto, prefix))
			if err != nil {
				continue
			}
			return string(decoded), true
		}
	}
	return "", false
}

// tokenEqual compares credentials in constant time. Hashing first masks
// the length difference.
func tokenEqual(got, want string) bool {
	if want == "" {
		return false
	}
	gh := sha256.Sum256([]byte(got))
	wh := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(gh[:], wh[:]) == 1
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
