// API authentication middleware.
//
// Requests MUST carry either the gateway API key or an access token issued
// for a conversation:
//
//	Authorization: Bearer <token>
//
// or:
//
//	X-API-Key: <api_key>
//
// Exempt routes (no token required):
//   - GET  /api/health
//   - POST /api/auth/token   (the refresh token is the credential)
//   - GET  /api/widgets/...  (public embed profiles)
//
// Beacons and WebSocket upgrades cannot set headers, so the token may also
// ride in the query string:
//
//	POST /api/conversations/{id}/leave-mobile?token=<token>
//
// A conversation token only opens its own conversation; the API key opens
// everything.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/sipeed/picowidget/pkg/auth"
	"github.com/sipeed/picowidget/pkg/logger"
)

type principalKey struct{}

// principal is the authenticated caller. An empty conversationID means the
// API key.
type principal struct {
	conversationID string
}

func principalFrom(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	return p, ok
}

// mayAccess reports whether the caller may act on conversationID.
func mayAccess(r *http.Request, conversationID string) bool {
	p, ok := principalFrom(r.Context())
	if !ok {
		return false
	}
	return p.conversationID == "" || p.conversationID == conversationID
}

// authMiddleware wraps a handler with bearer token checking.
func authMiddleware(apiKey string, tokens *auth.Issuer, next http.Handler) http.Handler {
	if apiKey == "" {
		logger.WarnC("auth", "API key unset; only issued conversation tokens will authenticate")
	} else {
		logger.InfoC("auth", "API bearer token auth ENABLED")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := extractToken(r)

		var p principal
		switch {
		case tokenValid(token, apiKey):
		case tokens != nil:
			subject, ok := tokens.Validate(token)
			if !ok {
				unauthorized(w)
				return
			}
			p.conversationID = subject
		default:
			unauthorized(w)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="picowidget"`)
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error": "unauthorized: bearer token required",
	})
}

// extractToken pulls the bearer token from Authorization header,
// X-API-Key header, or ?token= query param (beacons and WebSocket upgrades).
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}

	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}

	return ""
}

// tokenValid does a constant-time comparison to prevent timing attacks.
func tokenValid(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// isPublicPath returns true for paths that never require authentication.
func isPublicPath(path string) bool {
	switch {
	case path == "/api/health", path == "/api/auth/token":
		return true
	case path == "/api/widgets" || strings.HasPrefix(path, "/api/widgets/"):
		return true
	default:
		return false
	}
}
