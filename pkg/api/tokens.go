package api

import (
	"net/http"
	"time"

	"github.com/sipeed/picowidget/pkg/logger"
)

// POST /api/auth/token: OAuth2 refresh_token grant (RFC 6749 section 6).
//
// Errors use the RFC error codes so oauth2 clients surface them as
// RetrieveError. The presented refresh token is consumed either way.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, oauthError("invalid_request"))
		return
	}
	if gt := r.PostForm.Get("grant_type"); gt != "refresh_token" {
		writeJSON(w, http.StatusBadRequest, oauthError("unsupported_grant_type"))
		return
	}
	if want := s.config.Refresh.ClientID; want != "" && r.PostForm.Get("client_id") != want {
		writeJSON(w, http.StatusUnauthorized, oauthError("invalid_client"))
		return
	}
	refresh := r.PostForm.Get("refresh_token")
	if refresh == "" {
		writeJSON(w, http.StatusBadRequest, oauthError("invalid_request"))
		return
	}

	pair, err := s.container.Tokens.Refresh(refresh)
	if err != nil {
		logger.InfoCF("auth", "Refresh grant rejected", map[string]interface{}{
			"error": err.Error(),
		})
		writeJSON(w, http.StatusBadRequest, oauthError("invalid_grant"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  pair.AccessToken,
		"token_type":    pair.TokenType,
		"refresh_token": pair.RefreshToken,
		"expires_in":    pair.ExpiresIn(time.Now()),
	})
}

func oauthError(code string) map[string]string {
	return map[string]string{"error": code}
}
