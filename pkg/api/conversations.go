// Conversation API endpoints: creation, history validation, the mobile
// join/leave pair that holds the device lock, and the status poll web
// clients fall back to.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/logger"
)

// maxLeaveBody bounds beacon bodies, which arrive without a JSON content type.
const maxLeaveBody = 4 << 10

// POST /api/conversations: start a conversation and issue its tokens
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BotID string `json:"bot_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	req.BotID = strings.TrimSpace(req.BotID)
	if req.BotID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bot_id required"})
		return
	}
	if reg := s.container.Widgets; reg != nil && reg.Count() > 0 {
		if _, ok := reg.Get(req.BotID); !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown bot " + req.BotID})
			return
		}
	}

	c, err := s.container.ConversationService.Create(req.BotID)
	if err != nil {
		writeError(w, "create-conversation", err)
		return
	}
	pair := s.container.Tokens.Issue(c.ID().String())

	logger.InfoCF("api", "Conversation created", map[string]interface{}{
		"conversation_id": c.ID().String(),
		"bot_id":          req.BotID,
	})
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"conversation_id": c.ID().String(),
		"bot_id":          c.BotID,
		"access_token":    pair.AccessToken,
		"token_type":      pair.TokenType,
		"refresh_token":   pair.RefreshToken,
		"expires_in":      pair.ExpiresIn(time.Now()),
	})
}

// GET /api/conversations/history/{id} and GET /api/conversations/{id}/status
// share one pattern; a literal "history" segment cannot be told apart from an
// id by the mux.
func (s *Server) handleConversationRead(w http.ResponseWriter, r *http.Request) {
	first, second := r.PathValue("first"), r.PathValue("second")
	switch {
	case first == "history":
		s.handleHistory(w, r, second)
	case second == "status":
		s.handleStatus(w, r, first)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, id string) {
	if !mayAccess(r, id) {
		forbidden(w)
		return
	}
	c, err := s.container.ConversationService.History(domain.EntityID(id))
	if err != nil {
		writeError(w, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": c.ID().String(),
		"bot_id":          c.BotID,
		"status":          c.Status,
		"expires_at":      c.ExpiresAt.Time.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, id string) {
	if !mayAccess(r, id) {
		forbidden(w)
		return
	}
	report, err := s.container.ConversationService.Status(domain.EntityID(id))
	if err != nil {
		writeError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// POST /api/conversations/{id}/join-mobile: claim the conversation
func (s *Server) handleJoinMobile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !mayAccess(r, id) {
		forbidden(w)
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id required"})
		return
	}

	if err := s.container.ConversationService.JoinMobile(domain.EntityID(id), req.SessionID); err != nil {
		if domain.IsKind(err, domain.KindLockConflict) {
			logger.InfoCF("api", "Mobile join rejected, conversation held", map[string]interface{}{
				"conversation_id": id,
			})
		}
		writeError(w, "join-mobile", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": id,
		"session_id":      req.SessionID,
		"locked_by":       domain.DeviceMobile,
	})
}

// POST /api/conversations/{id}/leave-mobile: release the conversation
//
// Page-close beacons send the JSON body as text/plain, so the body is parsed
// as JSON whatever its content type.
func (s *Server) handleLeaveMobile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !mayAccess(r, id) {
		forbidden(w)
		return
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxLeaveBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id required"})
		return
	}
	reason := domain.LeaveReason(req.Reason)
	if reason == "" {
		reason = domain.LeavePageClosed
	}
	if !reason.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown reason " + req.Reason})
		return
	}

	released, err := s.container.ConversationService.LeaveMobile(domain.EntityID(id), req.SessionID, reason)
	if err != nil {
		writeError(w, "leave-mobile", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation_id": id,
		"released":        released,
	})
}

func forbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, map[string]string{"error": "token is not valid for this conversation"})
}
