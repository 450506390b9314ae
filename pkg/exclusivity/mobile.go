package exclusivity

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/logger"
)

// Backend is the part of the REST API the mobile client uses.
type Backend interface {
	History(ctx context.Context, conversationID string) error
	JoinMobile(ctx context.Context, conversationID, sessionID string) error
	LeaveMobile(ctx context.Context, conversationID, sessionID string, reason domain.LeaveReason) error
	// LeaveBeacon must not block; delivery continues after the caller is gone.
	LeaveBeacon(conversationID, sessionID string, reason domain.LeaveReason) error
}

// BlockReason classifies why the mobile client may not interact.
type BlockReason string

const (
	BlockedAlreadyLocked BlockReason = "already-locked"
	BlockedExpired       BlockReason = "expired"
	BlockedNotFound      BlockReason = "not-found"
	BlockedNetwork       BlockReason = "network"
	BlockedSignedOut     BlockReason = "session-terminated"
)

// BlockedState is a terminal or retryable refusal shown to the user.
type BlockedState struct {
	Reason    BlockReason
	Message   string
	Retryable bool
}

// BlockedView renders the mobile client's gate.
type BlockedView interface {
	ShowBlocked(BlockedState)
	ShowChat()
}

// Classify maps a join or validation failure to the state shown to the user.
func Classify(err error) BlockedState {
	switch domain.KindOf(err) {
	case domain.KindLockConflict:
		return BlockedState{Reason: BlockedAlreadyLocked, Message: "This conversation is already open on another mobile device."}
	case domain.KindExpired:
		return BlockedState{Reason: BlockedExpired, Message: "This conversation has expired. Start a new one from the website."}
	case domain.KindNotFound:
		return BlockedState{Reason: BlockedNotFound, Message: "This conversation could not be found."}
	case domain.KindSessionTerminated:
		return BlockedState{Reason: BlockedSignedOut, Message: "Your session has ended. Open the conversation link again."}
	default:
		return BlockedState{Reason: BlockedNetwork, Message: "Could not reach the server. Check your connection and try again.", Retryable: true}
	}
}

// MobileSession is one phone's claim on a conversation.
type MobileSession struct {
	ConversationID string
	SessionID      string

	backend Backend
	view    BlockedView

	mu      sync.Mutex
	joined  bool
	left    bool
	blocked *BlockedState
}

// NewMobileSession creates a session with a fresh session id.
func NewMobileSession(conversationID string, backend Backend, view BlockedView) *MobileSession {
	return &MobileSession{
		ConversationID: conversationID,
		SessionID:      uuid.NewString(),
		backend:        backend,
		view:           view,
	}
}

// Open validates the conversation, joins it and only then shows the chat.
// On any failure the view is left in a blocked state.
func (m *MobileSession) Open(ctx context.Context) error {
	if err := m.Validate(ctx); err != nil {
		return err
	}
	if err := m.Join(ctx); err != nil {
		return err
	}
	if m.view != nil {
		m.view.ShowChat()
	}
	return nil
}

// Validate checks the conversation still exists and has not expired.
func (m *MobileSession) Validate(ctx context.Context) error {
	if err := m.backend.History(ctx, m.ConversationID); err != nil {
		m.block(err)
		return err
	}
	return nil
}

// Join claims the conversation for this device.
func (m *MobileSession) Join(ctx context.Context) error {
	if err := m.backend.JoinMobile(ctx, m.ConversationID, m.SessionID); err != nil {
		m.block(err)
		return err
	}

	m.mu.Lock()
	m.joined = true
	m.left = false
	m.blocked = nil
	m.mu.Unlock()

	logger.InfoCF("exclusivity", "Joined conversation as mobile", map[string]interface{}{
		"conversation_id": m.ConversationID,
		"session_id":      m.SessionID,
	})
	return nil
}

func (m *MobileSession) block(err error) {
	st := Classify(err)

	m.mu.Lock()
	m.blocked = &st
	m.mu.Unlock()

	logger.WarnCF("exclusivity", "Mobile session blocked", map[string]interface{}{
		"conversation_id": m.ConversationID,
		"reason":          st.Reason,
		"error":           err.Error(),
	})
	if m.view != nil {
		m.view.ShowBlocked(st)
	}
}

// Blocked returns the blocking state, if any.
func (m *MobileSession) Blocked() (BlockedState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocked == nil {
		return BlockedState{}, false
	}
	return *m.blocked, true
}

// Interactive reports whether the user may use the chat.
func (m *MobileSession) Interactive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.joined && !m.left && m.blocked == nil
}

// claimLeave marks the session as left; only the first caller proceeds.
func (m *MobileSession) claimLeave() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.joined || m.left {
		return false
	}
	m.left = true
	return true
}

// Leave notifies the backend on graceful shutdown. Best effort: the error is
// logged and returned but the session counts as left either way.
func (m *MobileSession) Leave(ctx context.Context, reason domain.LeaveReason) error {
	if !m.claimLeave() {
		return nil
	}
	err := m.backend.LeaveMobile(ctx, m.ConversationID, m.SessionID, reason)
	if err != nil {
		logger.WarnCF("exclusivity", "Leave notification failed", map[string]interface{}{
			"conversation_id": m.ConversationID,
			"reason":          reason,
			"error":           err.Error(),
		})
	}
	return err
}

// LeaveBeacon is the unload path: fire and forget.
func (m *MobileSession) LeaveBeacon(reason domain.LeaveReason) {
	if !m.claimLeave() {
		return
	}
	if err := m.backend.LeaveBeacon(m.ConversationID, m.SessionID, reason); err != nil {
		logger.WarnCF("exclusivity", "Leave beacon not queued", map[string]interface{}{
			"conversation_id": m.ConversationID,
			"error":           err.Error(),
		})
	}
}
