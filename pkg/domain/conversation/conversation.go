// Package conversation defines the Conversation aggregate: the authoritative
// record of which mobile session, if any, currently holds a conversation and
// whether the conversation is still alive.
package conversation

import (
	"time"

	"github.com/sipeed/picowidget/pkg/domain"
)

// ---------------------------------------------------------------------------
// Conversation aggregate root
// ---------------------------------------------------------------------------

// Conversation is the aggregate root for device exclusivity on the backend.
type Conversation struct {
	domain.AggregateRoot

	BotID  string                    `json:"bot_id"`
	Status domain.ConversationStatus `json:"status"`

	// Mobile lock; empty when no mobile session is attached.
	MobileSessionID string           `json:"mobile_session_id,omitempty"`
	MobileJoinedAt  domain.Timestamp `json:"mobile_joined_at"`

	CreatedAt domain.Timestamp `json:"created_at"`
	UpdatedAt domain.Timestamp `json:"updated_at"`
	ExpiresAt domain.Timestamp `json:"expires_at"`
}

// New creates an active conversation that expires after ttl.
func New(botID string, ttl time.Duration) *Conversation {
	now := domain.Now()
	c := &Conversation{
		BotID:     botID,
		Status:    domain.ConversationActive,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: domain.TimestampFrom(now.Add(ttl)),
	}
	c.SetID(domain.NewID())
	c.RecordEvent(domain.NewEvent(domain.EventConversationCreated, c.ID(), map[string]string{
		"bot_id": botID,
	}))
	return c
}

// ---------------------------------------------------------------------------
// Behavior
// ---------------------------------------------------------------------------

// HasActiveMobileSession reports whether a mobile device holds the lock.
func (c *Conversation) HasActiveMobileSession() bool {
	return c.MobileSessionID != ""
}

// IsExpired reports whether the conversation is no longer usable at now.
func (c *Conversation) IsExpired(now time.Time) bool {
	return c.Status == domain.ConversationExpired || (!c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt.Time))
}

// JoinMobile attaches a mobile session. Rejoining with the same session id
// is accepted so retries after a lost response are harmless.
func (c *Conversation) JoinMobile(sessionID string, now time.Time) error {
	const op = "conversation.join-mobile"
	if sessionID == "" {
		return domain.Ef(domain.KindProtocol, op, "session id required")
	}
	if c.IsExpired(now) {
		return domain.Ef(domain.KindExpired, op, "conversation %s expired", c.ID())
	}
	if c.MobileSessionID == sessionID {
		return nil
	}
	if c.HasActiveMobileSession() {
		return domain.Ef(domain.KindLockConflict, op, "conversation %s already has an active mobile session", c.ID())
	}

	c.MobileSessionID = sessionID
	c.MobileJoinedAt = domain.TimestampFrom(now)
	c.UpdatedAt = domain.TimestampFrom(now)
	c.RecordEvent(domain.NewEvent(domain.EventMobileSessionStarted, c.ID(), map[string]string{
		"session_id": sessionID,
	}))
	return nil
}

// LeaveMobile detaches the mobile session. It is a no-op when sessionID does
// not hold the lock, so duplicate beacons and late unmount calls are safe.
// It reports whether the lock was released.
func (c *Conversation) LeaveMobile(sessionID string, reason domain.LeaveReason, now time.Time) bool {
	if sessionID == "" || c.MobileSessionID != sessionID {
		return false
	}
	c.releaseMobile(reason, now)
	return true
}

// Expire marks the conversation expired and releases any mobile lock.
func (c *Conversation) Expire(now time.Time) {
	if c.Status == domain.ConversationExpired {
		return
	}
	if c.HasActiveMobileSession() {
		c.releaseMobile(domain.LeaveConversationGone, now)
	}
	c.Status = domain.ConversationExpired
	c.UpdatedAt = domain.TimestampFrom(now)
	c.RecordEvent(domain.NewEvent(domain.EventConversationExpired, c.ID(), nil))
}

func (c *Conversation) releaseMobile(reason domain.LeaveReason, now time.Time) {
	sessionID := c.MobileSessionID
	c.MobileSessionID = ""
	c.MobileJoinedAt = domain.Timestamp{}
	c.UpdatedAt = domain.TimestampFrom(now)
	c.RecordEvent(domain.NewEvent(domain.EventMobileSessionEnded, c.ID(), map[string]string{
		"session_id": sessionID,
		"reason":     string(reason),
	}))
}

// ---------------------------------------------------------------------------
// Repository interface
// ---------------------------------------------------------------------------

// Repository defines persistence for Conversation aggregates.
type Repository interface {
	FindByID(id domain.EntityID) (*Conversation, error)
	FindExpirable(now time.Time) ([]*Conversation, error)
	Save(c *Conversation) error
}

// ErrNotFound is returned by repositories for unknown conversations.
var ErrNotFound = domain.Ef(domain.KindNotFound, "conversation.find", "conversation not found")
