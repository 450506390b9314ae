package app

import (
	"sync"
	"time"

	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/domain/conversation"
	"github.com/sipeed/picowidget/pkg/logger"
)

// ---------------------------------------------------------------------------
// Conversation application service
// ---------------------------------------------------------------------------

// ConversationService orchestrates the backend half of device exclusivity.
// Join and leave are read-modify-write on the aggregate, so they are
// serialised here; the repository alone would let two joins both win.
type ConversationService struct {
	repo     conversation.Repository
	eventBus domain.EventBus
	ttl      time.Duration
	now      func() time.Time

	mu    sync.Mutex
	pubMu sync.Mutex
}

// NewConversationService creates a new conversation application service.
func NewConversationService(repo conversation.Repository, eventBus domain.EventBus, ttl time.Duration) *ConversationService {
	return &ConversationService{
		repo:     repo,
		eventBus: eventBus,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Create starts a new conversation for botID.
func (s *ConversationService) Create(botID string) (*conversation.Conversation, error) {
	c := conversation.New(botID, s.ttl)
	if err := s.repo.Save(c); err != nil {
		return nil, err
	}
	s.publish(c.PullEvents())
	return c, nil
}

// JoinMobile attaches a mobile session, failing with LockConflict when
// another session holds the conversation.
func (s *ConversationService) JoinMobile(id domain.EntityID, sessionID string) error {
	var pending []domain.Event
	s.mu.Lock()
	defer s.unlockAndPublish(&pending)

	c, err := s.repo.FindByID(id)
	if err != nil {
		return err
	}
	now := s.now()
	if c.Status == domain.ConversationActive && c.IsExpired(now) {
		// lazily expire so the 410 is also persisted and announced
		c.Expire(now)
		if err := s.repo.Save(c); err != nil {
			return err
		}
		pending = append(pending, c.PullEvents()...)
	}
	if err := c.JoinMobile(sessionID, now); err != nil {
		return err
	}
	if err := s.repo.Save(c); err != nil {
		return err
	}
	pending = append(pending, c.PullEvents()...)
	return nil
}

// LeaveMobile detaches a mobile session. Unknown or stale session ids are
// accepted and reported as not released.
func (s *ConversationService) LeaveMobile(id domain.EntityID, sessionID string, reason domain.LeaveReason) (bool, error) {
	var pending []domain.Event
	s.mu.Lock()
	defer s.unlockAndPublish(&pending)

	c, err := s.repo.FindByID(id)
	if err != nil {
		return false, err
	}
	if !c.LeaveMobile(sessionID, reason, s.now()) {
		return false, nil
	}
	if err := s.repo.Save(c); err != nil {
		return false, err
	}
	pending = c.PullEvents()
	return true, nil
}

// Status reports the authoritative state polled by web clients.
func (s *ConversationService) Status(id domain.EntityID) (domain.StatusReport, error) {
	c, err := s.repo.FindByID(id)
	if err != nil {
		return domain.StatusReport{}, err
	}
	status := c.Status
	if c.IsExpired(s.now()) {
		status = domain.ConversationExpired
	}
	return domain.StatusReport{
		Status:              status,
		ActiveMobileSession: status == domain.ConversationActive && c.HasActiveMobileSession(),
	}, nil
}

// History returns the conversation if it can still be opened.
func (s *ConversationService) History(id domain.EntityID) (*conversation.Conversation, error) {
	c, err := s.repo.FindByID(id)
	if err != nil {
		return nil, err
	}
	if c.IsExpired(s.now()) {
		return nil, domain.Ef(domain.KindExpired, "conversation.history", "conversation %s expired", id)
	}
	return c, nil
}

// ExpireDue expires every conversation past its deadline, releasing
// dangling mobile sessions. It returns how many were expired.
func (s *ConversationService) ExpireDue() (int, error) {
	var pending []domain.Event
	s.mu.Lock()
	defer s.unlockAndPublish(&pending)

	now := s.now()
	due, err := s.repo.FindExpirable(now)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range due {
		c.Expire(now)
		if err := s.repo.Save(c); err != nil {
			logger.ErrorCF("app", "Failed to save expired conversation", map[string]interface{}{
				"conversation_id": c.ID().String(),
				"error":           err.Error(),
			})
			continue
		}
		pending = append(pending, c.PullEvents()...)
		n++
	}
	return n, nil
}

// unlockAndPublish releases s.mu before handing events to the bus, since a
// remote push backend makes Publish a network round-trip. pubMu is taken
// first so events still leave in the order the state changed.
func (s *ConversationService) unlockAndPublish(pending *[]domain.Event) {
	s.pubMu.Lock()
	s.mu.Unlock()
	defer s.pubMu.Unlock()
	s.publish(*pending)
}

func (s *ConversationService) publish(events []domain.Event) {
	for _, event := range events {
		s.eventBus.Publish(event)
	}
}
