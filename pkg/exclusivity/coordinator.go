// Package exclusivity keeps at most one active device on a conversation.
//
// The web side never asks for the lock: a mobile device joining causes it.
// Coordinator watches one conversation from the web page and locks or
// unlocks in response to push events, with a fallback timer and a status
// poll as safety nets for missed events. MobileSession is the mobile half:
// it joins, classifies refusals into blocking states, and leaves.
package exclusivity

import (
	"context"
	"sync"
	"time"

	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/events"
	"github.com/sipeed/picowidget/pkg/logger"
)

const (
	DefaultFallbackTimeout = 6 * time.Minute
	DefaultPollInterval    = 3 * time.Second

	// MobileLockMessage is shown on the web side while a phone holds the
	// conversation.
	MobileLockMessage = "This conversation is continuing on a mobile device."
)

// StatusChecker fetches the authoritative conversation status.
type StatusChecker interface {
	Status(ctx context.Context, conversationID string) (domain.StatusReport, error)
}

// DeviceLock is the lock state of the watched conversation.
type DeviceLock struct {
	ConversationID   string
	LockedBy         domain.DeviceKind
	LockMessage      string
	FallbackDeadline time.Time
	Polling          bool
}

// Locked reports whether a mobile device holds the conversation.
func (l DeviceLock) Locked() bool { return l.LockedBy == domain.DeviceMobile }

// Options configures a Coordinator.
type Options struct {
	ConversationID  string
	FallbackTimeout time.Duration
	PollInterval    time.Duration
	Status          StatusChecker
	// OnChange receives lock transitions in order, outside the coordinator
	// lock. A transition superseded while a delivery is running is skipped.
	OnChange func(DeviceLock)
	Now      func() time.Time
}

// Coordinator is the web-side arbiter for one conversation.
type Coordinator struct {
	opts Options

	mu         sync.Mutex
	lock       DeviceLock
	gen        uint64
	fallback   *time.Timer
	pollCancel context.CancelFunc
	closed     bool

	// notifications leave in lock-generation order, one delivery at a time
	notifyMu   sync.Mutex
	notified   uint64
	pending    *DeviceLock
	delivering bool
}

// NewCoordinator creates an unlocked coordinator.
func NewCoordinator(opts Options) *Coordinator {
	if opts.FallbackTimeout <= 0 {
		opts.FallbackTimeout = DefaultFallbackTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		opts: opts,
		lock: DeviceLock{ConversationID: opts.ConversationID, LockedBy: domain.DeviceNone},
	}
}

// State returns the current lock.
func (c *Coordinator) State() DeviceLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lock
}

// OnMobileSessionStarted locks the watched conversation and arms the
// fallback timer and the status poll. A repeated start re-arms both.
func (c *Coordinator) OnMobileSessionStarted(conversationID string) {
	if conversationID != c.opts.ConversationID {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.cancelLocked()
	c.gen++
	gen := c.gen

	c.lock = DeviceLock{
		ConversationID:   c.opts.ConversationID,
		LockedBy:         domain.DeviceMobile,
		LockMessage:      MobileLockMessage,
		FallbackDeadline: c.opts.Now().Add(c.opts.FallbackTimeout),
	}
	c.fallback = time.AfterFunc(c.opts.FallbackTimeout, func() {
		c.forceUnlock(gen, "fallback timeout")
	})
	if c.opts.Status != nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.pollCancel = cancel
		c.lock.Polling = true
		go c.poll(ctx, gen)
	}
	snap := c.lock
	c.mu.Unlock()

	logger.InfoCF("exclusivity", "Conversation locked by mobile device", map[string]interface{}{
		"conversation_id":   conversationID,
		"fallback_deadline": snap.FallbackDeadline,
	})
	c.notify(snap, gen)
}

// OnMobileSessionEnded unlocks the watched conversation.
func (c *Coordinator) OnMobileSessionEnded(conversationID string) {
	if conversationID != c.opts.ConversationID {
		return
	}
	c.Unlock("mobile session ended")
}

// Unlock returns to unlocked and cancels both safety nets. It is the single
// reducer for push, poll and fallback paths and is a no-op when unlocked.
func (c *Coordinator) Unlock(reason string) {
	c.mu.Lock()
	if c.closed || !c.lock.Locked() {
		c.mu.Unlock()
		return
	}
	c.unlockLocked()
	snap, snapGen := c.lock, c.gen
	c.mu.Unlock()

	logger.InfoCF("exclusivity", "Conversation unlocked", map[string]interface{}{
		"conversation_id": c.opts.ConversationID,
		"reason":          reason,
	})
	c.notify(snap, snapGen)
}

// forceUnlock is the safety-net path; callbacks from an earlier lock
// generation are ignored.
func (c *Coordinator) forceUnlock(gen uint64, reason string) {
	c.mu.Lock()
	if c.closed || c.gen != gen || !c.lock.Locked() {
		c.mu.Unlock()
		return
	}
	c.unlockLocked()
	snap, snapGen := c.lock, c.gen
	c.mu.Unlock()

	logger.WarnCF("exclusivity", "Conversation force-unlocked", map[string]interface{}{
		"conversation_id": c.opts.ConversationID,
		"reason":          reason,
	})
	c.notify(snap, snapGen)
}

func (c *Coordinator) unlockLocked() {
	c.cancelLocked()
	c.gen++
	c.lock = DeviceLock{ConversationID: c.opts.ConversationID, LockedBy: domain.DeviceNone}
}

// cancelLocked stops both safety nets. Caller holds c.mu.
func (c *Coordinator) cancelLocked() {
	if c.fallback != nil {
		c.fallback.Stop()
		c.fallback = nil
	}
	if c.pollCancel != nil {
		c.pollCancel()
		c.pollCancel = nil
	}
	c.lock.Polling = false
}

func (c *Coordinator) poll(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := c.opts.Status.Status(ctx, c.opts.ConversationID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// retried on the next tick; a failed poll never unlocks
			logger.DebugCF("exclusivity", "Status poll failed", map[string]interface{}{
				"conversation_id": c.opts.ConversationID,
				"error":           err.Error(),
			})
			continue
		}
		if st.MobileGone() {
			c.forceUnlock(gen, "status poll: mobile session gone")
			return
		}
	}
}

// notify delivers l unless a newer generation was already queued. A caller
// that finds a delivery in progress leaves l pending for the deliverer, so
// OnChange never sees an older state after a newer one.
func (c *Coordinator) notify(l DeviceLock, gen uint64) {
	if c.opts.OnChange == nil {
		return
	}
	c.notifyMu.Lock()
	if gen <= c.notified {
		c.notifyMu.Unlock()
		return
	}
	c.notified = gen
	c.pending = &l
	if c.delivering {
		c.notifyMu.Unlock()
		return
	}
	c.delivering = true
	for c.pending != nil {
		next := *c.pending
		c.pending = nil
		c.notifyMu.Unlock()
		c.opts.OnChange(next)
		c.notifyMu.Lock()
	}
	c.delivering = false
	c.notifyMu.Unlock()
}

// Close cancels every timer. Used on unmount; later events are ignored.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancelLocked()
	c.gen++
}

// armed reports which safety nets are live.
func (c *Coordinator) armed() (fallback, polling bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fallback != nil, c.pollCancel != nil
}

// Run feeds push events into the coordinator until ctx is done or the
// stream closes, then closes the coordinator.
func (c *Coordinator) Run(ctx context.Context, stream <-chan events.Event) error {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream:
			if !ok {
				return nil
			}
			c.Handle(ev)
		}
	}
}

// Handle applies one push event.
func (c *Coordinator) Handle(ev events.Event) {
	switch ev.Type {
	case events.StatusUpdate:
		c.handleStatus(ev)
		return
	case events.MobileSessionStarted, events.MobileSessionEnded, events.ConversationExpired:
	default:
		return
	}
	data, err := ev.Session()
	if err != nil {
		logger.DebugCF("exclusivity", "Dropped malformed push event", map[string]interface{}{
			"type":  ev.Type,
			"error": err.Error(),
		})
		return
	}
	switch ev.Type {
	case events.MobileSessionStarted:
		c.OnMobileSessionStarted(data.ConversationID)
	case events.MobileSessionEnded:
		c.OnMobileSessionEnded(data.ConversationID)
	case events.ConversationExpired:
		if data.ConversationID == c.opts.ConversationID {
			c.Unlock("conversation expired")
		}
	}
}

// handleStatus applies the snapshot a push channel sends on subscribe, so a
// client that connects after the mobile joined still locks.
func (c *Coordinator) handleStatus(ev events.Event) {
	data, err := ev.Status()
	if err != nil || data.ConversationID != c.opts.ConversationID {
		return
	}
	report := domain.StatusReport{
		Status:              domain.ConversationStatus(data.Status),
		ActiveMobileSession: data.ActiveMobileSession,
	}
	if report.MobileGone() {
		c.Unlock("status snapshot")
		return
	}
	c.OnMobileSessionStarted(data.ConversationID)
}
