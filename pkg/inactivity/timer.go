// Package inactivity ends a mobile session after a period without user
// interaction, with a visible countdown before the end.
//
// A Timer counts T seconds of silence, then W seconds of warning, then
// expires. Activity during counting or warning starts over. Expiry is
// terminal for the Timer; a new session gets a new Timer.
package inactivity

import (
	"context"
	"sync"
	"time"

	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/envelope"
	"github.com/sipeed/picowidget/pkg/logger"
)

const (
	DefaultTimeout = 180 * time.Second
	DefaultWarning = 10 * time.Second

	leaveTimeout = 10 * time.Second
)

// State of the machine.
type State string

const (
	Idle     State = "idle"
	Counting State = "counting"
	Warning  State = "warning"
	Expired  State = "expired"
)

// Peer is told about expiry, best effort.
type Peer interface {
	NotifyExpired(conversationID string, at time.Time) error
}

// Leaver tells the backend the device is leaving.
type Leaver interface {
	Leave(ctx context.Context, reason domain.LeaveReason) error
}

// View is the visible side of the mobile client.
type View interface {
	ShowWarning(secondsLeft int)
	ClearWarning()
	ShowExpired()
}

// Options configures a Timer.
type Options struct {
	ConversationID string
	Timeout        time.Duration
	Warning        time.Duration
	Peer           Peer
	Leaver         Leaver
	View           View
	Now            func() time.Time
}

// Snapshot is the observable state of a Timer.
type Snapshot struct {
	ConversationID   string
	State            State
	RemainingSeconds int
	DeadlineAt       time.Time
}

// Timer is the per-conversation inactivity machine.
type Timer struct {
	opts    Options
	timeout int
	warning int

	mu         sync.Mutex
	state      State
	remaining  int
	deadlineAt time.Time
	ctx        context.Context
	cancel     context.CancelFunc
	stopped    bool
}

// New creates an idle Timer.
func New(opts Options) *Timer {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Warning <= 0 {
		opts.Warning = DefaultWarning
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Timer{
		opts:    opts,
		timeout: seconds(opts.Timeout),
		warning: seconds(opts.Warning),
		state:   Idle,
	}
}

func seconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// Start moves idle to counting and drives the machine once per second until
// expiry or Stop.
func (t *Timer) Start(ctx context.Context) {
	if !t.begin(ctx) {
		return
	}
	t.mu.Lock()
	loopCtx := t.ctx
	t.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				t.tick()
			}
		}
	}()
}

func (t *Timer) begin(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Idle || t.stopped {
		return false
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.resetLocked()

	logger.DebugCF("inactivity", "Inactivity countdown started", map[string]interface{}{
		"conversation_id": t.opts.ConversationID,
		"timeout_s":       t.timeout,
		"warning_s":       t.warning,
	})
	return true
}

func (t *Timer) resetLocked() {
	t.state = Counting
	t.remaining = t.timeout
	t.deadlineAt = t.opts.Now().Add(time.Duration(t.timeout+t.warning) * time.Second)
}

// tick advances the machine by one second.
func (t *Timer) tick() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	switch t.state {
	case Counting:
		t.remaining--
		if t.remaining > 0 {
			t.mu.Unlock()
			return
		}
		t.state = Warning
		t.remaining = t.warning
		left := t.remaining
		t.mu.Unlock()

		logger.InfoCF("inactivity", "Inactivity warning", map[string]interface{}{
			"conversation_id": t.opts.ConversationID,
			"seconds_left":    left,
		})
		t.showWarning(left)

	case Warning:
		t.remaining--
		if t.remaining > 0 {
			left := t.remaining
			t.mu.Unlock()
			t.showWarning(left)
			return
		}
		t.state = Expired
		t.remaining = 0
		ctx, cancel := t.ctx, t.cancel
		t.mu.Unlock()

		t.expire(ctx)
		cancel()

	default:
		t.mu.Unlock()
	}
}

// expire runs the terminal side effects in order. Failures of the peer and
// backend notifications never prevent the expired view.
func (t *Timer) expire(ctx context.Context) {
	id := t.opts.ConversationID
	logger.InfoCF("inactivity", "Mobile session expired after inactivity", map[string]interface{}{"conversation_id": id})

	if t.opts.Peer != nil {
		if err := t.opts.Peer.NotifyExpired(id, t.opts.Now()); err != nil {
			logger.WarnCF("inactivity", "Peer expiry notification failed", map[string]interface{}{
				"conversation_id": id,
				"error":           err.Error(),
			})
		}
	}

	if t.opts.Leaver != nil {
		leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
		err := t.opts.Leaver.Leave(leaveCtx, domain.LeaveInactivityExpired)
		cancel()
		if err != nil {
			logger.WarnCF("inactivity", "Leave notification failed", map[string]interface{}{
				"conversation_id": id,
				"error":           err.Error(),
			})
		}
	}

	if t.opts.View != nil {
		t.opts.View.ShowExpired()
	}
}

func (t *Timer) showWarning(left int) {
	if t.opts.View != nil {
		t.opts.View.ShowWarning(left)
	}
}

// Activity reports user interaction. While counting or warning it restarts
// the countdown; otherwise, and for unrecognised events, it does nothing.
func (t *Timer) Activity(ev ActivityEvent) {
	if !ev.Qualifies() {
		return
	}
	t.mu.Lock()
	if t.stopped || (t.state != Counting && t.state != Warning) {
		t.mu.Unlock()
		return
	}
	wasWarning := t.state == Warning
	t.resetLocked()
	t.mu.Unlock()

	if wasWarning && t.opts.View != nil {
		t.opts.View.ClearWarning()
	}
}

// Stop cancels the countdown. Safe to call more than once.
func (t *Timer) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Snapshot returns the current state.
func (t *Timer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ConversationID:   t.opts.ConversationID,
		State:            t.state,
		RemainingSeconds: t.remaining,
		DeadlineAt:       t.deadlineAt,
	}
}

// ---------------------------------------------------------------------------

// FramePeer notifies the embedding page through cross-frame messaging. The
// expiry notice is not sensitive, so an empty Origin broadcasts to "*".
type FramePeer struct {
	Target envelope.Target
	Origin string
}

func (p FramePeer) NotifyExpired(conversationID string, at time.Time) error {
	origin := p.Origin
	if origin == "" {
		origin = envelope.Wildcard
	}
	return envelope.Post(p.Target, envelope.MobileInactivityExpired{
		ConversationID: conversationID,
		Timestamp:      at,
	}, origin)
}
