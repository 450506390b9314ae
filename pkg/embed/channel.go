// Package embed is the parent-page side of the widget handshake. A Channel
// owns the embedding surface (the iframe element), validates every message
// the embedded widget sends, and applies the layout the widget asks for.
package embed

import (
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/envelope"
	"github.com/sipeed/picowidget/pkg/logger"
)

// Attributes are the declarative embed-script attributes, read once.
type Attributes struct {
	TargetID      string // element that hosts the frame; required
	AllowedDomain string // origin (or comma-separated origins/patterns) allowed to embed; required
	WidgetOrigin  string // origin the widget frame is served from; required
	BotID         string
	Token         string
}

// Surface is the embedding element as seen by the channel.
type Surface interface {
	ApplyPlacement(p Placement) error
	ApplySize(width, height float64) error
}

// Window delivers cross-frame messages to a listener until stopped.
type Window interface {
	Listen(handler func(envelope.Event)) (stop func())
}

// Host bundles the page-side collaborators of a channel.
type Host struct {
	Surface Surface
	Frame   envelope.Target // the widget frame's content window
	Window  Window          // optional; when set the channel listens itself

	// OnPeerExpired is told when the widget reports mobile inactivity expiry.
	OnPeerExpired func(conversationID string, at time.Time)
}

// State is a snapshot of the channel.
type State struct {
	HostOrigin    string
	ChildOrigin   string
	Size          Size
	Position      Position
	LastAppliedAt time.Time
	Ready         bool
	Acked         bool
	Closed        bool
}

// Channel is the EmbeddingChannel owned by the parent page.
type Channel struct {
	attrs Attributes
	host  Host

	hostOrigin  string
	childOrigin string

	mu            sync.Mutex
	size          Size
	position      Position
	lastAppliedAt time.Time
	ready         bool
	acked         bool
	closed        bool
	stop          func()

	now func() time.Time
}

// CreateChannel validates the embed configuration against the current page
// origin and builds the channel. Nothing touches the surface unless every
// check passes; the embed fails closed.
func CreateChannel(attrs Attributes, pageOrigin string, host Host) (*Channel, error) {
	const op = "embed.create-channel"

	if strings.TrimSpace(attrs.TargetID) == "" {
		return nil, domain.Ef(domain.KindConfig, op, "target identifier required")
	}
	if strings.TrimSpace(attrs.AllowedDomain) == "" {
		return nil, domain.Ef(domain.KindConfig, op, "allowed-domain attribute is mandatory")
	}
	guard, err := envelope.NewGuard(strings.Split(attrs.AllowedDomain, ",")...)
	if err != nil {
		return nil, domain.E(domain.KindConfig, op, err)
	}
	if guard.Empty() {
		return nil, domain.Ef(domain.KindConfig, op, "allowed-domain attribute is empty")
	}
	hostOrigin, err := envelope.ParseOrigin(pageOrigin)
	if err != nil {
		return nil, domain.E(domain.KindConfig, op, err)
	}
	if !guard.Allows(hostOrigin) {
		return nil, domain.Ef(domain.KindConfig, op, "page origin %s is not allowed to embed", hostOrigin)
	}
	childOrigin, err := envelope.ParseOrigin(attrs.WidgetOrigin)
	if err != nil {
		return nil, domain.E(domain.KindConfig, op, err)
	}
	if host.Surface == nil {
		return nil, domain.Ef(domain.KindConfig, op, "no embedding surface")
	}

	c := &Channel{
		attrs:       attrs,
		host:        host,
		hostOrigin:  hostOrigin,
		childOrigin: childOrigin,
		position:    DefaultPosition,
		now:         time.Now,
	}
	if host.Window != nil {
		c.stop = host.Window.Listen(c.HandleMessage)
	}

	logger.InfoCF("embed", "Embedding channel created", map[string]interface{}{
		"target":       attrs.TargetID,
		"host_origin":  hostOrigin,
		"child_origin": childOrigin,
		"bot_id":       attrs.BotID,
	})
	return c, nil
}

// Load is the embed-script entry point. Any configuration error disables
// the embed: it is logged and nil is returned, the host page sees nothing.
func Load(attrs Attributes, pageOrigin string, host Host) *Channel {
	c, err := CreateChannel(attrs, pageOrigin, host)
	if err != nil {
		logger.WarnCF("embed", "Embed disabled", map[string]interface{}{
			"target": attrs.TargetID,
			"page":   pageOrigin,
			"error":  err.Error(),
		})
		return nil
	}
	return c
}

// HandleMessage processes one inbound cross-frame delivery. It never panics
// and never returns an error: bad input is dropped at this boundary.
func (c *Channel) HandleMessage(ev envelope.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("embed", "Message handler recovered", map[string]interface{}{"panic": r})
		}
	}()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	origin, err := envelope.ParseOrigin(ev.Origin)
	if err != nil || origin != c.childOrigin {
		logger.DebugCF("embed", "Dropped message from unexpected origin", map[string]interface{}{
			"origin":   ev.Origin,
			"expected": c.childOrigin,
		})
		return
	}

	msg, err := envelope.Decode(ev.Data)
	if err != nil {
		logger.DebugCF("embed", "Dropped malformed message", map[string]interface{}{"error": err.Error()})
		return
	}

	switch m := msg.(type) {
	case envelope.WidgetReady:
		c.onWidgetReady(ev, m)
	case envelope.PreferredSize:
		c.onPreferredSize(Size{Width: m.Width, Height: m.Height})
	case envelope.ChildAck:
		c.mu.Lock()
		c.acked = true
		c.mu.Unlock()
	case envelope.MobileInactivityExpired:
		if c.host.OnPeerExpired != nil {
			c.host.OnPeerExpired(m.ConversationID, m.Timestamp)
		}
	default:
		logger.DebugCF("embed", "Ignored message not addressed to the parent", map[string]interface{}{
			"type": msg.MessageType(),
		})
	}
}

func (c *Channel) onWidgetReady(ev envelope.Event, m envelope.WidgetReady) {
	pos := ParsePosition(m.Config.Position)
	if err := c.host.Surface.ApplyPlacement(pos.Placement()); err != nil {
		logger.WarnCF("embed", "Failed to position surface", map[string]interface{}{
			"position": pos,
			"error":    err.Error(),
		})
		return
	}

	c.mu.Lock()
	c.position = pos
	c.ready = true
	c.lastAppliedAt = c.now()
	c.mu.Unlock()

	reply := ev.Source
	if reply == nil {
		reply = c.host.Frame
	}
	if err := envelope.Post(reply, envelope.ParentAppliedReady{Position: string(pos)}, c.childOrigin); err != nil {
		logger.WarnCF("embed", "Failed to acknowledge widget-ready", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Channel) onPreferredSize(requested Size) {
	size := requested.Clamp()
	if err := c.host.Surface.ApplySize(size.Width, size.Height); err != nil {
		logger.WarnCF("embed", "Failed to resize surface", map[string]interface{}{"error": err.Error()})
		return
	}

	c.mu.Lock()
	c.size = size
	c.lastAppliedAt = c.now()
	c.mu.Unlock()

	// the frame may not have loaded yet; the size is applied regardless
	if err := envelope.Post(c.host.Frame, envelope.ParentAppliedSize{Width: size.Width, Height: size.Height}, c.childOrigin); err != nil {
		logger.WarnCF("embed", "Could not notify widget of applied size", map[string]interface{}{"error": err.Error()})
	}
}

// PushLockState tells the widget whether a mobile device holds its
// conversation.
func (c *Channel) PushLockState(conversationID string, locked bool, message string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	return envelope.Post(c.host.Frame, envelope.LockState{
		ConversationID: conversationID,
		Locked:         locked,
		Message:        message,
	}, c.childOrigin)
}

// Teardown unregisters the message listener. Later calls and later
// messages are no-ops.
func (c *Channel) Teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	logger.DebugCF("embed", "Embedding channel torn down", map[string]interface{}{"target": c.attrs.TargetID})
}

// State returns a snapshot of the channel.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		HostOrigin:    c.hostOrigin,
		ChildOrigin:   c.childOrigin,
		Size:          c.size,
		Position:      c.position,
		LastAppliedAt: c.lastAppliedAt,
		Ready:         c.ready,
		Acked:         c.acked,
		Closed:        c.closed,
	}
}

// BotID returns the bot identifier from the embed attributes.
func (c *Channel) BotID() string { return c.attrs.BotID }

// Token returns the opaque token from the embed attributes.
func (c *Channel) Token() string { return c.attrs.Token }
