// Event bridge: wires the push transport into the WebSocket hub. Every
// gateway instance subscribes, so a join handled by one instance reaches web
// clients connected to any other.
package api

import (
	"context"

	"github.com/pkg/errors"

	"github.com/sipeed/picowidget/pkg/events"
	"github.com/sipeed/picowidget/pkg/logger"
)

// Subscriber is the part of the push transport the bridge consumes.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan events.Event, error)
}

// EventBridge connects the push transport to the WebSocket hub.
type EventBridge struct {
	sub Subscriber
	hub *WSHub
}

// NewEventBridge creates a bridge that forwards push events to WebSocket clients.
func NewEventBridge(sub Subscriber, hub *WSHub) *EventBridge {
	return &EventBridge{sub: sub, hub: hub}
}

// Run subscribes and forwards in the background until ctx is cancelled. The
// subscription itself is made before Run returns.
func (eb *EventBridge) Run(ctx context.Context) error {
	if eb.sub == nil {
		logger.WarnC("events", "No push transport; WebSocket clients get snapshots only")
		return nil
	}
	stream, err := eb.sub.Subscribe(ctx)
	if err != nil {
		return errors.Wrap(err, "event bridge")
	}
	logger.InfoC("events", "Event bridge started, forwarding push events to WebSocket")

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.InfoC("events", "Event bridge stopped")
				return
			case ev, ok := <-stream:
				if !ok {
					return
				}
				eb.hub.Broadcast(ev)
			}
		}
	}()
	return nil
}
