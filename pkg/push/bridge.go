package push

import (
	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/events"
	"github.com/sipeed/picowidget/pkg/logger"
)

// Publisher is what the bridge needs from a transport.
type Publisher interface {
	Publish(ev events.Event) error
}

// BridgeDomainEvents forwards conversation domain events onto the push
// transport so every gateway instance can tell its web clients.
func BridgeDomainEvents(bus domain.EventBus, pub Publisher) {
	forward := func(e domain.Event) {
		ev, ok := toPush(e)
		if !ok {
			return
		}
		if err := pub.Publish(ev); err != nil {
			logger.ErrorCF("push", "Failed to publish push event", map[string]interface{}{
				"type":            ev.Type,
				"conversation_id": e.AggregateID().String(),
				"error":           err.Error(),
			})
		}
	}
	bus.Subscribe(domain.EventMobileSessionStarted, forward)
	bus.Subscribe(domain.EventMobileSessionEnded, forward)
	bus.Subscribe(domain.EventConversationExpired, forward)
}

func toPush(e domain.Event) (events.Event, bool) {
	data := events.SessionEventData{ConversationID: e.AggregateID().String()}
	if fields, ok := e.Payload().(map[string]string); ok {
		data.SessionID = fields["session_id"]
		data.Reason = fields["reason"]
	}

	var typ string
	switch e.EventType() {
	case domain.EventMobileSessionStarted:
		typ = events.MobileSessionStarted
	case domain.EventMobileSessionEnded:
		typ = events.MobileSessionEnded
	case domain.EventConversationExpired:
		typ = events.ConversationExpired
	default:
		return events.Event{}, false
	}

	ev, err := events.New(typ, "gateway", data)
	if err != nil {
		return events.Event{}, false
	}
	ev.Timestamp = e.OccurredAt().UTC()
	return ev, true
}
