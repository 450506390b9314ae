// Package events defines the typed push contract between the gateway and
// web clients. Every event on the push channel, whether it travels through
// watermill or over a websocket, uses this envelope.
package events

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Event is the universal envelope for push events.
type Event struct {
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// New creates a timestamped event with a JSON-encoded payload.
func New(eventType, source string, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, errors.Wrapf(err, "encode %s payload", eventType)
	}
	return Event{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Decode parses an encoded envelope.
func Decode(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, errors.Wrap(err, "decode event")
	}
	if e.Type == "" {
		return Event{}, errors.New("decode event: missing type")
	}
	return e, nil
}

// --- Event type constants ---

const (
	MobileSessionStarted = "mobile.session.started"
	MobileSessionEnded   = "mobile.session.ended"
	ConversationExpired  = "conversation.expired"
	StatusUpdate         = "status_update"
)

// --- Typed payloads ---

// SessionEventData is the payload for mobile session lifecycle events.
type SessionEventData struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// Session extracts the session payload of a mobile session event.
func (e Event) Session() (SessionEventData, error) {
	var d SessionEventData
	if len(e.Data) == 0 {
		return d, errors.Errorf("%s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return d, errors.Wrapf(err, "%s payload", e.Type)
	}
	if d.ConversationID == "" {
		return d, errors.Errorf("%s: missing conversation_id", e.Type)
	}
	return d, nil
}

// StatusEventData is the payload of status_update, sent to a client when it
// subscribes so it starts from the authoritative state.
type StatusEventData struct {
	ConversationID      string `json:"conversation_id"`
	Status              string `json:"status"`
	ActiveMobileSession bool   `json:"active_mobile_session"`
}

// Status extracts the payload of a status_update event.
func (e Event) Status() (StatusEventData, error) {
	var d StatusEventData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return d, errors.Wrapf(err, "%s payload", e.Type)
	}
	if d.ConversationID == "" {
		return d, errors.Errorf("%s: missing conversation_id", e.Type)
	}
	return d, nil
}
