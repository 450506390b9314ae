package envelope

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/sipeed/picowidget/pkg/domain"
)

// Type is the wire discriminator.
type Type string

const (
	TypeWidgetReady             Type = "widget-ready"
	TypePreferredSize           Type = "preferred-size"
	TypeParentAppliedSize       Type = "parent-applied-size"
	TypeParentAppliedReady      Type = "parent-applied-ready"
	TypeChildAck                Type = "child-ack"
	TypeMobileInactivityExpired Type = "mobile-inactivity-expired"
	TypeLockState               Type = "lock-state"
)

// Message is one member of the tagged union.
type Message interface {
	MessageType() Type
}

// WidgetConfig is the optional configuration a widget reports when ready.
type WidgetConfig struct {
	Position string `json:"position,omitempty"`
	BotID    string `json:"botId,omitempty"`
}

type WidgetReady struct {
	Config WidgetConfig `json:"config"`
}

type PreferredSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type ParentAppliedSize struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type ParentAppliedReady struct {
	Position string `json:"position"`
}

type ChildAck struct{}

type MobileInactivityExpired struct {
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

// LockState tells the widget whether a mobile device holds its conversation.
type LockState struct {
	ConversationID string `json:"conversationId"`
	Locked         bool   `json:"locked"`
	Message        string `json:"message,omitempty"`
}

func (WidgetReady) MessageType() Type             { return TypeWidgetReady }
func (PreferredSize) MessageType() Type           { return TypePreferredSize }
func (ParentAppliedSize) MessageType() Type       { return TypeParentAppliedSize }
func (ParentAppliedReady) MessageType() Type      { return TypeParentAppliedReady }
func (ChildAck) MessageType() Type                { return TypeChildAck }
func (MobileInactivityExpired) MessageType() Type { return TypeMobileInactivityExpired }
func (LockState) MessageType() Type               { return TypeLockState }

const opDecode = "envelope.decode"

// Decode validates and parses a raw cross-frame payload.
func Decode(raw []byte) (Message, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, domain.Ef(domain.KindProtocol, opDecode, "payload is not an object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, domain.E(domain.KindProtocol, opDecode, err)
	}
	var tag string
	if err := json.Unmarshal(fields["type"], &tag); err != nil || tag == "" {
		return nil, domain.Ef(domain.KindProtocol, opDecode, "missing or non-string type")
	}

	switch Type(tag) {
	case TypeWidgetReady:
		return decodeWidgetReady(fields)
	case TypePreferredSize:
		w, h, err := decodeSize(fields)
		if err != nil {
			return nil, err
		}
		return PreferredSize{Width: w, Height: h}, nil
	case TypeParentAppliedSize:
		w, h, err := decodeSize(fields)
		if err != nil {
			return nil, err
		}
		return ParentAppliedSize{Width: w, Height: h}, nil
	case TypeParentAppliedReady:
		var m ParentAppliedReady
		if err := optionalString(fields, "position", &m.Position); err != nil {
			return nil, err
		}
		return m, nil
	case TypeChildAck:
		return ChildAck{}, nil
	case TypeMobileInactivityExpired:
		return decodeExpired(fields)
	case TypeLockState:
		var m LockState
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, domain.E(domain.KindProtocol, opDecode, err)
		}
		if m.ConversationID == "" {
			return nil, domain.Ef(domain.KindProtocol, opDecode, "lock-state without conversationId")
		}
		return m, nil
	default:
		return nil, domain.Ef(domain.KindProtocol, opDecode, "unknown type %q", tag)
	}
}

func decodeWidgetReady(fields map[string]json.RawMessage) (Message, error) {
	var m WidgetReady
	cfg, ok := fields["config"]
	if !ok || string(cfg) == "null" {
		return m, nil
	}
	var nested map[string]json.RawMessage
	if err := json.Unmarshal(cfg, &nested); err != nil {
		return nil, domain.Ef(domain.KindProtocol, opDecode, "widget-ready config is not an object")
	}
	if err := optionalString(nested, "position", &m.Config.Position); err != nil {
		return nil, err
	}
	if err := optionalString(nested, "botId", &m.Config.BotID); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeSize(fields map[string]json.RawMessage) (float64, float64, error) {
	w, err := requiredNumber(fields, "width")
	if err != nil {
		return 0, 0, err
	}
	h, err := requiredNumber(fields, "height")
	if err != nil {
		return 0, 0, err
	}
	return w, h, nil
}

// epoch milliseconds accepted for expiry timestamps: years 0001 to 9999
const (
	minEpochMillis = -62135596800000
	maxEpochMillis = 253402300799999
)

func decodeExpired(fields map[string]json.RawMessage) (Message, error) {
	var m MobileInactivityExpired
	if err := json.Unmarshal(fields["conversationId"], &m.ConversationID); err != nil || m.ConversationID == "" {
		return nil, domain.Ef(domain.KindProtocol, opDecode, "expiry without conversationId")
	}
	ts, ok := fields["timestamp"]
	if !ok {
		return nil, domain.Ef(domain.KindProtocol, opDecode, "expiry without timestamp")
	}
	// accept RFC3339 strings and epoch milliseconds
	var ms float64
	if err := json.Unmarshal(ts, &ms); err == nil {
		if math.IsNaN(ms) || math.IsInf(ms, 0) || ms < minEpochMillis || ms > maxEpochMillis {
			return nil, domain.Ef(domain.KindProtocol, opDecode, "expiry timestamp out of range")
		}
		m.Timestamp = time.UnixMilli(int64(ms)).UTC()
		return m, nil
	}
	if err := json.Unmarshal(ts, &m.Timestamp); err != nil {
		return nil, domain.Ef(domain.KindProtocol, opDecode, "expiry timestamp unreadable")
	}
	return m, nil
}

func requiredNumber(fields map[string]json.RawMessage, key string) (float64, error) {
	raw, ok := fields[key]
	if !ok {
		return 0, domain.Ef(domain.KindProtocol, opDecode, "missing %s", key)
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, domain.Ef(domain.KindProtocol, opDecode, "%s is not a number", key)
	}
	return v, nil
}

func optionalString(fields map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return domain.Ef(domain.KindProtocol, opDecode, "%s is not a string", key)
	}
	return nil
}

// Encode serialises m with its type discriminator.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"] = json.RawMessage(strconv.Quote(string(m.MessageType())))
	return json.Marshal(fields)
}
