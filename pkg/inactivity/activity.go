package inactivity

import (
	"encoding/json"
	"strings"
)

// ActivityKind names a qualifying interaction.
type ActivityKind string

const (
	ActivityPointer ActivityKind = "pointer"
	ActivityKey     ActivityKind = "key"
	ActivityTouch   ActivityKind = "touch"
	ActivityScroll  ActivityKind = "scroll"
	ActivityMessage ActivityKind = "message"
)

// ActivityEvent is one user interaction.
type ActivityEvent struct {
	Kind ActivityKind `json:"kind"`
}

// Qualifies reports whether the event should reset the countdown.
func (e ActivityEvent) Qualifies() bool {
	switch e.Kind {
	case ActivityPointer, ActivityKey, ActivityTouch, ActivityScroll, ActivityMessage:
		return true
	}
	return false
}

// ParseActivity reads an activity payload such as {"kind":"touch"} or a
// bare kind name. Anything else yields a non-qualifying event.
func ParseActivity(raw []byte) ActivityEvent {
	var ev ActivityEvent
	if err := json.Unmarshal(raw, &ev); err == nil {
		return ev
	}
	return ActivityEvent{Kind: ActivityKind(strings.ToLower(strings.Trim(strings.TrimSpace(string(raw)), `"`)))}
}
