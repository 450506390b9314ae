package domain

// ---------------------------------------------------------------------------
// Shared value objects
// ---------------------------------------------------------------------------

// DeviceKind identifies which client holds a conversation.
type DeviceKind string

const (
	DeviceNone   DeviceKind = "none"
	DeviceMobile DeviceKind = "mobile"
	DeviceWeb    DeviceKind = "web"
)

func (d DeviceKind) String() string { return string(d) }

// ---------------------------------------------------------------------------

// LeaveReason is carried by leave-mobile notifications.
type LeaveReason string

const (
	LeavePageClosed        LeaveReason = "page-closed"
	LeaveInactivityExpired LeaveReason = "inactivity-expired"
	LeaveUnmount           LeaveReason = "unmount"
	LeaveConversationGone  LeaveReason = "conversation-expired"
)

func (r LeaveReason) String() string { return string(r) }

// Valid returns true for reasons clients may send.
func (r LeaveReason) Valid() bool {
	switch r {
	case LeavePageClosed, LeaveInactivityExpired, LeaveUnmount, LeaveConversationGone:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------

// ConversationStatus is the authoritative lifecycle of a conversation.
type ConversationStatus string

const (
	ConversationActive  ConversationStatus = "active"
	ConversationExpired ConversationStatus = "expired"
)

func (s ConversationStatus) String() string { return string(s) }

// StatusReport is the authoritative view of a conversation used by web
// clients to detect a departed mobile session.
type StatusReport struct {
	Status              ConversationStatus `json:"status"`
	ActiveMobileSession bool               `json:"active_mobile_session"`
}

// MobileGone reports whether no mobile session can still hold the
// conversation.
func (s StatusReport) MobileGone() bool {
	return !s.ActiveMobileSession || s.Status == ConversationExpired
}
