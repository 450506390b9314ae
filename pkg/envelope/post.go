package envelope

import (
	"github.com/sipeed/picowidget/pkg/domain"
)

// Target is the receiving end of the browser's cross-document messaging
// primitive: a window or frame that accepts a payload addressed to an origin.
type Target interface {
	PostMessage(payload []byte, targetOrigin string) error
}

// Event is one inbound cross-frame delivery.
type Event struct {
	Origin string
	Source Target
	Data   []byte
}

// Post encodes m and delivers it to t addressed at targetOrigin.
func Post(t Target, m Message, targetOrigin string) error {
	const op = "envelope.post"
	if t == nil {
		return domain.Ef(domain.KindNetwork, op, "no target window")
	}
	if targetOrigin == "" {
		return domain.Ef(domain.KindProtocol, op, "empty target origin")
	}
	if targetOrigin == Wildcard && m.MessageType() != TypeMobileInactivityExpired {
		return domain.Ef(domain.KindProtocol, op, "%s may not be broadcast to *", m.MessageType())
	}
	payload, err := Encode(m)
	if err != nil {
		return domain.E(domain.KindProtocol, op, err)
	}
	return t.PostMessage(payload, targetOrigin)
}
