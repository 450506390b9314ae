package push

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/events"
	"github.com/sipeed/picowidget/pkg/logger"
)

// Dial opens the gateway's websocket push channel for one conversation and
// streams its events until ctx is done or the connection drops. baseURL is
// the gateway's http(s) root.
func Dial(ctx context.Context, baseURL, conversationID, token string) (<-chan events.Event, error) {
	const op = "push.dial"
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/api/ws")
	if err != nil {
		return nil, domain.E(domain.KindConfig, op, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("conversation_id", conversationID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, domain.E(domain.KindNetwork, op, errors.Wrap(err, "dial push channel"))
	}

	out := make(chan events.Event, 16)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					logger.WarnCF("push", "Push channel closed", map[string]interface{}{"error": err.Error()})
				}
				return
			}
			// the hub may coalesce queued events into one frame, one per line
			for _, line := range bytes.Split(data, []byte("\n")) {
				if len(bytes.TrimSpace(line)) == 0 {
					continue
				}
				ev, err := events.Decode(line)
				if err != nil {
					logger.DebugCF("push", "Dropped malformed push frame", map[string]interface{}{"error": err.Error()})
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
