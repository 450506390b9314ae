package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picowidget/pkg/config"
	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/events"
	"github.com/sipeed/picowidget/pkg/infrastructure/eventbus"
)

func receive(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push event")
		return events.Event{}
	}
}

func TestInMemoryRoundTrip(t *testing.T) {
	tr := NewInMemory()
	defer tr.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := tr.Subscribe(ctx)
	require.NoError(t, err)

	ev, err := events.New(events.MobileSessionStarted, "test", events.SessionEventData{ConversationID: "c1"})
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ev))

	got := receive(t, stream)
	assert.Equal(t, events.MobileSessionStarted, got.Type)
	data, err := got.Session()
	require.NoError(t, err)
	assert.Equal(t, "c1", data.ConversationID)
}

func TestNewTransportRejectsUnknownBackend(t *testing.T) {
	_, err := NewTransport(context.Background(), config.PushConfig{Backend: "carrier-pigeon"})
	assert.Error(t, err)

	tr, err := NewTransport(context.Background(), config.PushConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.NoError(t, tr.Close())
}

func TestBridgeForwardsSessionEvents(t *testing.T) {
	bus := eventbus.New()
	defer bus.Close()
	tr := NewInMemory()
	defer tr.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := tr.Subscribe(ctx)
	require.NoError(t, err)
	BridgeDomainEvents(bus, tr)

	bus.Publish(domain.NewEvent(domain.EventConversationCreated, "c1", nil))
	bus.Publish(domain.NewEvent(domain.EventMobileSessionEnded, "c1", map[string]string{
		"session_id": "m1",
		"reason":     string(domain.LeaveInactivityExpired),
	}))

	got := receive(t, stream)
	assert.Equal(t, events.MobileSessionEnded, got.Type)
	data, err := got.Session()
	require.NoError(t, err)
	assert.Equal(t, events.SessionEventData{ConversationID: "c1", SessionID: "m1", Reason: "inactivity-expired"}, data)
}

func TestWatermillLoggerWith(t *testing.T) {
	l := NewWatermillLogger().With(watermill.LogFields{"topic": Topic})
	wl, ok := l.(*watermillLogger)
	require.True(t, ok)
	assert.Equal(t, Topic, wl.fields["topic"])
	assert.NotPanics(t, func() {
		l.Error("boom", nil, nil)
		l.Info("info", watermill.LogFields{"k": 1})
		l.Trace("trace", nil)
	})
}

func TestDialStreamsEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ws", r.URL.Path)
		assert.Equal(t, "c1", r.URL.Query().Get("conversation_id"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		started, _ := events.New(events.MobileSessionStarted, "gw", events.SessionEventData{ConversationID: "c1"})
		ended, _ := events.New(events.MobileSessionEnded, "gw", events.SessionEventData{ConversationID: "c1"})
		a, _ := jsonLine(started)
		b, _ := jsonLine(ended)
		// two events coalesced into one frame, then garbage
		_ = conn.WriteMessage(websocket.TextMessage, append(append(a, '\n'), b...))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, err := Dial(ctx, srv.URL, "c1", "tok")
	require.NoError(t, err)

	assert.Equal(t, events.MobileSessionStarted, receive(t, stream).Type)
	assert.Equal(t, events.MobileSessionEnded, receive(t, stream).Type)
}

func TestDialFailureIsNetworkError(t *testing.T) {
	_, err := Dial(context.Background(), "http://127.0.0.1:1", "c1", "")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNetwork))
}

func jsonLine(ev events.Event) ([]byte, error) { return json.Marshal(ev) }
