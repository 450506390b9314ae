package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picowidget/pkg/domain"
)

func TestDecodeKnownMessages(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Message
	}{
		{"ready without config", `{"type":"widget-ready"}`, WidgetReady{}},
		{"ready with position", `{"type":"widget-ready","config":{"position":"top-left","botId":"b1"}}`,
			WidgetReady{Config: WidgetConfig{Position: "top-left", BotID: "b1"}}},
		{"preferred size", `{"type":"preferred-size","width":320,"height":480.5}`, PreferredSize{Width: 320, Height: 480.5}},
		{"negative size passes decode", `{"type":"preferred-size","width":-5,"height":10}`, PreferredSize{Width: -5, Height: 10}},
		{"child ack", `{"type":"child-ack"}`, ChildAck{}},
		{"applied ready", `{"type":"parent-applied-ready","position":"center-left"}`, ParentAppliedReady{Position: "center-left"}},
		{"lock state", `{"type":"lock-state","conversationId":"c1","locked":true,"message":"busy"}`,
			LockState{ConversationID: "c1", Locked: true, Message: "busy"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeExpiryTimestamps(t *testing.T) {
	got, err := Decode([]byte(`{"type":"mobile-inactivity-expired","conversationId":"c1","timestamp":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), got.(MobileInactivityExpired).Timestamp)

	got, err = Decode([]byte(`{"type":"mobile-inactivity-expired","conversationId":"c1","timestamp":"2024-01-02T03:04:05Z"}`))
	require.NoError(t, err)
	assert.Equal(t, 2024, got.(MobileInactivityExpired).Timestamp.Year())
}

func TestDecodeExpiryRejectsOutOfRangeMillis(t *testing.T) {
	for _, ts := range []string{"1e300", "-1e300", "9.3e18", "253402300800000"} {
		_, err := Decode([]byte(`{"type":"mobile-inactivity-expired","conversationId":"c1","timestamp":` + ts + `}`))
		assert.True(t, domain.IsKind(err, domain.KindProtocol), ts)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		``,
		`"widget-ready"`,
		`[{"type":"widget-ready"}]`,
		`42`,
		`{"type":"widget-ready"`,
		`{"kind":"widget-ready"}`,
		`{"type":7}`,
		`{"type":"resize-everything"}`,
		`{"type":"preferred-size","width":"wide","height":10}`,
		`{"type":"preferred-size","width":10}`,
		`{"type":"widget-ready","config":"bottom-left"}`,
		`{"type":"widget-ready","config":{"position":3}}`,
		`{"type":"mobile-inactivity-expired","timestamp":1}`,
		`{"type":"mobile-inactivity-expired","conversationId":"c1"}`,
		`{"type":"lock-state","locked":true}`,
	} {
		t.Run(raw, func(t *testing.T) {
			var err error
			assert.NotPanics(t, func() { _, err = Decode([]byte(raw)) })
			assert.True(t, domain.IsKind(err, domain.KindProtocol), "got %v", err)
		})
	}
}

func TestEncodeCarriesType(t *testing.T) {
	raw, err := Encode(ParentAppliedSize{Width: 300, Height: 0})
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "parent-applied-size", fields["type"])
	assert.Equal(t, float64(300), fields["width"])

	back, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, ParentAppliedSize{Width: 300}, back)
}

func TestParseOrigin(t *testing.T) {
	good := map[string]string{
		"https://A.com":          "https://a.com",
		"https://a.com/":         "https://a.com",
		"https://a.com:443":      "https://a.com",
		"http://a.com:80":        "http://a.com",
		"http://localhost:5173":  "http://localhost:5173",
		" https://sub.b.io:8443": "https://sub.b.io:8443",
	}
	for in, want := range good {
		got, err := ParseOrigin(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "null", "a.com", "ftp://a.com", "https://", "https://a.com/path",
		"https://user:pw@a.com", "https://a.com?x=1", "javascript:alert(1)"} {
		_, err := ParseOrigin(bad)
		assert.True(t, domain.IsKind(err, domain.KindConfig), bad)
	}
}

func TestGuard(t *testing.T) {
	g, err := NewGuard("https://a.com", "https://*.widgets.example")
	require.NoError(t, err)

	assert.True(t, g.Allows("https://a.com"))
	assert.True(t, g.Allows("https://A.com:443"))
	assert.True(t, g.Allows("https://eu.widgets.example"))
	assert.False(t, g.Allows("https://b.com"))
	assert.False(t, g.Allows("http://a.com"))
	assert.False(t, g.Allows("https://evil.eu.widgets.example"))
	assert.False(t, g.Allows("https://widgets.example"))
	assert.False(t, g.Allows("null"))

	empty, err := NewGuard()
	require.NoError(t, err)
	assert.True(t, empty.Empty())
	assert.False(t, empty.Allows("https://a.com"))

	_, err = NewGuard("*")
	assert.Error(t, err)
	_, err = NewGuard("not an origin")
	assert.Error(t, err)
}

type recordingTarget struct {
	payloads [][]byte
	origins  []string
}

func (r *recordingTarget) PostMessage(payload []byte, origin string) error {
	r.payloads = append(r.payloads, payload)
	r.origins = append(r.origins, origin)
	return nil
}

func TestPostRestrictsWildcard(t *testing.T) {
	target := &recordingTarget{}

	err := Post(target, ParentAppliedReady{Position: "top-left"}, Wildcard)
	assert.True(t, domain.IsKind(err, domain.KindProtocol))
	assert.Empty(t, target.payloads)

	require.NoError(t, Post(target, MobileInactivityExpired{ConversationID: "c1", Timestamp: time.Now()}, Wildcard))
	require.NoError(t, Post(target, ChildAck{}, "https://a.com"))
	assert.Equal(t, []string{Wildcard, "https://a.com"}, target.origins)

	assert.Error(t, Post(nil, ChildAck{}, "https://a.com"))
}
