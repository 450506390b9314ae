package commands

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picowidget/pkg/embed"
	"github.com/sipeed/picowidget/pkg/exclusivity"
)

func TestTerminalViewExpiryClosesInput(t *testing.T) {
	var out bytes.Buffer
	closed := 0
	v := &terminalView{out: &out, closeInput: func() { closed++ }}

	v.ShowBlocked(exclusivity.Classify(nil))
	assert.Contains(t, out.String(), "Blocked (network)")
	assert.Contains(t, out.String(), "retry")

	v.ShowWarning(7)
	assert.Contains(t, out.String(), "Closing in 7s")
	assert.False(t, v.isExpired())

	v.ShowExpired()
	assert.True(t, v.isExpired())
	assert.Equal(t, 1, closed)
}

func TestTerminalSurfaceAndFrame(t *testing.T) {
	var out bytes.Buffer
	s := &terminalSurface{out: &out}
	require.NoError(t, s.ApplyPlacement(embed.Placement{Bottom: "20px", Right: "20px"}))
	require.NoError(t, s.ApplySize(380, 600))
	assert.Contains(t, out.String(), "bottom=20px")
	assert.Contains(t, out.String(), "size 380x600")

	out.Reset()
	f := &terminalFrame{out: &out}
	require.NoError(t, f.PostMessage([]byte(`{"type":"x"}`), "https://widget.example.net"))
	assert.Equal(t, "-> https://widget.example.net {\"type\":\"x\"}\n", out.String())
}

func TestMobileClientNeedsBotOrConversation(t *testing.T) {
	gatewayURL = "http://127.0.0.1:1"
	conversationID := ""
	_, err := mobileClient(context.Background(), "", &conversationID, nil)
	require.Error(t, err)

	conversationID = "conv-1"
	c, err := mobileClient(context.Background(), "", &conversationID, nil)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestDefaultConfigPathFromEnv(t *testing.T) {
	t.Setenv("PICOWIDGET_CONFIG", "/etc/picowidget.yaml")
	assert.Equal(t, "/etc/picowidget.yaml", defaultConfigPath())
}
