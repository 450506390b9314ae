package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/picowidget/pkg/app"
	"github.com/sipeed/picowidget/pkg/auth"
	"github.com/sipeed/picowidget/pkg/client"
	"github.com/sipeed/picowidget/pkg/config"
	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/exclusivity"
	"github.com/sipeed/picowidget/pkg/infrastructure/eventbus"
	"github.com/sipeed/picowidget/pkg/infrastructure/persistence"
	"github.com/sipeed/picowidget/pkg/push"
	"github.com/sipeed/picowidget/pkg/tokenrefresh"
	"github.com/sipeed/picowidget/pkg/widgets"
)

const testAPIKey = "test-api-key"

type fixture struct {
	server *Server
	http   *httptest.Server
	admin  *client.Client
}

func newFixture(t *testing.T, ttl time.Duration) *fixture {
	t.Helper()
	db, err := persistence.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	repo := persistence.NewConversationRepository(db)
	reg := widgets.NewRegistry()
	require.NoError(t, reg.Register(&widgets.Profile{
		BotID:          "support",
		AllowedDomains: []string{"https://shop.example.com", "https://*.example.org"},
		WidgetOrigin:   "https://widget.example.net",
		Position:       "top-left",
	}))
	container := app.NewContainer(bus, repo, app.NewConversationService(repo, bus, ttl),
		auth.NewIssuer(time.Minute, time.Hour), reg)

	transport := push.NewInMemory()
	t.Cleanup(func() { transport.Close() })
	push.BridgeDomainEvents(bus, transport)

	cfg := config.DefaultConfig()
	cfg.Gateway.APIKey = testAPIKey
	s := NewServer(cfg, container, transport)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.wsHub.Run(ctx)
	require.NoError(t, s.eventBridge.Run(ctx))

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &fixture{
		server: s,
		http:   srv,
		admin:  client.New(srv.URL, client.Options{APIKey: testAPIKey}),
	}
}

func (f *fixture) create(t *testing.T) client.Created {
	t.Helper()
	created, err := f.admin.Create(context.Background(), "support")
	require.NoError(t, err)
	require.NotEmpty(t, created.ConversationID)
	require.NotEmpty(t, created.AccessToken)
	return created
}

func (f *fixture) as(token string) *client.Client {
	return client.New(f.http.URL, client.Options{APIKey: token})
}

func (f *fixture) do(t *testing.T, method, path, token, contentType, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t, time.Hour)
	resp := f.do(t, http.MethodGet, "/api/health", "", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode(t, resp)["status"])
}

func TestRequestsNeedToken(t *testing.T) {
	f := newFixture(t, time.Hour)
	resp := f.do(t, http.MethodPost, "/api/conversations", "", "application/json", `{"bot_id":"support"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))

	resp = f.do(t, http.MethodPost, "/api/conversations", "forged", "application/json", `{"bot_id":"support"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateConversationValidatesBot(t *testing.T) {
	f := newFixture(t, time.Hour)

	resp := f.do(t, http.MethodPost, "/api/conversations", testAPIKey, "application/json", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/conversations", testAPIKey, "application/json", `{"bot_id":"sales"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	created := f.create(t)
	assert.Equal(t, "support", created.BotID)
	assert.Equal(t, "Bearer", created.TokenType)
	assert.Greater(t, created.ExpiresIn, int64(0))
}

func TestJoinAndLeaveOverHTTP(t *testing.T) {
	f := newFixture(t, time.Hour)
	created := f.create(t)
	mobile := f.as(created.AccessToken)
	ctx := context.Background()

	require.NoError(t, mobile.JoinMobile(ctx, created.ConversationID, "m1"))
	report, err := mobile.Status(ctx, created.ConversationID)
	require.NoError(t, err)
	assert.True(t, report.ActiveMobileSession)

	err = mobile.JoinMobile(ctx, created.ConversationID, "m2")
	assert.True(t, domain.IsKind(err, domain.KindLockConflict), "got %v", err)

	require.NoError(t, mobile.LeaveMobile(ctx, created.ConversationID, "m1", domain.LeaveUnmount))
	report, err = mobile.Status(ctx, created.ConversationID)
	require.NoError(t, err)
	assert.False(t, report.ActiveMobileSession)
	assert.Equal(t, domain.ConversationActive, report.Status)
}

func TestJoinRejectsBadRequests(t *testing.T) {
	f := newFixture(t, time.Hour)
	created := f.create(t)

	resp := f.do(t, http.MethodPost, "/api/conversations/"+created.ConversationID+"/join-mobile",
		created.AccessToken, "application/json", `{"session_id":""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/conversations/missing/join-mobile",
		testAPIKey, "application/json", `{"session_id":"m1"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/conversations/"+created.ConversationID+"/join-mobile", created.AccessToken, "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExpiredConversationIsGone(t *testing.T) {
	f := newFixture(t, -time.Second)
	created := f.create(t)
	mobile := f.as(created.AccessToken)
	ctx := context.Background()

	err := mobile.History(ctx, created.ConversationID)
	assert.True(t, domain.IsKind(err, domain.KindExpired), "got %v", err)

	err = mobile.JoinMobile(ctx, created.ConversationID, "m1")
	assert.True(t, domain.IsKind(err, domain.KindExpired), "got %v", err)

	report, err := mobile.Status(ctx, created.ConversationID)
	require.NoError(t, err)
	assert.True(t, report.MobileGone())
}

func TestConversationTokenIsScoped(t *testing.T) {
	f := newFixture(t, time.Hour)
	first := f.create(t)
	second := f.create(t)

	resp := f.do(t, http.MethodGet, "/api/conversations/"+second.ConversationID+"/status", first.AccessToken, "", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/conversations/history/"+first.ConversationID, first.AccessToken, "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "support", decode(t, resp)["bot_id"])
}

func TestLeaveAcceptsBeacon(t *testing.T) {
	f := newFixture(t, time.Hour)
	created := f.create(t)
	mobile := f.as(created.AccessToken)
	require.NoError(t, mobile.JoinMobile(context.Background(), created.ConversationID, "m1"))

	path := "/api/conversations/" + created.ConversationID + "/leave-mobile?token=" + url.QueryEscape(created.AccessToken)
	resp := f.do(t, http.MethodPost, path, "", "text/plain;charset=UTF-8", `{"session_id":"m1","reason":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, path, "", "text/plain;charset=UTF-8", `{"session_id":"m1","reason":"page-closed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decode(t, resp)["released"])

	// a second beacon is harmless
	resp = f.do(t, http.MethodPost, path, "", "text/plain;charset=UTF-8", `{"session_id":"m1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decode(t, resp)["released"])
}

func TestBeaconFromClientReleases(t *testing.T) {
	f := newFixture(t, time.Hour)
	created := f.create(t)
	mobile := f.as(created.AccessToken)
	require.NoError(t, mobile.JoinMobile(context.Background(), created.ConversationID, "m1"))

	require.NoError(t, mobile.LeaveBeacon(created.ConversationID, "m1", domain.LeavePageClosed))
	mobile.Wait()

	report, err := f.admin.Status(context.Background(), created.ConversationID)
	require.NoError(t, err)
	assert.False(t, report.ActiveMobileSession)
}

func TestRefreshGrant(t *testing.T) {
	f := newFixture(t, time.Hour)
	created := f.create(t)
	renewer := tokenrefresh.NewOAuth2Renewer(f.server.config.Refresh.ClientID, f.http.URL+"/api/auth/token")
	ctx := context.Background()

	cred, err := renewer.Renew(ctx, created.Credential(time.Now()))
	require.NoError(t, err)
	assert.NotEqual(t, created.AccessToken, cred.AccessToken)
	assert.NotEqual(t, created.RefreshToken, cred.RefreshToken)

	_, err = f.as(cred.AccessToken).Status(ctx, created.ConversationID)
	assert.NoError(t, err)

	// refresh tokens rotate; the consumed one is rejected
	_, err = renewer.Renew(ctx, created.Credential(time.Now()))
	assert.Error(t, err)
}

func TestTokenEndpointErrors(t *testing.T) {
	f := newFixture(t, time.Hour)
	clientID := f.server.config.Refresh.ClientID

	cases := []struct {
		name   string
		form   url.Values
		status int
		code   string
	}{
		{"wrong grant", url.Values{"grant_type": {"password"}, "client_id": {clientID}}, http.StatusBadRequest, "unsupported_grant_type"},
		{"wrong client", url.Values{"grant_type": {"refresh_token"}, "client_id": {"other"}, "refresh_token": {"x"}}, http.StatusUnauthorized, "invalid_client"},
		{"missing token", url.Values{"grant_type": {"refresh_token"}, "client_id": {clientID}}, http.StatusBadRequest, "invalid_request"},
		{"unknown token", url.Values{"grant_type": {"refresh_token"}, "client_id": {clientID}, "refresh_token": {"x"}}, http.StatusBadRequest, "invalid_grant"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/auth/token", "", "application/x-www-form-urlencoded", tc.form.Encode())
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
			assert.Equal(t, tc.code, decode(t, resp)["error"])
		})
	}
}

func TestEmbedConfig(t *testing.T) {
	f := newFixture(t, time.Hour)

	resp := f.do(t, http.MethodGet, "/api/widgets/support/embed-config?target=chat", "", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	attrs := body["attributes"].(map[string]interface{})
	assert.Equal(t, "chat", attrs["data-target-id"])
	assert.Equal(t, "https://shop.example.com,https://*.example.org", attrs["data-allowed-domain"])
	assert.Equal(t, "https://widget.example.net", attrs["data-widget-origin"])
	profile := body["profile"].(map[string]interface{})
	assert.Equal(t, "top-left", profile["position"])
	assert.EqualValues(t, 180, profile["inactivity_timeout_seconds"])

	resp = f.do(t, http.MethodGet, "/api/widgets/sales/embed-config", "", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/widgets", "", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, decode(t, resp)["count"])
}

func TestCORSFollowsAllowlists(t *testing.T) {
	f := newFixture(t, time.Hour)

	for origin, allowed := range map[string]bool{
		"https://shop.example.com":  true,
		"https://blog.example.org":  true,
		"http://localhost:5173":     true,
		"https://evil.example.com":  false,
		"https://localhost.evil.io": false,
	} {
		req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/api/conversations", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusNoContent, resp.StatusCode, origin)
		if allowed {
			assert.Equal(t, origin, resp.Header.Get("Access-Control-Allow-Origin"), origin)
		} else {
			assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"), origin)
		}
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, time.Hour)
	created := f.create(t)

	u := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/ws?conversation_id=" + created.ConversationID
	header := http.Header{}
	header.Set("Authorization", "Bearer "+created.AccessToken)
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(u, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://shop.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	conn.Close()
}

func TestWebSocketUnknownConversation(t *testing.T) {
	f := newFixture(t, time.Hour)
	_, err := push.Dial(context.Background(), f.http.URL, "missing", testAPIKey)
	assert.True(t, domain.IsKind(err, domain.KindNetwork), "got %v", err)
}

// A web client watching over the push channel locks while a mobile holds the
// conversation and unlocks as soon as it leaves.
func TestWebClientFollowsMobileSession(t *testing.T) {
	f := newFixture(t, time.Hour)
	created := f.create(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	web := f.as(created.AccessToken)
	locks := make(chan exclusivity.DeviceLock, 8)
	coord := exclusivity.NewCoordinator(exclusivity.Options{
		ConversationID:  created.ConversationID,
		FallbackTimeout: time.Hour,
		PollInterval:    time.Hour,
		Status:          web,
		OnChange:        func(l exclusivity.DeviceLock) { locks <- l },
	})
	stream, err := push.Dial(ctx, f.http.URL, created.ConversationID, created.AccessToken)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- coord.Run(ctx, stream) }()
	require.Eventually(t, func() bool { return f.server.wsHub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	mobile := f.as(created.AccessToken)
	require.NoError(t, mobile.JoinMobile(ctx, created.ConversationID, "m1"))
	select {
	case l := <-locks:
		assert.True(t, l.Locked())
		assert.Equal(t, domain.DeviceMobile, l.LockedBy)
	case <-time.After(3 * time.Second):
		t.Fatal("web client never locked")
	}

	require.NoError(t, mobile.LeaveMobile(ctx, created.ConversationID, "m1", domain.LeavePageClosed))
	select {
	case l := <-locks:
		assert.False(t, l.Locked())
	case <-time.After(3 * time.Second):
		t.Fatal("web client never unlocked")
	}

	cancel()
	// the stream closing and ctx ending race; both stop the coordinator
	if err := <-done; err != nil {
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	}
}

// A web client that connects after the mobile joined still starts locked.
func TestLateWebClientStartsLocked(t *testing.T) {
	f := newFixture(t, time.Hour)
	created := f.create(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, f.as(created.AccessToken).JoinMobile(ctx, created.ConversationID, "m1"))

	coord := exclusivity.NewCoordinator(exclusivity.Options{
		ConversationID:  created.ConversationID,
		FallbackTimeout: time.Hour,
		PollInterval:    time.Hour,
	})
	stream, err := push.Dial(ctx, f.http.URL, created.ConversationID, testAPIKey)
	require.NoError(t, err)
	go coord.Run(ctx, stream)

	require.Eventually(t, func() bool { return coord.State().Locked() }, 3*time.Second, 10*time.Millisecond)
}

func TestStatusForKinds(t *testing.T) {
	cases := map[domain.Kind]int{
		domain.KindNotFound:          http.StatusNotFound,
		domain.KindExpired:           http.StatusGone,
		domain.KindLockConflict:      http.StatusConflict,
		domain.KindProtocol:          http.StatusBadRequest,
		domain.KindSessionTerminated: http.StatusUnauthorized,
		domain.KindNetwork:           http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, statusFor(domain.Ef(kind, "test", "boom")), string(kind))
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("plain")))
}
