// Package client is the gateway REST client used by mobile and web
// clients. Every authenticated call obtains its bearer token through the
// token refresh coordinator, so concurrent calls share one renewal.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/logger"
	"github.com/sipeed/picowidget/pkg/tokenrefresh"
)

const beaconTimeout = 10 * time.Second

// Options configures a Client.
type Options struct {
	// Tokens supplies bearer tokens; when nil APIKey is sent instead.
	Tokens *tokenrefresh.Coordinator
	APIKey string
	// Base is the underlying transport; nil means http.DefaultTransport.
	Base    http.RoundTripper
	Timeout time.Duration
}

// Client talks to one gateway.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  *tokenrefresh.Coordinator
	apiKey  string
	base    http.RoundTripper

	beacons sync.WaitGroup
}

// New creates a client for the gateway at baseURL.
func New(baseURL string, opts Options) *Client {
	base := opts.Base
	if base == nil {
		base = http.DefaultTransport
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	var rt http.RoundTripper = base
	if opts.Tokens != nil {
		rt = &oauth2.Transport{Source: opts.Tokens.TokenSource(context.Background()), Base: base}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Transport: rt, Timeout: timeout},
		tokens:  opts.Tokens,
		apiKey:  opts.APIKey,
		base:    base,
	}
}

// ---------------------------------------------------------------------------
// Conversation endpoints
// ---------------------------------------------------------------------------

// Created is the response of Create.
type Created struct {
	ConversationID string `json:"conversation_id"`
	BotID          string `json:"bot_id"`
	AccessToken    string `json:"access_token"`
	TokenType      string `json:"token_type"`
	RefreshToken   string `json:"refresh_token"`
	ExpiresIn      int64  `json:"expires_in"`
}

// Credential converts the issued tokens for a refresh coordinator.
func (c Created) Credential(now time.Time) tokenrefresh.Credential {
	return tokenrefresh.Credential{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(c.ExpiresIn) * time.Second),
	}
}

// Create starts a conversation for botID.
func (c *Client) Create(ctx context.Context, botID string) (Created, error) {
	var out Created
	err := c.do(ctx, "client.create", http.MethodPost, "/api/conversations", map[string]string{"bot_id": botID}, &out)
	return out, err
}

// History validates that the conversation can be opened.
func (c *Client) History(ctx context.Context, conversationID string) error {
	return c.do(ctx, "client.history", http.MethodGet, "/api/conversations/history/"+url.PathEscape(conversationID), nil, nil)
}

// JoinMobile claims the conversation for sessionID.
func (c *Client) JoinMobile(ctx context.Context, conversationID, sessionID string) error {
	return c.do(ctx, "client.join-mobile", http.MethodPost,
		"/api/conversations/"+url.PathEscape(conversationID)+"/join-mobile",
		map[string]string{"session_id": sessionID}, nil)
}

// LeaveMobile releases the conversation.
func (c *Client) LeaveMobile(ctx context.Context, conversationID, sessionID string, reason domain.LeaveReason) error {
	return c.do(ctx, "client.leave-mobile", http.MethodPost,
		"/api/conversations/"+url.PathEscape(conversationID)+"/leave-mobile",
		leaveBody{SessionID: sessionID, Reason: string(reason)}, nil)
}

// Status fetches the authoritative conversation status.
func (c *Client) Status(ctx context.Context, conversationID string) (domain.StatusReport, error) {
	var out domain.StatusReport
	err := c.do(ctx, "client.status", http.MethodGet, "/api/conversations/"+url.PathEscape(conversationID)+"/status", nil, &out)
	return out, err
}

type leaveBody struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// LeaveBeacon queues a leave notification that outlives the caller, like a
// browser beacon: a text/plain body with the token in the query string. It
// returns once the request is queued.
func (c *Client) LeaveBeacon(conversationID, sessionID string, reason domain.LeaveReason) error {
	body, err := json.Marshal(leaveBody{SessionID: sessionID, Reason: string(reason)})
	if err != nil {
		return errors.Wrap(err, "encode beacon")
	}
	u, err := url.Parse(c.baseURL + "/api/conversations/" + url.PathEscape(conversationID) + "/leave-mobile")
	if err != nil {
		return errors.Wrap(err, "beacon url")
	}
	if token := c.currentToken(); token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	c.beacons.Add(1)
	go func() {
		defer c.beacons.Done()
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
		if err != nil {
			return
		}
		req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
		// plain transport: the beacon must not wait on a token renewal
		resp, err := (&http.Client{Transport: c.base}).Do(req)
		if err != nil {
			logger.WarnCF("client", "Leave beacon failed", map[string]interface{}{
				"conversation_id": conversationID,
				"error":           err.Error(),
			})
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	return nil
}

// Wait blocks until queued beacons are delivered or have failed.
func (c *Client) Wait() { c.beacons.Wait() }

func (c *Client) currentToken() string {
	if c.tokens != nil {
		return c.tokens.Current().AccessToken
	}
	return c.apiKey
}

// ---------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "%s: encode request", op)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return domain.E(domain.KindConfig, op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens == nil && c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if domain.IsKind(err, domain.KindSessionTerminated) {
			return err
		}
		return domain.E(domain.KindNetwork, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(op, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.E(domain.KindProtocol, op, errors.Wrap(err, "decode response"))
	}
	return nil
}

// statusError maps an HTTP failure to the error taxonomy.
func statusError(op string, resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusConflict:
		return domain.Ef(domain.KindLockConflict, op, "%s", msg)
	case http.StatusNotFound:
		return domain.Ef(domain.KindNotFound, op, "%s", msg)
	case http.StatusGone:
		return domain.Ef(domain.KindExpired, op, "%s", msg)
	case http.StatusUnauthorized:
		return domain.Ef(domain.KindSessionTerminated, op, "%s", msg)
	case http.StatusBadRequest:
		return domain.Ef(domain.KindProtocol, op, "%s", msg)
	default:
		return domain.Ef(domain.KindNetwork, op, "status %d: %s", resp.StatusCode, msg)
	}
}
