// Package tokenrefresh keeps a credential fresh without letting concurrent
// callers start more than one renewal at a time.
package tokenrefresh

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/sipeed/picowidget/pkg/domain"
	"github.com/sipeed/picowidget/pkg/logger"
)

const (
	DefaultThreshold = 3 * time.Minute
	DefaultCooldown  = 10 * time.Second
)

// ErrSessionTerminated is returned to every caller of a failed renewal.
var ErrSessionTerminated = errors.New("session terminated")

// Credential is an access token with its expiry and the refresh token that
// renews it.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Remaining reports how long the access token stays valid after now.
func (c Credential) Remaining(now time.Time) time.Duration {
	if c.ExpiresAt.IsZero() {
		return 0
	}
	return c.ExpiresAt.Sub(now)
}

// IsZero reports whether c holds no token at all.
func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Renewer performs the network renewal.
type Renewer interface {
	Renew(ctx context.Context, cred Credential) (Credential, error)
}

// RenewerFunc adapts a function to Renewer.
type RenewerFunc func(ctx context.Context, cred Credential) (Credential, error)

func (f RenewerFunc) Renew(ctx context.Context, cred Credential) (Credential, error) {
	return f(ctx, cred)
}

// Options configures a Coordinator.
type Options struct {
	Renewer   Renewer
	Threshold time.Duration
	Cooldown  time.Duration
	// Scope names the credential scope in logs.
	Scope string
	// OnSessionTerminated runs once per failed renewal, after local state
	// has been cleared.
	OnSessionTerminated func(err error)
	Now                 func() time.Time
}

// State is a snapshot of the coordinator.
type State struct {
	InFlight      bool
	LastRefreshAt time.Time
	Cooldown      time.Duration
}

// Coordinator serialises renewals for one credential scope.
type Coordinator struct {
	opts  Options
	group singleflight.Group

	mu            sync.Mutex
	current       Credential
	inFlight      bool
	lastRefreshAt time.Time
}

// New creates a coordinator. A zero Threshold or Cooldown takes the default;
// a negative Cooldown disables it.
func New(opts Options) *Coordinator {
	if opts.Threshold == 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Cooldown == 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Cooldown < 0 {
		opts.Cooldown = 0
	}
	if opts.Scope == "" {
		opts.Scope = "default"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{opts: opts}
}

// Set seeds the coordinator with a credential.
func (c *Coordinator) Set(cred Credential) {
	c.mu.Lock()
	c.current = cred
	c.mu.Unlock()
}

// Current returns the last known credential.
func (c *Coordinator) Current() Credential {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// State returns a snapshot for diagnostics.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{InFlight: c.inFlight, LastRefreshAt: c.lastRefreshAt, Cooldown: c.opts.Cooldown}
}

// EnsureFresh returns a credential with more than Threshold of validity
// left, renewing at most once across all concurrent callers.
func (c *Coordinator) EnsureFresh(ctx context.Context, cred Credential) (Credential, error) {
	now := c.opts.Now()
	if cred.Remaining(now) > c.opts.Threshold {
		return cred, nil
	}

	c.mu.Lock()
	if !c.inFlight {
		if !c.lastRefreshAt.IsZero() && now.Sub(c.lastRefreshAt) < c.opts.Cooldown {
			// a renewal just finished; prefer its result, else accept staleness
			if c.current.ExpiresAt.After(cred.ExpiresAt) {
				cred = c.current
			}
			c.mu.Unlock()
			return cred, nil
		}
		c.inFlight = true
	}
	ch := c.group.DoChan(c.opts.Scope, func() (interface{}, error) {
		return c.renew(context.WithoutCancel(ctx), cred)
	})
	c.mu.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

func (c *Coordinator) renew(ctx context.Context, cred Credential) (Credential, error) {
	logger.DebugCF("tokenrefresh", "Renewing credential", map[string]interface{}{"scope": c.opts.Scope})

	fresh, err := c.opts.Renewer.Renew(ctx, cred)
	if err == nil && fresh.AccessToken == "" {
		err = errors.New("renewal returned an empty access token")
	}

	c.mu.Lock()
	c.inFlight = false
	// later callers must start a new flight rather than join this one
	c.group.Forget(c.opts.Scope)
	if err != nil {
		c.current = Credential{}
		c.lastRefreshAt = time.Time{}
		c.mu.Unlock()

		logger.WarnCF("tokenrefresh", "Credential renewal failed, session terminated", map[string]interface{}{
			"scope": c.opts.Scope,
			"error": err.Error(),
		})
		terr := domain.E(domain.KindSessionTerminated, "tokenrefresh.renew", errors.Wrap(ErrSessionTerminated, err.Error()))
		if c.opts.OnSessionTerminated != nil {
			c.opts.OnSessionTerminated(terr)
		}
		return Credential{}, terr
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = cred.RefreshToken
	}
	c.current = fresh
	c.lastRefreshAt = c.opts.Now()
	c.mu.Unlock()

	logger.InfoCF("tokenrefresh", "Credential renewed", map[string]interface{}{
		"scope":      c.opts.Scope,
		"expires_at": fresh.ExpiresAt,
	})
	return fresh, nil
}
