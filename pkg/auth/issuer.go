// Package auth issues the short-lived access tokens and rotating refresh
// tokens that widget and mobile clients present to the gateway.
package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/picowidget/pkg/domain"
)

const (
	DefaultAccessTTL  = 15 * time.Minute
	DefaultRefreshTTL = 24 * time.Hour
)

// Pair is an issued credential.
type Pair struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"-"`
	Subject      string    `json:"-"`
}

// ExpiresIn is the remaining access-token lifetime in whole seconds.
func (p Pair) ExpiresIn(now time.Time) int64 {
	s := int64(p.ExpiresAt.Sub(now) / time.Second)
	if s < 0 {
		return 0
	}
	return s
}

type grant struct {
	subject   string
	expiresAt time.Time
}

// Issuer keeps issued tokens in memory.
type Issuer struct {
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	access  map[string]grant
	refresh map[string]grant
}

// NewIssuer creates an issuer; zero TTLs take the defaults.
func NewIssuer(accessTTL, refreshTTL time.Duration) *Issuer {
	if accessTTL <= 0 {
		accessTTL = DefaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = DefaultRefreshTTL
	}
	return &Issuer{
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
		access:     make(map[string]grant),
		refresh:    make(map[string]grant),
	}
}

// Issue creates a new pair for subject.
func (i *Issuer) Issue(subject string) Pair {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.issueLocked(subject)
}

func (i *Issuer) issueLocked(subject string) Pair {
	now := i.now()
	p := Pair{
		AccessToken:  uuid.NewString(),
		TokenType:    "Bearer",
		RefreshToken: uuid.NewString(),
		ExpiresAt:    now.Add(i.accessTTL),
		Subject:      subject,
	}
	i.access[p.AccessToken] = grant{subject: subject, expiresAt: p.ExpiresAt}
	i.refresh[p.RefreshToken] = grant{subject: subject, expiresAt: now.Add(i.refreshTTL)}
	return p
}

// Refresh redeems a refresh token for a new pair. The old refresh token is
// consumed.
func (i *Issuer) Refresh(refreshToken string) (Pair, error) {
	const op = "auth.refresh"
	i.mu.Lock()
	defer i.mu.Unlock()

	g, ok := i.refresh[refreshToken]
	if !ok {
		return Pair{}, domain.Ef(domain.KindSessionTerminated, op, "unknown refresh token")
	}
	delete(i.refresh, refreshToken)
	if !i.now().Before(g.expiresAt) {
		return Pair{}, domain.Ef(domain.KindSessionTerminated, op, "refresh token expired")
	}
	return i.issueLocked(g.subject), nil
}

// Validate returns the subject of a live access token.
func (i *Issuer) Validate(accessToken string) (string, bool) {
	if accessToken == "" {
		return "", false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	g, ok := i.access[accessToken]
	if !ok || !i.now().Before(g.expiresAt) {
		return "", false
	}
	return g.subject, true
}

// Sweep drops expired tokens and reports how many were removed.
func (i *Issuer) Sweep() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.now()
	n := 0
	for k, g := range i.access {
		if !now.Before(g.expiresAt) {
			delete(i.access, k)
			n++
		}
	}
	for k, g := range i.refresh {
		if !now.Before(g.expiresAt) {
			delete(i.refresh, k)
			n++
		}
	}
	return n
}
