package tokenrefresh

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/sipeed/picowidget/pkg/domain"
)

// OAuth2Renewer renews credentials with the refresh-token grant.
type OAuth2Renewer struct {
	Config *oauth2.Config
}

// NewOAuth2Renewer targets the token endpoint at tokenURL.
func NewOAuth2Renewer(clientID, tokenURL string) *OAuth2Renewer {
	return &OAuth2Renewer{Config: &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}}
}

func (r *OAuth2Renewer) Renew(ctx context.Context, cred Credential) (Credential, error) {
	if cred.RefreshToken == "" {
		return Credential{}, errors.New("no refresh token")
	}
	// no access token forces the source to refresh
	tok, err := r.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		return Credential{}, domain.E(domain.KindNetwork, "tokenrefresh.oauth2", errors.Wrap(err, "refresh grant"))
	}
	return fromOAuth2(tok), nil
}

func fromOAuth2(tok *oauth2.Token) Credential {
	return Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
}

type tokenSource struct {
	ctx context.Context
	c   *Coordinator
}

// TokenSource exposes the coordinator's current credential as an
// oauth2.TokenSource, refreshing through EnsureFresh.
func (c *Coordinator) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, c: c}
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	cred, err := s.c.EnsureFresh(s.ctx, s.c.Current())
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken:  cred.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.ExpiresAt,
	}, nil
}
