package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/dvloznov/ledgerdrive/internal/store"
)

// ErrDelegationMissing means neither the acting principal nor any
// fallback-admin holds a delegated credential. The caller should direct the
// user to authorize storage access or contact an administrator.
var ErrDelegationMissing = errors.New("auth: storage account is not connected and no fallback administrator account is configured")

// ErrCredentialRefresh wraps token endpoint failures. The provider's error
// text is attached by the wrapping error.
var ErrCredentialRefresh = errors.New("auth: credential refresh failed")

// Source records which principal's delegated credential backs an operation.
type Source string

const (
	SourceSelf     Source = "self"
	SourceFallback Source = "fallback"
)

// Credential is the ephemeral result of credential resolution. It is
// recomputed per operation and never persisted.
type Credential struct {
	AccessToken string
	PrincipalID string
	Source      Source
}

// Manager resolves which principal's delegated credential to use and
// guarantees a non-expired access token.
type Manager struct {
	store    *store.Store
	tokenURL string
	log      zerolog.Logger
}

// NewManager creates a token lifecycle manager backed by the given store.
// tokenURL is the OAuth2 token endpoint.
func NewManager(st *store.Store, tokenURL string, log zerolog.Logger) *Manager {
	return &Manager{store: st, tokenURL: tokenURL, log: log}
}

// Resolve returns a credential bound to the acting principal, or to a
// fallback-admin principal when the acting principal has no refresh token.
// The returned access token is always unexpired at the moment of return; a
// refresh is issued when the stored token is absent or stale. Concurrent
// refreshes for the same principal are not mutually excluded: duplicates are
// wasteful but every token issued against a valid refresh token is usable.
func (m *Manager) Resolve(ctx context.Context, principalID string) (*Credential, error) {
	owner, err := m.store.GetPrincipal(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("Resolve: loading principal: %w", err)
	}

	source := SourceSelf
	if !owner.HasRefreshToken() {
		fallback, err := m.store.FindFallbackPrincipal(ctx)
		if err != nil {
			return nil, fmt.Errorf("Resolve: searching fallback principal: %w", err)
		}
		if fallback == nil {
			return nil, ErrDelegationMissing
		}

		m.log.Debug().
			Str("principal_id", principalID).
			Str("fallback_id", fallback.ID).
			Msg("Using fallback-admin delegated credential")

		owner = fallback
		source = SourceFallback
	}

	accessToken := owner.AccessToken
	if accessToken == "" || !owner.TokenExpiry.After(time.Now()) {
		tok, err := m.refresh(ctx, owner.RefreshToken)
		if err != nil {
			return nil, err
		}

		if err := m.store.UpdateTokens(ctx, owner.ID, tok.AccessToken, tok.Expiry); err != nil {
			return nil, fmt.Errorf("Resolve: persisting refreshed token: %w", err)
		}

		m.log.Info().
			Str("owner_id", owner.ID).
			Time("expiry", tok.Expiry).
			Msg("Access token refreshed")

		accessToken = tok.AccessToken
	}

	return &Credential{
		AccessToken: accessToken,
		PrincipalID: owner.ID,
		Source:      source,
	}, nil
}

// Exchange performs the authorization-code grant and persists the resulting
// refresh/access token pair onto the acting principal.
func (m *Manager) Exchange(ctx context.Context, principalID, code, redirectURI string) error {
	cfg, err := m.oauthConfig(ctx)
	if err != nil {
		return err
	}
	cfg.RedirectURL = redirectURI

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCredentialRefresh, providerMessage(err))
	}

	if err := m.store.SaveDelegation(ctx, principalID, tok.RefreshToken, tok.AccessToken, tok.Expiry); err != nil {
		return fmt.Errorf("Exchange: persisting delegation: %w", err)
	}

	m.log.Info().Str("principal_id", principalID).Msg("Storage delegation connected")
	return nil
}

// refresh performs the refresh-token grant against the token endpoint.
func (m *Manager) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	cfg, err := m.oauthConfig(ctx)
	if err != nil {
		return nil, err
	}

	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCredentialRefresh, providerMessage(err))
	}

	return tok, nil
}

// oauthConfig assembles the shared client credentials from the secrets table.
func (m *Manager) oauthConfig(ctx context.Context) (*oauth2.Config, error) {
	clientID, err := m.store.GetSecret(ctx, store.SecretGoogleClientID)
	if err != nil {
		return nil, fmt.Errorf("oauthConfig: client id not configured in admin panel: %w", err)
	}
	clientSecret, err := m.store.GetSecret(ctx, store.SecretGoogleClientSecret)
	if err != nil {
		return nil, fmt.Errorf("oauthConfig: client secret not configured in admin panel: %w", err)
	}

	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: m.tokenURL},
	}, nil
}

// providerMessage extracts the provider's error text from an oauth2 failure.
func providerMessage(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorDescription != "" {
			return re.ErrorDescription
		}
		if re.ErrorCode != "" {
			return re.ErrorCode
		}
		return string(re.Body)
	}
	return err.Error()
}
