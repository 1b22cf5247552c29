package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionLifetime   = 60 * time.Second
	defaultTokenTTL     = 60 * time.Second
)

// Provider attaches credentials for a Method to outbound requests. Fetched
// bearer tokens are cached per client id until they expire; the cache is
// shared between all callers, including the background sync engine, so a
// token is normally fetched once per lifetime. Concurrent refreshes may race
// and the last writer wins, which only costs a redundant token request.
type Provider struct {
	tokens *cache.Cache
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewProvider creates a Provider around a shared token cache. A nil client
// falls back to a default with a request timeout.
func NewProvider(tokens *cache.Cache, client *http.Client, logger zerolog.Logger) *Provider {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provider{
		tokens: tokens,
		client: client,
		logger: logger.With().Str("component", "auth").Logger(),
		now:    time.Now,
	}
}

// Apply sets the credentials for m on req.
func (p *Provider) Apply(ctx context.Context, m Method, req *http.Request) error {
	switch m.Kind {
	case KindNone:
		return nil
	case KindBasic:
		req.SetBasicAuth(m.User, m.Password)
		return nil
	case KindOAuth, KindJWTBearer:
		tok, err := p.Token(ctx, m)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		return nil
	default:
		return fmt.Errorf("unknown auth kind %d", int(m.Kind))
	}
}

// Token returns a bearer token for m, from cache when a live one exists.
func (p *Provider) Token(ctx context.Context, m Method) (string, error) {
	if v, ok := p.tokens.Get(m.ClientID); ok {
		return v.(string), nil
	}

	tok, ttl, err := p.fetchToken(ctx, m)
	if err != nil {
		return "", err
	}
	p.tokens.Set(m.ClientID, tok, ttl)
	p.logger.Debug().Str("client_id", m.ClientID).Dur("ttl", ttl).Msg("token refreshed")
	return tok, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (p *Provider) fetchToken(ctx context.Context, m Method) (string, time.Duration, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	if m.Scope != "" {
		form.Set("scope", m.Scope)
	}
	switch m.Kind {
	case KindOAuth:
		form.Set("client_id", m.ClientID)
		form.Set("client_secret", m.ClientSecret)
	case KindJWTBearer:
		assertion, err := p.clientAssertion(m)
		if err != nil {
			return "", 0, fmt.Errorf("sign client assertion: %w", err)
		}
		form.Set("client_assertion_type", clientAssertionType)
		form.Set("client_assertion", assertion)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("request token from %s: %w", m.TokenURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", 0, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, fmt.Errorf("token endpoint %s returned %s: %s", m.TokenURL, resp.Status, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("token endpoint %s returned no access_token", m.TokenURL)
	}

	ttl := defaultTokenTTL
	if tr.ExpiresIn > 0 {
		ttl = time.Duration(tr.ExpiresIn) * time.Second
	}
	return tr.AccessToken, ttl, nil
}

// clientAssertion builds the short-lived RS384 JWT that authenticates the
// token request: iss and sub are the client id, aud is the token endpoint.
func (p *Provider) clientAssertion(m Method) (string, error) {
	now := p.now()
	claims := jwt.RegisteredClaims{
		Issuer:    m.ClientID,
		Subject:   m.ClientID,
		Audience:  jwt.ClaimStrings{m.TokenURL},
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		IssuedAt:  jwt.NewNumericDate(now),
		ID:        uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	return token.SignedString(m.PrivateKey)
}
