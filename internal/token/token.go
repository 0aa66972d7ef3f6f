// Package token obtains OAuth2 client-credentials bearer tokens for the
// upstream service and caches them until shortly before they expire.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/odatabridge/odata-bridge/internal/audit"
	"github.com/odatabridge/odata-bridge/internal/cache"
	"github.com/odatabridge/odata-bridge/internal/config"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// Scope is the only scope requested from the token endpoint.
const Scope = "dataservices/read"

// expiryMargin is subtracted from a token's expiry when deciding whether it
// can still be used.
const expiryMargin = 60 // seconds

// CachedToken is a bearer token and the absolute time it expires, at whole
// second resolution.
type CachedToken struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"expiry"`
}

// ValidAt reports whether the token may be used at now: its expiry must be
// more than the safety margin away.
func (t CachedToken) ValidAt(now time.Time) bool {
	return t.Expiry.Unix()-expiryMargin > now.Unix()
}

// TokenFetchError is returned when the token endpoint responds with a
// non-success status, or its response cannot be understood.
type TokenFetchError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TokenFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token_error %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("token_error: %v", e.Err)
}

func (e *TokenFetchError) Unwrap() error {
	return e.Err
}

// Status maps the failure to the response the proxy gives its caller.
func (e *TokenFetchError) Status() (int, string) {
	return http.StatusBadGateway, e.Error()
}

// Provider supplies bearer tokens, reusing a cached token while it remains
// valid. Concurrent callers that miss the cache share a single fetch.
type Provider struct {
	credentials clientcredentials.Config
	cache       cache.TokenCache[CachedToken]
	key         string
	client      *http.Client
	now         func() time.Time
	group       singleflight.Group
}

type Option func(*Provider)

// WithClock replaces the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

// WithHTTPClient sets the client used to call the token endpoint. Defaults to
// http.DefaultClient.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.client = client
	}
}

// New creates a provider for the configured client. The secret is passed
// separately as it may have been resolved from an encrypted source.
func New(cfg config.OAuthConfig, clientSecret string, tokenCache cache.TokenCache[CachedToken], opts ...Option) *Provider {
	p := &Provider{
		credentials: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: clientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       []string{Scope},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		cache: tokenCache,
		key:   fmt.Sprintf("token://%s/%s", cfg.ClientID, Scope),
		now:   time.Now,
	}

	for _, o := range opts {
		o(p)
	}

	return p
}

// Token returns a bearer token for the upstream service. A cached token is
// returned without any network call while it remains valid; otherwise a new
// token is requested from the token endpoint and cached. Failures are not
// retried.
func (p *Provider) Token(ctx context.Context) (string, error) {
	entry := audit.Log(ctx)

	if cached, ok := p.lookup(ctx); ok {
		entry.TokenCached = true
		entry.TokenExpiry = cached.Expiry
		return cached.Token, nil
	}

	result, err, _ := p.group.Do(p.key, func() (any, error) {
		// a flight that completed while this caller was waiting may have
		// already refreshed the cache
		if cached, ok := p.lookup(ctx); ok {
			return cached, nil
		}

		// the fetch is shared, so it must not be abandoned when the request
		// that started it goes away
		return p.fetch(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}

	issued := result.(CachedToken)
	entry.TokenExpiry = issued.Expiry

	return issued.Token, nil
}

func (p *Provider) lookup(ctx context.Context) (CachedToken, bool) {
	cached, found, err := p.cache.Get(ctx, p.key)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("token cache lookup failed, requesting new token")
		return CachedToken{}, false
	}

	if !found {
		return CachedToken{}, false
	}

	if !cached.ValidAt(p.now()) {
		// an expired token is never returned again, so drop it rather than
		// leave it for the cache TTL
		if err := p.cache.Invalidate(ctx, p.key); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("expired token invalidation failed")
		}
		return CachedToken{}, false
	}

	return cached, true
}

func (p *Provider) fetch(ctx context.Context) (CachedToken, error) {
	now := p.now()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.tokenClient())

	issued, err := p.credentials.Token(ctx)
	if err != nil {
		return CachedToken{}, fetchError(err)
	}

	token := CachedToken{
		Token:  issued.AccessToken,
		Expiry: expiryOf(now, issued),
	}

	if err := p.cache.Set(ctx, p.key, token); err != nil {
		// the token is still usable for this request
		log.Ctx(ctx).Warn().Err(err).Msg("token cache write failed")
	}

	log.Ctx(ctx).Info().
		Time("expiry", token.Expiry).
		Str("tokenURL", p.credentials.TokenURL).
		Msg("issued: new upstream token")

	return token, nil
}

// tokenClient returns the configured client with its transport wrapped so
// that token responses labelled text/plain are read as JSON.
func (p *Provider) tokenClient() *http.Client {
	base := p.client
	if base == nil {
		base = http.DefaultClient
	}

	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	client := *base
	client.Transport = jsonResponses{next: transport}

	return &client
}

// jsonResponses relabels text/plain responses as JSON. x/oauth2 parses
// text/plain as a form-encoded body, which silently loses every field of a
// JSON token response.
type jsonResponses struct {
	next http.RoundTripper
}

func (t jsonResponses) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType == "text/plain" {
		resp.Header.Set("Content-Type", "application/json")
	}

	return resp, nil
}

func fetchError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		return &TokenFetchError{
			StatusCode: retrieveErr.Response.StatusCode,
			Body:       string(retrieveErr.Body),
			Err:        err,
		}
	}

	return &TokenFetchError{Err: err}
}

// expiryOf computes the absolute expiry as now + expires_in. When the
// endpoint omits expires_in, the exp claim of a JWT access token is used; an
// opaque token without a lifetime is treated as already expired so it is
// never reused.
func expiryOf(now time.Time, issued *oauth2.Token) time.Time {
	issuedAt := now.Unix()

	if lifetime := expiresIn(issued); lifetime > 0 {
		return time.Unix(issuedAt+lifetime, 0)
	}

	if exp, ok := jwtExpiry(issued.AccessToken); ok {
		return time.Unix(exp.Unix(), 0)
	}

	return time.Unix(issuedAt, 0)
}

// expiresIn returns the expires_in field of the token response in seconds,
// or zero if absent.
func expiresIn(issued *oauth2.Token) int64 {
	switch v := issued.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	}

	return issued.ExpiresIn
}

// jwtExpiry reads the exp claim without verifying the token: the value only
// guides caching, the upstream remains responsible for validation.
func jwtExpiry(accessToken string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(accessToken, claims)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}

	return claims.ExpiresAt.Time, true
}
