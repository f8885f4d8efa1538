// Package credentials caches OAuth2 client-credentials access tokens for the
// outbound supplier and marketplace clients.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"keybridge/internal/logger"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// ExpiryBuffer is subtracted from the server-reported lifetime so a token is
// refreshed before the remote side starts rejecting it.
const ExpiryBuffer = 60 * time.Second

var ErrEmptyToken = errors.New("token endpoint returned an empty access token")

// FetchFunc obtains a fresh token and its lifetime.
type FetchFunc func(ctx context.Context) (token string, lifetime time.Duration, err error)

// Source is a token cache. Concurrent callers that find the cache stale share
// a single refresh.
type Source struct {
	name  string
	fetch FetchFunc
	now   func() time.Time

	mu     sync.RWMutex
	token  string
	expiry time.Time

	group singleflight.Group
}

func NewSource(name string, fetch FetchFunc) *Source {
	return &Source{name: name, fetch: fetch, now: time.Now}
}

// Token returns the cached token, refreshing it when missing or expired.
func (s *Source) Token(ctx context.Context) (string, error) {
	s.mu.RLock()
	token, expiry := s.token, s.expiry
	s.mu.RUnlock()

	if token != "" && s.now().Before(expiry) {
		return token, nil
	}

	ch := s.group.DoChan("token", func() (interface{}, error) {
		return s.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token, forcing the next Token call to refresh.
func (s *Source) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiry = time.Time{}
	s.mu.Unlock()
}

func (s *Source) refresh(ctx context.Context) (string, error) {
	log := logger.L().With(zap.String("credentials", s.name))

	token, lifetime, err := s.fetch(ctx)
	if err != nil {
		log.Error("token refresh failed", zap.Error(err))
		return "", fmt.Errorf("%s token refresh: %w", s.name, err)
	}
	if token == "" {
		return "", ErrEmptyToken
	}

	s.mu.Lock()
	s.token = token
	s.expiry = s.now().Add(lifetime - ExpiryBuffer)
	s.mu.Unlock()

	log.Info("token refreshed", zap.Duration("lifetime", lifetime))
	return token, nil
}

// defaultLifetime applies when the token endpoint omits expires_in.
const defaultLifetime = 5 * time.Minute

// ClientCredentials builds a FetchFunc performing the OAuth2
// client_credentials grant against tokenURL. Client id and secret are sent in
// the form body.
func ClientCredentials(httpClient *http.Client, tokenURL, clientID, clientSecret string) FetchFunc {
	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}

	return func(ctx context.Context) (string, time.Duration, error) {
		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}

		tok, err := cfg.Token(ctx)
		if err != nil {
			return "", 0, fmt.Errorf("client credentials grant: %w", err)
		}

		lifetime := defaultLifetime
		if !tok.Expiry.IsZero() {
			lifetime = time.Until(tok.Expiry)
		}
		return tok.AccessToken, lifetime, nil
	}
}
