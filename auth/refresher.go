package auth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const DefaultAutoRefreshInterval = 60 * time.Second

// StartAutoRefresh checks every interval whether the access token is due and
// refreshes it. It stops when ctx is done or the returned func is called.
func (s *Service) StartAutoRefresh(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultAutoRefreshInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.refreshIfDue(ctx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (s *Service) refreshIfDue(ctx context.Context) {
	// a refresh already running will install its own result
	if s.State() != Authenticated || !s.ShouldRefreshToken() {
		return
	}
	if _, err := s.RefreshToken(ctx); err != nil {
		s.log.Warn().Err(err).Msg("scheduled token refresh failed")
	}
}

type tokenSource struct {
	ctx context.Context
	s   *Service
}

// TokenSource exposes the session as an oauth2.TokenSource. Token refreshes
// first when the access token is due.
func (s *Service) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, s: s}
}

func (ts *tokenSource) Token() (*oauth2.Token, error) {
	if ts.s.ShouldRefreshToken() {
		if _, err := ts.s.RefreshToken(ts.ctx); err != nil {
			return nil, err
		}
	}
	t := ts.s.Tokens()
	if t == nil || t.Access == "" {
		return nil, ErrNoTokens
	}
	tok := &oauth2.Token{
		AccessToken:  t.Access,
		RefreshToken: t.Refresh,
		TokenType:    "Bearer",
	}
	if exp, err := ExpiresAt(t.Access); err == nil {
		tok.Expiry = exp
	}
	return tok, nil
}
