// Package auth owns the access/refresh token pair: login, registration,
// refresh, logout, durable persistence and expiry inspection.
package auth

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	restbridge "github.com/opengovern/restbridge"
	"github.com/opengovern/restbridge/logger"
	"github.com/opengovern/restbridge/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultLoginPath    = "/auth/login/"
	DefaultRegisterPath = "/auth/register/"
	DefaultRefreshPath  = "/auth/token/refresh/"
	DefaultLogoutPath   = "/auth/logout/"
	DefaultProfilePath  = "/auth/profile/"
)

var (
	ErrNoRefreshToken = errors.New("no refresh token available")
	ErrNoTokens       = errors.New("not authenticated")
)

// Config holds the endpoint paths and wiring of a Service. Zero values take
// the defaults above.
type Config struct {
	LoginPath    string
	RegisterPath string
	RefreshPath  string
	LogoutPath   string
	ProfilePath  string

	RefreshWindow time.Duration

	Logger  *zerolog.Logger
	Metrics *metrics.ClientMetrics
}

func (c Config) withDefaults() Config {
	if c.LoginPath == "" {
		c.LoginPath = DefaultLoginPath
	}
	if c.RegisterPath == "" {
		c.RegisterPath = DefaultRegisterPath
	}
	if c.RefreshPath == "" {
		c.RefreshPath = DefaultRefreshPath
	}
	if c.LogoutPath == "" {
		c.LogoutPath = DefaultLogoutPath
	}
	if c.ProfilePath == "" {
		c.ProfilePath = DefaultProfilePath
	}
	if c.RefreshWindow <= 0 {
		c.RefreshWindow = DefaultRefreshWindow
	}
	return c
}

// Service is the token manager. It is the only owner of the token pair; the
// client only receives copies for building auth headers.
type Service struct {
	client  *restbridge.Client
	store   Store
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.ClientMetrics
	now     func() time.Time
	group   singleflight.Group

	// session serializes installs and clears so a pair is never written
	// to the store after a logout has cleared it.
	session sync.Mutex

	mu           sync.RWMutex
	tokens       *restbridge.Tokens
	epoch        uint64 // bumped on every clear
	state        State
	observers    map[int]func(StateChange)
	nextObserver int
}

// NewService builds a Service in the Anonymous state. A nil store keeps
// tokens in memory only. Call Restore to pick up a persisted session.
func NewService(client *restbridge.Client, store Store, cfg Config) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	cfg = cfg.withDefaults()
	return &Service{
		client:    client,
		store:     store,
		cfg:       cfg,
		log:       logger.OrNop(cfg.Logger).With().Str("component", "auth").Logger(),
		metrics:   cfg.Metrics,
		now:       time.Now,
		state:     Anonymous,
		observers: make(map[int]func(StateChange)),
	}
}

// Tokens returns a copy of the current pair, or nil.
func (s *Service) Tokens() *restbridge.Tokens {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens == nil {
		return nil
	}
	t := *s.tokens
	return &t
}

// Restore loads a persisted pair. Missing or corrupt storage leaves the
// service anonymous and corrupt content is cleared. Other load errors leave
// the store untouched.
func (s *Service) Restore(ctx context.Context) bool {
	tokens, err := s.store.Load(ctx)
	if errors.Is(err, ErrCorruptTokens) {
		s.log.Warn().Err(err).Msg("discarding unreadable stored tokens")
		if clearErr := s.store.Clear(ctx); clearErr != nil {
			s.log.Warn().Err(clearErr).Msg("clearing stored tokens failed")
		}
		return false
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("loading stored tokens failed")
		return false
	}
	if tokens == nil {
		return false
	}
	s.session.Lock()
	defer s.session.Unlock()
	s.setTokens(tokens)
	s.transition(Authenticated, "session restored")
	return true
}

func (s *Service) Login(ctx context.Context, creds Credentials) (*AuthResponse, error) {
	env, err := s.client.Post(ctx, s.cfg.LoginPath, creds, nil)
	if err != nil {
		return nil, err
	}
	resp := parseAuthResponse(env)
	if resp.Tokens == nil {
		return nil, restbridge.NewAPIError(restbridge.CodeAuthentication, env.Status, "Login response did not include tokens")
	}
	s.install(ctx, *resp.Tokens, "login")
	return resp, nil
}

// Register creates an account. Tokens are installed only when the backend
// returns them; verification-first flows return none.
func (s *Service) Register(ctx context.Context, data RegisterData) (*AuthResponse, error) {
	env, err := s.client.Post(ctx, s.cfg.RegisterPath, map[string]any(data), nil)
	if err != nil {
		return nil, err
	}
	resp := parseAuthResponse(env)
	if resp.Tokens != nil {
		s.install(ctx, *resp.Tokens, "register")
	}
	return resp, nil
}

// RefreshToken exchanges the refresh token for a new pair. Concurrent calls
// share one exchange. Any failure clears the session.
func (s *Service) RefreshToken(ctx context.Context) (restbridge.Tokens, error) {
	v, err, shared := s.group.Do("refresh", func() (any, error) {
		return s.refresh(ctx)
	})
	if shared {
		s.log.Debug().Msg("joined in-flight token refresh")
	}
	if err != nil {
		return restbridge.Tokens{}, err
	}
	return v.(restbridge.Tokens), nil
}

func (s *Service) refresh(ctx context.Context) (restbridge.Tokens, error) {
	s.session.Lock()
	current, epoch := s.snapshot()
	if current == nil || current.Refresh == "" {
		s.session.Unlock()
		return restbridge.Tokens{}, restbridge.NewAPIError(restbridge.CodeNoRefreshToken, http.StatusUnauthorized, "").WithCause(ErrNoRefreshToken)
	}
	s.transition(Refreshing, "refresh started")
	s.session.Unlock()

	env, err := s.client.Post(ctx, s.cfg.RefreshPath, map[string]any{"refresh": current.Refresh}, nil)
	var fresh *restbridge.Tokens
	if err == nil {
		if m, ok := env.Data.(map[string]any); ok {
			fresh = extractTokens(m)
		}
		if fresh == nil {
			err = restbridge.NewAPIError(restbridge.CodeAuthentication, env.Status, "Refresh response did not include an access token")
		}
	}
	if err != nil {
		s.metrics.IncRefresh(false)
		s.log.Warn().Err(err).Msg("token refresh failed, clearing session")
		if clearErr := s.clearSessionAt(context.WithoutCancel(ctx), epoch, "refresh failed"); clearErr != nil {
			s.log.Warn().Err(clearErr).Msg("clearing stored tokens failed")
		}
		return restbridge.Tokens{}, err
	}

	next := restbridge.Tokens{Access: fresh.Access, Refresh: fresh.Refresh}
	if next.Refresh == "" {
		next.Refresh = current.Refresh
	}
	if !s.installAt(ctx, epoch, next, "token refreshed") {
		s.log.Debug().Msg("session ended during token refresh, dropping new pair")
		return restbridge.Tokens{}, restbridge.NewAPIError(restbridge.CodeAuthentication, http.StatusUnauthorized, "Session ended during token refresh").WithCause(ErrNoTokens)
	}
	s.metrics.IncRefresh(true)
	return next, nil
}

// Logout tells the backend on a best-effort basis, then always clears the
// local session. Only a failure to clear durable storage is returned.
func (s *Service) Logout(ctx context.Context) error {
	if current := s.Tokens(); current != nil {
		body := map[string]any{}
		if current.Refresh != "" {
			body["refresh"] = current.Refresh
		}
		if _, err := s.client.Post(ctx, s.cfg.LogoutPath, body, nil); err != nil {
			s.log.Warn().Err(err).Msg("logout request failed, clearing local session anyway")
		}
	}
	return s.clearSession(context.WithoutCancel(ctx), "logout")
}

// CurrentUser fetches the profile of the authenticated user. Callers should
// treat any error as an invalid session.
func (s *Service) CurrentUser(ctx context.Context) (*User, error) {
	env, err := s.client.Get(ctx, s.cfg.ProfilePath, nil, nil)
	if err != nil {
		return nil, err
	}
	m, ok := env.Data.(map[string]any)
	if !ok {
		return nil, restbridge.NewAPIError(restbridge.CodeUnknown, env.Status, "Profile response is not an object")
	}
	if nested, ok := m["user"].(map[string]any); ok {
		m = nested
	}
	user := NewUser(m)
	if user == nil {
		return nil, restbridge.NewAPIError(restbridge.CodeUnknown, env.Status, "Profile response is empty")
	}
	return user, nil
}

// CurrentUserOrLogout is CurrentUser that logs out when the backend rejects
// the session.
func (s *Service) CurrentUserOrLogout(ctx context.Context) (*User, error) {
	user, err := s.CurrentUser(ctx)
	if err != nil && restbridge.IsCode(err, restbridge.CodeAuthentication) {
		if logoutErr := s.Logout(ctx); logoutErr != nil {
			s.log.Warn().Err(logoutErr).Msg("logout after rejected session failed")
		}
	}
	return user, err
}

// IsAuthenticated reports whether an unexpired access token is held.
func (s *Service) IsAuthenticated() bool {
	t := s.Tokens()
	return t != nil && t.Access != "" && !IsTokenExpired(t.Access, s.now())
}

// ShouldRefreshToken reports whether the access token is expired, expires
// within the refresh window, or cannot be decoded. Without tokens there is
// nothing to refresh.
func (s *Service) ShouldRefreshToken() bool {
	t := s.Tokens()
	if t == nil {
		return false
	}
	return ShouldRefresh(t.Access, s.now(), s.cfg.RefreshWindow)
}

func (s *Service) setTokens(tokens *restbridge.Tokens) {
	var copied *restbridge.Tokens
	if tokens != nil {
		t := *tokens
		copied = &t
	}
	s.mu.Lock()
	s.tokens = copied
	s.mu.Unlock()
	s.client.SetTokens(copied)
}

// snapshot returns the current pair with the epoch it belongs to.
func (s *Service) snapshot() (*restbridge.Tokens, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tokens == nil {
		return nil, s.epoch
	}
	t := *s.tokens
	return &t, s.epoch
}

func (s *Service) currentEpoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

func (s *Service) install(ctx context.Context, tokens restbridge.Tokens, reason string) {
	s.session.Lock()
	defer s.session.Unlock()
	s.installLocked(ctx, tokens, reason)
}

// installAt installs tokens only if the session has not been cleared since
// epoch was read.
func (s *Service) installAt(ctx context.Context, epoch uint64, tokens restbridge.Tokens, reason string) bool {
	s.session.Lock()
	defer s.session.Unlock()
	if s.currentEpoch() != epoch {
		return false
	}
	s.installLocked(ctx, tokens, reason)
	return true
}

func (s *Service) installLocked(ctx context.Context, tokens restbridge.Tokens, reason string) {
	s.setTokens(&tokens)
	if err := s.store.Save(ctx, tokens); err != nil {
		s.log.Warn().Err(err).Msg("persisting tokens failed, session kept in memory")
	}
	s.transition(Authenticated, reason)
}

func (s *Service) clearSession(ctx context.Context, reason string) error {
	s.session.Lock()
	defer s.session.Unlock()
	return s.clearLocked(ctx, reason)
}

// clearSessionAt clears the session unless it was already cleared since epoch
// was read; a newer session is left alone.
func (s *Service) clearSessionAt(ctx context.Context, epoch uint64, reason string) error {
	s.session.Lock()
	defer s.session.Unlock()
	if s.currentEpoch() != epoch {
		return nil
	}
	return s.clearLocked(ctx, reason)
}

func (s *Service) clearLocked(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.epoch++
	s.mu.Unlock()
	s.setTokens(nil)
	err := s.store.Clear(ctx)
	s.transition(Anonymous, reason)
	return err
}
