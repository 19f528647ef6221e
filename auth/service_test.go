package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	restbridge "github.com/opengovern/restbridge"
	"github.com/opengovern/restbridge/adapters"
	"github.com/opengovern/restbridge/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	backend *mock.Backend
	client  *restbridge.Client
	store   *MemoryStore
	svc     *Service
}

func newFixture(t *testing.T, opts ...mock.Option) *fixture {
	t.Helper()
	backend := mock.New(mock.StyleDRF, opts...)
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	client, err := restbridge.NewClient(adapters.NewDRFAdapter(srv.URL), restbridge.ClientConfig{})
	require.NoError(t, err)
	store := NewMemoryStore()
	return &fixture{
		backend: backend,
		client:  client,
		store:   store,
		svc:     NewService(client, store, Config{}),
	}
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	f.backend.AddUser("a@b.com", "x", map[string]any{"first_name": "A"})
	_, err := f.svc.Login(context.Background(), Credentials{Email: "a@b.com", Password: "x"})
	require.NoError(t, err)
}

func TestLoginScenario(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultLoginPath, r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]any{"email": "a@b.com", "password": "x"}, body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"tokens":{"access":"A1","refresh":"R1"},"email":"a@b.com","first_name":"A"}`))
	}))
	defer srv.Close()

	client, err := restbridge.NewClient(adapters.NewDRFAdapter(srv.URL), restbridge.ClientConfig{})
	require.NoError(t, err)
	store := NewMemoryStore()
	svc := NewService(client, store, Config{})

	var changes []StateChange
	svc.Subscribe(func(c StateChange) { changes = append(changes, c) })

	resp, err := svc.Login(context.Background(), Credentials{Email: "a@b.com", Password: "x"})
	require.NoError(t, err)

	assert.Equal(t, Authenticated, svc.State())
	assert.JSONEq(t, `{"access":"A1","refresh":"R1"}`, string(store.Raw()))
	assert.Equal(t, &restbridge.Tokens{Access: "A1", Refresh: "R1"}, client.Tokens())
	require.NotNil(t, resp.User)
	assert.Equal(t, "A", resp.User.FirstName)
	assert.Equal(t, "a@b.com", resp.User.Email)
	assert.Equal(t, "A", resp.User.Attributes["firstName"])
	assert.NotContains(t, resp.User.Attributes, "tokens")
	assert.Equal(t, []StateChange{{From: Anonymous, To: Authenticated, Reason: "login"}}, changes)
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)
	f.backend.AddUser("a@b.com", "x", nil)

	_, err := f.svc.Login(context.Background(), Credentials{Email: "a@b.com", Password: "wrong"})
	require.Error(t, err)
	assert.True(t, restbridge.IsCode(err, restbridge.CodeAuthentication))
	assert.Equal(t, Anonymous, f.svc.State())
	assert.Nil(t, f.store.Raw())
}

func TestLoginWithoutTokensFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"detail":"Check your inbox"}`))
	}))
	defer srv.Close()
	client, err := restbridge.NewClient(restbridge.StaticAdapter{AdapterName: "t", URL: srv.URL}, restbridge.ClientConfig{})
	require.NoError(t, err)

	_, err = NewService(client, nil, Config{}).Login(context.Background(), Credentials{Email: "a", Password: "b"})
	assert.True(t, restbridge.IsCode(err, restbridge.CodeAuthentication))
}

func TestExtractTokensPrecedence(t *testing.T) {
	cases := []struct {
		name string
		body map[string]any
		want *restbridge.Tokens
	}{
		{
			name: "tokens wins over everything",
			body: map[string]any{
				"tokens": map[string]any{"access": "T", "refresh": "TR"},
				"user":   map[string]any{"tokens": map[string]any{"access": "U", "refresh": "UR"}},
				"access": "TOP",
			},
			want: &restbridge.Tokens{Access: "T", Refresh: "TR"},
		},
		{
			name: "user.tokens before top level",
			body: map[string]any{
				"user":   map[string]any{"tokens": map[string]any{"access": "U", "refresh": "UR"}},
				"access": "TOP",
			},
			want: &restbridge.Tokens{Access: "U", Refresh: "UR"},
		},
		{
			name: "top level access/refresh",
			body: map[string]any{"access": "TOP", "refresh": "TOPR", "access_token": "OA"},
			want: &restbridge.Tokens{Access: "TOP", Refresh: "TOPR"},
		},
		{
			name: "oauth style",
			body: map[string]any{"access_token": "OA", "refresh_token": "OR", "token_type": "bearer"},
			want: &restbridge.Tokens{Access: "OA", Refresh: "OR"},
		},
		{
			name: "none",
			body: map[string]any{"email": "a@b.com"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractTokens(tc.body))
		})
	}
}

func TestExtractUserPrefersNestedUser(t *testing.T) {
	user := extractUser(map[string]any{
		"user":    map[string]any{"id": json.Number("7"), "lastName": "B", "tokens": map[string]any{}},
		"message": "welcome",
	})
	require.NotNil(t, user)
	assert.Equal(t, "7", user.ID)
	assert.Equal(t, "B", user.LastName)
	assert.NotContains(t, user.Attributes, "tokens")
}

func TestRegisterWithVerificationKeepsAnonymous(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Register(context.Background(), RegisterData{"email": "n@b.com", "password": "pw", "verify": true})
	require.NoError(t, err)
	assert.Nil(t, resp.Tokens)
	assert.Equal(t, "Verification e-mail sent.", resp.Message)
	assert.Equal(t, Anonymous, f.svc.State())
	assert.Nil(t, f.store.Raw())
}

func TestRegisterWithTokensAuthenticates(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Register(context.Background(), RegisterData{"email": "n@b.com", "password": "pw", "firstName": "N"})
	require.NoError(t, err)
	require.NotNil(t, resp.Tokens)
	assert.Equal(t, "N", resp.User.FirstName)
	assert.Equal(t, Authenticated, f.svc.State())
	assert.True(t, f.svc.IsAuthenticated())
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	before := f.svc.Tokens()

	tokens, err := f.svc.RefreshToken(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, before.Access, tokens.Access)
	assert.Equal(t, before.Refresh, tokens.Refresh)
	assert.Equal(t, &tokens, f.client.Tokens())
	assert.Equal(t, Authenticated, f.svc.State())

	stored, err := f.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &tokens, stored)
}

func TestRefreshWithRotation(t *testing.T) {
	f := newFixture(t, mock.WithRefreshRotation())
	f.login(t)
	before := f.svc.Tokens()

	tokens, err := f.svc.RefreshToken(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, before.Refresh, tokens.Refresh)
}

func TestRefreshFailureLogsOut(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	var states []State
	f.svc.Subscribe(func(c StateChange) { states = append(states, c.To) })
	f.backend.FailNext(http.MethodPost, DefaultRefreshPath, http.StatusUnauthorized, map[string]any{"detail": "Token is blacklisted"})

	_, err := f.svc.RefreshToken(context.Background())
	require.Error(t, err)
	assert.True(t, restbridge.IsCode(err, restbridge.CodeAuthentication))

	assert.Equal(t, []State{Refreshing, Anonymous}, states)
	assert.Nil(t, f.svc.Tokens())
	assert.Nil(t, f.client.Tokens())
	assert.Nil(t, f.store.Raw())
}

func TestRefreshWithoutRefreshToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RefreshToken(context.Background())
	require.Error(t, err)
	assert.True(t, restbridge.IsCode(err, restbridge.CodeNoRefreshToken))
	assert.True(t, errors.Is(err, ErrNoRefreshToken))
	assert.Equal(t, Anonymous, f.svc.State())
}

func TestConcurrentRefreshSharesOneExchange(t *testing.T) {
	var calls int32
	arrived := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(arrived)
		}
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access":"A2"}`))
	}))
	defer srv.Close()

	client, err := restbridge.NewClient(restbridge.StaticAdapter{AdapterName: "t", URL: srv.URL}, restbridge.ClientConfig{})
	require.NoError(t, err)
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), restbridge.Tokens{Access: "A1", Refresh: "R1"}))
	svc := NewService(client, store, Config{})
	require.True(t, svc.Restore(context.Background()))

	var wg sync.WaitGroup
	results := make([]restbridge.Tokens, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = svc.RefreshToken(context.Background())
	}()
	<-arrived
	for i := 1; i < len(results); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = svc.RefreshToken(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Equal(t, restbridge.Tokens{Access: "A2", Refresh: "R1"}, r)
	}
}

func TestLogoutIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.backend.FailNext(http.MethodPost, DefaultLogoutPath, http.StatusInternalServerError, map[string]any{"detail": "down"})

	require.NoError(t, f.svc.Logout(context.Background()))
	assert.Equal(t, Anonymous, f.svc.State())
	assert.Nil(t, f.svc.Tokens())
	assert.Nil(t, f.store.Raw())
	assert.False(t, f.svc.IsAuthenticated())
}

func TestCurrentUser(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	user, err := f.svc.CurrentUser(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "A", user.FirstName)
	assert.Equal(t, "a@b.com", user.Email)
}

func TestCurrentUserOrLogoutOnRejectedSession(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.backend.FailNext(http.MethodGet, DefaultProfilePath, http.StatusUnauthorized, map[string]any{"detail": "Token expired"})

	_, err := f.svc.CurrentUserOrLogout(context.Background())
	require.Error(t, err)
	assert.Equal(t, Anonymous, f.svc.State())
	assert.Nil(t, f.store.Raw())
}

func TestRestore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	access, refresh, err := f.backend.IssueTokens("a@b.com")
	require.NoError(t, err)
	require.NoError(t, f.store.Save(ctx, restbridge.Tokens{Access: access, Refresh: refresh}))

	assert.True(t, f.svc.Restore(ctx))
	assert.Equal(t, Authenticated, f.svc.State())
	assert.Equal(t, access, f.client.Tokens().Access)
	assert.True(t, f.svc.IsAuthenticated())
	assert.False(t, f.svc.ShouldRefreshToken())
}

func TestRestoreTreatsCorruptStorageAsAnonymous(t *testing.T) {
	f := newFixture(t)
	f.store.SetRaw([]byte(`{"access":`))

	assert.False(t, f.svc.Restore(context.Background()))
	assert.Equal(t, Anonymous, f.svc.State())
	assert.Nil(t, f.store.Raw())
	assert.Nil(t, f.client.Tokens())
}

func TestShouldRefreshTokenUsesWindow(t *testing.T) {
	f := newFixture(t)
	now := time.Unix(1_800_000_000, 0)
	f.svc.now = func() time.Time { return now }
	assert.False(t, f.svc.ShouldRefreshToken(), "nothing to refresh without tokens")

	f.svc.setTokens(&restbridge.Tokens{Access: mintToken(t, now.Add(299*time.Second)), Refresh: "R"})
	assert.True(t, f.svc.ShouldRefreshToken())

	f.svc.setTokens(&restbridge.Tokens{Access: mintToken(t, now.Add(301*time.Second)), Refresh: "R"})
	assert.False(t, f.svc.ShouldRefreshToken())

	f.svc.setTokens(&restbridge.Tokens{Access: "opaque", Refresh: "R"})
	assert.True(t, f.svc.ShouldRefreshToken())
	assert.False(t, f.svc.IsAuthenticated())
}

func TestAutoRefreshRefreshesDueTokens(t *testing.T) {
	f := newFixture(t, mock.WithTokenTTL(time.Minute, time.Hour))
	f.login(t)
	before := f.svc.Tokens().Access

	refreshed := make(chan struct{}, 1)
	f.svc.Subscribe(func(c StateChange) {
		if c.Reason == "token refreshed" {
			select {
			case refreshed <- struct{}{}:
			default:
			}
		}
	})

	stop := f.svc.StartAutoRefresh(context.Background(), 10*time.Millisecond)
	defer stop()

	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("auto refresh did not run")
	}
	assert.NotEqual(t, before, f.svc.Tokens().Access)
}

func TestTokenSource(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.TokenSource(context.Background()).Token()
	assert.ErrorIs(t, err, ErrNoTokens)

	f.login(t)
	tok, err := f.svc.TokenSource(context.Background()).Token()
	require.NoError(t, err)
	assert.Equal(t, f.svc.Tokens().Access, tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.True(t, tok.Valid())
}

func TestLogoutDuringRefreshKeepsSessionCleared(t *testing.T) {
	arrived := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == DefaultLogoutPath {
			w.WriteHeader(http.StatusResetContent)
			return
		}
		close(arrived)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access":"A2"}`))
	}))
	defer srv.Close()

	client, err := restbridge.NewClient(restbridge.StaticAdapter{AdapterName: "t", URL: srv.URL}, restbridge.ClientConfig{})
	require.NoError(t, err)
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), restbridge.Tokens{Access: "A1", Refresh: "R1"}))
	svc := NewService(client, store, Config{})
	require.True(t, svc.Restore(context.Background()))

	errc := make(chan error, 1)
	go func() {
		_, err := svc.RefreshToken(context.Background())
		errc <- err
	}()
	<-arrived
	require.NoError(t, svc.Logout(context.Background()))
	close(release)

	err = <-errc
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoTokens)
	assert.Equal(t, Anonymous, svc.State())
	assert.Nil(t, svc.Tokens())
	assert.Nil(t, client.Tokens())
	assert.Nil(t, store.Raw())
}

func TestRefreshFailureAfterNewLoginKeepsNewSession(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	_, epoch := f.svc.snapshot()

	require.NoError(t, f.svc.Logout(context.Background()))
	f.login(t)

	require.NoError(t, f.svc.clearSessionAt(context.Background(), epoch, "refresh failed"))
	assert.Equal(t, Authenticated, f.svc.State())
	assert.NotNil(t, f.svc.Tokens())
	assert.NotNil(t, f.store.Raw())
}

type flakyStore struct {
	*MemoryStore
	loadErr error
	clears  int
}

func (f *flakyStore) Load(ctx context.Context) (*restbridge.Tokens, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.MemoryStore.Load(ctx)
}

func (f *flakyStore) Clear(ctx context.Context) error {
	f.clears++
	return f.MemoryStore.Clear(ctx)
}

func TestRestoreKeepsStoreOnLoadFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	store := &flakyStore{MemoryStore: NewMemoryStore(), loadErr: errors.New("dial tcp: connection refused")}
	require.NoError(t, store.Save(ctx, restbridge.Tokens{Access: "A1", Refresh: "R1"}))
	svc := NewService(f.client, store, Config{})

	assert.False(t, svc.Restore(ctx))
	assert.Equal(t, Anonymous, svc.State())
	assert.Zero(t, store.clears)
	assert.NotNil(t, store.Raw())

	store.loadErr = nil
	assert.True(t, svc.Restore(ctx))
	assert.Equal(t, &restbridge.Tokens{Access: "A1", Refresh: "R1"}, svc.Tokens())
}

func TestLogoutNotifiesBackendWithAccessTokenOnly(t *testing.T) {
	var calls int32
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultLogoutPath, r.URL.Path)
		assert.Equal(t, "Bearer A1", r.Header.Get("Authorization"))
		atomic.AddInt32(&calls, 1)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusResetContent)
	}))
	defer srv.Close()

	client, err := restbridge.NewClient(restbridge.StaticAdapter{AdapterName: "t", URL: srv.URL}, restbridge.ClientConfig{})
	require.NoError(t, err)
	svc := NewService(client, nil, Config{})
	svc.install(context.Background(), restbridge.Tokens{Access: "A1"}, "test")

	require.NoError(t, svc.Logout(context.Background()))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Empty(t, got)
	assert.Equal(t, Anonymous, svc.State())

	// nothing held, nothing sent
	require.NoError(t, svc.Logout(context.Background()))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}
