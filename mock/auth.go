package mock

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

var errInvalidToken = errors.New("invalid token")

type account struct {
	password string
	profile  map[string]any
}

type tokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	rotate     bool

	mu      sync.Mutex
	revoked map[string]bool
}

func newTokenIssuer() *tokenIssuer {
	return &tokenIssuer{
		secret:     []byte(uuid.NewString()),
		accessTTL:  15 * time.Minute,
		refreshTTL: 24 * time.Hour,
		revoked:    make(map[string]bool),
	}
}

func (t *tokenIssuer) mint(subject, kind string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":        subject,
		"token_type": kind,
		"jti":        uuid.NewString(),
		"iat":        now.Unix(),
		"exp":        now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t *tokenIssuer) pair(subject string) (map[string]any, error) {
	access, err := t.mint(subject, "access", t.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := t.mint(subject, "refresh", t.refreshTTL)
	if err != nil {
		return nil, err
	}
	return map[string]any{"access": access, "refresh": refresh}, nil
}

func (t *tokenIssuer) parse(raw, kind string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, errInvalidToken
	}
	if claims["token_type"] != kind {
		return nil, errInvalidToken
	}
	t.mu.Lock()
	revoked := t.revoked[raw]
	t.mu.Unlock()
	if revoked {
		return nil, errInvalidToken
	}
	return claims, nil
}

func (t *tokenIssuer) verifyAccess(header string) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", errInvalidToken
	}
	claims, err := t.parse(raw, "access")
	if err != nil {
		return "", err
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}

func (t *tokenIssuer) revoke(raw string) {
	t.mu.Lock()
	t.revoked[raw] = true
	t.mu.Unlock()
}

// AddUser registers an account. profile is returned next to the tokens on
// login and from the profile endpoint.
func (b *Backend) AddUser(email, password string, profile map[string]any) {
	p := clone(profile)
	p["email"] = email
	b.mu.Lock()
	b.users[email] = &account{password: password, profile: p}
	b.mu.Unlock()
}

// IssueTokens mints a pair for email without a login request.
func (b *Backend) IssueTokens(email string) (access, refresh string, err error) {
	pair, err := b.tokens.pair(email)
	if err != nil {
		return "", "", err
	}
	return pair["access"].(string), pair["refresh"].(string), nil
}

func (b *Backend) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		b.validationError(w, map[string][]string{"non_field_errors": {"Malformed JSON body."}})
		return
	}
	login := creds.Email
	if login == "" {
		login = creds.Username
	}
	b.mu.Lock()
	acct, ok := b.users[login]
	b.mu.Unlock()
	if !ok || acct.password != creds.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"detail": "No active account found with the given credentials",
		})
		return
	}

	pair, err := b.tokens.pair(login)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
		return
	}
	body := clone(acct.profile)
	body["tokens"] = pair
	b.writeData(w, http.StatusOK, body)
}

// handleRegister creates an account. With "verify": true in the body it
// behaves like an email-verification flow and returns no tokens.
func (b *Backend) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if !b.decode(w, r, &body) {
		return
	}
	email, _ := body["email"].(string)
	password, _ := body["password"].(string)
	missing := map[string][]string{}
	if email == "" {
		missing["email"] = []string{"This field is required."}
	}
	if password == "" {
		missing["password"] = []string{"This field is required."}
	}
	if len(missing) > 0 {
		b.validationError(w, missing)
		return
	}

	b.mu.Lock()
	_, exists := b.users[email]
	b.mu.Unlock()
	if exists {
		b.validationError(w, map[string][]string{"email": {"A user with that email already exists."}})
		return
	}

	profile := map[string]any{}
	for k, v := range body {
		if k != "password" && k != "verify" {
			profile[k] = v
		}
	}
	b.AddUser(email, password, profile)

	if verify, _ := body["verify"].(bool); verify {
		b.writeData(w, http.StatusCreated, map[string]any{"detail": "Verification e-mail sent."})
		return
	}
	pair, err := b.tokens.pair(email)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
		return
	}
	user := clone(profile)
	user["tokens"] = pair
	b.writeData(w, http.StatusCreated, map[string]any{"user": user})
}

func (b *Backend) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Refresh == "" {
		b.validationError(w, map[string][]string{"refresh": {"This field is required."}})
		return
	}
	claims, err := b.tokens.parse(body.Refresh, "refresh")
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"detail": "Token is invalid or expired",
			"code":   "token_not_valid",
		})
		return
	}
	sub, _ := claims["sub"].(string)
	access, err := b.tokens.mint(sub, "access", b.tokens.accessTTL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
		return
	}
	resp := map[string]any{"access": access}
	if b.tokens.rotate {
		refresh, err := b.tokens.mint(sub, "refresh", b.tokens.refreshTTL)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"detail": err.Error()})
			return
		}
		b.tokens.revoke(body.Refresh)
		resp["refresh"] = refresh
	}
	b.writeData(w, http.StatusOK, resp)
}

func (b *Backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Refresh string `json:"refresh"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Refresh != "" {
		b.tokens.revoke(body.Refresh)
	}
	w.WriteHeader(http.StatusResetContent)
}

func (b *Backend) handleProfile(w http.ResponseWriter, r *http.Request) {
	sub, err := b.tokens.verifyAccess(r.Header.Get("Authorization"))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"detail": "Given token not valid for any token type",
			"code":   "token_not_valid",
		})
		return
	}
	b.mu.Lock()
	acct, ok := b.users[sub]
	b.mu.Unlock()
	if !ok {
		b.notFound(w)
		return
	}
	b.writeData(w, http.StatusOK, clone(acct.profile))
}
