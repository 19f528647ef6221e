package auth

import (
	restbridge "github.com/opengovern/restbridge"
	"github.com/opengovern/restbridge/internal"
)

// Credentials are posted to the login endpoint. Backends key users by email
// or username; empty fields are omitted.
type Credentials struct {
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
}

// RegisterData is posted verbatim to the register endpoint.
type RegisterData map[string]any

// User is the normalized profile. Attributes holds every profile key in
// camelCase, so both first_name and firstName arrive as "firstName".
type User struct {
	ID         string         `json:"id,omitempty"`
	Email      string         `json:"email,omitempty"`
	Username   string         `json:"username,omitempty"`
	FirstName  string         `json:"firstName,omitempty"`
	LastName   string         `json:"lastName,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// AuthResponse is what Login and Register return. Tokens is nil when the
// backend issued none.
type AuthResponse struct {
	User    *User
	Tokens  *restbridge.Tokens
	Message string
	Raw     map[string]any
}

var tokenKeys = map[string]bool{
	"tokens":        true,
	"access":        true,
	"refresh":       true,
	"access_token":  true,
	"refresh_token": true,
	"token_type":    true,
	"expires_in":    true,
}

// NewUser normalizes a decoded profile object.
func NewUser(m map[string]any) *User {
	if len(m) == 0 {
		return nil
	}
	attrs := internal.CamelKeys(m)
	str := func(key string) string {
		s, _ := internal.String(attrs[key])
		return s
	}
	return &User{
		ID:         str("id"),
		Email:      str("email"),
		Username:   str("username"),
		FirstName:  str("firstName"),
		LastName:   str("lastName"),
		Attributes: attrs,
	}
}

// extractTokens finds the token pair in an auth response. Precedence:
// "tokens", "user.tokens", top-level access/refresh, then
// access_token/refresh_token.
func extractTokens(m map[string]any) *restbridge.Tokens {
	if t := tokensFrom(m["tokens"], "access", "refresh"); t != nil {
		return t
	}
	if user, ok := m["user"].(map[string]any); ok {
		if t := tokensFrom(user["tokens"], "access", "refresh"); t != nil {
			return t
		}
	}
	if t := tokensFrom(m, "access", "refresh"); t != nil {
		return t
	}
	return tokensFrom(m, "access_token", "refresh_token")
}

func tokensFrom(v any, accessKey, refreshKey string) *restbridge.Tokens {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	access, _ := m[accessKey].(string)
	if access == "" {
		return nil
	}
	refresh, _ := m[refreshKey].(string)
	return &restbridge.Tokens{Access: access, Refresh: refresh}
}

// extractUser takes "user" when present, else the top-level object without
// its token keys.
func extractUser(m map[string]any) *User {
	if user, ok := m["user"].(map[string]any); ok {
		profile := make(map[string]any, len(user))
		for k, v := range user {
			if k != "tokens" {
				profile[k] = v
			}
		}
		return NewUser(profile)
	}
	profile := make(map[string]any, len(m))
	for k, v := range m {
		if !tokenKeys[k] && k != "message" && k != "detail" {
			profile[k] = v
		}
	}
	return NewUser(profile)
}

func parseAuthResponse(env *restbridge.RawEnvelope) *AuthResponse {
	resp := &AuthResponse{Message: env.Message}
	m, ok := env.Data.(map[string]any)
	if !ok {
		return resp
	}
	resp.Raw = m
	resp.Tokens = extractTokens(m)
	resp.User = extractUser(m)
	if resp.Message == "" {
		if msg, ok := m["message"].(string); ok {
			resp.Message = msg
		} else if msg, ok := m["detail"].(string); ok {
			resp.Message = msg
		}
	}
	return resp
}
