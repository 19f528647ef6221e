package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestExpiresAt(t *testing.T) {
	exp := time.Unix(1_900_000_000, 0)
	got, err := ExpiresAt(mintToken(t, exp))
	require.NoError(t, err)
	assert.True(t, exp.Equal(got))

	_, err = ExpiresAt("not-a-jwt")
	assert.Error(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, err = ExpiresAt(noExp)
	assert.ErrorIs(t, err, ErrNoExpiry)
}

func TestShouldRefreshBoundary(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)

	assert.True(t, ShouldRefresh(mintToken(t, now.Add(299*time.Second)), now, DefaultRefreshWindow))
	assert.False(t, ShouldRefresh(mintToken(t, now.Add(301*time.Second)), now, DefaultRefreshWindow))
	assert.True(t, ShouldRefresh(mintToken(t, now.Add(-time.Second)), now, DefaultRefreshWindow))
	assert.True(t, ShouldRefresh("garbage", now, DefaultRefreshWindow))
}

func TestIsTokenExpired(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)

	assert.False(t, IsTokenExpired(mintToken(t, now.Add(time.Second)), now))
	assert.True(t, IsTokenExpired(mintToken(t, now), now))
	assert.True(t, IsTokenExpired("", now))
}
