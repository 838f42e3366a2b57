package services

import (
	"testing"
	"time"

	"livebid/internal/core/domain"
	apperrors "livebid/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-secret"))
	require.NoError(t, err)
	return s
}

func TestResolveIdentity_SubjectClaim(t *testing.T) {
	token := signed(t, Claims{
		Name:             "Ada",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-7", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	})

	id, err := ResolveIdentity("", "", token)
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("user-7"), id.UserID)
	assert.Equal(t, "Ada", id.DisplayName)
	assert.Equal(t, token, id.Token)
}

func TestResolveIdentity_UserIDClaimFallback(t *testing.T) {
	id, err := ResolveIdentity("", "Host", signed(t, Claims{UserID: "user-9"}))
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("user-9"), id.UserID)
	assert.Equal(t, "Host", id.DisplayName)
}

func TestResolveIdentity_ExplicitUserWins(t *testing.T) {
	id, err := ResolveIdentity("configured", "", signed(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "from-token"}}))
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("configured"), id.UserID)
}

func TestResolveIdentity_OpaqueToken(t *testing.T) {
	id, err := ResolveIdentity("u1", "", "opaque-session-token")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u1"), id.UserID)

	_, err = ResolveIdentity("", "", "opaque-session-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAuthentication))
}

func TestResolveIdentity_Rejections(t *testing.T) {
	_, err := ResolveIdentity("u1", "", "")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := signed(t, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-7",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	_, err = ResolveIdentity("", "", expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = ResolveIdentity("", "", signed(t, Claims{Name: "nobody"}))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAuthentication))
}
