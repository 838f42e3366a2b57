package services

import (
	"errors"
	"time"

	"livebid/internal/core/domain"
	apperrors "livebid/pkg/errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = apperrors.NewAuthenticationError("invalid token", nil)
	ErrExpiredToken = apperrors.NewAuthenticationError("token expired", nil)
)

// Claims are the token fields the client reads. The signaling server owns the
// signing key and verifies the signature during authenticate.
type Claims struct {
	UserID domain.UserID `json:"user_id,omitempty"`
	Name   string        `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// ResolveIdentity builds the identity handed to Connect. An explicit userID
// wins; otherwise the user comes from the token's sub claim, then user_id.
// Opaque tokens are accepted only together with an explicit userID.
func ResolveIdentity(userID, displayName, token string) (domain.Identity, error) {
	identity := domain.Identity{
		UserID:      domain.UserID(userID),
		DisplayName: displayName,
		Token:       token,
	}
	if token == "" {
		return domain.Identity{}, ErrInvalidToken
	}

	claims, err := parseClaims(token)
	if err != nil {
		if identity.UserID != "" && errors.Is(err, jwt.ErrTokenMalformed) {
			return identity, nil
		}
		if errors.Is(err, ErrExpiredToken) {
			return domain.Identity{}, err
		}
		return domain.Identity{}, apperrors.NewAuthenticationError("invalid token", err)
	}

	if identity.UserID == "" {
		switch {
		case claims.Subject != "":
			identity.UserID = domain.UserID(claims.Subject)
		case claims.UserID != "":
			identity.UserID = claims.UserID
		default:
			return domain.Identity{}, apperrors.NewAuthenticationError("token has no subject claim", nil)
		}
	}
	if identity.DisplayName == "" {
		identity.DisplayName = claims.Name
	}
	return identity, nil
}

func parseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, ErrExpiredToken
	}
	return claims, nil
}
