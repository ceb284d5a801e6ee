package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// mediaAudience marks grants so they are never accepted as user tokens.
const mediaAudience = "media"

// MediaClaims authorize fetching one file's bytes without counting another
// share view. They are handed out by a page that already counted one.
type MediaClaims struct {
	FileKey string `json:"file_key"`
	jwt.RegisteredClaims
}

// IssueMediaGrant signs a grant for key valid for ttl.
func (a *Auth) IssueMediaGrant(key string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := &MediaClaims{
		FileKey: key,
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{mediaAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign media grant: %w", err)
	}
	return token, nil
}

// VerifyMediaGrant checks that token is an unexpired grant for key.
func (a *Auth) VerifyMediaGrant(token, key string) error {
	claims := &MediaClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now), jwt.WithAudience(mediaAudience), jwt.WithExpirationRequired())
	if err != nil {
		return err
	}
	if claims.FileKey != key {
		return errors.New("grant is for another file")
	}
	return nil
}
