// Package auth inspects the credential handed over by the platform's login
// flow. The chat client never verifies signatures; the gateway and the REST
// API do. It only reads claims to learn who the user is and to avoid dialing
// with a token that has already expired.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bloodbridge/chat-client/internal/chat"
)

// ErrUnauthorized marks a credential that was rejected, or that is known to
// be unusable before it is presented. It is terminal for a chat session.
var ErrUnauthorized = errors.New("auth: credential rejected")

// Claims is the token payload issued by the platform API.
type Claims struct {
	UserID string `json:"id"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// ParseClaims reads the claims of a JWT without verifying its signature.
func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return claims, nil
}

// IdentityFromToken derives the chat identity carried by a JWT.
func IdentityFromToken(token string) (chat.Identity, error) {
	claims, err := ParseClaims(token)
	if err != nil {
		return chat.Identity{}, err
	}
	if claims.UserID == "" {
		return chat.Identity{}, fmt.Errorf("auth: token carries no user id")
	}
	name := claims.Name
	if name == "" {
		name = claims.UserID
	}
	return chat.Identity{ID: claims.UserID, Name: name}, nil
}

// CheckExpiry returns ErrUnauthorized when token is a JWT whose exp claim is
// not after now. Opaque (non-JWT) credentials pass unchecked.
func CheckExpiry(token string, now time.Time) error {
	if token == "" {
		return fmt.Errorf("%w: empty credential", ErrUnauthorized)
	}
	claims, err := ParseClaims(token)
	if err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("%w: token expired at %s", ErrUnauthorized, claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	return nil
}
