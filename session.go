package chatsync

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the authenticated user as read from the backend session token.
type Session struct {
	Token     string
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// ParseSession reads the claims of a session token. The signature is not
// verified: the token is only ever checked by the server that issued it.
func ParseSession(token string) (*Session, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	uid, _ := claims["uid"].(string)
	if uid == "" {
		return nil, fmt.Errorf("%w: missing uid claim", ErrInvalidSession)
	}
	s := &Session{Token: token, UserID: uid}
	s.Username, _ = claims["usn"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.ExpiresAt = exp.Time
	}
	return s, nil
}

// Expired reports whether the session has expired at now. Sessions without an
// expiry never expire.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}
