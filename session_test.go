package chatsync

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("server-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func TestParseSession(t *testing.T) {
	exp := testEpoch.Add(time.Hour)
	token := signToken(t, jwt.MapClaims{"uid": testSelf, "usn": "me", "exp": exp.Unix()})

	s, err := ParseSession(token)
	if err != nil {
		t.Fatalf("ParseSession: %v", err)
	}
	if s.UserID != testSelf || s.Username != "me" || s.Token != token {
		t.Fatalf("unexpected session %+v", s)
	}
	if !s.ExpiresAt.Equal(exp) {
		t.Fatalf("expected expiry %v, got %v", exp, s.ExpiresAt)
	}
	if s.Expired(testEpoch) {
		t.Fatal("session should be valid before expiry")
	}
	if !s.Expired(exp) {
		t.Fatal("session should be expired at expiry")
	}
}

func TestParseSessionExpiredTokenStillParses(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"uid": testSelf, "exp": testEpoch.Add(-time.Hour).Unix()})
	s, err := ParseSession(token)
	if err != nil {
		t.Fatalf("ParseSession: %v", err)
	}
	if !s.Expired(testEpoch) {
		t.Fatal("expected expired session")
	}
}

func TestParseSessionInvalid(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"empty", ""},
		{"missing uid", signToken(t, jwt.MapClaims{"usn": "me"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseSession(tt.token); !errors.Is(err, ErrInvalidSession) {
				t.Fatalf("expected ErrInvalidSession, got %v", err)
			}
		})
	}
}

func TestSessionWithoutExpiry(t *testing.T) {
	s, err := ParseSession(signToken(t, jwt.MapClaims{"uid": testSelf}))
	if err != nil {
		t.Fatalf("ParseSession: %v", err)
	}
	if s.Expired(testEpoch.AddDate(10, 0, 0)) {
		t.Fatal("session without exp should never expire")
	}
}
