// ABOUTME: Unit tests for JWT token verification and generation
// ABOUTME: Tests valid, invalid, expired and wrongly issued tokens

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-for-jwt-signing!")

func TestJWTVerifier_ValidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, "")

	token, err := verifier.Generate("customer-123", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	gotID, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if gotID != "customer-123" {
		t.Errorf("Verify() = %q, want %q", gotID, "customer-123")
	}
}

func TestJWTVerifier_InvalidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, "")

	sign := func(method jwt.SigningMethod, key any, claims jwt.Claims) string {
		token, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatalf("signing: %v", err)
		}
		return token
	}
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty token", token: "", want: ErrInvalidToken},
		{name: "garbage token", token: "not-a-jwt-token", want: ErrInvalidToken},
		{name: "malformed JWT", token: "header.payload.signature", want: ErrInvalidToken},
		{
			name: "wrong secret",
			token: func() string {
				token, _ := NewJWTVerifier([]byte("different-secret"), "").Generate("customer-123", time.Hour)
				return token
			}(),
			want: ErrInvalidToken,
		},
		{
			name:  "HS512 is not accepted",
			token: sign(jwt.SigningMethodHS512, testSecret, jwt.RegisteredClaims{Subject: "customer-123", ExpiresAt: future}),
			want:  ErrInvalidToken,
		},
		{
			name:  "no expiry",
			token: sign(jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{Subject: "customer-123"}),
			want:  ErrInvalidToken,
		},
		{
			name:  "no subject",
			token: sign(jwt.SigningMethodHS256, testSecret, jwt.RegisteredClaims{ExpiresAt: future}),
			want:  ErrMissingClaim,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := verifier.Verify(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("Verify() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret, "")

	token, err := verifier.Generate("customer-123", -time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	_, err = verifier.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTVerifier_Issuer(t *testing.T) {
	studio := NewJWTVerifier(testSecret, "studio-booking")
	other := NewJWTVerifier(testSecret, "someone-else")

	token, err := studio.Generate("host-9", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if _, err := studio.Verify(token); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("Verify() with another issuer error = %v, want ErrInvalidToken", err)
	}
	if _, err := NewJWTVerifier(testSecret, "").Verify(token); err != nil {
		t.Errorf("verifier without issuer should accept any issuer, got %v", err)
	}
}
