package api

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func TestBearerTokenFromStringSuccess(t *testing.T) {
	token, err := bearerTokenFromString("Bearer header.payload.signature")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "header.payload.signature" {
		t.Fatalf("unexpected token content: %s", token)
	}
}

func TestBearerTokenFromStringMissing(t *testing.T) {
	if _, err := bearerTokenFromString("  "); err == nil || err.Error() != "missing authorization header" {
		t.Fatalf("expected missing header error, got %v", err)
	}
}

func TestBearerTokenFromStringManyPeriods(t *testing.T) {
	header := "Bearer " + strings.Repeat(".", 1000)
	if _, err := bearerTokenFromString(header); err == nil || err.Error() != "bad auth header" {
		t.Fatalf("expected bad auth header error, got %v", err)
	}
}

func TestBearerTokenFromStringWrongScheme(t *testing.T) {
	if _, err := bearerTokenFromString("Basic a.b.c"); err != errBadAuthorization {
		t.Fatalf("expected bad auth header error, got %v", err)
	}
}

func TestIdentityFromBearerHS256(t *testing.T) {
	secret := []byte("test-secret")
	claims := jwt.MapClaims{
		"sub":   "user-123",
		"name":  "Ada",
		"email": "ada@example.com",
		"aud":   "api://aud",
		"iss":   "https://issuer/",
		"exp":   time.Now().Add(5 * time.Minute).Unix(),
		"nbf":   time.Now().Add(-time.Minute).Unix(),
		"iat":   time.Now().Add(-time.Minute).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	auth := NewAuth(AuthConfig{Audience: "api://aud", Issuer: "https://issuer/", HMACSecret: secret})
	id, err := auth.IdentityFromAuthHeader("Bearer " + signed)
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if id.ID != "user-123" || id.Name != "Ada" || id.Email != "ada@example.com" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestIdentityFromBearerRejectsWrongAudience(t *testing.T) {
	secret := []byte("test-secret")
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-123",
		"aud": "api://other",
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	auth := NewAuth(AuthConfig{Audience: "api://aud", HMACSecret: secret})
	if _, err := auth.IdentityFromBearer(signed); err == nil {
		t.Fatalf("expected audience mismatch to fail")
	}
}

func TestIdentityFromBearerRejectsWrongSecret(t *testing.T) {
	signed, err := SignTestToken([]byte("one"), "user-1", "", "", time.Minute)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	auth := NewAuth(AuthConfig{HMACSecret: []byte("two")})
	if _, err := auth.IdentityFromBearer(signed); err == nil {
		t.Fatalf("expected signature check to fail")
	}
}

func TestIdentityFromBearerRequiresExpiry(t *testing.T) {
	secret := []byte("test-secret")
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-1"}).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := NewAuth(AuthConfig{HMACSecret: secret}).IdentityFromBearer(signed); err == nil {
		t.Fatalf("expected token without exp to be rejected")
	}
}

func TestIdentityFromBearerWithoutJWKS(t *testing.T) {
	signed, err := SignTestToken([]byte("s"), "user-1", "", "", time.Minute)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	// RS256 mode refuses HS256 tokens before any key lookup.
	if _, err := NewAuth(AuthConfig{}).IdentityFromBearer(signed); err == nil {
		t.Fatalf("expected HS256 token to be rejected in RS256 mode")
	}
}
