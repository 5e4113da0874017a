package api

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")

	token, expiresAt, err := GenerateToken(secret, "default", "client7")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !expiresAt.After(time.Now()) {
		t.Error("expiry should be in the future")
	}

	claims, err := verifyToken(secret, token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "client7" {
		t.Errorf("subject = %q", claims.Subject)
	}
	if claims.Service != "default" {
		t.Errorf("service = %q", claims.Service)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	token, _, err := GenerateToken([]byte("secret-a"), "default", "client7")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := verifyToken([]byte("secret-b"), token); err == nil {
		t.Error("verify with the wrong secret should fail")
	}
}

func TestTokenGarbage(t *testing.T) {
	if _, err := verifyToken([]byte("secret"), "not-a-token"); err == nil {
		t.Error("garbage token should fail")
	}
	if _, err := verifyToken([]byte("secret"), ""); err == nil {
		t.Error("empty token should fail")
	}
}
