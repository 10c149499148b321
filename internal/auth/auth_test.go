package auth

import (
	"testing"
	"time"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT("secret", "u1", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	cl, err := ParseJWT("secret", tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cl.UserID != "u1" {
		t.Fatalf("uid = %q", cl.UserID)
	}
}

func TestParseRejectsBadToken(t *testing.T) {
	tok, _ := SignJWT("secret", "u1", time.Hour)
	if _, err := ParseJWT("other-secret", tok); err == nil {
		t.Fatalf("wrong secret accepted")
	}
	if _, err := ParseJWT("secret", tok+"x"); err == nil {
		t.Fatalf("tampered token accepted")
	}
	if _, err := ParseJWT("secret", "not-a-jwt"); err == nil {
		t.Fatalf("garbage accepted")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	tok, _ := SignJWT("secret", "u1", -time.Minute)
	if _, err := ParseJWT("secret", tok); err == nil {
		t.Fatalf("expired token accepted")
	}
}
