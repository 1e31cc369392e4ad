package auth

import (
	"errors"
	"testing"
	"time"
)

func TestSignAndParse(t *testing.T) {
	tok, err := SignJWT("user-42", "s3cret", time.Hour)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	uid, err := ParseJWT(tok, "s3cret")
	if err != nil || uid != "user-42" {
		t.Fatalf("parse: %q %v", uid, err)
	}
	if _, err := ParseJWT(tok, "other"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}

	expired, _ := SignJWT("user-42", "s3cret", -time.Minute)
	if _, err := ParseJWT(expired, "s3cret"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
}

func TestExtractToken(t *testing.T) {
	if tok, err := ExtractToken("Bearer abc.def"); err != nil || tok != "abc.def" {
		t.Fatalf("got %q %v", tok, err)
	}
	for _, h := range []string{"", "Bearer", "Basic abc", "Bearer   "} {
		if _, err := ExtractToken(h); err == nil {
			t.Fatalf("expected error for %q", h)
		}
	}
}
