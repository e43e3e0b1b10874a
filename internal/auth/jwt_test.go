package auth

import (
	"testing"
	"time"
)

func TestGenerateValidateRoundTrip(t *testing.T) {
	svc := NewJWTService("test-secret", time.Hour)

	token, err := svc.Generate("user-1", "a@example.com", "admin")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "a@example.com" || claims.Role != "admin" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	token, err := NewJWTService("secret-a", time.Hour).Generate("user-1", "", "user")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := NewJWTService("secret-b", time.Hour).Validate(token); err != ErrInvalidToken {
		t.Fatalf("error = %v, want ErrInvalidToken", err)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	svc := &JWTService{secret: []byte("test-secret"), expiry: -time.Minute}
	token, err := svc.Generate("user-1", "", "user")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := svc.Validate(token); err != ErrInvalidToken {
		t.Fatalf("error = %v, want ErrInvalidToken", err)
	}
}

func TestGenerateRequiresSecret(t *testing.T) {
	svc := NewJWTService("", time.Hour)
	if _, err := svc.Generate("user-1", "", "user"); err != ErrAuthDisabled {
		t.Fatalf("error = %v, want ErrAuthDisabled", err)
	}
}
