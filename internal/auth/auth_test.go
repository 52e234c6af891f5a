package auth

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef-test"

func TestGenerateAndValidate(t *testing.T) {
	tokens, err := NewTokens(testSecret)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	token, exp, err := tokens.GenerateToken("user-42", []string{"Admin", "retail", "admin"}, 30*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expected future expiration, got %v", exp)
	}

	claims, err := tokens.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-42" || claims.Issuer != DefaultIssuer {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Roles) != 2 || !slices.Contains(claims.Roles, "admin") || !slices.Contains(claims.Roles, "retail") {
		t.Fatalf("roles were not normalized: %v", claims.Roles)
	}
	if claims.ID == "" {
		t.Fatal("expected jti")
	}
}

func TestNewTokensRejectsWeakSecret(t *testing.T) {
	if _, err := NewTokens("  "); !errors.Is(err, ErrMissingSecret) {
		t.Fatalf("blank secret: err = %v", err)
	}
	if _, err := NewTokens("short"); err == nil {
		t.Fatal("short secret accepted")
	}
}

func TestParseRejectsForeignTokens(t *testing.T) {
	tokens, _ := NewTokens(testSecret)
	other, _ := NewTokens("another-secret-of-length", WithIssuer("elsewhere"))
	sameKeyOtherIssuer, _ := NewTokens(testSecret, WithIssuer("elsewhere"))

	foreign, _, _ := other.GenerateToken("u", []string{RoleAdmin}, time.Minute)
	wrongIss, _, _ := sameKeyOtherIssuer.GenerateToken("u", []string{RoleAdmin}, time.Minute)
	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Issuer: DefaultIssuer, Subject: "u"}})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, tok := range map[string]string{
		"wrong key":    foreign,
		"wrong issuer": wrongIss,
		"alg none":     unsigned,
		"garbage":      "not.a.jwt",
		"empty":        "",
	} {
		if _, err := tokens.ParseAndValidate(tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("%s: err = %v, want ErrInvalidToken", name, err)
		}
	}
}

func TestParseRejectsExpired(t *testing.T) {
	now := time.Now()
	tokens, _ := NewTokens(testSecret, WithClock(func() time.Time { return now }))
	tok, _, err := tokens.GenerateToken("u", []string{RoleRetail}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if _, err := tokens.ParseAndValidate(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token accepted: %v", err)
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	tokens, _ := NewTokens(testSecret)
	if _, _, err := tokens.GenerateToken(" ", nil, time.Minute); err == nil {
		t.Fatal("blank user accepted")
	}
	if _, _, err := tokens.GenerateToken("u", nil, 0); err == nil {
		t.Fatal("zero ttl accepted")
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithUser(ctx, "user-7", []string{"Admin", "Admin", "retail"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	roles := RolesFromContext(ctx)
	if len(roles) != 2 {
		t.Fatalf("expected deduplicated roles, got %v", roles)
	}
	if !HasRole(ctx, "retail") || !HasRole(ctx, "admin") {
		t.Fatalf("HasRole missing expected roles: %v", roles)
	}
	if HasRole(ctx, RoleFulfillment) {
		t.Fatalf("unexpected role found")
	}
	if !HasAnyRole(ctx, RoleFulfillment, RoleAdmin) || HasAnyRole(ctx, RoleFulfillment) {
		t.Fatalf("HasAnyRole mismatch for %v", roles)
	}
}

func TestKnownRole(t *testing.T) {
	for _, r := range []string{"admin", " Retail ", "FULFILLMENT"} {
		if !KnownRole(r) {
			t.Fatalf("KnownRole(%q) = false", r)
		}
	}
	if KnownRole("viewer") {
		t.Fatal("viewer is not a passport role")
	}
}
