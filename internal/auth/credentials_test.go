package auth

import (
	"strings"
	"testing"
)

func TestHashPasswordVerifies(t *testing.T) {
	t.Parallel()

	h, err := HashPassword("secret")
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyPassword(h, "secret") {
		t.Fatal("expected password to verify")
	}
	if VerifyPassword(h, "Secret") {
		t.Fatal("expected wrong password to fail")
	}
}

func TestHashPasswordSalted(t *testing.T) {
	t.Parallel()

	a, _ := HashPassword("secret")
	b, _ := HashPassword("secret")
	if a == b {
		t.Fatal("expected distinct bcrypt hashes for same password")
	}
}

func TestHashPasswordRejectsLong(t *testing.T) {
	t.Parallel()

	if _, err := HashPassword(strings.Repeat("x", 73)); err != ErrPasswordTooLong {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
}

func TestGeneratePasswordUnique(t *testing.T) {
	t.Parallel()

	a, err := GeneratePassword()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GeneratePassword()
	if a == b || len(a) != 32 {
		t.Fatalf("unexpected passwords %q %q", a, b)
	}
}

func TestConstantTimeEquals(t *testing.T) {
	t.Parallel()

	if !ConstantTimeEquals("abc", "abc") {
		t.Fatal("expected equal strings")
	}
	if ConstantTimeEquals("abc", "abd") || ConstantTimeEquals("abc", "ab") {
		t.Fatal("expected non-equal strings")
	}
}
