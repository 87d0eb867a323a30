package auth

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashPasswordAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "" || hash == "s3cret" {
		t.Fatalf("unexpected hash %q", hash)
	}
	if !CheckPassword("s3cret", hash) {
		t.Fatalf("expected password check to pass")
	}
	if CheckPassword("wrong", hash) {
		t.Fatalf("expected password check to fail")
	}
}

func TestHashIsSalted(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)
	a, err := h.Hash("same")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	b, err := h.Hash("same")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct digests for the same password")
	}
	if !h.Verify("same", a) || !h.Verify("same", b) {
		t.Fatalf("both digests should verify")
	}
}

func TestVerifyRejectsMalformedDigest(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)
	for _, digest := range []string{"", "not-a-hash", "$2a$04$short"} {
		if h.Verify("anything", digest) {
			t.Fatalf("digest %q should not verify", digest)
		}
	}
}

func TestNewHasherClampsCost(t *testing.T) {
	if got := NewHasher(0).Cost; got != bcrypt.DefaultCost {
		t.Fatalf("zero cost = %d, want default", got)
	}
	if got := NewHasher(1).Cost; got != bcrypt.MinCost {
		t.Fatalf("low cost = %d, want min", got)
	}
	if got := NewHasher(99).Cost; got != bcrypt.MaxCost {
		t.Fatalf("high cost = %d, want max", got)
	}
}

func TestHashRejectsLongPassword(t *testing.T) {
	_, err := NewHasher(bcrypt.MinCost).Hash(strings.Repeat("a", 73))
	if !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("expected ErrPasswordTooLong, got %v", err)
	}
}
