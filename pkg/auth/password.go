package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// ErrPasswordTooLong is returned for passwords bcrypt would silently truncate.
var ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

// Hasher hashes and verifies passwords with bcrypt at a fixed cost.
type Hasher struct {
	Cost int
}

// NewHasher clamps cost into bcrypt's accepted range. Zero selects bcrypt.DefaultCost.
func NewHasher(cost int) Hasher {
	switch {
	case cost == 0:
		cost = bcrypt.DefaultCost
	case cost < bcrypt.MinCost:
		cost = bcrypt.MinCost
	case cost > bcrypt.MaxCost:
		cost = bcrypt.MaxCost
	}
	return Hasher{Cost: cost}
}

// Hash returns a salted bcrypt digest of password.
func (h Hasher) Hash(password string) (string, error) {
	if len(password) > 72 {
		return "", ErrPasswordTooLong
	}
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	digest, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// Verify reports whether password matches digest. Malformed or empty
// digests never match.
func (h Hasher) Verify(password, digest string) bool {
	if digest == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
}

var defaultHasher = NewHasher(0)

// HashPassword hashes with the default cost.
func HashPassword(password string) (string, error) {
	return defaultHasher.Hash(password)
}

// CheckPassword verifies against a digest produced by any cost.
func CheckPassword(password, digest string) bool {
	return defaultHasher.Verify(password, digest)
}
