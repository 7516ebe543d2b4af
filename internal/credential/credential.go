// Package credential derives and checks password verifiers so that a
// password can be recognised later without being kept.
package credential

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeyLen is the width of both the salt and the derived hash.
	KeyLen = sha512.Size

	// DefaultIterations is the PBKDF2 round count used unless configured otherwise.
	DefaultIterations = 107_831
)

var ErrEmptyPassword = errors.New("empty password")

// Hasher derives PBKDF2-HMAC-SHA512 hashes with a fixed iteration count.
type Hasher struct {
	iterations int
}

// NewHasher returns a Hasher. Non-positive iteration counts fall back to DefaultIterations.
func NewHasher(iterations int) *Hasher {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Hasher{iterations: iterations}
}

// Iterations returns the configured round count.
func (h *Hasher) Iterations() int {
	return h.iterations
}

// GenerateSalt returns KeyLen bytes from the system CSPRNG.
func (h *Hasher) GenerateSalt() ([]byte, error) {
	salt := make([]byte, KeyLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to read salt: %w", err)
	}
	return salt, nil
}

// Derive is deterministic for a given (password, salt) pair.
func (h *Hasher) Derive(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, h.iterations, KeyLen, sha512.New)
}

// Verify recomputes the hash and compares it in constant time.
func (h *Hasher) Verify(password string, hash, salt []byte) bool {
	if len(hash) != KeyLen {
		return false
	}
	return subtle.ConstantTimeCompare(h.Derive(password, salt), hash) == 1
}

// New salts and hashes password into a Verifier.
func (h *Hasher) New(password string) (*Verifier, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}
	salt, err := h.GenerateSalt()
	if err != nil {
		return nil, err
	}
	return &Verifier{
		hash:   h.Derive(password, salt),
		salt:   salt,
		hasher: h,
	}, nil
}

// Verifier is an immutable (hash, salt) pair bound to the Hasher that made it.
type Verifier struct {
	hash   []byte
	salt   []byte
	hasher *Hasher
}

// Matches reports whether password is the one the verifier was built from.
func (v *Verifier) Matches(password string) bool {
	if v == nil {
		return false
	}
	return v.hasher.Verify(password, v.hash, v.salt)
}
