// Package auth issues and verifies gateway API keys.
//
// A key is presented as an opaque bearer token:
//
//	sk_<id>.<secret>
//
// where id is 32 lowercase hex characters and secret is 64. Only a salted
// SHA-256 of the secret is persisted; the full token is shown exactly once,
// at generation time.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	tokenPrefix  = "sk_"
	idHexLen     = 32
	secretHexLen = 64
	saltLen      = 16
)

// NewKeyID returns a fresh 32-hex key id.
func NewKeyID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// NewSecretHex returns a fresh 64-hex key secret.
func NewSecretHex() string {
	buf := make([]byte, secretHexLen/2)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("auth: crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf)
}

// NewSaltHex returns a fresh random salt, hex encoded.
func NewSaltHex() string {
	buf := make([]byte, saltLen)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("auth: crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(buf)
}

// FormatToken assembles the presented token from its parts.
func FormatToken(id, secretHex string) string {
	return tokenPrefix + id + "." + secretHex
}

// ParseToken splits a presented token into id and secret. It returns false
// for anything that does not match the sk_<32hex>.<64hex> grammar.
func ParseToken(token string) (id, secretHex string, ok bool) {
	rest, found := strings.CutPrefix(token, tokenPrefix)
	if !found {
		return "", "", false
	}
	id, secretHex, found = strings.Cut(rest, ".")
	if !found {
		return "", "", false
	}
	if len(id) != idHexLen || !isLowerHex(id) {
		return "", "", false
	}
	if len(secretHex) != secretHexLen || !isLowerHex(secretHex) {
		return "", "", false
	}
	return id, secretHex, true
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// HashSecret computes the stored hash: SHA-256(salt || secret bytes), hex
// encoded. Both inputs are hex strings.
func HashSecret(saltHex, secretHex string) (string, error) {
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("auth: bad salt: %w", err)
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return "", fmt.Errorf("auth: bad secret: %w", err)
	}
	h := sha256.New()
	h.Write(salt)
	h.Write(secret)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashEqual compares two hex-encoded hashes in constant time. Hex decoding
// happens before the comparison so timing does not depend on where the
// hashes differ.
func hashEqual(aHex, bHex string) bool {
	a, err := hex.DecodeString(aHex)
	if err != nil {
		return false
	}
	b, err := hex.DecodeString(bHex)
	if err != nil {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
