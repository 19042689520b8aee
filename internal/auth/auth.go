// Package auth implements credential handling: API key generation and
// verification, and password hashing.
//
// API keys are random tokens shown to the user exactly once. Only an
// HMAC-SHA256 of the plaintext, keyed with a server-side pepper, reaches
// the database, so a leaked table of hashes cannot be replayed against the
// API and cannot be cracked offline without the pepper.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix marks Inkwell API keys so a plaintext key is recognizable in
// shell history and config files.
const KeyPrefix = "ink_"

// keyEntropy is the random bytes per generated key, before encoding.
const keyEntropy = 32

// bcryptCost trades login latency for brute-force resistance.
const bcryptCost = 12

// Keys hashes and verifies API keys under a fixed pepper.
type Keys struct {
	pepper []byte
}

// NewKeys builds a Keys helper. The pepper comes from configuration and
// must not be empty; rotating it invalidates every issued key.
func NewKeys(pepper string) (*Keys, error) {
	if pepper == "" {
		return nil, fmt.Errorf("api key pepper is empty")
	}
	return &Keys{pepper: []byte(pepper)}, nil
}

// Generate mints a new API key. The plaintext is returned exactly once;
// callers store only the hash.
func (k *Keys) Generate() (plaintext, hash string, err error) {
	buf := make([]byte, keyEntropy)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating api key: %w", err)
	}
	plaintext = KeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	return plaintext, k.Hash(plaintext), nil
}

// Hash returns the hex HMAC-SHA256 of a plaintext key under the pepper.
// The store indexes keys by this value, so lookup doubles as verification.
func (k *Keys) Hash(plaintext string) string {
	mac := hmac.New(sha256.New, k.pepper)
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether a plaintext key matches a stored hash, in
// constant time.
func (k *Keys) Verify(plaintext, storedHash string) bool {
	return hmac.Equal([]byte(k.Hash(plaintext)), []byte(storedHash))
}

// Redact shortens a plaintext key for log output, keeping the prefix and
// the last four characters.
func Redact(plaintext string) string {
	if len(plaintext) <= len(KeyPrefix)+4 {
		return "****"
	}
	return KeyPrefix + "****" + plaintext[len(plaintext)-4:]
}

// LooksLikeKey reports whether a bearer credential has the API key shape.
// It does not verify anything; it lets callers produce a clearer error for
// credentials that were never keys.
func LooksLikeKey(s string) bool {
	return strings.HasPrefix(s, KeyPrefix) && len(s) > len(KeyPrefix)
}

// HashPassword hashes a password with bcrypt. Inputs longer than 72 bytes
// are rejected by the underlying implementation.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password is empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(h), nil
}

// CheckPassword reports whether a password matches a bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
