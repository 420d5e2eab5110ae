// Package auth provides API key generation and verification.
//
// API keys need a deterministic, indexable hash so the user store can
// look a presented key up by equality in SQL — bcrypt's random salt
// rules it out, unlike a password hash. The teacher repo's own auth
// package hashes tunnel credentials with SHA-256 for exactly this
// reason; this package keeps that shape but swaps the digest for
// golang.org/x/crypto/blake2b, repointing the teacher's x/crypto
// dependency away from its original acme/autocert use (TLS provisioning
// is an external front-proxy concern per spec.md §1) onto the hashing
// path it already has a deterministic-digest need for.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// GenerateAPIKey returns a cryptographically random, URL-safe API key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashAPIKey returns a deterministic blake2b-256 hex digest of key
// salted with pepper, suitable for both storage and indexed lookup.
func HashAPIKey(key, pepper string) string {
	sum := blake2b.Sum256([]byte(key + ":" + pepper))
	return hex.EncodeToString(sum[:])
}

// VerifyAPIKey reports whether key (salted with pepper) hashes to hash,
// comparing digests in constant time.
func VerifyAPIKey(hash, key, pepper string) bool {
	want := HashAPIKey(key, pepper)
	if len(want) != len(hash) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(hash)) == 1
}
