// Package subdomain validates and generates subdomain labels, per
// spec.md §4.2.
package subdomain

import (
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"strings"
)

// labelPattern matches the required 3-63 char lowercase-alphanumeric-and-dash
// format. Length is checked separately so the error can distinguish length
// from character-class failures if ever needed.
var labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// reserved names may never be allocated to a tunnel, to avoid ambiguity
// with infrastructure hostnames.
var reserved = map[string]struct{}{
	"www": {}, "api": {}, "admin": {}, "dashboard": {}, "app": {},
	"mail": {}, "ftp": {}, "localhost": {}, "webmail": {}, "smtp": {},
	"pop": {}, "ns": {}, "dns": {}, "support": {}, "help": {},
	"secure": {}, "ssl": {}, "vpn": {},
}

const (
	minLength     = 3
	maxLength     = 63
	generatedHexLen = 8
)

// Validate reports whether s is an acceptable subdomain label: length in
// [3,63], matching the required character class case-insensitively, and
// not a reserved infrastructure name. Reserved/format checks run before
// any authentication, per spec.md §4.2.
func Validate(s string) bool {
	lower := strings.ToLower(s)
	if len(lower) < minLength || len(lower) > maxLength {
		return false
	}
	if !labelPattern.MatchString(lower) {
		return false
	}
	if _, blocked := reserved[lower]; blocked {
		return false
	}
	return true
}

// Generate returns a cryptographically random lowercase hex label of fixed
// length 8.
func Generate() (string, error) {
	b := make([]byte, generatedHexLen/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
