// Package pkce implements the Proof Key for Code Exchange pieces of the
// authorization flow (RFC 7636). Only the S256 challenge method is supported;
// the plain method is rejected at the authorization endpoint.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

const (
	// MethodS256 is the only accepted code_challenge_method.
	MethodS256 = "S256"

	// VerifierLength is the length of verifiers generated by NewVerifier.
	// RFC 7636 allows 43-128 characters; we always generate the maximum.
	VerifierLength = 128

	// MinVerifierLength is the RFC 7636 lower bound accepted from clients.
	MinVerifierLength = 43
)

// verifierAlphabet is the unreserved URL-safe character set from RFC 7636
// section 4.1.
const verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// NewVerifier returns a fresh 128-character code verifier drawn uniformly
// from the unreserved alphabet using crypto/rand. Bytes at or above the
// largest multiple of the alphabet size are rejected so no character is
// favored by the modulo reduction.
func NewVerifier() (string, error) {
	const limit = byte(len(verifierAlphabet) * (256 / len(verifierAlphabet)))

	out := make([]byte, 0, VerifierLength)
	buf := make([]byte, VerifierLength)
	for len(out) < VerifierLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, verifierAlphabet[int(b)%len(verifierAlphabet)])
			if len(out) == VerifierLength {
				break
			}
		}
	}
	return string(out), nil
}

// Challenge derives the S256 code challenge for a verifier:
// base64url(SHA-256(verifier)) without padding.
func Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Verify reports whether the verifier matches the stored challenge. The
// comparison is constant time so code exchange does not leak how many
// characters of the derived challenge matched.
func Verify(verifier, challenge string) bool {
	derived := Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}

// ValidVerifier reports whether s is a syntactically valid code verifier:
// 43-128 characters from the unreserved alphabet.
func ValidVerifier(s string) bool {
	if len(s) < MinVerifierLength || len(s) > VerifierLength {
		return false
	}
	for _, c := range []byte(s) {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}
