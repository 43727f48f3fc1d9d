package pkce

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Verifier/challenge pair from RFC 7636 appendix B.
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier()
	require.NoError(t, err)
	assert.Len(t, v, VerifierLength)
	assert.True(t, ValidVerifier(v))
}

func TestNewVerifierUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		v, err := NewVerifier()
		require.NoError(t, err)
		assert.False(t, seen[v], "verifier collision")
		seen[v] = true
	}
}

// Every alphabet character must be reachable with uniform probability. Over
// 200 verifiers (25600 draws) each of the 66 characters is expected roughly
// 388 times, so a missing character indicates a skewed draw.
func TestNewVerifierCoversAlphabet(t *testing.T) {
	counts := make(map[byte]int)
	for i := 0; i < 200; i++ {
		v, err := NewVerifier()
		require.NoError(t, err)
		for _, c := range []byte(v) {
			counts[c]++
		}
	}

	for _, c := range []byte(verifierAlphabet) {
		assert.Positive(t, counts[c], "character %q never drawn", c)
	}
	assert.Len(t, counts, len(verifierAlphabet))
}

func TestChallengeKnownVector(t *testing.T) {
	assert.Equal(t, rfcChallenge, Challenge(rfcVerifier))
}

func TestVerify(t *testing.T) {
	assert.True(t, Verify(rfcVerifier, rfcChallenge))
	assert.False(t, Verify(rfcVerifier+"x", rfcChallenge))
	assert.False(t, Verify("", rfcChallenge))
}

// Flipping any single character of the verifier must fail verification.
func TestVerifyRejectsMutatedVerifier(t *testing.T) {
	for i := 0; i < len(rfcVerifier); i++ {
		mutated := []byte(rfcVerifier)
		if mutated[i] == 'A' {
			mutated[i] = 'B'
		} else {
			mutated[i] = 'A'
		}
		assert.False(t, Verify(string(mutated), rfcChallenge), "mutation at %d accepted", i)
	}
}

func TestValidVerifier(t *testing.T) {
	assert.True(t, ValidVerifier(rfcVerifier))
	assert.False(t, ValidVerifier("too-short"))
	assert.False(t, ValidVerifier(string(make([]byte, 129))))

	invalid := []byte(rfcVerifier)
	invalid[0] = '!'
	assert.False(t, ValidVerifier(string(invalid)))
}
