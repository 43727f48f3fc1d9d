// Package keys manages the RSA signing key material for the embedded
// authorization server and exposes the public half as a JWK Set.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
)

const (
	// rsaKeyBits is the modulus size for generated signing keys.
	rsaKeyBits = 2048

	// keyIDBytes is the entropy of generated key identifiers.
	keyIDBytes = 16
)

// KeyPair is an RSA signing key with its JWKS identifier.
type KeyPair struct {
	KeyID      string
	PrivateKey *rsa.PrivateKey
}

// PublicKey returns the verification half of the pair.
func (k *KeyPair) PublicKey() *rsa.PublicKey {
	return &k.PrivateKey.PublicKey
}

// JWK is a single JSON Web Key as served from the JWKS endpoint.
type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKS is the document served from the JWKS endpoint.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// Manager owns the single active signing keypair. The key is either loaded
// from PEM-encoded configuration or generated at first use; it never rotates
// within the lifetime of the process.
type Manager struct {
	mu      sync.RWMutex
	current *KeyPair
	logger  *slog.Logger
}

// NewManager creates a Manager with no key material loaded yet.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// LoadOrGenerate initializes the signing key. When pemData is non-empty it is
// parsed as a PEM-encoded RSA private key; a parse failure is logged and the
// manager falls back to generating a fresh key, so a misconfigured deployment
// still starts (with tokens that do not survive a restart). When keyID is
// empty a random identifier is assigned.
func (m *Manager) LoadOrGenerate(pemData, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pemData != "" {
		priv, err := ParseRSAPrivateKeyPEM([]byte(pemData))
		if err != nil {
			m.logger.Warn("Failed to parse configured signing key, generating a new one",
				"error", err)
		} else {
			if keyID == "" {
				keyID, err = randomKeyID()
				if err != nil {
					return err
				}
			}
			m.current = &KeyPair{KeyID: keyID, PrivateKey: priv}
			m.logger.Info("Loaded RSA signing key from configuration", "kid", keyID)
			return nil
		}
	}

	pair, err := generateKeyPair(keyID)
	if err != nil {
		return err
	}
	m.current = pair
	m.logger.Info("Generated RSA signing key", "kid", pair.KeyID, "bits", rsaKeyBits)
	return nil
}

// Current returns the active keypair, generating one lazily if
// LoadOrGenerate was never called.
func (m *Manager) Current() (*KeyPair, error) {
	m.mu.RLock()
	if m.current != nil {
		defer m.mu.RUnlock()
		return m.current, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		pair, err := generateKeyPair("")
		if err != nil {
			return nil, err
		}
		m.current = pair
		m.logger.Info("Generated RSA signing key", "kid", pair.KeyID, "bits", rsaKeyBits)
	}
	return m.current, nil
}

// JWKS returns the JWK Set for the active key. The set always contains
// exactly one RS256 signature key.
func (m *Manager) JWKS() (*JWKS, error) {
	pair, err := m.Current()
	if err != nil {
		return nil, err
	}

	pub := pair.PublicKey()
	return &JWKS{
		Keys: []JWK{{
			Kty: "RSA",
			Use: "sig",
			Alg: "RS256",
			Kid: pair.KeyID,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}, nil
}

// ParseRSAPrivateKeyPEM parses a PEM-encoded RSA private key in either
// PKCS#1 or PKCS#8 form.
func ParseRSAPrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not RSA", parsed)
	}
	return key, nil
}

// EncodePrivateKeyPEM serializes a private key to PKCS#1 PEM. Used by tests
// and by operators exporting a generated key for reuse across restarts.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func generateKeyPair(keyID string) (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	if keyID == "" {
		keyID, err = randomKeyID()
		if err != nil {
			return nil, err
		}
	}
	return &KeyPair{KeyID: keyID, PrivateKey: priv}, nil
}

func randomKeyID() (string, error) {
	buf := make([]byte, keyIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key ID: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
