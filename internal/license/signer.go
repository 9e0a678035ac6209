package license

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"licgate/internal/store"
)

const (
	// KeyBodyLen is the number of random characters in a key body.
	KeyBodyLen = 16
	// KeySigLen is the number of signature characters appended to the body.
	KeySigLen = 16
	// KeyRawLen is the total length of a key with dashes stripped.
	KeyRawLen = KeyBodyLen + KeySigLen

	// UniversalInstallID is the reserved binding target for keys that
	// activate on any installation.
	UniversalInstallID = "UNIVERSAL"

	keyCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	keyGroup   = 4
)

// signingPayload is the canonical input to the key signature. Field order is
// alphabetical so the serialized form is stable across versions.
type signingPayload struct {
	InstallID string `json:"install_id"`
	Key       string `json:"key"`
}

// KeySigner derives and verifies key signatures with HMAC-SHA256 over a
// canonical JSON payload. The secret is provided by deployment configuration
// and is never embedded in the binary.
type KeySigner struct {
	secret []byte
}

// NewKeySigner creates a signer from the configured secret.
func NewKeySigner(secret string) *KeySigner {
	return &KeySigner{secret: []byte(secret)}
}

// Sign computes the signature for a key body bound to an install id. The
// result is the first 16 hex characters of the HMAC digest, uppercased, so it
// fits the key alphabet.
func (s *KeySigner) Sign(body, installID string) string {
	payload, _ := json.Marshal(signingPayload{
		InstallID: installID,
		Key:       body,
	})

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	digest := hex.EncodeToString(mac.Sum(nil))

	return strings.ToUpper(digest[:KeySigLen])
}

// Verify reports whether sig is the signature of body bound to installID.
// Comparison is constant time.
func (s *KeySigner) Verify(body, sig, installID string) bool {
	expected := s.Sign(body, installID)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// FullKey is a freshly generated license key.
type FullKey struct {
	Body      string
	Signature string
}

// Raw returns the 32-character key without dashes.
func (k FullKey) Raw() string {
	return k.Body + k.Signature
}

// Formatted returns the key in the dashed distribution format.
func (k FullKey) Formatted() string {
	return FormatKey(k.Raw())
}

// GenerateKey creates a new key bound to the given install id. Pass
// UniversalInstallID for a key that activates anywhere.
func (s *KeySigner) GenerateKey(installID string) (FullKey, error) {
	body, err := randomKeyBody()
	if err != nil {
		return FullKey{}, fmt.Errorf("failed to generate key body: %w", err)
	}
	return FullKey{
		Body:      body,
		Signature: s.Sign(body, installID),
	}, nil
}

func randomKeyBody() (string, error) {
	max := big.NewInt(int64(len(keyCharset)))
	b := make([]byte, KeyBodyLen)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = keyCharset[n.Int64()]
	}
	return string(b), nil
}

// NormalizeKey uppercases a key and strips dashes and surrounding whitespace.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	key = strings.ReplaceAll(key, "-", "")
	return strings.ToUpper(key)
}

// FormatKey renders a 32-character raw key as 8 dash-separated groups of 4.
func FormatKey(raw string) string {
	if len(raw) != KeyRawLen {
		return raw
	}
	groups := make([]string, 0, KeyRawLen/keyGroup)
	for i := 0; i < len(raw); i += keyGroup {
		groups = append(groups, raw[i:i+keyGroup])
	}
	return strings.Join(groups, "-")
}

// KeyPrefix returns the first 10 characters of a formatted key, safe to
// persist and log. Stored unencrypted for uniqueness lookups.
func KeyPrefix(formatted string) string {
	if len(formatted) < store.KeyPrefixLen {
		return formatted
	}
	return formatted[:store.KeyPrefixLen]
}

// HashKey returns the SHA-256 hex digest of a normalized key. Used as the
// registry lookup hash for issued keys.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(NormalizeKey(raw)))
	return hex.EncodeToString(sum[:])
}

// maskLicenseKey returns a safe representation of a key for logs.
func maskLicenseKey(key string) string {
	if len(key) < 4 {
		return "***"
	}
	return key[:4] + "-****"
}
