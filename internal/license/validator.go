package license

import (
	"regexp"

	apperrors "licgate/internal/errors"
)

// Binding identifies how a key is bound after successful validation.
type Binding string

const (
	// BindingInstallation means the key was signed for this specific
	// installation.
	BindingInstallation Binding = "installation"
	// BindingUniversal means the key carries the universal binding and
	// activates on any installation.
	BindingUniversal Binding = "universal"
)

var rawKeyPattern = regexp.MustCompile(`^[A-Z0-9]{32}$`)

// ValidKeyFormat reports whether a normalized key has the expected shape.
func ValidKeyFormat(raw string) bool {
	return rawKeyPattern.MatchString(raw)
}

// KeyValidator checks key format and signature binding. Format is checked
// first so malformed input is rejected before any crypto runs.
type KeyValidator struct {
	signer *KeySigner
}

// NewKeyValidator creates a validator backed by the given signer.
func NewKeyValidator(signer *KeySigner) *KeyValidator {
	return &KeyValidator{signer: signer}
}

// Validate normalizes the key, checks its shape, and verifies the signature
// against the installation binding first and the universal binding second.
func (v *KeyValidator) Validate(key, installID string) (Binding, error) {
	raw := NormalizeKey(key)
	if !rawKeyPattern.MatchString(raw) {
		return "", apperrors.ErrInvalidFormat
	}

	body := raw[:KeyBodyLen]
	sig := raw[KeyBodyLen:]

	if v.signer.Verify(body, sig, installID) {
		return BindingInstallation, nil
	}
	if v.signer.Verify(body, sig, UniversalInstallID) {
		return BindingUniversal, nil
	}

	return "", apperrors.ErrInvalidSignature
}
