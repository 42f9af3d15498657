package store

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"idremap/internal/identity"
	"idremap/internal/security"
)

const keyCheckLabel = "idremap/key-check/v1"

// sealer encrypts substitute values at rest. The kind is bound as
// additional data so a row cannot be moved to another kind.
type sealer struct {
	aead     cipher.AEAD
	keyCheck []byte
}

func newSealer(secret *Secret) (*sealer, error) {
	key, err := secret.Key(PurposeSeal)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}

	checkKey, err := secret.Key(PurposeCheck)
	if err != nil {
		return nil, err
	}
	defer security.Wipe(checkKey)
	mac := hmac.New(sha256.New, checkKey)
	mac.Write([]byte(keyCheckLabel))

	return &sealer{aead: aead, keyCheck: mac.Sum(nil)}, nil
}

func (s *sealer) seal(k identity.Kind, value string) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(value)+s.aead.Overhead())
	if err := security.GenerateSecureRandom(nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, []byte(value), []byte(k)), nil
}

func (s *sealer) open(k identity.Kind, blob []byte) (string, error) {
	ns := s.aead.NonceSize()
	if len(blob) < ns+s.aead.Overhead() {
		return "", fmt.Errorf("%w: %s: truncated", ErrSealed, k)
	}
	pt, err := s.aead.Open(nil, blob[:ns], blob[ns:], []byte(k))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrSealed, k)
	}
	return string(pt), nil
}

// matches reports whether check was produced by the same install secret.
func (s *sealer) matches(check []byte) bool {
	return security.ConstantTimeCompare(s.keyCheck, check)
}
