package store

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"idremap/internal/security"
	"idremap/internal/tpm"
)

// SecretSize is the install secret length in bytes.
const SecretSize = 32

const (
	secretFileName = "install.secret"
	lockFileName   = "install.lock"
)

var ErrSecretCorrupt = errors.New("store: install secret is corrupt")

// Purposes for keys derived from the install secret.
const (
	PurposeSeal   = "seal"
	PurposeDerive = "derive"
	PurposeCheck  = "check"
)

// Secret is the per-install random key all derivations start from. It never
// leaves the install directory.
type Secret struct {
	b *security.SecureBytes
}

// NewSecret wraps b, which must be SecretSize bytes. b is zeroed.
func NewSecret(b []byte) (*Secret, error) {
	if len(b) != SecretSize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrSecretCorrupt, len(b), SecretSize)
	}
	if err := security.ValidateKeyStrength(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretCorrupt, err)
	}
	return &Secret{b: security.FromBytes(b)}, nil
}

// GenerateSecret creates a fresh secret from the OS RNG, mixed with TPM
// entropy when entropy is non-nil.
func GenerateSecret(entropy tpm.Provider) (*Secret, error) {
	random := make([]byte, SecretSize)
	if err := security.GenerateSecureRandom(random); err != nil {
		return nil, err
	}
	defer security.Wipe(random)

	h := sha256.New()
	h.Write([]byte("idremap/install-secret/v1"))
	h.Write(random)
	if entropy != nil {
		hw, err := tpm.ReadEntropy(entropy, SecretSize)
		if err != nil {
			return nil, fmt.Errorf("tpm entropy: %w", err)
		}
		h.Write(hw)
		security.Wipe(hw)
	}
	return NewSecret(h.Sum(nil))
}

// LoadOrCreateSecret loads <dir>/install.secret, creating it when absent.
// An existing file of the wrong size or with loose permissions is an error,
// never silently replaced.
func LoadOrCreateSecret(dir string, entropy tpm.Provider) (*Secret, bool, error) {
	if err := security.EnsureSecureDir(dir); err != nil {
		return nil, false, fmt.Errorf("%w: install dir: %v", ErrStorage, err)
	}

	// Serialize creation between processes sharing the install dir.
	lock, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_RDWR|os.O_CREATE, security.PermSecretFile)
	if err != nil {
		return nil, false, fmt.Errorf("%w: open lock: %v", ErrStorage, err)
	}
	defer lock.Close()
	if err := security.LockFile(lock); err != nil {
		return nil, false, fmt.Errorf("%w: lock: %v", ErrStorage, err)
	}
	defer security.UnlockFile(lock)

	path := filepath.Join(dir, secretFileName)
	data, err := security.ReadSecureFile(path, SecretSize*2)
	switch {
	case err == nil:
		s, err := NewSecret(data)
		if err != nil {
			return nil, false, err
		}
		return s, false, nil
	case errors.Is(err, security.ErrInsecurePermissions):
		return nil, false, fmt.Errorf("%w: %v", ErrSecretCorrupt, err)
	case !errors.Is(err, fs.ErrNotExist):
		return nil, false, fmt.Errorf("%w: read secret: %v", ErrStorage, err)
	}

	s, err := GenerateSecret(entropy)
	if err != nil {
		return nil, false, err
	}
	raw := append([]byte(nil), s.b.Bytes()...)
	defer security.Wipe(raw)
	if err := security.WriteSecretFile(path, raw); err != nil {
		s.Wipe()
		return nil, false, fmt.Errorf("%w: write secret: %v", ErrStorage, err)
	}
	return s, true, nil
}

// Key derives the purpose-specific subkey.
func (s *Secret) Key(purpose string) ([]byte, error) {
	if s == nil || s.b.Len() == 0 {
		return nil, errors.New("store: secret wiped")
	}
	return security.DeriveKeyWithLabel(s.b.Bytes(), "secret/v1/"+purpose, security.RecommendedKeySize)
}

// Wipe destroys the secret. Later Key calls fail.
func (s *Secret) Wipe() {
	if s != nil {
		s.b.Destroy()
	}
}
