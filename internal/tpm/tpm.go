// Package tpm exposes the TPM 2.0 random number generator and device
// information used when creating the install secret.
//
// A hardware TPM is optional. When none is present the store falls back to
// the operating system RNG alone.
package tpm

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Error definitions for TPM operations.
var (
	ErrTPMNotAvailable = errors.New("tpm: hardware not available")
	ErrTPMNotOpen      = errors.New("tpm: device not open")
	ErrTPMAlreadyOpen  = errors.New("tpm: device already open")
	ErrShortRead       = errors.New("tpm: random source returned too few bytes")
)

// maxRandomChunk is the largest GetRandom request issued at once. TPMs cap
// the response at the size of their largest digest.
const maxRandomChunk = 32

// Provider abstracts the TPM operations the engine needs.
// Implementations are HardwareProvider (real TPM) and SoftwareProvider
// (testing).
type Provider interface {
	// Available returns true if the TPM is present and accessible.
	Available() bool

	// Open initializes the TPM connection. Must be called before Random.
	Open() error

	// Close releases TPM resources.
	Close() error

	// Random returns up to n bytes from the TPM RNG.
	Random(n int) ([]byte, error)

	// Manufacturer returns the TPM vendor ID.
	Manufacturer() string
}

// Detect returns the hardware TPM at path, or the first accessible default
// device when path is empty. It returns nil when no TPM can be used.
func Detect(path string) Provider {
	return detectHardwareTPM(path)
}

// ReadEntropy opens p, reads exactly n random bytes, and closes it again.
func ReadEntropy(p Provider, n int) ([]byte, error) {
	if p == nil || !p.Available() {
		return nil, ErrTPMNotAvailable
	}
	if err := p.Open(); err != nil && !errors.Is(err, ErrTPMAlreadyOpen) {
		return nil, err
	}
	defer p.Close()

	out := make([]byte, 0, n)
	for len(out) < n {
		want := n - len(out)
		if want > maxRandomChunk {
			want = maxRandomChunk
		}
		b, err := p.Random(want)
		if err != nil {
			return nil, fmt.Errorf("tpm: get random: %w", err)
		}
		if len(b) == 0 {
			return nil, ErrShortRead
		}
		out = append(out, b...)
	}
	return out[:n], nil
}

// SoftwareProvider simulates a TPM RNG for testing. Output is a SHA-256
// counter stream over the seed and is fully predictable.
type SoftwareProvider struct {
	mu      sync.Mutex
	seed    []byte
	counter uint64
	isOpen  bool
}

// NewSoftwareProvider creates a simulated TPM seeded with seed.
func NewSoftwareProvider(seed []byte) *SoftwareProvider {
	return &SoftwareProvider{seed: append([]byte(nil), seed...)}
}

func (s *SoftwareProvider) Available() bool { return true }

func (s *SoftwareProvider) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isOpen {
		return ErrTPMAlreadyOpen
	}
	s.isOpen = true
	return nil
}

func (s *SoftwareProvider) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isOpen = false
	return nil
}

func (s *SoftwareProvider) Random(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isOpen {
		return nil, ErrTPMNotOpen
	}
	if n > maxRandomChunk {
		n = maxRandomChunk
	}
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], s.counter)
	s.counter++
	h := sha256.New()
	h.Write(s.seed)
	h.Write(ctr[:])
	return h.Sum(nil)[:n], nil
}

func (s *SoftwareProvider) Manufacturer() string { return "SWTPM" }
