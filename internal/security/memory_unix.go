//go:build unix

package security

import (
	"sync"

	"golang.org/x/sys/unix"
)

// SecureBytes is a byte slice that gets zeroed when destroyed and is kept
// out of swap where the platform allows.
type SecureBytes struct {
	mu     sync.Mutex
	data   []byte
	locked bool
}

// FromBytes copies data into locked memory and zeroes the original.
func FromBytes(data []byte) *SecureBytes {
	sb := &SecureBytes{data: make([]byte, len(data))}
	copy(sb.data, data)
	Wipe(data)
	if len(sb.data) > 0 && unix.Mlock(sb.data) == nil {
		sb.locked = true
	}
	return sb
}

// Bytes returns the underlying slice. Do not retain it.
func (s *SecureBytes) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Len returns the length of the secure bytes.
func (s *SecureBytes) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Destroy wipes and unlocks the memory.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return
	}
	Wipe(s.data)
	if s.locked {
		_ = unix.Munlock(s.data)
		s.locked = false
	}
	s.data = nil
}
