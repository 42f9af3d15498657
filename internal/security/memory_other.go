//go:build !unix

package security

import "sync"

// SecureBytes is a byte slice that gets zeroed when destroyed.
type SecureBytes struct {
	mu   sync.Mutex
	data []byte
}

// FromBytes copies data and zeroes the original.
func FromBytes(data []byte) *SecureBytes {
	sb := &SecureBytes{data: make([]byte, len(data))}
	copy(sb.data, data)
	Wipe(data)
	return sb
}

func (s *SecureBytes) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

func (s *SecureBytes) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	Wipe(s.data)
	s.data = nil
}
