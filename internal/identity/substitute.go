package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Substitute is an immutable mapping from identifier kind to replacement
// value. Once built it is never mutated, so it can be shared between
// goroutines without locking.
type Substitute struct {
	generation uint64
	values     map[Kind]string
}

// NewSubstitute copies values into a new Substitute.
func NewSubstitute(generation uint64, values map[Kind]string) *Substitute {
	cp := make(map[Kind]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return &Substitute{generation: generation, values: cp}
}

// Generation counts explicit regenerations. A fresh install starts at 1.
func (s *Substitute) Generation() uint64 {
	if s == nil {
		return 0
	}
	return s.generation
}

// Get returns the substitute value for k.
func (s *Substitute) Get(k Kind) (string, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s.values[k]
	return v, ok
}

// Has reports whether a value exists for k.
func (s *Substitute) Has(k Kind) bool {
	_, ok := s.Get(k)
	return ok
}

// Len returns the number of kinds with a value.
func (s *Substitute) Len() int {
	if s == nil {
		return 0
	}
	return len(s.values)
}

// Kinds returns the kinds with a value, sorted.
func (s *Substitute) Kinds() []Kind {
	if s == nil {
		return nil
	}
	out := make([]Kind, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Values returns a copy of the underlying map.
func (s *Substitute) Values() map[Kind]string {
	if s == nil {
		return map[Kind]string{}
	}
	cp := make(map[Kind]string, len(s.values))
	for k, v := range s.values {
		cp[k] = v
	}
	return cp
}

// Validate checks every value against its kind's format invariant and the
// profile kinds against each other.
func (s *Substitute) Validate() error {
	if s == nil {
		return errors.New("identity: nil substitute")
	}
	if s.generation == 0 {
		return fmt.Errorf("%w: generation must be positive", ErrInvalidValue)
	}
	var errs []error
	for _, k := range s.Kinds() {
		if err := ValidateValue(k, s.values[k]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	if err := matchesProfile(s.values); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Digest is a stable hash over the generation and all kind=value pairs.
func (s *Substitute) Digest() [32]byte {
	h := sha256.New()
	h.Write([]byte("idremap/substitute-digest/v1"))
	var gen [8]byte
	binary.BigEndian.PutUint64(gen[:], s.Generation())
	h.Write(gen[:])
	for _, k := range s.Kinds() {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(s.values[k]))
		h.Write([]byte{'\n'})
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Equal reports whether two substitutes hold the same generation and values.
func (s *Substitute) Equal(o *Substitute) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.generation != o.generation || len(s.values) != len(o.values) {
		return false
	}
	for k, v := range s.values {
		if ov, ok := o.values[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
