package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"golang.org/x/crypto/hkdf"
)

// MinKeySize is the minimum derive key length in bytes.
const MinKeySize = 32

// derivedSize is the amount of key material expanded per kind.
const derivedSize = 32

var ErrKeyTooShort = errors.New("identity: derive key too short")

// Source supplies the real attributes a substitute is derived from.
// Implemented by snapshot.Snapshot.
type Source interface {
	// Binding returns bytes tying the derivation to the application
	// (package name and signing certificates).
	Binding() []byte
	// Value returns the real value of k and whether it was available.
	Value(k Kind) (string, bool)
}

// Generator derives substitute identities with HKDF-SHA256 keyed by the
// install secret. Output is reproducible for a fixed key and source and
// cannot be inverted to recover the source values.
type Generator struct {
	key   []byte
	kinds []Kind
}

// NewGenerator creates a generator for the given kinds. With no kinds the
// whole catalog is enabled.
func NewGenerator(key []byte, kinds ...Kind) (*Generator, error) {
	if len(key) < MinKeySize {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrKeyTooShort, len(key), MinKeySize)
	}
	if len(kinds) == 0 {
		kinds = Kinds()
	}
	for _, k := range kinds {
		if !k.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
		}
	}
	g := &Generator{
		key:   append([]byte(nil), key...),
		kinds: append([]Kind(nil), kinds...),
	}
	return g, nil
}

// Kinds returns the kinds this generator produces.
func (g *Generator) Kinds() []Kind {
	return append([]Kind(nil), g.kinds...)
}

// Generate returns existing unchanged when it is valid and already covers
// every kind src makes available. A valid existing identity that lacks some
// newly available kinds keeps its values and gains the missing ones. An
// absent or invalid existing identity is replaced by a fresh derivation.
func (g *Generator) Generate(src Source, existing *Substitute) (*Substitute, error) {
	want := g.available(src)

	if existing != nil && existing.Validate() == nil {
		var missing []Kind
		for _, k := range want {
			if !existing.Has(k) {
				missing = append(missing, k)
			}
		}
		if len(missing) == 0 {
			return existing, nil
		}
		derived, err := g.derive(src, existing.Generation(), missing)
		if err != nil {
			return nil, err
		}
		merged := existing.Values()
		for k, v := range derived {
			merged[k] = v
		}
		return g.finish(existing.Generation(), merged)
	}

	gen := uint64(1)
	if existing.Generation() > 0 {
		gen = existing.Generation()
	}
	values, err := g.derive(src, gen, want)
	if err != nil {
		return nil, err
	}
	return g.finish(gen, values)
}

// Regenerate derives a fresh identity under the next generation number so
// every value changes. Kinds held by previous are rotated even when src no
// longer has a real value for them; their derivation then uses an empty
// real attribute.
func (g *Generator) Regenerate(src Source, previous *Substitute) (*Substitute, error) {
	gen := previous.Generation() + 1
	kinds := g.available(src)
	for _, k := range previous.Kinds() {
		if !slices.Contains(kinds, k) {
			kinds = append(kinds, k)
		}
	}
	values, err := g.derive(src, gen, kinds)
	if err != nil {
		return nil, err
	}
	return g.finish(gen, values)
}

func (g *Generator) finish(gen uint64, values map[Kind]string) (*Substitute, error) {
	s := NewSubstitute(gen, values)
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("identity: generated substitute invalid: %w", err)
	}
	return s, nil
}

// available lists the enabled kinds src has a real value for. Profile kinds
// count as available when any profile attribute is present.
func (g *Generator) available(src Source) []Kind {
	profilePresent := false
	for _, k := range ProfileKinds() {
		if _, ok := src.Value(k); ok {
			profilePresent = true
			break
		}
	}
	var out []Kind
	for _, k := range g.kinds {
		if k.IsProfile() {
			if profilePresent {
				out = append(out, k)
			}
			continue
		}
		if _, ok := src.Value(k); ok {
			out = append(out, k)
		}
	}
	return out
}

func (g *Generator) derive(src Source, gen uint64, kinds []Kind) (map[Kind]string, error) {
	salt := sha256.Sum256(src.Binding())
	out := make(map[Kind]string, len(kinds))

	var profile *Profile
	for _, k := range kinds {
		if k.IsProfile() {
			if profile == nil {
				// Profile kinds share one stream so the group stays coherent
				// no matter which members are derived together.
				b, err := g.expand(salt[:], "profile", gen, "")
				if err != nil {
					return nil, err
				}
				p := profileFor(b)
				profile = &p
			}
			out[k] = profile.values()[k]
			continue
		}

		actual, _ := src.Value(k)
		b, err := g.expand(salt[:], string(k), gen, actual)
		if err != nil {
			return nil, err
		}
		v, err := format(k, b)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (g *Generator) expand(salt []byte, label string, gen uint64, actual string) ([]byte, error) {
	info := make([]byte, 0, 32+len(label)+len(actual))
	info = append(info, "idremap/v1/"...)
	info = append(info, label...)
	info = append(info, 0)
	info = binary.BigEndian.AppendUint64(info, gen)
	info = append(info, actual...)

	r := hkdf.New(sha256.New, g.key, salt, info)
	b := make([]byte, derivedSize)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("identity: hkdf expand: %w", err)
	}
	return b, nil
}
