// Package snapshot captures the identifying attributes of the running
// application and parks them behind opaque handles until Init consumes them.
package snapshot

import (
	"crypto/sha256"
	"sort"
	"time"
	"unicode/utf16"

	"idremap/internal/identity"
	"idremap/internal/security"
)

// Reason explains why an attribute is absent.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonPermissionDenied Reason = "permission-denied"
	ReasonUnavailable      Reason = "unavailable"
)

// Attribute is one captured value or an explicit absent marker.
type Attribute struct {
	Kind    identity.Kind
	Value   string
	Present bool
	Reason  Reason
}

// Snapshot is the set of real attributes captured by one GetAppInfo call.
// It is never modified after Collect returns, except by Discard.
type Snapshot struct {
	packageName  string
	signatures   [][]byte
	firstInstall time.Time
	lastUpdate   time.Time
	capturedAt   time.Time
	attrs        map[identity.Kind]Attribute
	discarded    bool
}

// PackageName returns the application package name, empty if unknown.
func (s *Snapshot) PackageName() string { return s.packageName }

// Signatures returns copies of the signing certificates.
func (s *Snapshot) Signatures() [][]byte {
	out := make([][]byte, len(s.signatures))
	for i, sig := range s.signatures {
		out[i] = append([]byte(nil), sig...)
	}
	return out
}

func (s *Snapshot) FirstInstall() time.Time { return s.firstInstall }
func (s *Snapshot) LastUpdate() time.Time   { return s.lastUpdate }
func (s *Snapshot) CapturedAt() time.Time   { return s.capturedAt }

// Valid reports whether the snapshot identifies an application at all.
func (s *Snapshot) Valid() bool {
	return s != nil && !s.discarded && s.packageName != ""
}

// Attribute returns the captured attribute for k. Kinds that were never
// queried are reported unavailable.
func (s *Snapshot) Attribute(k identity.Kind) Attribute {
	if a, ok := s.attrs[k]; ok {
		return a
	}
	return Attribute{Kind: k, Reason: ReasonUnavailable}
}

// Attributes returns every captured attribute sorted by kind.
func (s *Snapshot) Attributes() []Attribute {
	out := make([]Attribute, 0, len(s.attrs))
	for _, a := range s.attrs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Value implements identity.Source.
func (s *Snapshot) Value(k identity.Kind) (string, bool) {
	a, ok := s.attrs[k]
	if !ok || !a.Present {
		return "", false
	}
	return a.Value, true
}

// Available lists the kinds with a present value.
func (s *Snapshot) Available() []identity.Kind {
	var out []identity.Kind
	for _, a := range s.Attributes() {
		if a.Present {
			out = append(out, a.Kind)
		}
	}
	return out
}

// Binding implements identity.Source: the package name followed by the
// SHA-256 of each signature.
func (s *Snapshot) Binding() []byte {
	b := make([]byte, 0, len(s.packageName)+1+len(s.signatures)*sha256.Size)
	b = append(b, s.packageName...)
	b = append(b, 0)
	for _, sig := range s.signatures {
		d := sha256.Sum256(sig)
		b = append(b, d[:]...)
	}
	return b
}

// Summary is the integer getAppInfo reports: the hash of the first signing
// certificate as Android's Signature.hashCode computes it, or the package
// name's String.hashCode when no signature was captured.
func (s *Snapshot) Summary() int32 {
	if len(s.signatures) > 0 {
		return bytesHashCode(s.signatures[0])
	}
	return stringHashCode(s.packageName)
}

// Discard wipes the captured values. The snapshot must not be used
// afterwards.
func (s *Snapshot) Discard() {
	if s == nil || s.discarded {
		return
	}
	for _, sig := range s.signatures {
		security.Wipe(sig)
	}
	s.signatures = nil
	for k := range s.attrs {
		delete(s.attrs, k)
	}
	s.packageName = ""
	s.discarded = true
}

// Discarded reports whether Discard has run.
func (s *Snapshot) Discarded() bool { return s.discarded }

// bytesHashCode matches java.util.Arrays.hashCode(byte[]).
func bytesHashCode(b []byte) int32 {
	h := int32(1)
	for _, c := range b {
		h = 31*h + int32(int8(c))
	}
	return h
}

// stringHashCode matches java.lang.String.hashCode over UTF-16 code units.
func stringHashCode(s string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = 31*h + int32(c)
	}
	return h
}
