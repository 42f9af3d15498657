// Package modifier derives the int32 parameter returned by ModifyParams.
//
// The value is an HMAC over the canonicalized seed, keyed by the current
// substitute identity: the same seed with the same identity always yields
// the same value, and a regenerated identity yields a new one.
package modifier

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"golang.org/x/text/unicode/norm"

	"idremap/internal/identity"
	"idremap/internal/security"
)

const (
	DefaultMaxSeedLength = 256
	// MaxSeedLengthCap bounds any configured MaxSeedLength.
	MaxSeedLengthCap = 4096
)

var (
	ErrInvalidInput   = errors.New("modifier: invalid input")
	ErrNotInitialized = errors.New("modifier: no identity")
)

const (
	modifyLabel       = "idremap/modify/v1"
	kindKeyDomain     = "idremap/modify-key/v1/kind"
	identityKeyDomain = "idremap/modify-key/v1/identity"
)

// property-style keys such as ro.product.foo or Build.FOO
var propertyKey = regexp.MustCompile(`^(ro|persist|sys|Build)\.[A-Za-z0-9_.]+$`)

// IdentitySource returns the current substitute identity. store.Store
// implements it.
type IdentitySource interface {
	Current() *identity.Substitute
}

// Modifier computes modified parameters. It only reads its source.
type Modifier struct {
	src       IdentitySource
	validator *security.InputValidator
	logger    *slog.Logger
}

// Option configures a Modifier.
type Option func(*config)

type config struct {
	maxLen int
	logger *slog.Logger
}

// WithMaxSeedLength sets the byte limit on a normalized seed.
func WithMaxSeedLength(n int) Option {
	return func(c *config) { c.maxLen = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New creates a Modifier reading identities from src.
func New(src IdentitySource, opts ...Option) (*Modifier, error) {
	c := config{maxLen: DefaultMaxSeedLength, logger: slog.Default()}
	for _, opt := range opts {
		opt(&c)
	}
	if c.maxLen <= 0 || c.maxLen > MaxSeedLengthCap {
		return nil, fmt.Errorf("modifier: max seed length %d outside 1..%d", c.maxLen, MaxSeedLengthCap)
	}
	return &Modifier{
		src: src,
		validator: &security.InputValidator{
			MaxLength:   c.maxLen,
			RequireUTF8: true,
		},
		logger: c.logger.With("component", "modifier"),
	}, nil
}

// Canonicalize validates seed and returns its NFC form.
func (m *Modifier) Canonicalize(seed string) (string, error) {
	// Reject invalid UTF-8 before normalization can rewrite it.
	if err := (&security.InputValidator{RequireUTF8: true}).Validate(seed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	s := norm.NFC.String(seed)
	if s == "" {
		return "", fmt.Errorf("%w: empty seed", ErrInvalidInput)
	}
	if err := m.validator.Validate(s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s, nil
}

// Modify returns the non-negative parameter for seed.
func (m *Modifier) Modify(seed string) (int32, error) {
	s, err := m.Canonicalize(seed)
	if err != nil {
		return 0, err
	}
	sub := m.src.Current()
	if sub == nil {
		return 0, ErrNotInitialized
	}

	key := m.key(s, sub)
	mac := hmac.New(sha256.New, key[:])
	mac.Write([]byte(modifyLabel))
	mac.Write([]byte(s))
	sum := mac.Sum(nil)
	security.Wipe(key[:])

	return int32(binary.BigEndian.Uint32(sum[:4]) & 0x7fffffff), nil
}

// key binds to one kind's substitute when seed names a present kind and to
// the whole identity otherwise.
func (m *Modifier) key(seed string, sub *identity.Substitute) [32]byte {
	if k, ok := identity.Lookup(seed); ok {
		if v, ok := sub.Get(k); ok {
			return security.HashDomainSeparated(kindKeyDomain, []byte(k), []byte{0}, []byte(v))
		}
	} else if propertyKey.MatchString(seed) {
		m.logger.Debug("seed looks like an unknown property key", "seed_len", len(seed))
	}
	d := sub.Digest()
	return security.HashDomainSeparated(identityKeyDomain, d[:])
}
