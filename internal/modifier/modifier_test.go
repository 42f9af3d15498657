package modifier

import (
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idremap/internal/identity"
)

type fixedSource struct{ p atomic.Pointer[identity.Substitute] }

func (f *fixedSource) Current() *identity.Substitute { return f.p.Load() }

func newSource(sub *identity.Substitute) *fixedSource {
	f := &fixedSource{}
	f.p.Store(sub)
	return f
}

func sampleIdentity(gen uint64, serial string) *identity.Substitute {
	return identity.NewSubstitute(gen, map[identity.Kind]string{
		identity.KindSerial:         serial,
		identity.KindNetworkAddress: "02:11:22:33:44:55",
	})
}

func TestModify_Deterministic(t *testing.T) {
	m, err := New(newSource(sampleIdentity(1, "R58M12ABCDE1")))
	require.NoError(t, err)

	a, err := m.Modify("123456789")
	require.NoError(t, err)
	b, err := m.Modify("123456789")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, int32(0))

	c, err := m.Modify("1234567890")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestModify_NonNegative(t *testing.T) {
	m, err := New(newSource(sampleIdentity(1, "R58M12ABCDE1")))
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		v, err := m.Modify(strings.Repeat("x", i%40+1) + string(rune('a'+i%26)))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, v, int32(0))
	}
}

func TestModify_DependsOnIdentity(t *testing.T) {
	m1, err := New(newSource(sampleIdentity(1, "R58M12ABCDE1")))
	require.NoError(t, err)
	m2, err := New(newSource(sampleIdentity(2, "ZX1G22KHQK00")))
	require.NoError(t, err)

	a, err := m1.Modify("123456789")
	require.NoError(t, err)
	b, err := m2.Modify("123456789")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestModify_AliasBindsToKind(t *testing.T) {
	// Same serial, different MAC and generation: an alias seed only sees the
	// serial substitute.
	s1 := sampleIdentity(1, "R58M12ABCDE1")
	s2 := identity.NewSubstitute(5, map[identity.Kind]string{
		identity.KindSerial:         "R58M12ABCDE1",
		identity.KindNetworkAddress: "06:aa:bb:cc:dd:ee",
	})
	m1, err := New(newSource(s1))
	require.NoError(t, err)
	m2, err := New(newSource(s2))
	require.NoError(t, err)

	for _, seed := range []string{"Build.SERIAL", "序列号", "ro.serialno"} {
		a, err := m1.Modify(seed)
		require.NoError(t, err)
		b, err := m2.Modify(seed)
		require.NoError(t, err)
		assert.Equal(t, a, b, seed)
	}

	a, err := m1.Modify("plain seed")
	require.NoError(t, err)
	b, err := m2.Modify("plain seed")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestModify_AliasForAbsentKindUsesIdentity(t *testing.T) {
	m, err := New(newSource(sampleIdentity(1, "R58M12ABCDE1")))
	require.NoError(t, err)
	_, err = m.Modify("IMEI")
	assert.NoError(t, err)
}

func TestModify_NFCEquivalence(t *testing.T) {
	m, err := New(newSource(sampleIdentity(1, "R58M12ABCDE1")))
	require.NoError(t, err)
	composed, err := m.Modify("caf\u00e9")
	require.NoError(t, err)
	decomposed, err := m.Modify("cafe\u0301")
	require.NoError(t, err)
	assert.Equal(t, composed, decomposed)
}

func TestModify_InvalidInput(t *testing.T) {
	m, err := New(newSource(sampleIdentity(1, "R58M12ABCDE1")))
	require.NoError(t, err)

	tests := []struct {
		name string
		seed string
	}{
		{"empty", ""},
		{"too long", strings.Repeat("a", DefaultMaxSeedLength+1)},
		{"invalid utf8", "\xff\xfe"},
		{"nul byte", "abc\x00def"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Modify(tt.seed)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	_, err = m.Modify(strings.Repeat("a", DefaultMaxSeedLength))
	assert.NoError(t, err)
}

func TestModify_NotInitialized(t *testing.T) {
	m, err := New(newSource(nil))
	require.NoError(t, err)
	_, err = m.Modify("123456789")
	assert.ErrorIs(t, err, ErrNotInitialized)

	// Input is checked before the identity.
	_, err = m.Modify("")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestNew_MaxSeedLength(t *testing.T) {
	_, err := New(newSource(nil), WithMaxSeedLength(MaxSeedLengthCap+1))
	assert.Error(t, err)
	_, err = New(newSource(nil), WithMaxSeedLength(0))
	assert.Error(t, err)

	m, err := New(newSource(sampleIdentity(1, "R58M12ABCDE1")), WithMaxSeedLength(8))
	require.NoError(t, err)
	_, err = m.Modify("123456789")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
