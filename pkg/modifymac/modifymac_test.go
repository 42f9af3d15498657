package modifymac

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idremap/internal/config"
	"idremap/internal/engine"
	"idremap/internal/identity"
	"idremap/internal/intercept"
	"idremap/internal/snapshot"
	"idremap/internal/store"
)

const realMAC = "3c:22:fb:01:02:03"

func appContext() *snapshot.StaticContext {
	return &snapshot.StaticContext{
		Package:      "com.example.app",
		Certs:        [][]byte{[]byte("signing-certificate")},
		FirstInstall: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Attributes: map[identity.Kind]string{
			identity.KindNetworkAddress: realMAC,
			identity.KindAndroidID:      "1111222233334444",
			identity.KindSerial:         "REALSERIAL01",
		},
	}
}

func setup(t *testing.T, opts ...Option) {
	t.Helper()
	require.NoError(t, Reset())
	require.NoError(t, Setup(opts...))
	t.Cleanup(func() { Reset() })
}

func TestBeforeSetup(t *testing.T) {
	require.NoError(t, Reset())

	assert.Equal(t, NotInitialized, ModifyParams("123456789"))
	assert.Equal(t, NotInitialized, Init(0))
	assert.Equal(t, NotInitialized, GetAppInfo(appContext()))
	_, err := Get("mac")
	assert.ErrorIs(t, err, engine.ErrNotInitialized)
	assert.Nil(t, Engine())
}

func TestLifecycle(t *testing.T) {
	pc := appContext()
	setup(t, WithMemoryStore(), WithOriginal(intercept.AttributeSource(pc.Attribute)))

	h := GetAppInfo(pc)
	require.GreaterOrEqual(t, h, int32(0))

	assert.Equal(t, NotInitialized, ModifyParams("123456789"), "modify before init")
	assert.Equal(t, OK, Init(h))

	v := ModifyParams("123456789")
	assert.GreaterOrEqual(t, v, int32(0))
	assert.Equal(t, v, ModifyParams("123456789"))

	mac, err := Get("mac")
	require.NoError(t, err)
	assert.NotEqual(t, realMAC, mac)

	assert.ErrorIs(t, Setup(WithMemoryStore()), ErrAlreadySetup)

	// A repeated Init returns the first status.
	assert.Equal(t, OK, Init(GetAppInfo(pc)))
}

func TestStatusCodes(t *testing.T) {
	setup(t, WithMemoryStore())

	assert.Equal(t, InvalidHandle, Init(12345), "no snapshot pending")
	assert.Equal(t, InvalidHandle, Init(-1), "unavailable handle")

	require.NoError(t, Reset())
	require.NoError(t, Setup(WithMemoryStore()))
	require.Equal(t, OK, Init(GetAppInfo(appContext())))
	assert.Equal(t, InvalidInput, ModifyParams(""))
	assert.Equal(t, InvalidInput, ModifyParams("bad\x00seed"))
}

type panickingHooker struct{}

func (panickingHooker) Install(intercept.EntryPoint, intercept.Impl) error { panic("hook exploded") }
func (panickingHooker) Remove(intercept.EntryPoint) error                  { return nil }

func TestPanicBecomesInternalError(t *testing.T) {
	setup(t, WithMemoryStore(), WithHooker(panickingHooker{}))
	assert.Equal(t, InternalError, Init(GetAppInfo(appContext())))
}

func TestDeniedKindKeepsRealValue(t *testing.T) {
	pc := appContext()
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "memory"
	cfg.Interception.Deny = []string{"wifi.mac"}
	setup(t, WithConfig(cfg), WithOriginal(intercept.AttributeSource(pc.Attribute)))

	assert.Equal(t, Partial, Init(GetAppInfo(pc)))

	mac, err := Get("mac")
	require.NoError(t, err)
	assert.Equal(t, realMAC, mac)

	serial, err := Get("Build.SERIAL")
	require.NoError(t, err)
	assert.NotEqual(t, "REALSERIAL01", serial)
}

func TestPersistsAcrossSetup(t *testing.T) {
	dir := t.TempDir()
	opts := []Option{WithDataDir(dir), WithPackage("com.example.app")}

	setup(t, opts...)
	require.Equal(t, OK, Init(GetAppInfo(appContext())))
	first, err := Get("serial")
	require.NoError(t, err)
	v1 := ModifyParams("123456789")

	setup(t, opts...)
	require.Equal(t, OK, Init(GetAppInfo(appContext())))
	second, err := Get("serial")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, v1, ModifyParams("123456789"))
}

func TestSetupRejectsInvalidConfig(t *testing.T) {
	require.NoError(t, Reset())
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "etcd"

	err := Setup(WithConfig(cfg))
	var verrs config.ValidationErrors
	assert.True(t, errors.As(err, &verrs), "got %v", err)
	assert.Nil(t, Engine())
}

func TestInitAfterStorageSetupFailure(t *testing.T) {
	require.NoError(t, Reset())
	t.Cleanup(func() { Reset() })
	notDir := filepath.Join(t.TempDir(), "installs")
	require.NoError(t, os.WriteFile(notDir, []byte("x"), 0o600))

	err := Setup(WithDataDir(notDir), WithPackage("com.example.app"))
	require.ErrorIs(t, err, store.ErrStorage)
	assert.Equal(t, StorageFailure, Init(0))
	assert.Equal(t, NotInitialized, ModifyParams("123456789"))

	require.NoError(t, Reset())
	assert.Equal(t, NotInitialized, Init(0))
}
