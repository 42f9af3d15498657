package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"idremap/internal/identity"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("expected sqlite backend, got %q", cfg.Storage.Backend)
	}
	if cfg.Modifier.MaxSeedLength != 256 {
		t.Errorf("expected max seed length 256, got %d", cfg.Modifier.MaxSeedLength)
	}
	kinds, err := cfg.EnabledKinds()
	if err != nil {
		t.Fatal(err)
	}
	if len(kinds) != len(identity.Kinds()) {
		t.Errorf("empty kinds should enable the catalog, got %v", kinds)
	}
}

func TestDataDirHonorsHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("IDREMAP_HOME", dir)
	if got := DefaultConfig().Storage.DataDir; got != filepath.Join(dir, "installs") {
		t.Errorf("data dir = %s", got)
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
	if !strings.Contains(path, "idremap") {
		t.Errorf("config path should contain idremap: %s", path)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("expected defaults, got backend %q", cfg.Storage.Backend)
	}
}

func TestLoadFormats(t *testing.T) {
	files := map[string]string{
		"config.toml": `
[storage]
backend = "memory"
package = "com.example.app"

[interception]
kinds = ["serial", "mac"]

[logging]
level = "debug"
`,
		"config.json": `{
  "storage": {"backend": "memory", "package": "com.example.app"},
  "interception": {"kinds": ["serial", "mac"]},
  "logging": {"level": "debug"}
}`,
		"config.yaml": `
storage:
  backend: memory
  package: com.example.app
interception:
  kinds: [serial, mac]
logging:
  level: debug
`,
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
				t.Fatal(err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate failed: %v", err)
			}
			if cfg.Storage.Backend != "memory" || cfg.Storage.Package != "com.example.app" {
				t.Errorf("storage = %+v", cfg.Storage)
			}
			if cfg.Logging.Level != "debug" {
				t.Errorf("level = %q", cfg.Logging.Level)
			}
			// Unset keys keep their defaults.
			if cfg.Modifier.MaxSeedLength != 256 {
				t.Errorf("max seed length = %d", cfg.Modifier.MaxSeedLength)
			}
			kinds, err := cfg.EnabledKinds()
			if err != nil {
				t.Fatal(err)
			}
			want := []identity.Kind{identity.KindNetworkAddress, identity.KindSerial}
			if !reflect.DeepEqual(kinds, want) {
				t.Errorf("kinds = %v, want %v", kinds, want)
			}
		})
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[storage\nbackend = "), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected decode error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("IDREMAP_STORAGE_BACKEND", "memory")
	t.Setenv("IDREMAP_PACKAGE", "com.example.env")
	t.Setenv("IDREMAP_KINDS", "serial, imei,")
	t.Setenv("IDREMAP_MAX_SEED_LENGTH", "64")
	t.Setenv("IDREMAP_TPM_ENABLED", "true")
	t.Setenv("IDREMAP_METRICS_LISTEN", ":9999")
	t.Setenv("IDREMAP_LOG_PATH", "/tmp/idremap-test.log")

	cfg, err := Load(filepath.Join(t.TempDir(), "none.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Backend != "memory" || cfg.Storage.Package != "com.example.env" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if !reflect.DeepEqual(cfg.Interception.Kinds, []string{"serial", "imei"}) {
		t.Errorf("kinds = %q", cfg.Interception.Kinds)
	}
	if cfg.Modifier.MaxSeedLength != 64 {
		t.Errorf("max seed length = %d", cfg.Modifier.MaxSeedLength)
	}
	if !cfg.Hardware.TPMEnabled {
		t.Error("tpm should be enabled")
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Listen != ":9999" {
		t.Errorf("metrics = %+v", cfg.Metrics)
	}
	if cfg.Logging.Output != "file" || cfg.Logging.FilePath != "/tmp/idremap-test.log" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }, "storage.backend"},
		{"sqlite without data dir", func(c *Config) { c.Storage.DataDir = "" }, "storage.data_dir"},
		{"empty package", func(c *Config) { c.Storage.Package = "" }, "storage.package"},
		{"traversal package", func(c *Config) { c.Storage.Package = "../escape" }, "storage.package"},
		{"seed length zero", func(c *Config) { c.Modifier.MaxSeedLength = 0 }, "modifier.max_seed_length"},
		{"seed length over cap", func(c *Config) { c.Modifier.MaxSeedLength = 5000 }, "modifier.max_seed_length"},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"file output without path", func(c *Config) {
			c.Logging.Output = "file"
			c.Logging.FilePath = ""
		}, "logging.file_path"},
		{"metrics without listen", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Listen = ""
		}, "metrics.listen"},
		{"metrics bad listen", func(c *Config) { c.Metrics.Listen = "not an address" }, "metrics.listen"},
		{"unknown kind", func(c *Config) { c.Interception.Kinds = []string{"bogus"} }, "interception.kinds"},
		{"unknown deny", func(c *Config) { c.Interception.Deny = []string{"bogus"} }, "interception.deny"},
		{"everything denied", func(c *Config) {
			c.Interception.Kinds = []string{"serial"}
			c.Interception.Deny = []string{"ro.serialno"}
		}, "interception.deny"},
		{"future version", func(c *Config) { c.Version = Version + 1 }, "version"},
		{"negative busy timeout", func(c *Config) { c.Storage.BusyTimeoutMs = -1 }, "storage.busy_timeout_ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %v", err)
			}
			if !verrs.Has(tt.field) {
				t.Errorf("expected error on %s, got %v", tt.field, verrs)
			}
		})
	}
}

func TestMemoryBackendNeedsNoDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Backend = "memory"
	cfg.Storage.DataDir = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("memory backend should not need a data dir: %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	for _, ext := range []string{".toml", ".json", ".yaml"} {
		t.Run(ext, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Storage.Package = "com.example.saved"
			cfg.Interception.Kinds = []string{"serial", "android-id"}
			cfg.Interception.Deny = []string{"imei"}
			cfg.Hardware.TPMEnabled = true

			path := filepath.Join(t.TempDir(), "nested", "config"+ext)
			if err := Save(cfg, path); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != 0o600 {
				t.Errorf("perm = %v", info.Mode().Perm())
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if !reflect.DeepEqual(cfg, loaded) {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", loaded, cfg)
			}
		})
	}
}

func TestClone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interception.Kinds = []string{"serial"}
	clone := cfg.Clone()
	clone.Interception.Kinds[0] = "imei"
	clone.Storage.Backend = "memory"

	if cfg.Interception.Kinds[0] != "serial" {
		t.Error("clone shares the kinds slice")
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Error("clone shares storage")
	}
}

func TestFindConfigFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("version: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := FindConfigFile(); got != "config.yaml" {
		t.Errorf("FindConfigFile = %q", got)
	}
}

func TestLoaderReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("[logging]\nlevel = \"info\"\n")

	l := NewLoader(path, WithDebounce(10*time.Millisecond))
	defer l.Close()

	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}

	changed := make(chan [2]string, 4)
	l.OnChange(func(old, cur *Config) {
		changed <- [2]string{old.Logging.Level, cur.Logging.Level}
	})
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	write("[logging]\nlevel = \"debug\"\n")
	select {
	case got := <-changed:
		if got != [2]string{"info", "debug"} {
			t.Errorf("change = %v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
	if l.Config().Logging.Level != "debug" {
		t.Errorf("current level = %q", l.Config().Logging.Level)
	}

	write("[logging]\nlevel = \"trace\"\n")
	select {
	case err := <-l.Errors():
		var verrs ValidationErrors
		if !errors.As(err, &verrs) {
			t.Errorf("expected validation error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("invalid reload not reported")
	}
	if l.Config().Logging.Level != "debug" {
		t.Error("rejected reload replaced the config")
	}
}

func TestLoaderRejectsInvalidInitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[storage]\nbackend = \"etcd\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	l := NewLoader(path)
	defer l.Close()
	if _, err := l.Load(); err == nil {
		t.Fatal("expected validation failure")
	}
	if l.Config() != nil {
		t.Error("invalid config was stored")
	}
}
