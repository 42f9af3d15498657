package store

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"idremap/internal/security"
	"idremap/internal/tpm"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

const databaseFileName = "identity.db"

// Options selects and configures the backend for one install.
type Options struct {
	Backend     string
	DataDir     string
	Package     string
	BusyTimeout time.Duration
	// Entropy is mixed into a newly created install secret when non-nil.
	Entropy tpm.Provider
	Logger  *slog.Logger
}

// InstallDir returns <dataDir>/<pkg>, refusing package names that would
// escape dataDir.
func InstallDir(dataDir, pkg string) (string, error) {
	if err := security.ValidatePackageName(pkg); err != nil {
		return "", err
	}
	v := security.DefaultPathValidator()
	v.AllowedRoots = []string{dataDir}
	return v.ValidatePath(filepath.Join(dataDir, pkg))
}

// Open creates the store for one install. The memory backend uses an
// ephemeral secret; the sqlite backend loads or creates the install secret
// next to its database.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch opts.Backend {
	case BackendMemory:
		secret, err := GenerateSecret(opts.Entropy)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		return New(NewMemoryBackend(), secret, logger), nil

	case BackendSQLite, "":
		dir, err := InstallDir(opts.DataDir, opts.Package)
		if err != nil {
			return nil, fmt.Errorf("%w: install dir: %v", ErrStorage, err)
		}
		secret, created, err := LoadOrCreateSecret(dir, opts.Entropy)
		if err != nil {
			return nil, err
		}
		if created {
			logger.Info("created install secret", "dir", dir, "tpm", opts.Entropy != nil)
		}
		backend, err := OpenSQLite(filepath.Join(dir, databaseFileName), secret, SQLiteOptions{BusyTimeout: opts.BusyTimeout})
		if err != nil {
			secret.Wipe()
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		return New(backend, secret, logger), nil

	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrStorage, opts.Backend)
	}
}
