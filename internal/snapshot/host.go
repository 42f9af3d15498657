package snapshot

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strings"
	"time"

	"idremap/internal/identity"
)

// HostContext reads the attributes of the machine the process runs on. The
// package name is supplied by the caller; the executable's digest serves as
// its signing certificate.
type HostContext struct {
	Package string
	// Root prefixes every file path read, for tests.
	Root string
	// Executable overrides os.Executable.
	Executable string
}

// NewHostContext returns a HostContext for pkg.
func NewHostContext(pkg string) *HostContext {
	return &HostContext{Package: pkg}
}

func (h *HostContext) PackageName() (string, error) {
	if h.Package == "" {
		return "", identity.ErrUnavailable
	}
	return h.Package, nil
}

func (h *HostContext) executable() (string, error) {
	if h.Executable != "" {
		return h.Executable, nil
	}
	return os.Executable()
}

func (h *HostContext) Signatures() ([][]byte, error) {
	path, err := h.executable()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", identity.ErrUnavailable, err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, classifyFileErr(err)
	}
	defer f.Close()
	d := sha256.New()
	if _, err := io.Copy(d, f); err != nil {
		return nil, fmt.Errorf("%w: %v", identity.ErrUnavailable, err)
	}
	return [][]byte{d.Sum(nil)}, nil
}

func (h *HostContext) InstallTimes() (time.Time, time.Time, error) {
	path, err := h.executable()
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %v", identity.ErrUnavailable, err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, time.Time{}, classifyFileErr(err)
	}
	return fi.ModTime(), fi.ModTime(), nil
}

func (h *HostContext) path(p string) string {
	if h.Root == "" {
		return p
	}
	return h.Root + p
}

func (h *HostContext) readFile(p string) (string, error) {
	b, err := os.ReadFile(h.path(p))
	if err != nil {
		return "", classifyFileErr(err)
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "", identity.ErrUnavailable
	}
	return v, nil
}

// networkAddress returns the first non-loopback interface with an EUI-48
// address.
func networkAddress() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("%w: %v", identity.ErrUnavailable, err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		return iface.HardwareAddr.String(), nil
	}
	return "", identity.ErrUnavailable
}

func classifyFileErr(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", identity.ErrPermissionDenied, err)
	default:
		return fmt.Errorf("%w: %v", identity.ErrUnavailable, err)
	}
}
