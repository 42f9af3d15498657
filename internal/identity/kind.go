// Package identity defines the identifier catalog, the substitute identity
// value and the generator that derives substitutes from a snapshot.
package identity

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Errors shared by the identity-bearing packages.
var (
	ErrPermissionDenied = errors.New("identity: permission denied")
	ErrUnavailable      = errors.New("identity: attribute unavailable")
	ErrUnknownKind      = errors.New("identity: unknown identifier kind")
	ErrInvalidValue     = errors.New("identity: value violates format invariant")
)

// Kind is a category of identity value.
type Kind string

// Identifier kinds known to the engine.
const (
	KindNetworkAddress    Kind = "network-address"
	KindBluetoothAddress  Kind = "bluetooth-address"
	KindAndroidID         Kind = "android-id"
	KindSerial            Kind = "serial"
	KindIMEI              Kind = "imei"
	KindInstallID         Kind = "install-id"
	KindAdvertisingID     Kind = "advertising-id"
	KindBuildBrand        Kind = "build-brand"
	KindBuildManufacturer Kind = "build-manufacturer"
	KindBuildModel        Kind = "build-model"
	KindBuildDevice       Kind = "build-device"
	KindBuildFingerprint  Kind = "build-fingerprint"
	KindKernelRelease     Kind = "kernel-release"
)

// Descriptor describes one catalog entry.
type Descriptor struct {
	Kind        Kind
	Description string
	// Aliases are the property keys and labels callers use to name the kind.
	Aliases []string
	// Profile marks kinds that are derived together from one device profile.
	Profile bool
}

var catalog = []Descriptor{
	{
		Kind:        KindNetworkAddress,
		Description: "Wi-Fi / ethernet hardware address",
		Aliases:     []string{"mac", "wifi.mac", "wlan0", "MAC地址"},
	},
	{
		Kind:        KindBluetoothAddress,
		Description: "Bluetooth adapter address",
		Aliases:     []string{"bluetooth.mac", "bluetooth_address"},
	},
	{
		Kind:        KindAndroidID,
		Description: "Settings.Secure ANDROID_ID",
		Aliases:     []string{"ANDROID_ID", "settings get secure android_id"},
	},
	{
		Kind:        KindSerial,
		Description: "hardware serial number",
		Aliases:     []string{"Build.SERIAL", "getprop ro.serialno", "ro.serialno", "序列号"},
	},
	{
		Kind:        KindIMEI,
		Description: "telephony device identifier",
		Aliases:     []string{"IMEI", "getImei", "ro.imei"},
	},
	{
		Kind:        KindInstallID,
		Description: "per-install application identifier",
		Aliases:     []string{"App Install ID", "install_id"},
	},
	{
		Kind:        KindAdvertisingID,
		Description: "advertising identifier",
		Aliases:     []string{"GAID", "advertising_id"},
	},
	{
		Kind:        KindBuildBrand,
		Description: "Build.BRAND",
		Aliases:     []string{"Build.BRAND", "ro.product.brand", "ro.product.system.brand", "ro.product.product.brand", "品牌"},
		Profile:     true,
	},
	{
		Kind:        KindBuildManufacturer,
		Description: "Build.MANUFACTURER",
		Aliases:     []string{"Build.MANUFACTURER", "ro.product.manufacturer", "ro.product.system.manufacturer", "ro.product.product.manufacturer"},
		Profile:     true,
	},
	{
		Kind:        KindBuildModel,
		Description: "Build.MODEL",
		Aliases:     []string{"Build.MODEL", "ro.product.model", "ro.product.system.model", "型号"},
		Profile:     true,
	},
	{
		Kind:        KindBuildDevice,
		Description: "Build.DEVICE",
		Aliases:     []string{"Build.DEVICE", "ro.product.device", "ro.product.system.device", "ro.product.product.device"},
		Profile:     true,
	},
	{
		Kind:        KindBuildFingerprint,
		Description: "Build.FINGERPRINT",
		Aliases:     []string{"Build.FINGERPRINT", "ro.build.fingerprint", "ro.system.build.fingerprint", "ro.product.build.fingerprint"},
		Profile:     true,
	},
	{
		Kind:        KindKernelRelease,
		Description: "kernel release string",
		Aliases:     []string{"uname -r", "uname -a", "Kernel版本", "persist.sys.kernel"},
	},
}

var (
	byKind  = make(map[Kind]Descriptor, len(catalog))
	byAlias = make(map[string]Kind)
)

func init() {
	for _, d := range catalog {
		byKind[d.Kind] = d
		byAlias[normalizeAlias(string(d.Kind))] = d.Kind
		for _, a := range d.Aliases {
			byAlias[normalizeAlias(a)] = d.Kind
		}
	}
}

func normalizeAlias(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Catalog returns every descriptor in catalog order.
func Catalog() []Descriptor {
	out := make([]Descriptor, len(catalog))
	copy(out, catalog)
	return out
}

// Kinds returns all known kinds in catalog order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, d.Kind)
	}
	return out
}

// ProfileKinds returns the kinds derived from the shared device profile.
func ProfileKinds() []Kind {
	var out []Kind
	for _, d := range catalog {
		if d.Profile {
			out = append(out, d.Kind)
		}
	}
	return out
}

// Describe returns the descriptor for k.
func Describe(k Kind) (Descriptor, bool) {
	d, ok := byKind[k]
	return d, ok
}

// Valid reports whether k is a catalog kind.
func (k Kind) Valid() bool {
	_, ok := byKind[k]
	return ok
}

// IsProfile reports whether k belongs to the device profile group.
func (k Kind) IsProfile() bool {
	return byKind[k].Profile
}

func (k Kind) String() string { return string(k) }

// Lookup resolves a kind name or one of its aliases. Matching ignores case
// and surrounding whitespace.
func Lookup(name string) (Kind, bool) {
	k, ok := byAlias[normalizeAlias(name)]
	return k, ok
}

// ParseKinds resolves a list of names, failing on the first unknown entry.
// The result is sorted and deduplicated.
func ParseKinds(names []string) ([]Kind, error) {
	seen := make(map[Kind]struct{}, len(names))
	out := make([]Kind, 0, len(names))
	for _, n := range names {
		k, ok := Lookup(n)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, n)
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
