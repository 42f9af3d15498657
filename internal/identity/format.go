package identity

import (
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Namespaces for UUID-shaped kinds. Distinct namespaces keep install-id and
// advertising-id from colliding even if fed the same bytes.
var (
	installNamespace     = uuid.MustParse("6f1c2a4e-93d5-4b0e-8a7f-2c51d6e0b9a3")
	advertisingNamespace = uuid.MustParse("b27e0d14-5c88-4f61-9e2a-71f3ac4d8e05")
)

const serialAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// serialLength is the length of generated serial numbers.
const serialLength = 12

var (
	androidIDPattern = regexp.MustCompile(`^[0-9a-f]{16}$`)
	serialPattern    = regexp.MustCompile(`^[0-9A-Z]{12}$`)
	imeiPattern      = regexp.MustCompile(`^[0-9]{15}$`)
	kernelPattern    = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+-[0-9A-Za-z.+_-]+$`)
	fingerprintPat   = regexp.MustCompile(`^[^/:\s]+/[^/:\s]+/[^/:\s]+:[0-9.]+/[^/:\s]+/[^/:\s]+:[a-z]+/[a-z-]+$`)
	profileValuePat  = regexp.MustCompile(`^[^/:\x00-\x1f]+$`)
)

// formatHardwareAddr turns six bytes into a unicast, locally administered
// MAC address.
func formatHardwareAddr(b []byte) string {
	mac := make(net.HardwareAddr, 6)
	copy(mac, b[:6])
	mac[0] = (mac[0] | 0x02) &^ 0x01
	return mac.String()
}

func validateHardwareAddr(v string) error {
	mac, err := net.ParseMAC(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if len(mac) != 6 {
		return fmt.Errorf("%w: hardware address must be 6 octets", ErrInvalidValue)
	}
	if mac[0]&0x02 == 0 {
		return fmt.Errorf("%w: locally administered bit not set", ErrInvalidValue)
	}
	if mac[0]&0x01 != 0 {
		return fmt.Errorf("%w: multicast bit set", ErrInvalidValue)
	}
	if v != mac.String() {
		return fmt.Errorf("%w: hardware address not in canonical form", ErrInvalidValue)
	}
	return nil
}

func formatAndroidID(b []byte) string {
	id := make([]byte, 8)
	copy(id, b[:8])
	zero := true
	for _, c := range id {
		if c != 0 {
			zero = false
			break
		}
	}
	if zero {
		id[7] = 1
	}
	return hex.EncodeToString(id)
}

func validateAndroidID(v string) error {
	if !androidIDPattern.MatchString(v) || v == strings.Repeat("0", 16) {
		return fmt.Errorf("%w: android id must be 16 lowercase hex digits", ErrInvalidValue)
	}
	return nil
}

func formatSerial(b []byte) string {
	out := make([]byte, serialLength)
	for i := range out {
		out[i] = serialAlphabet[int(b[i])%len(serialAlphabet)]
	}
	return string(out)
}

func validateSerial(v string) error {
	if !serialPattern.MatchString(v) {
		return fmt.Errorf("%w: serial must be %d characters of [0-9A-Z]", ErrInvalidValue, serialLength)
	}
	return nil
}

// formatIMEI builds a 15 digit IMEI: reporting body prefix "35", twelve
// derived digits and a Luhn check digit.
func formatIMEI(b []byte) string {
	var sb strings.Builder
	sb.WriteString("35")
	for i := 0; i < 12; i++ {
		sb.WriteByte('0' + b[i]%10)
	}
	body := sb.String()
	return body + string(rune('0'+luhnCheckDigit(body)))
}

func validateIMEI(v string) error {
	if !imeiPattern.MatchString(v) {
		return fmt.Errorf("%w: imei must be 15 digits", ErrInvalidValue)
	}
	if luhnCheckDigit(v[:14]) != v[14]-'0' {
		return fmt.Errorf("%w: imei check digit mismatch", ErrInvalidValue)
	}
	return nil
}

// luhnCheckDigit computes the Luhn check digit for a string of decimal digits.
func luhnCheckDigit(body string) byte {
	sum := 0
	double := true
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return byte((10 - sum%10) % 10)
}

func formatUUID(ns uuid.UUID, b []byte) string {
	return uuid.NewSHA1(ns, b).String()
}

func validateUUID(v string) error {
	u, err := uuid.Parse(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if u.Version() != 5 || u.Variant() != uuid.RFC4122 {
		return fmt.Errorf("%w: expected an RFC 4122 version 5 uuid", ErrInvalidValue)
	}
	if v != u.String() {
		return fmt.Errorf("%w: uuid not in canonical form", ErrInvalidValue)
	}
	return nil
}

var kernelBases = []string{"4.14.186", "4.19.157", "5.4.210", "5.10.149", "5.15.78", "6.1.25"}

func formatKernelRelease(b []byte) string {
	base := kernelBases[int(b[0])%len(kernelBases)]
	return fmt.Sprintf("%s-perf-g%s", base, hex.EncodeToString(b[1:5])[:7])
}

func validateKernelRelease(v string) error {
	if !kernelPattern.MatchString(v) {
		return fmt.Errorf("%w: kernel release must look like <major>.<minor>.<patch>-<suffix>", ErrInvalidValue)
	}
	return nil
}

func validateProfileValue(v string) error {
	if !profileValuePat.MatchString(v) {
		return fmt.Errorf("%w: build property must be non-empty without '/' or ':'", ErrInvalidValue)
	}
	return nil
}

func validateFingerprint(v string) error {
	if !fingerprintPat.MatchString(v) {
		return fmt.Errorf("%w: fingerprint must be brand/product/device:release/id/incremental:type/tags", ErrInvalidValue)
	}
	return nil
}

// ValidateValue checks v against the format invariant of kind k.
func ValidateValue(k Kind, v string) error {
	switch k {
	case KindNetworkAddress, KindBluetoothAddress:
		return validateHardwareAddr(v)
	case KindAndroidID:
		return validateAndroidID(v)
	case KindSerial:
		return validateSerial(v)
	case KindIMEI:
		return validateIMEI(v)
	case KindInstallID, KindAdvertisingID:
		return validateUUID(v)
	case KindKernelRelease:
		return validateKernelRelease(v)
	case KindBuildFingerprint:
		return validateFingerprint(v)
	case KindBuildBrand, KindBuildManufacturer, KindBuildModel, KindBuildDevice:
		return validateProfileValue(v)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
	}
}

// format renders derived key material as a value of kind k. Profile kinds
// are handled by the generator because they are rendered as a group.
func format(k Kind, b []byte) (string, error) {
	switch k {
	case KindNetworkAddress, KindBluetoothAddress:
		return formatHardwareAddr(b), nil
	case KindAndroidID:
		return formatAndroidID(b), nil
	case KindSerial:
		return formatSerial(b), nil
	case KindIMEI:
		return formatIMEI(b), nil
	case KindInstallID:
		return formatUUID(installNamespace, b), nil
	case KindAdvertisingID:
		return formatUUID(advertisingNamespace, b), nil
	case KindKernelRelease:
		return formatKernelRelease(b), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, string(k))
	}
}
