package identity

import (
	"fmt"
	"strings"
)

// Profile is a coherent set of build properties for one device model.
type Profile struct {
	Brand        string
	Manufacturer string
	Model        string
	Device       string
	Product      string
	Release      string
	BuildID      string
	Incremental  string
}

// Fingerprint renders Build.FINGERPRINT for a user/release-keys build.
func (p Profile) Fingerprint() string {
	return fmt.Sprintf("%s/%s/%s:%s/%s/%s:user/release-keys",
		p.Brand, p.Product, p.Device, p.Release, p.BuildID, p.Incremental)
}

func (p Profile) values() map[Kind]string {
	return map[Kind]string{
		KindBuildBrand:        p.Brand,
		KindBuildManufacturer: p.Manufacturer,
		KindBuildModel:        p.Model,
		KindBuildDevice:       p.Device,
		KindBuildFingerprint:  p.Fingerprint(),
	}
}

var profiles = []Profile{
	{"google", "Google", "Pixel 6", "oriole", "oriole", "13", "TQ3A.230805.001", "10316531"},
	{"google", "Google", "Pixel 7", "panther", "panther", "14", "UQ1A.240205.002", "11224170"},
	{"samsung", "samsung", "SM-G991B", "o1s", "o1sxeea", "13", "TP1A.220624.014", "G991BXXU5CVLL"},
	{"samsung", "samsung", "SM-A525F", "a52q", "a52qnsxx", "12", "SP1A.210812.016", "A525FXXU4BVJB"},
	{"Xiaomi", "Xiaomi", "M2101K9G", "renoir", "renoir_global", "12", "SKQ1.211006.001", "V13.0.5.0.SKIEUXM"},
	{"Redmi", "Xiaomi", "22101316C", "ruby", "ruby", "13", "TP1A.220624.014", "V14.0.8.0.TMOCNXM"},
	{"OnePlus", "OnePlus", "LE2123", "OnePlus9Pro", "OnePlus9Pro_EEA", "13", "TP1A.220905.001", "R.1371f2a-1"},
	{"motorola", "motorola", "moto g(60)", "hanoip", "hanoip_retail", "12", "S3RIS32.20-42-10-25", "c3e1a"},
}

// profileFor picks a profile using derived key material.
func profileFor(b []byte) Profile {
	return profiles[int(b[0])%len(profiles)]
}

// matchesProfile reports whether the profile kinds present in values agree
// with each other. Missing kinds are ignored.
func matchesProfile(values map[Kind]string) error {
	fp, ok := values[KindBuildFingerprint]
	if !ok {
		return nil
	}
	parts := strings.SplitN(fp, "/", 3)
	if len(parts) < 3 {
		return fmt.Errorf("%w: malformed fingerprint", ErrInvalidValue)
	}
	if brand, ok := values[KindBuildBrand]; ok && parts[0] != brand {
		return fmt.Errorf("%w: fingerprint brand %q does not match %q", ErrInvalidValue, parts[0], brand)
	}
	if device, ok := values[KindBuildDevice]; ok && !strings.HasPrefix(parts[2], device+":") {
		return fmt.Errorf("%w: fingerprint device does not match %q", ErrInvalidValue, device)
	}
	return nil
}
