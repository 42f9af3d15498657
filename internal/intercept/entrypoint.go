// Package intercept redirects identity-bearing lookups to the substitute
// identity.
//
// Every identity-bearing API is an EntryPoint in a dispatch Table. A Hooker
// installs redirects into the table and the Registry drives the
// Uninitialized -> Registered -> Active lifecycle for the whole set.
package intercept

import (
	"sort"

	"idremap/internal/identity"
)

// EntryPoint names one identity-bearing API.
type EntryPoint string

var entryPoints = map[identity.Kind][]EntryPoint{
	identity.KindNetworkAddress: {
		"android.net.wifi.WifiInfo#getMacAddress",
		"java.net.NetworkInterface#getHardwareAddress",
	},
	identity.KindBluetoothAddress: {
		"android.bluetooth.BluetoothAdapter#getAddress",
	},
	identity.KindAndroidID: {
		"android.provider.Settings$Secure#getString(android_id)",
	},
	identity.KindSerial: {
		"android.os.Build#SERIAL",
		"android.os.Build#getSerial",
		"android.os.SystemProperties#get(ro.serialno)",
	},
	identity.KindIMEI: {
		"android.telephony.TelephonyManager#getImei",
		"android.telephony.TelephonyManager#getDeviceId",
	},
	identity.KindInstallID: {
		"com.google.firebase.installations.FirebaseInstallations#getId",
	},
	identity.KindAdvertisingID: {
		"com.google.android.gms.ads.identifier.AdvertisingIdClient$Info#getId",
	},
	identity.KindBuildBrand: {
		"android.os.Build#BRAND",
		"android.os.SystemProperties#get(ro.product.brand)",
	},
	identity.KindBuildManufacturer: {
		"android.os.Build#MANUFACTURER",
		"android.os.SystemProperties#get(ro.product.manufacturer)",
	},
	identity.KindBuildModel: {
		"android.os.Build#MODEL",
		"android.os.SystemProperties#get(ro.product.model)",
	},
	identity.KindBuildDevice: {
		"android.os.Build#DEVICE",
		"android.os.SystemProperties#get(ro.product.device)",
	},
	identity.KindBuildFingerprint: {
		"android.os.Build#FINGERPRINT",
		"android.os.SystemProperties#get(ro.build.fingerprint)",
	},
	identity.KindKernelRelease: {
		"android.system.Os#uname",
		"java.lang.System#getProperty(os.version)",
	},
}

var kindOf = func() map[EntryPoint]identity.Kind {
	m := make(map[EntryPoint]identity.Kind)
	for k, eps := range entryPoints {
		for _, ep := range eps {
			m[ep] = k
		}
	}
	return m
}()

// EntryPoints returns the entry points that expose k.
func EntryPoints(k identity.Kind) []EntryPoint {
	return append([]EntryPoint(nil), entryPoints[k]...)
}

// AllEntryPoints returns every cataloged entry point, sorted.
func AllEntryPoints() []EntryPoint {
	out := make([]EntryPoint, 0, len(kindOf))
	for ep := range kindOf {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// KindOf returns the kind an entry point exposes.
func KindOf(ep EntryPoint) (identity.Kind, bool) {
	k, ok := kindOf[ep]
	return k, ok
}

func (ep EntryPoint) String() string { return string(ep) }
