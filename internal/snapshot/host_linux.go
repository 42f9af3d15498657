//go:build linux

package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"idremap/internal/identity"
)

const (
	hostnameDest  = "org.freedesktop.hostname1"
	hostnamePath  = dbus.ObjectPath("/org/freedesktop/hostname1")
	hostnameIface = "org.freedesktop.hostname1"
)

func (h *HostContext) Attribute(ctx context.Context, k identity.Kind) (string, error) {
	switch k {
	case identity.KindNetworkAddress:
		return networkAddress()
	case identity.KindBluetoothAddress:
		return h.readFile("/sys/class/bluetooth/hci0/address")
	case identity.KindAndroidID:
		id, err := h.readFile("/etc/machine-id")
		if err != nil {
			return "", err
		}
		if len(id) > 16 {
			id = id[:16]
		}
		return id, nil
	case identity.KindSerial:
		// Usually root-only.
		return h.readFile("/sys/class/dmi/id/product_serial")
	case identity.KindKernelRelease:
		return kernelRelease()
	case identity.KindBuildBrand, identity.KindBuildManufacturer:
		return hostnameProperty(ctx, "HardwareVendor")
	case identity.KindBuildModel:
		return hostnameProperty(ctx, "HardwareModel")
	case identity.KindBuildDevice:
		return hostnameProperty(ctx, "Hostname")
	default:
		return "", fmt.Errorf("%s: %w", k, identity.ErrUnavailable)
	}
}

func kernelRelease() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("%w: uname: %v", identity.ErrUnavailable, err)
	}
	return unix.ByteSliceToString(uts.Release[:]), nil
}

// hostnameProperty reads one property of the systemd hostname1 service.
func hostnameProperty(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return "", fmt.Errorf("%w: system bus: %v", identity.ErrUnavailable, err)
	}
	obj := conn.Object(hostnameDest, hostnamePath)
	v, err := obj.GetProperty(hostnameIface + "." + name)
	if err != nil {
		var derr dbus.Error
		if errors.As(err, &derr) && derr.Name == "org.freedesktop.DBus.Error.AccessDenied" {
			return "", fmt.Errorf("%w: %s", identity.ErrPermissionDenied, name)
		}
		return "", fmt.Errorf("%w: %s: %v", identity.ErrUnavailable, name, err)
	}
	s, ok := v.Value().(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %s", identity.ErrUnavailable, name)
	}
	return s, nil
}
