//go:build linux

// Platform-specific TPM implementation for Linux.
// Uses /dev/tpmrm0 (TPM Resource Manager) or /dev/tpm0 (direct access).

package tpm

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// TPM device paths in order of preference
var tpmDevicePaths = []string{
	"/dev/tpmrm0", // TPM Resource Manager (preferred)
	"/dev/tpm0",   // Direct TPM access (fallback)
}

// HardwareProvider implements Provider using a real TPM 2.0 device.
type HardwareProvider struct {
	mu           sync.Mutex
	devicePath   string
	conn         transport.TPMCloser
	isOpen       bool
	manufacturer string
}

func detectHardwareTPM(path string) Provider {
	paths := tpmDevicePaths
	if path != "" {
		paths = []string{path}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		// Check if we can actually open it
		f, err := os.OpenFile(p, os.O_RDWR, 0)
		if err != nil {
			continue
		}
		f.Close()
		return &HardwareProvider{devicePath: p}
	}
	return nil
}

// Available returns true if the TPM device exists and is accessible.
func (h *HardwareProvider) Available() bool {
	if h.devicePath == "" {
		return false
	}
	_, err := os.Stat(h.devicePath)
	return err == nil
}

// Open initializes the TPM connection.
func (h *HardwareProvider) Open() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.isOpen {
		return ErrTPMAlreadyOpen
	}

	conn, err := transport.OpenTPM(h.devicePath)
	if err != nil {
		return fmt.Errorf("tpm: failed to open %s: %w", h.devicePath, err)
	}
	h.conn = conn
	h.isOpen = true

	h.readManufacturer()
	return nil
}

// Close releases TPM resources.
func (h *HardwareProvider) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.isOpen {
		return nil
	}
	err := h.conn.Close()
	h.conn = nil
	h.isOpen = false
	return err
}

// Random asks the TPM RNG for n bytes. The TPM may return fewer.
func (h *HardwareProvider) Random(n int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.isOpen {
		return nil, ErrTPMNotOpen
	}
	if n > maxRandomChunk {
		n = maxRandomChunk
	}
	rsp, err := tpm2.GetRandom{BytesRequested: uint16(n)}.Execute(h.conn)
	if err != nil {
		return nil, err
	}
	return rsp.RandomBytes.Buffer, nil
}

func (h *HardwareProvider) Manufacturer() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.manufacturer
}

func (h *HardwareProvider) readManufacturer() {
	getCapCmd := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTManufacturer),
		PropertyCount: 1,
	}
	rsp, err := getCapCmd.Execute(h.conn)
	if err != nil {
		return
	}
	props, err := rsp.CapabilityData.Data.TPMProperties()
	if err == nil && len(props.TPMProperty) > 0 {
		mfr := props.TPMProperty[0].Value
		h.manufacturer = fmt.Sprintf("%c%c%c%c",
			byte(mfr>>24), byte(mfr>>16), byte(mfr>>8), byte(mfr))
	}
}
