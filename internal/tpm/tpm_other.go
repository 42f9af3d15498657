//go:build !linux

package tpm

// detectHardwareTPM returns nil on platforms without a supported TPM driver.
func detectHardwareTPM(string) Provider {
	return nil
}
