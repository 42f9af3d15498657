//go:build !unix

package security

func disableCoreDumps() error { return nil }

func CoreDumpsEnabled() bool { return false }
