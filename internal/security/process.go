package security

// DisableCoreDumps disables core dumps for the current process so the
// install secret never reaches disk on a crash.
func DisableCoreDumps() error {
	return disableCoreDumps()
}
