package realtime

// Version is the current version of the realtime library.
const Version = "v0.3.0"

// VersionInfo provides version information.
type VersionInfo struct {
	Version string
}

// GetVersionInfo returns the current version information.
func GetVersionInfo() VersionInfo {
	return VersionInfo{Version: Version}
}
