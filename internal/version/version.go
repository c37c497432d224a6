package version

// Version is the current version of athfeed.
// This value is set at build time using ldflags:
// -ldflags "-X github.com/kfishgm/btcbot-sub001/internal/version.Version=1.2.3"
// The default value "main" indicates a development build.
var Version = "main"

// GetVersion returns the current version.
func GetVersion() string {
	return Version
}

// IsDevelopment reports whether this is an unreleased build.
func IsDevelopment() bool {
	return Version == "" || Version == "main"
}
