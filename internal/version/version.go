// Package version holds build metadata injected via -ldflags.
package version

var (
	// Version is the release tag of the binary, set at build time.
	Version = "dev"
	// Commit is the short git hash the binary was built from.
	Commit = "unknown"
	// BuildDate is the UTC build timestamp.
	BuildDate = "unknown"
)
