// Package buildinfo exposes build metadata injected at link time.
package buildinfo

var (
	// Version is the release version, overridden via -ldflags.
	Version = "dev"
	// Commit is the VCS commit the binary was built from.
	Commit = "none"
	// Date is the build timestamp.
	Date = "unknown"
)
