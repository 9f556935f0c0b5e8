// Package version carries build metadata injected at link time.
package version

import "fmt"

var (
	// Version is the semantic version, set via -ldflags.
	Version = "dev"
	// Commit is the git revision the binary was built from.
	Commit = ""
	// Date is the build timestamp.
	Date = ""
)

// GetInfo returns a printable version string.
func GetInfo() string {
	info := Version
	if Commit != "" {
		info = fmt.Sprintf("%s (%s)", info, Commit)
	}
	if Date != "" {
		info = fmt.Sprintf("%s built %s", info, Date)
	}
	return info
}
