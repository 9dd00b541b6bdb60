// Package version exposes build metadata for the sankosides binary.
// Values are injected at link time:
//
//	go build -ldflags "-X github.com/Kevin-nav/sankosides/pkg/version.Version=v0.3.0"
package version

import "fmt"

//nolint:gochecknoglobals // ldflags injection targets
var (
	// Version is the semantic version, "dev" for local builds.
	Version = "dev"

	// Commit is the git SHA the binary was built from.
	Commit = "none"

	// Date is the build timestamp.
	Date = "unknown"
)

// String renders the version block printed by the CLI.
func String() string {
	return fmt.Sprintf("sankosides %s\n  commit: %s\n  built:  %s", Version, Commit, Date)
}
