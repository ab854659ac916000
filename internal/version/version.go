// Package version carries build-time version information, populated via
// ldflags; development builds see the defaults below.
package version

// Set at build time:
//
//	go build -ldflags "-X github.com/skye-cyber/APManager/internal/version.Version=1.0.0 \
//	                   -X github.com/skye-cyber/APManager/internal/version.Commit=abc123 \
//	                   -X github.com/skye-cyber/APManager/internal/version.BuildTime=2026-01-01T00:00:00Z"
var (
	// Version is the semantic version (e.g. "1.0.0", "dev").
	Version = "dev"

	// Commit is the git commit the binary was built from.
	Commit = "unknown"

	// BuildTime is when the binary was built (RFC3339).
	BuildTime = "unknown"
)

// Info returns a formatted one-line version string.
func Info() string {
	return "apmgr " + Version + " (commit: " + Commit + ", built: " + BuildTime + ")"
}
