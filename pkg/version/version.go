package version

// Build holds the build identifier, injected via -ldflags "-X repo-cipher/pkg/version.Build=...".
var Build = "dev"

// String returns the identifier reported by the CLI and the mock backend.
func String() string {
	return "repo-cipher " + Build
}
