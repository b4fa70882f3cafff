package version

var (
	// semver and revision are overridden with -ldflags when a release is tagged
	semver   = "0.1.0"
	revision = "unknown"
)

// Get returns the release version of the node
func Get() string {
	return semver
}

func Commit() string {
	return revision
}
