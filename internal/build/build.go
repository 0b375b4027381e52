// Package build holds build-time metadata injected via ldflags.
package build

var (
	// Version is the release version, set at build time.
	Version = "0.0.0-dev"

	// AppName is used for config file discovery and the user agent.
	AppName = "waterwheel"
)
