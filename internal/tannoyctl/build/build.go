// Package build holds build information injected at release time via ldflags.
package build

import "runtime"

var (
	ReleaseVersion = "dev"
	GitCommit      = "unknown"
	BuildTime      = "unknown"
	GoVersion      = runtime.Version()
)
