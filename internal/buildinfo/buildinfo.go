// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

// startTime records when the package was initialized, which is close
// enough to process start for uptime reporting.
var startTime = time.Now()

// Info returns build and runtime details as a map, suitable for
// structured logging at startup and for telemetry payloads.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"git_branch": GitBranch,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start, truncated to the
// second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for the version command and the
// startup log line.
func String() string {
	return fmt.Sprintf("Ackline %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
