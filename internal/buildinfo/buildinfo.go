// Package buildinfo reports the version stamped into the norsk binary
// at link time, plus a few runtime facts.
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set with -ldflags "-X github.com/nugget/norsk-tutor/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Field is one named piece of build metadata.
type Field struct {
	Key   string
	Value string
}

// Fields lists the build metadata in display order.
func Fields() []Field {
	return []Field{
		{"version", Version},
		{"git_commit", GitCommit},
		{"git_branch", GitBranch},
		{"build_time", BuildTime},
		{"go_version", runtime.Version()},
		{"os", runtime.GOOS},
		{"arch", runtime.GOARCH},
	}
}

// Info returns [Fields] as a map along with the current uptime.
func Info() map[string]string {
	fields := Fields()
	info := make(map[string]string, len(fields)+1)
	for _, f := range fields {
		info[f.Key] = f.Value
	}
	info["uptime"] = Uptime().String()
	return info
}

// LogAttrs returns key/value pairs for the startup log line.
func LogAttrs() []any {
	return []any{"version", Version, "commit", GitCommit, "go_version", runtime.Version()}
}

// Uptime is the time since the process started, to the second.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary.
func String() string {
	return fmt.Sprintf("Norsk %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// UserAgent is the User-Agent header sent on outbound HTTP requests.
func UserAgent() string {
	return "norsk-tutor/" + Version
}
