// Build information is injected through -ldflags "-X github.com/nobletooth/tiercache/pkg/utils.Version=...".
// CAUTION: This file shouldn't be removed or else the linker flags would silently stop applying.

package utils

import (
	"log/slog"
	"strconv"
	"time"
)

// unknownVersion is still a valid semantic version so that version comparisons never fail on dev builds.
const unknownVersion = "v0.0.0-unknown"

var (
	TestMode   string // Should be true when running tests.
	IsTestMode bool
	Version    string
	Commit     string
	BuildTime  string
	StartTime  time.Time
)

func init() {
	StartTime = time.Now()

	// If build info is not set, make that clear.
	if Version == "" {
		Version = unknownVersion
	}
	if Commit == "" {
		Commit = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
	if len(TestMode) > 0 {
		if isTestMode, err := strconv.ParseBool(TestMode); err == nil {
			IsTestMode = isTestMode
		} else {
			slog.Warn("Failed to parse TestMode build flag, defaulting to false", "error", err)
		}
	}
}

// BuildAttrs returns the build information as slog attributes.
func BuildAttrs() []any {
	return []any{"version", Version, "commit", Commit, "build", BuildTime, "uptime", time.Since(StartTime)}
}
