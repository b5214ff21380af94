// Build information, stamped through -ldflags "-X github.com/nobletooth/strata/pkg/utils.Version=..." at release.
// CAUTION: This file shouldn't be removed or else -print_version would report nothing useful.

package utils

import (
	"log/slog"
	"strconv"
	"time"
)

// devVersion is reported by binaries built without release ldflags; it is still a valid semantic version.
const devVersion = "v0.0.0-dev"

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
		Version = devVersion
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

// Uptime reports how long the process has been running.
func Uptime() time.Duration {
	return time.Since(StartTime)
}
