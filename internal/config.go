package internal

import (
	"strconv"
	"sync/atomic"
)

// Output modes for the daemon. Seeded from linker flags at startup and
// adjusted by the CLI once flags are parsed.
var (
	quietMode   atomic.Bool
	debugMode   atomic.Bool
	verboseMode atomic.Bool
)

// Seeds the output modes from the raw ldflags values.
//
// rawQuiet, rawDebug, and rawVerbose are injected at build time. A value
// that does not parse as a bool leaves the mode off.
func init() {
	quietMode.Store(parseMode(rawQuiet))
	debugMode.Store(parseMode(rawDebug))
	verboseMode.Store(parseMode(rawVerbose))
}

func parseMode(raw string) bool {
	v, err := strconv.ParseBool(raw)
	return err == nil && v
}

// Enables or disables quiet mode.
func SetQuiet(enabled bool) {
	quietMode.Store(enabled)
}

// Whether quiet mode is enabled.
func IsQuiet() bool {
	return quietMode.Load()
}

// Enables or disables debug mode.
func SetDebug(enabled bool) {
	debugMode.Store(enabled)
}

// Whether debug mode is enabled.
func IsDebug() bool {
	return debugMode.Load()
}

// Enables or disables verbose logging.
func SetVerbose(enabled bool) {
	verboseMode.Store(enabled)
}

// Whether verbose logging is enabled.
func IsVerbose() bool {
	return verboseMode.Load()
}
