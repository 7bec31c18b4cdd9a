// Package log builds the luxfi/log loggers shared by the benchmark binaries.
package log

import (
	"strings"

	luxlog "github.com/luxfi/log"
)

// Logger is the structured key/value logger used across hftbench.
type Logger = luxlog.Logger

// DefaultLevel is used when a configured level name cannot be parsed.
const DefaultLevel = "info"

// NewLogger returns a logger at the named level (debug, info, warn, error).
// Unknown level names fall back to DefaultLevel.
func NewLogger(level string) Logger {
	lvl, err := luxlog.ToLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl, _ = luxlog.ToLevel(DefaultLevel)
	}
	return luxlog.NewTestLogger(lvl)
}

// ForSession scopes a logger to one exchange session.
func ForSession(parent Logger, label string) Logger {
	return parent.New("session", label)
}

// ForModule scopes a logger to a package, mirroring log.Root().New("module", name).
func ForModule(parent Logger, name string) Logger {
	return parent.New("module", name)
}
