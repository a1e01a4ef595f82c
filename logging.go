package netreactor

import (
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// errorLogLimiter throttles error logs raised from hot paths (accept
// failures, callback panics), keyed by category. Shorter windows must allow
// at least as many events as longer ones.
var errorLogLimiter = catrate.NewLimiter(map[time.Duration]int{
	time.Second: 10,
	time.Minute: 100,
})

// NewLogger returns a JSON logger writing to w, enabled at level and above.
func NewLogger(w io.Writer, level logiface.Level) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	).Logger()
}

// ParseLevel maps a level name (as accepted on the command line) to a
// logiface level.
func ParseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return logiface.LevelTrace, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "info", "informational":
		return logiface.LevelInformational, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "warn", "warning":
		return logiface.LevelWarning, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "crit", "critical":
		return logiface.LevelCritical, nil
	case "off", "disabled", "none":
		return logiface.LevelDisabled, nil
	default:
		return logiface.LevelDisabled, fmt.Errorf("netreactor: unknown log level %q", s)
	}
}

// limitedErr returns an error-level builder, or nil if the category has
// exceeded its rate. Builders are nil safe.
func limitedErr(logger *logiface.Logger[logiface.Event], category string) *logiface.Builder[logiface.Event] {
	b := logger.Err()
	if !b.Enabled() {
		return b
	}
	if _, ok := errorLogLimiter.Allow(category); !ok {
		b.Release()
		return nil
	}
	return b
}

// recoverCallback logs a recovered panic. It must be called directly by a
// deferred function.
func recoverCallback(logger *logiface.Logger[logiface.Event], category string, r any) {
	limitedErr(logger, category).
		Str("category", category).
		Str("panic", fmt.Sprint(r)).
		Str("stack", string(debug.Stack())).
		Log(`callback panicked`)
}
