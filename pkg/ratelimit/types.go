package ratelimit

import (
	"fmt"
	"time"

	"github.com/kadirpekel/chatgate/pkg/config"
	"github.com/kadirpekel/chatgate/pkg/identity"
)

// Unit is a quota window.
type Unit string

const (
	UnitMinute Unit = config.WindowMinute
	UnitHour   Unit = config.WindowHour
	UnitDay    Unit = config.WindowDay
	UnitMonth  Unit = config.WindowMonth
)

// Units lists every window, shortest first. Checks run in this order.
var Units = []Unit{UnitMinute, UnitHour, UnitDay, UnitMonth}

// Duration returns the fixed length of the window.
func (u Unit) Duration() time.Duration {
	switch u {
	case UnitMinute:
		return time.Minute
	case UnitHour:
		return time.Hour
	case UnitDay:
		return 24 * time.Hour
	case UnitMonth:
		return 30 * 24 * time.Hour
	default:
		return 0
	}
}

func (u Unit) seconds() int64 {
	return int64(u.Duration() / time.Second)
}

// ParseUnit converts a window name.
func ParseUnit(s string) (Unit, error) {
	switch u := Unit(s); u {
	case UnitMinute, UnitHour, UnitDay, UnitMonth:
		return u, nil
	default:
		return "", fmt.Errorf("unknown window %q (valid: minute, hour, day, month)", s)
	}
}

// WindowStart returns the start of the window containing now, in Unix
// seconds.
func WindowStart(u Unit, now time.Time) int64 {
	sec := now.Unix()
	return sec - sec%u.seconds()
}

// CurrentWindow returns the bounds of the window containing now.
func CurrentWindow(u Unit, now time.Time) (start, reset time.Time) {
	s := WindowStart(u, now)
	return time.Unix(s, 0), time.Unix(s+u.seconds(), 0)
}

// WindowState describes one evaluated window.
type WindowState struct {
	Unit      Unit
	Key       string
	Count     int64
	Limit     int64
	Remaining int64
	Start     time.Time
	ResetAt   time.Time
}

// Exceeded reports whether the count is above the limit.
func (w WindowState) Exceeded() bool {
	return w.Count > w.Limit
}

// Decision is the outcome of one quota check.
type Decision struct {
	Identity identity.Key

	Allowed bool

	// ScopeExcluded is set when the route is not covered by any pattern.
	// Nothing was counted.
	ScopeExcluded bool

	// Degraded is set when the store failed and the failure policy decided.
	Degraded bool
	Err      error

	// Window is the deciding window. On denial it is the exceeded one.
	// When allowed it is the tightest enforced window, the first one
	// checked (minute before hour, day, month), whose remaining count and
	// reset are what callers expose. Nil when no window is enforced.
	Window *WindowState

	// Windows holds every window evaluated, in check order.
	Windows []WindowState

	// RetryAfter is set on denial: time until the denying window resets,
	// never below one second.
	RetryAfter time.Duration
}

// RetryAfterSeconds renders RetryAfter for headers and bodies.
func (d *Decision) RetryAfterSeconds() int64 {
	s := int64(d.RetryAfter / time.Second)
	if d.RetryAfter%time.Second != 0 {
		s++
	}
	if s < 1 {
		s = 1
	}
	return s
}
