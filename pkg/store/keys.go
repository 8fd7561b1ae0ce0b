package store

import (
	"strconv"
	"strings"
)

// Key prefixes. The live request path and the admin tooling must build
// keys through these helpers so both address the same entries.
const (
	CounterPrefix      = "rate"
	VerificationPrefix = "verify"
	AttemptPrefix      = "attempt"
)

// CounterKey returns "rate:<unit>:<windowStart>:<identity>".
func CounterKey(unit string, windowStart int64, identity string) string {
	return CounterPrefix + ":" + unit + ":" + strconv.FormatInt(windowStart, 10) + ":" + identity
}

// CounterUnitPrefix returns the prefix shared by all counters of one unit.
func CounterUnitPrefix(unit string) string {
	return CounterPrefix + ":" + unit + ":"
}

// ParseCounterKey splits a counter key. Identities may contain ':' so
// only the first three separators are significant.
func ParseCounterKey(key string) (unit string, windowStart int64, identity string, ok bool) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) != 4 || parts[0] != CounterPrefix {
		return "", 0, "", false
	}
	start, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, "", false
	}
	return parts[1], start, parts[3], true
}

// VerificationKey returns "verify:<identity>".
func VerificationKey(identity string) string {
	return VerificationPrefix + ":" + identity
}

// AttemptKey returns "attempt:<unit>:<windowStart>:<identity>", the
// counter for challenge submissions.
func AttemptKey(unit string, windowStart int64, identity string) string {
	return AttemptPrefix + ":" + unit + ":" + strconv.FormatInt(windowStart, 10) + ":" + identity
}
