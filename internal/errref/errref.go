// Package errref generates short base-36 timestamp reference codes for
// user-facing transient failures, so an operator can
// correlate a user's report to a structured log line.
package errref

import (
	"strconv"
	"time"
)

// New returns a base-36 reference code derived from the current time
// in nanoseconds, e.g. "dmjr2xzgsex0".
func New() string {
	return strconv.FormatInt(time.Now().UnixNano(), 36)
}

// UserMessage wraps a user-facing apology with its reference code,
// so support can correlate the report to a log line.
func UserMessage(apology string) (message, code string) {
	code = New()
	return apology + " (ref: " + code + ")", code
}
