// Package version carries build metadata set with -ldflags -X.
package version

import "time"

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = ""
)

// Built parses BuildTime, returning the zero time when it is unset or not
// RFC 3339.
func Built() time.Time {
	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return time.Time{}
	}
	return t
}
