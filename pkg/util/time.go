package util

import (
	"strconv"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

// ParseTime accepts RFC 3339, a YYYY-MM-DD date (UTC midnight) or unix seconds.
// Empty input yields the zero time.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, true
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), true
	}
	return time.Time{}, false
}
