package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseTime(t *testing.T) {
	cases := map[string]time.Time{
		"":                          {},
		"2024-03-10":                time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		"2024-03-10T12:00:00+02:00": time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC),
		"1700000000":                time.Unix(1700000000, 0).UTC(),
	}
	for in, want := range cases {
		got, ok := ParseTime(in)
		assert.True(t, ok, in)
		assert.True(t, want.Equal(got), in)
	}
	_, ok := ParseTime("yesterday")
	assert.False(t, ok)
}
