package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	t.Run("milliseconds", func(t *testing.T) {
		got, err := parseSince("1700000000000", now)
		require.NoError(t, err)
		assert.Equal(t, int64(1700000000000), got)
	})

	t.Run("zero", func(t *testing.T) {
		got, err := parseSince("0", now)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got)
	})

	t.Run("relative", func(t *testing.T) {
		got, err := parseSince("2 hours ago", now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(-2*time.Hour).UnixMilli(), got)
	})

	t.Run("errors", func(t *testing.T) {
		for _, in := range []string{"", "  ", "-5", "no time here", "in 3 days"} {
			_, err := parseSince(in, now)
			assert.Error(t, err, "input %q", in)
		}
	})
}
