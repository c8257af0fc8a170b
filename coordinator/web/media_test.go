package web

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	const size = 1000

	type result struct {
		start, end int64
		ok         bool
	}
	cases := []struct {
		header string
		want   result
	}{
		{"", result{0, size - 1, true}},
		{"bytes=0-", result{0, size - 1, true}},
		{"bytes=100-", result{100, size - 1, true}},
		{"bytes=100-199", result{100, 199, true}},
		{"bytes=100-100", result{100, 100, true}},
		// end past the blob is clamped
		{"bytes=900-5000", result{900, size - 1, true}},
		// suffix form selects the final bytes
		{"bytes=-100", result{size - 100, size - 1, true}},
		{"bytes=-5000", result{0, size - 1, true}},

		{"bytes=1000-", result{0, 0, false}},
		{"bytes=200-100", result{0, 0, false}},
		{"bytes=-0", result{0, 0, false}},
		{"bytes=abc-", result{0, 0, false}},
		{"bytes=0-xyz", result{0, 0, false}},
		{"items=0-10", result{0, 0, false}},
		{"bytes=0-10,20-30", result{0, 0, false}},
		{"bytes=10", result{0, 0, false}},
	}
	for _, tc := range cases {
		start, end, ok := parseRange(tc.header, size)
		require.Equal(t, tc.want, result{start, end, ok}, "header %q", tc.header)
	}
}

func TestParseRangeChunkCap(t *testing.T) {
	const size = 4 * mediaChunkSize

	start, end, ok := parseRange("", size)
	require.True(t, ok)
	require.EqualValues(t, 0, start)
	require.EqualValues(t, mediaChunkSize-1, end)

	start, end, ok = parseRange("bytes=100-", size)
	require.True(t, ok)
	require.EqualValues(t, 100, start)
	require.EqualValues(t, 100+mediaChunkSize-1, end)

	// explicit short ranges are untouched
	start, end, ok = parseRange("bytes=0-9", size)
	require.True(t, ok)
	require.EqualValues(t, 0, start)
	require.EqualValues(t, 9, end)
}

func TestParseRangeEmptyBlob(t *testing.T) {
	_, _, ok := parseRange("", 0)
	require.True(t, ok)

	_, _, ok = parseRange("bytes=0-", 0)
	require.False(t, ok)
}
