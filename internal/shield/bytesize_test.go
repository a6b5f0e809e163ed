package shield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"512":    512,
		"64k":    64 << 10,
		"64KB":   64 << 10,
		"8m":     8 << 20,
		"8 MiB":  8 << 20,
		"1.5g":   3 << 29,
		"100b":   100,
		" 2kib ": 2 << 10,
	}
	for in, want := range cases {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "k", "-1m", "lots", "1.2.3m"} {
		_, err := parseBytes(in)
		assert.Error(t, err, in)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "0b", formatBytes(0))
	assert.Equal(t, "1023b", formatBytes(1023))
	assert.Equal(t, "1kb", formatBytes(1024))
	assert.Equal(t, "1.5kb", formatBytes(1536))
	assert.Equal(t, "8mb", formatBytes(8<<20))
	assert.Equal(t, "2gb", formatBytes(2<<30))
	assert.Equal(t, "2048gb", formatBytes(2<<40))
}

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	s.Observe(100, false)
	s.Observe(300, true)
	s.Observe(-5, true)

	ss := s.Snapshot()
	assert.Equal(t, uint64(3), ss.Served)
	assert.Equal(t, uint64(2), ss.Hits)
	assert.Equal(t, uint64(400), ss.BodyBytes)
	assert.Equal(t, uint64(0), ss.MinBody)
	assert.Equal(t, uint64(300), ss.MaxBody)
	assert.Equal(t, uint64(133), ss.AvgBody)
}
