package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatScore(t *testing.T) {
	assert.Equal(t, "75%", FormatScore(0.75))
	assert.Equal(t, "100%", FormatScore(1.0))
	assert.Equal(t, "0%", FormatScore(0))
}

func TestFormatAge(t *testing.T) {
	assert.Equal(t, "45s", FormatAge(45*time.Second))
	assert.Equal(t, "2m 30s", FormatAge(150*time.Second))
	assert.Equal(t, "1h 5m", FormatAge(65*time.Minute))
	assert.Equal(t, "0s", FormatAge(-time.Second))
}

func TestFormatCount(t *testing.T) {
	assert.Equal(t, "950", FormatCount(950))
	assert.Equal(t, "1.2k", FormatCount(1200))
	assert.Equal(t, "3.4M", FormatCount(3_400_000))
}
