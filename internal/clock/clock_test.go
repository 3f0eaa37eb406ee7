package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestSystemNowUTC ensures the clock returns UTC timestamps.
func TestSystemNowUTC(t *testing.T) {
	t.Parallel()

	before := time.Now().UTC().Add(-time.Second)
	got := System{}.Now()
	after := time.Now().UTC().Add(time.Second)

	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.After(before) && got.Before(after))
}

func TestManualAdvance(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	clk := NewManual(start)
	assert.Equal(t, start, clk.Now())
	assert.Equal(t, start.Add(time.Minute), clk.Advance(time.Minute))

	clk.Set(start)
	assert.Equal(t, start, clk.Now())
}
