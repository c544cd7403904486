package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFakeClock_AdvanceAndSleep(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Fake(start)
	require.Equal(t, start, c.Now())

	c.Advance(5 * time.Second)
	require.Equal(t, start.Add(5*time.Second), c.Now())

	c.Sleep(20 * time.Millisecond)
	require.Equal(t, start.Add(5*time.Second+20*time.Millisecond), c.Now())

	c.Advance(-time.Hour)
	require.Equal(t, start.Add(5*time.Second+20*time.Millisecond), c.Now())
}

func TestRealClock_Monotonic(t *testing.T) {
	c := Real()
	before := c.Now()
	c.Sleep(time.Millisecond)
	require.True(t, c.Now().After(before))
}
