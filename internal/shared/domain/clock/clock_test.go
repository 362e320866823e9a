package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClock_NowIsUTC(t *testing.T) {
	before := time.Now().UTC()
	got := RealClock{}.Now()
	after := time.Now().UTC()

	assert.Equal(t, time.UTC, got.Location())
	assert.False(t, got.Before(before))
	assert.False(t, got.After(after))
}

func TestFixedClock_Now(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	c := FixedClock{Time: fixed}

	assert.Equal(t, fixed, c.Now())
	assert.Equal(t, fixed, c.Now())
}

func TestManualClock_Advance(t *testing.T) {
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewManual(start)

	c.Advance(30 * time.Second)
	assert.Equal(t, start.Add(30*time.Second), c.Now())

	c.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour+30*time.Second), c.Now())
}

func TestSetAndReset(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	Set(FixedClock{Time: fixed})
	t.Cleanup(Reset)

	assert.Equal(t, fixed, Now())
	assert.Equal(t, 10*time.Minute, Since(fixed.Add(-10*time.Minute)))

	Reset()
	assert.WithinDuration(t, time.Now().UTC(), Now(), time.Second)
}
