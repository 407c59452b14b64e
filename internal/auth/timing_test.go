package auth_test

import (
	"testing"
	"time"

	"github.com/BradenHooton/loginguard/internal/auth"
	"github.com/stretchr/testify/assert"
)

func TestTimingDelay_DurationWithinBounds(t *testing.T) {
	timing := auth.NewTimingDelay(100*time.Millisecond, 50*time.Millisecond)

	for i := 0; i < 100; i++ {
		d := timing.Duration()
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestTimingDelay_NoJitter(t *testing.T) {
	timing := auth.NewTimingDelay(20*time.Millisecond, 0)
	assert.Equal(t, 20*time.Millisecond, timing.Duration())
}

func TestTimingDelay_Wait(t *testing.T) {
	timing := auth.NewTimingDelay(30*time.Millisecond, 10*time.Millisecond)

	start := time.Now()
	timing.Wait()
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}
