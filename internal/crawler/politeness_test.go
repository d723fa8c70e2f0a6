package crawler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimerPauseControllerHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	pauser := &timerPauseController{}
	start := time.Now()
	pauser.Pause(ctx, 5*time.Second)
	require.Less(t, time.Since(start), time.Second, "pause should exit immediately when context is done")
}

func TestDelayPolicyStaysWithinBounds(t *testing.T) {
	policy := delayPolicy{min: 3 * time.Second, max: 6 * time.Second}
	for range 200 {
		d := policy.Next()
		require.GreaterOrEqual(t, d, 3*time.Second)
		require.Less(t, d, 6*time.Second)
	}
}

func TestDelayPolicyFixedWhenBoundsEqual(t *testing.T) {
	policy := delayPolicy{min: time.Second, max: time.Second}
	require.Equal(t, time.Second, policy.Next())
	require.Zero(t, delayPolicy{}.Next())
}
