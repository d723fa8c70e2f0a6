package crawler

import (
	"context"
	"time"
)

// pauseController abstracts how the controller waits between requests.
type pauseController interface {
	Pause(ctx context.Context, delay time.Duration)
}

type timerPauseController struct{}

func (p *timerPauseController) Pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// delayPolicy yields the randomized pause taken before each item fetch.
type delayPolicy struct {
	min time.Duration
	max time.Duration
}

func (d delayPolicy) Next() time.Duration {
	if d.max <= d.min {
		return d.min
	}
	return d.min + randomDuration(d.max-d.min)
}
