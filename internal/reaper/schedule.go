package reaper

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Schedule registers a sweep every interval on s. Singleton mode skips a tick
// while the previous sweep is still running.
func Schedule(ctx context.Context, s gocron.Scheduler, r *Reaper, interval time.Duration) (gocron.Job, error) {
	return s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if ctx.Err() != nil {
				return
			}
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.WithError(err).Error("sweep failed")
			}
		}),
		gocron.WithName("seat-reaper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
}
