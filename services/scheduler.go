// services/scheduler.go
package services

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

var ErrNoSchedule = errors.New("no schedule configured")

// StartRankingsScheduler runs Regenerate on a crontab (if set) or a fixed
// interval. Overlapping runs within this process are rescheduled rather than
// stacked; across processes the lock still decides.
func (g *Generator) StartRankingsScheduler(interval time.Duration, crontab string, timeout time.Duration) (gocron.Scheduler, error) {
	var def gocron.JobDefinition
	switch {
	case crontab != "":
		def = gocron.CronJob(crontab, false)
	case interval > 0:
		def = gocron.DurationJob(interval)
	default:
		return nil, ErrNoSchedule
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		def,
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			out := g.Regenerate(ctx)
			if out.Status == StatusBusy {
				g.log.Debug("[Scheduler] lock busy, next tick will retry")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, err
	}

	sched.Start()
	g.log.Info("[Scheduler] rankings regeneration scheduled",
		zap.Duration("interval", interval),
		zap.String("cron", crontab))
	return sched, nil
}
