package service

import (
	"context"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Conan/internal/model"
)

// newScheduler returns a gocron scheduler calling pollFunc on every
// activation of the cron expression. It is not started.
func newScheduler(ctx context.Context, expr string, pollFunc func()) (gocron.Scheduler, error) {
	interval, err := model.ParseCron(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing daemon.cron: %w", err)
	}
	job := gocron.CronJob(expr, false)
	slog.DebugContext(ctx, "successfully parsed", "cron", expr, "interval", interval.String())

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(pollFunc),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
