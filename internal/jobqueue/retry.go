package jobqueue

import (
	"context"
	"log/slog"
)

// WithResubmit wraps driver so a failed job is submitted again, up to
// maxSubmit attempts in total. Cancelled jobs are never resubmitted.
func WithResubmit(driver Driver, maxSubmit int, logger *slog.Logger) Driver {
	if maxSubmit <= 1 {
		return driver
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return DriverFunc(func(ctx context.Context, job Job) error {
		var err error
		for attempt := 1; attempt <= maxSubmit; attempt++ {
			err = driver.Run(ctx, job)
			if err == nil || ctx.Err() != nil {
				return err
			}
			if attempt < maxSubmit {
				logger.Warn("resubmitting job", "job", job.ID, "attempt", attempt+1, "error", err)
			}
		}
		return err
	})
}
