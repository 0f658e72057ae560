// Package scheduler computes when the periodic status line is due.
package scheduler

import (
	"fmt"
	"time"

	"github.com/berfenger/aggbatt2mqtt/internal/config"

	"github.com/reugn/go-quartz/quartz"
)

// StatusTrigger returns the trigger driving the status log. A cron expression (with seconds)
// takes precedence over the period. Nil means the status log is disabled.
func StatusTrigger(cfg *config.Config) (quartz.Trigger, error) {
	if cfg.LogCron != "" {
		trigger, err := quartz.NewCronTriggerWithLoc(cfg.LogCron, time.Local)
		if err != nil {
			return nil, fmt.Errorf("invalid log_cron expression %q: %w", cfg.LogCron, err)
		}
		return trigger, nil
	}
	if cfg.LogPeriodSeconds > 0 {
		return quartz.NewSimpleTrigger(time.Duration(cfg.LogPeriodSeconds) * time.Second), nil
	}
	return nil, nil
}

// NextDelay is the time left from now until the next fire time of trigger.
func NextDelay(trigger quartz.Trigger, now time.Time) (time.Duration, error) {
	next, err := trigger.NextFireTime(now.UnixNano())
	if err != nil {
		return 0, err
	}
	delay := time.Duration(next - now.UnixNano())
	if delay < 0 {
		delay = 0
	}
	return delay, nil
}
