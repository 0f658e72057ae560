package scheduler

import (
	"testing"
	"time"

	"github.com/berfenger/aggbatt2mqtt/internal/util"

	"github.com/reugn/go-quartz/quartz"
	"github.com/stretchr/testify/assert"
)

func TestStatusTriggerDisabled(t *testing.T) {
	cfg := util.LoadTestConfig()
	trigger, err := StatusTrigger(&cfg)
	assert.NoError(t, err)
	assert.Nil(t, trigger)
}

func TestStatusTriggerPeriod(t *testing.T) {
	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	cfg.LogPeriodSeconds = 300
	trigger, err := StatusTrigger(&cfg)
	assert.NoError(err)
	if assert.NotNil(trigger) {
		delay, err := NextDelay(trigger, time.Now())
		assert.NoError(err)
		assert.Equal(5*time.Minute, delay)
	}
}

func TestStatusTriggerInvalidCron(t *testing.T) {
	cfg := util.LoadTestConfig()
	cfg.LogCron = "every hour"
	_, err := StatusTrigger(&cfg)
	assert.Error(t, err)
}

func TestNextDelayCron(t *testing.T) {
	assert := assert.New(t)

	trigger, err := quartz.NewCronTriggerWithLoc("0 0 * * * *", time.UTC)
	assert.NoError(err)

	now := time.Date(2026, time.March, 4, 12, 30, 0, 0, time.UTC)
	delay, err := NextDelay(trigger, now)
	assert.NoError(err)
	assert.Equal(30*time.Minute, delay)
}
