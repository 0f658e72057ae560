package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/berfenger/aggbatt2mqtt/internal/config"
	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/berfenger/aggbatt2mqtt/internal/core/port"
	"go.uber.org/zap"
)

const (
	PATH_SETTINGS_FEED_IN = "/Settings/CGwacs/OvervoltageFeedIn"
	CHARGE_MODE_FLOAT     = "Float"
	balancingReachedRatio = 0.999
)

// LimitController derives CVL, CCL and DCL for the virtual battery. In pass-through mode the
// fleet limits are combined; in owned mode they are computed from the charge configuration.
type LimitController struct {
	cfg       config.ChargeConfig
	batteries int
	cells     int
	zeroSoc   bool
	days      port.BalancingDayStore
	logger    *zap.Logger

	balancing        domain.BalancingState
	lastBalancingDay int
	dynamic          domain.DynamicCvlState
	feedInWasActive  bool
	restoreFeedIn    bool
	dischargeLatched bool
}

func NewLimitController(cfg *config.Config, days port.BalancingDayStore, lastBalancingDay int, logger *zap.Logger) *LimitController {
	return &LimitController{
		cfg:              cfg.Charge,
		batteries:        cfg.Fleet.Batteries,
		cells:            cfg.Fleet.CellsPerBattery,
		zeroSoc:          cfg.Options.ZeroSoc,
		days:             days,
		logger:           logger,
		lastBalancingDay: lastBalancingDay,
	}
}

func (c *LimitController) Balancing() domain.BalancingState {
	return c.balancing
}

func (c *LimitController) DynamicCvl() domain.DynamicCvlState {
	return c.dynamic
}

func (c *LimitController) LastBalancingDay() int {
	return c.lastBalancingDay
}

func (c *LimitController) DischargeLatched() bool {
	return c.dischargeLatched
}

// Apply fills snap.Limits. bus and settings are used to toggle the over-voltage feed-in on
// dynamic CVL edges; counter is reset when the pack is known full (or empty with zero SoC).
func (c *LimitController) Apply(ctx context.Context, bus port.TelemetryBus, settings string,
	snap *domain.Snapshot, counter *CoulombCounter, now time.Time) {

	limits := domain.Limits{
		AllowToCharge:    snap.AllowToCharge,
		AllowToDischarge: snap.AllowToDischarge,
		AllowToBalance:   snap.AllowToBalance,
	}
	if c.cfg.OwnChargeParameters {
		c.owned(ctx, bus, settings, snap, counter, now, &limits)
	} else {
		c.passThrough(snap, &limits)
	}
	snap.Limits = limits
	snap.Balancing = c.balancing
	snap.DynamicCvl = c.dynamic
}

func (c *LimitController) passThrough(snap *domain.Snapshot, limits *domain.Limits) {
	cvl, ccl, dcl := newMin(), newMin(), newMin()
	maxCvl := newMax()
	allFloat := len(snap.BatteryLimits) > 0
	for _, b := range snap.BatteryLimits {
		cvl.add(b.ChargeVoltage, b.Battery)
		maxCvl.add(b.ChargeVoltage, b.Battery)
		ccl.add(b.ChargeCurrent, b.Battery)
		dcl.add(b.DischargeCurrent, b.Battery)
		if !strings.Contains(b.ChargeMode, CHARGE_MODE_FLOAT) {
			allFloat = false
		}
	}
	limits.ChargeVoltage = cvl.reading()
	if c.cfg.KeepMaxCvl && !allFloat {
		limits.ChargeVoltage = maxCvl.reading()
	}
	n := domain.Some(float64(c.batteries))
	limits.ChargeCurrent = multiply(ccl.reading(), n)
	limits.DischargeCurrent = multiply(dcl.reading(), n)
}

func (c *LimitController) owned(ctx context.Context, bus port.TelemetryBus, settings string,
	snap *domain.Snapshot, counter *CoulombCounter, now time.Time, limits *domain.Limits) {

	cells := float64(c.cells)
	if !snap.MaxCellVoltage.Valid || !snap.MinCellVoltage.Valid {
		lowest := math.Inf(1)
		for _, v := range c.cfg.ChargeVoltageList {
			lowest = math.Min(lowest, v)
		}
		limits.ChargeVoltage = domain.Some(cells * lowest)
		limits.ChargeCurrent = domain.Some(0)
		limits.DischargeCurrent = domain.Some(0)
		c.logger.Warn("limits: cell voltage extrema missing, charge and discharge disabled")
		return
	}
	maxCell := snap.MaxCellVoltage.Value
	minCell := snap.MinCellVoltage.Value

	target := c.balancingTarget(snap, counter, now)
	limits.ChargeVoltage = domain.Some(c.dynamicCvl(ctx, bus, settings, snap, target))

	if c.zeroSoc && counter != nil && minCell <= c.cfg.MinCellVoltage {
		counter.Reset(0)
	}

	if blocking(snap.ModulesBlockingCharge) {
		limits.ChargeCurrent = domain.Some(0)
	} else {
		limits.ChargeCurrent = domain.Some(c.cfg.MaxChargeCurrent *
			Interpolate(c.cfg.CellChargeLimitingVoltage, c.cfg.CellChargeLimitedCurrent, maxCell))
	}

	if minCell <= c.cfg.MinCellVoltage {
		if !c.dischargeLatched {
			c.logger.Warn(fmt.Sprintf("limits: min cell voltage %.3fV reached floor, discharge disabled", minCell))
		}
		c.dischargeLatched = true
	} else if minCell > c.cfg.MinCellVoltage+c.cfg.MinCellHysteresis {
		if c.dischargeLatched {
			c.logger.Info(fmt.Sprintf("limits: min cell voltage %.3fV recovered, discharge enabled", minCell))
		}
		c.dischargeLatched = false
	}
	if blocking(snap.ModulesBlockingDischarge) || c.dischargeLatched {
		limits.DischargeCurrent = domain.Some(0)
	} else {
		limits.DischargeCurrent = domain.Some(c.cfg.MaxDischargeCurrent *
			Interpolate(c.cfg.CellDischargeLimitingVoltage, c.cfg.CellDischargeLimitedCurrent, minCell))
	}
}

// a missing blocking count is treated as blocking
func blocking(count domain.Reading) bool {
	return !count.Valid || count.Value > 0
}

func (c *LimitController) balancingTarget(snap *domain.Snapshot, counter *CoulombCounter, now time.Time) float64 {
	cells := float64(c.cells)
	cvlNormal := cells * c.cfg.ChargeVoltageList[int(now.Month())-1]
	cvlBalancing := cells * c.cfg.BalancingVoltage
	today := now.YearDay()
	days := today - c.lastBalancingDay
	if days < 0 {
		days += 365
	}
	voltage := snap.Voltage
	spread := snap.VoltagesDiff()
	reached := voltage.Valid && voltage.Value >= balancingReachedRatio*cvlBalancing
	balanced := spread.Valid && spread.Value < c.cfg.CellDiffMax

	if cvlBalancing <= cvlNormal {
		// the monthly target is already a full charge
		if days > 0 && reached && balanced {
			c.resetFull(snap, counter)
			c.saveBalancingDay(today)
		}
		return cvlNormal
	}

	if c.balancing == domain.BALANCING_INACTIVE && days >= c.cfg.BalancingRepetition {
		c.setBalancing(domain.BALANCING_WAITING_AT_TARGET)
	}
	switch c.balancing {
	case domain.BALANCING_WAITING_AT_TARGET:
		if reached {
			c.resetFull(snap, counter)
			if balanced {
				c.setBalancing(domain.BALANCING_GOAL_REACHED)
			}
		}
		return cvlBalancing
	case domain.BALANCING_GOAL_REACHED:
		if voltage.Valid && voltage.Value <= cvlNormal {
			c.setBalancing(domain.BALANCING_INACTIVE)
			c.saveBalancingDay(today)
			return cvlNormal
		}
		return cvlBalancing
	}
	return cvlNormal
}

func (c *LimitController) setBalancing(state domain.BalancingState) {
	c.logger.Info(fmt.Sprintf("limits: balancing %s -> %s", c.balancing, state))
	c.balancing = state
}

func (c *LimitController) resetFull(snap *domain.Snapshot, counter *CoulombCounter) {
	if counter != nil && snap.InstalledCapacity.Valid {
		counter.Reset(snap.InstalledCapacity.Value)
	}
}

func (c *LimitController) saveBalancingDay(day int) {
	c.lastBalancingDay = day
	if c.days == nil {
		return
	}
	if err := c.days.SaveLastBalancingDay(day); err != nil {
		c.logger.Error("limits: cannot save last balancing day", zap.Error(err))
	}
}

// dynamicCvl clamps the target when a cell reaches the ceiling. Only the edges touch the feed-in setting.
func (c *LimitController) dynamicCvl(ctx context.Context, bus port.TelemetryBus, settings string,
	snap *domain.Snapshot, target float64) float64 {

	spread := snap.VoltagesDiff()
	balanced := spread.Valid && spread.Value < c.cfg.CellDiffMax

	if snap.MaxCellVoltage.Value >= c.cfg.MaxCellVoltage {
		if c.dynamic == domain.DYNAMIC_CVL_NORMAL {
			c.dynamic = domain.DYNAMIC_CVL_REDUCED
			// a pending restore means the feed-in is still off from the previous edge
			pending := c.restoreFeedIn
			c.restoreFeedIn = false
			if !pending {
				c.feedInWasActive = readOptional(ctx, bus, settings, PATH_SETTINGS_FEED_IN).Or(0) == 1
			}
			c.logger.Info(fmt.Sprintf("limits: cell voltage %.3fV reached ceiling, CVL reduced", snap.MaxCellVoltage.Value),
				zap.Bool("feedInWasActive", c.feedInWasActive))
			if !pending {
				c.writeFeedIn(ctx, bus, settings, 0)
			}
		}
		cvl := target
		for _, reduced := range snap.ReducedChargeVoltages {
			if reduced.Valid {
				cvl = math.Min(cvl, reduced.Value)
			}
		}
		return cvl
	}

	if c.dynamic == domain.DYNAMIC_CVL_REDUCED {
		c.dynamic = domain.DYNAMIC_CVL_NORMAL
		c.restoreFeedIn = c.feedInWasActive
		c.logger.Info("limits: cell voltage below ceiling, CVL restored")
	}
	if c.restoreFeedIn && balanced {
		c.writeFeedIn(ctx, bus, settings, 1)
		c.restoreFeedIn = false
		c.feedInWasActive = false
	}
	return target
}

func (c *LimitController) writeFeedIn(ctx context.Context, bus port.TelemetryBus, settings string, value int32) {
	if bus == nil || settings == "" {
		return
	}
	if err := bus.Set(ctx, settings, PATH_SETTINGS_FEED_IN, value); err != nil {
		c.logger.Warn("limits: cannot write feed-in setting", zap.Int32("value", value), zap.Error(err))
	}
}
