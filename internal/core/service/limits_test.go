package service

import (
	"context"
	"testing"
	"time"

	"github.com/berfenger/aggbatt2mqtt/internal/adapter/membus"
	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ownedSnapshot(voltage, maxCell, minCell float64) *domain.Snapshot {
	return &domain.Snapshot{
		Voltage:                  domain.Some(voltage),
		InstalledCapacity:        domain.Some(200),
		MaxCellVoltage:           domain.Some(maxCell),
		MinCellVoltage:           domain.Some(minCell),
		ModulesBlockingCharge:    domain.Some(0),
		ModulesBlockingDischarge: domain.Some(0),
		ReducedChargeVoltages:    []domain.Reading{domain.Some(voltage)},
		CellsPerBattery:          16,
	}
}

type ownedFixture struct {
	ctrl    *LimitController
	counter *CoulombCounter
	days    *memDayStore
	bus     *membus.Bus
	now     time.Time
}

func newOwnedFixture(balancingVoltage float64, daysSinceBalancing int) *ownedFixture {
	cfg := testConfig()
	cfg.Fleet.Batteries = 1
	cfg.Charge.OwnChargeParameters = true
	cfg.Charge.BalancingVoltage = balancingVoltage
	now := testTime(time.March, 10)
	days := &memDayStore{day: now.YearDay() - daysSinceBalancing}
	bus := membus.New()
	bus.AddDevice(settingsSvc, map[string]any{PATH_SETTINGS_FEED_IN: 1})
	return &ownedFixture{
		ctrl:    NewLimitController(cfg, days, days.day, testLogger),
		counter: NewCoulombCounter(&memChargeStore{}, 100, 1, 0.0025, testLogger),
		days:    days,
		bus:     bus,
		now:     now,
	}
}

func (f *ownedFixture) apply(snap *domain.Snapshot) domain.Limits {
	f.ctrl.Apply(context.Background(), f.bus, settingsSvc, snap, f.counter, f.now)
	return snap.Limits
}

func TestPassThroughLimits(t *testing.T) {
	cfg := testConfig()
	ctrl := NewLimitController(cfg, nil, 0, testLogger)
	snap := &domain.Snapshot{
		AllowToCharge:    domain.Some(1),
		AllowToDischarge: domain.Some(0),
		BatteryLimits: []domain.BatteryLimits{
			{Battery: "Left", ChargeVoltage: domain.Some(55.2), ChargeCurrent: domain.Some(50), DischargeCurrent: domain.Some(80), ChargeMode: "Bulk"},
			{Battery: "Right", ChargeVoltage: domain.Some(55.0), ChargeCurrent: domain.Some(40), DischargeCurrent: domain.Some(90), ChargeMode: "Float"},
		},
	}

	ctrl.Apply(context.Background(), nil, "", snap, nil, testTime(time.May, 1))
	assert.Equal(t, domain.Some(55.0), snap.Limits.ChargeVoltage)
	assert.Equal(t, domain.Some(80), snap.Limits.ChargeCurrent)
	assert.Equal(t, domain.Some(160), snap.Limits.DischargeCurrent)
	assert.Equal(t, domain.Some(1), snap.Limits.AllowToCharge)
	assert.Equal(t, domain.Some(0), snap.Limits.AllowToDischarge)
	assert.False(t, snap.Limits.AllowToBalance.Valid)

	snap.BatteryLimits[0].ChargeCurrent = domain.Missing
	ctrl.Apply(context.Background(), nil, "", snap, nil, testTime(time.May, 1))
	assert.False(t, snap.Limits.ChargeCurrent.Valid)
}

func TestPassThroughKeepMaxCvlUntilFloat(t *testing.T) {
	cfg := testConfig()
	cfg.Charge.KeepMaxCvl = true
	ctrl := NewLimitController(cfg, nil, 0, testLogger)
	snap := &domain.Snapshot{
		BatteryLimits: []domain.BatteryLimits{
			{Battery: "Left", ChargeVoltage: domain.Some(55.2), ChargeMode: "Bulk"},
			{Battery: "Right", ChargeVoltage: domain.Some(55.0), ChargeMode: "Float"},
		},
	}
	ctrl.Apply(context.Background(), nil, "", snap, nil, testTime(time.May, 1))
	assert.Equal(t, domain.Some(55.2), snap.Limits.ChargeVoltage)

	snap.BatteryLimits[0].ChargeMode = "Float Transition"
	ctrl.Apply(context.Background(), nil, "", snap, nil, testTime(time.May, 1))
	assert.Equal(t, domain.Some(55.0), snap.Limits.ChargeVoltage)
}

func TestOwnedChargeCurrentFollowsDeratingCurve(t *testing.T) {
	f := newOwnedFixture(3.45, 0)

	limits := f.apply(ownedSnapshot(52.8, 3.3, 3.28))
	assert.InDelta(t, 150, limits.ChargeCurrent.Value, 1e-9)
	assert.InDelta(t, 100, limits.DischargeCurrent.Value, 1e-9)
	assert.InDelta(t, 16*3.45, limits.ChargeVoltage.Value, 1e-9)

	snap := ownedSnapshot(52.8, 3.3, 3.28)
	snap.ModulesBlockingCharge = domain.Some(1)
	snap.ModulesBlockingDischarge = domain.Some(1)
	limits = f.apply(snap)
	assert.Equal(t, domain.Some(0), limits.ChargeCurrent)
	assert.Equal(t, domain.Some(0), limits.DischargeCurrent)
}

func TestOwnedMissingExtremaDisablesCurrents(t *testing.T) {
	f := newOwnedFixture(3.45, 0)
	snap := ownedSnapshot(52.8, 3.3, 3.28)
	snap.MaxCellVoltage = domain.Missing

	limits := f.apply(snap)
	assert.Equal(t, domain.Some(0), limits.ChargeCurrent)
	assert.Equal(t, domain.Some(0), limits.DischargeCurrent)
	assert.InDelta(t, 16*3.45, limits.ChargeVoltage.Value, 1e-9)
}

// one cell above the ceiling on a 16 cell pack
func TestDynamicCvlReduction(t *testing.T) {
	require := require.New(t)
	f := newOwnedFixture(3.45, 0)
	voltagesSum := 15*3.40 + 3.52

	snap := ownedSnapshot(voltagesSum, 3.52, 3.40)
	snap.ReducedChargeVoltages = []domain.Reading{domain.Some(voltagesSum - 0.02)}
	limits := f.apply(snap)

	require.Equal(domain.DYNAMIC_CVL_REDUCED, f.ctrl.DynamicCvl())
	require.InDelta(voltagesSum-0.02, limits.ChargeVoltage.Value, 1e-9)
	require.Equal([]any{int32(0)}, f.bus.Writes(settingsSvc, PATH_SETTINGS_FEED_IN))

	// repeated triggering does not toggle the feed-in again
	for i := 0; i < 3; i++ {
		f.apply(ownedSnapshot(voltagesSum, 3.52, 3.40))
	}
	require.Len(f.bus.Writes(settingsSvc, PATH_SETTINGS_FEED_IN), 1)

	// back below the ceiling with a large spread: feed-in stays off
	limits = f.apply(ownedSnapshot(54.6, 3.46, 3.40))
	require.Equal(domain.DYNAMIC_CVL_NORMAL, f.ctrl.DynamicCvl())
	require.InDelta(16*3.45, limits.ChargeVoltage.Value, 1e-9)
	require.Len(f.bus.Writes(settingsSvc, PATH_SETTINGS_FEED_IN), 1)

	// balanced: feed-in restored once
	f.apply(ownedSnapshot(54.5, 3.41, 3.40))
	f.apply(ownedSnapshot(54.5, 3.41, 3.40))
	require.Equal([]any{int32(0), int32(1)}, f.bus.Writes(settingsSvc, PATH_SETTINGS_FEED_IN))
}

// the ceiling is hit again while the restore still waits for a balanced pack
func TestDynamicCvlReentryKeepsPendingRestore(t *testing.T) {
	require := require.New(t)
	f := newOwnedFixture(3.45, 0)

	f.apply(ownedSnapshot(54.5, 3.52, 3.40))
	f.apply(ownedSnapshot(54.5, 3.46, 3.40))
	require.Equal(domain.DYNAMIC_CVL_NORMAL, f.ctrl.DynamicCvl())

	f.apply(ownedSnapshot(54.5, 3.52, 3.40))
	require.Equal(domain.DYNAMIC_CVL_REDUCED, f.ctrl.DynamicCvl())
	require.Equal([]any{int32(0)}, f.bus.Writes(settingsSvc, PATH_SETTINGS_FEED_IN))

	f.apply(ownedSnapshot(54.5, 3.41, 3.40))
	require.Equal([]any{int32(0), int32(1)}, f.bus.Writes(settingsSvc, PATH_SETTINGS_FEED_IN))
}

func TestDynamicCvlDoesNotRestoreDisabledFeedIn(t *testing.T) {
	f := newOwnedFixture(3.45, 0)
	f.bus.Put(settingsSvc, PATH_SETTINGS_FEED_IN, 0)

	f.apply(ownedSnapshot(54.5, 3.52, 3.40))
	f.apply(ownedSnapshot(54.5, 3.41, 3.40))
	assert.Equal(t, []any{int32(0)}, f.bus.Writes(settingsSvc, PATH_SETTINGS_FEED_IN))
}

func TestDischargeLatchHysteresis(t *testing.T) {
	require := require.New(t)
	f := newOwnedFixture(3.45, 0)

	limits := f.apply(ownedSnapshot(47.2, 3.0, 2.95))
	require.InDelta(2.5, limits.DischargeCurrent.Value, 1e-9)

	limits = f.apply(ownedSnapshot(46.4, 3.0, 2.9))
	require.True(f.ctrl.DischargeLatched())
	require.Equal(domain.Some(0), limits.DischargeCurrent)

	// recovering to floor + half the hysteresis keeps the latch
	limits = f.apply(ownedSnapshot(47.2, 3.0, 2.95))
	require.True(f.ctrl.DischargeLatched())
	require.Equal(domain.Some(0), limits.DischargeCurrent)

	limits = f.apply(ownedSnapshot(48.2, 3.05, 3.01))
	require.False(f.ctrl.DischargeLatched())
	require.Greater(limits.DischargeCurrent.Value, 0.0)
}

func TestZeroSocAtFloor(t *testing.T) {
	f := newOwnedFixture(3.45, 0)
	f.ctrl.zeroSoc = true

	f.apply(ownedSnapshot(46.4, 3.0, 2.85))
	assert.Equal(t, 0.0, f.counter.Charge())
}

func TestBalancingStateMachine(t *testing.T) {
	require := require.New(t)
	f := newOwnedFixture(3.55, 2)
	cvlBalancing := 16 * 3.55
	cvlNormal := 16 * 3.45

	steps := []struct {
		voltage float64
		maxCell float64
		minCell float64
		state   domain.BalancingState
		cvl     float64
	}{
		{54.0, 3.40, 3.35, domain.BALANCING_WAITING_AT_TARGET, cvlBalancing},
		{cvlBalancing, 3.45, 3.40, domain.BALANCING_WAITING_AT_TARGET, cvlBalancing},
		{cvlBalancing, 3.45, 3.44, domain.BALANCING_GOAL_REACHED, cvlBalancing},
		{56.0, 3.45, 3.44, domain.BALANCING_GOAL_REACHED, cvlBalancing},
		{55.1, 3.45, 3.44, domain.BALANCING_INACTIVE, cvlNormal},
		{55.1, 3.45, 3.44, domain.BALANCING_INACTIVE, cvlNormal},
	}
	for i, step := range steps {
		limits := f.apply(ownedSnapshot(step.voltage, step.maxCell, step.minCell))
		require.Equal(step.state, f.ctrl.Balancing(), "step %d", i)
		require.InDelta(step.cvl, limits.ChargeVoltage.Value, 1e-9, "step %d", i)
		if i == 1 {
			// reaching the balancing voltage means the pack is full
			require.Equal(200.0, f.counter.Charge())
		}
	}
	require.Equal([]int{f.now.YearDay()}, f.days.saves)
	require.Equal(f.now.YearDay(), f.ctrl.LastBalancingDay())
}

func TestBalancingWithoutRaisedTarget(t *testing.T) {
	require := require.New(t)
	f := newOwnedFixture(3.45, 2)

	f.apply(ownedSnapshot(16*3.45, 3.45, 3.44))
	require.Equal(domain.BALANCING_INACTIVE, f.ctrl.Balancing())
	require.Equal([]int{f.now.YearDay()}, f.days.saves)
	require.Equal(200.0, f.counter.Charge())

	f.apply(ownedSnapshot(16*3.45, 3.45, 3.44))
	require.Len(f.days.saves, 1)
}

func TestBalancingDaysWrapAroundNewYear(t *testing.T) {
	f := newOwnedFixture(3.55, 0)
	f.ctrl.lastBalancingDay = 360
	f.now = testTime(time.January, 2)

	f.apply(ownedSnapshot(54.0, 3.40, 3.35))
	assert.Equal(t, domain.BALANCING_WAITING_AT_TARGET, f.ctrl.Balancing())
}
