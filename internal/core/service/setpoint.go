package service

import (
	"context"
	"fmt"

	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/berfenger/aggbatt2mqtt/internal/core/port"
	"go.uber.org/zap"
)

const (
	PATH_INVERTER_AC_IN_P           = "/Devices/0/Ac/In/P"
	PATH_INVERTER_AC_OUT_P          = "/Devices/0/Ac/Out/P"
	PATH_INVERTER_P                 = "/Devices/0/Ac/Inverter/P"
	PATH_HUB4_AC_POWER_SETPOINT     = "/Hub4/L1/AcPowerSetpoint"
	PATH_SETTINGS_GRID_SETPOINT     = "/Settings/CGwacs/AcPowerSetPoint"
	PATH_SETTINGS_MINIMUM_SOC_LIMIT = "/Settings/CGwacs/BatteryLife/MinimumSocLimit"
	PATH_SETTINGS_HUB4_MODE         = "/Settings/CGwacs/Hub4Mode"
	PATH_GRID_POWER                 = "/Ac/Power"
	PATH_SYSTEM_LOW_SOC             = "/SystemState/LowSoc"

	ESS_MODE_EXTERNAL            = 0
	ESS_MODE_CHARGE_PRIORITY     = 1
	ESS_MODE_GRID_SETPOINT       = 2
	ESS_MODE_COMBINED            = 3
	ESS_MODE_NO_DISCHARGE        = 4
	ESS_MODE_SOLAR_PRIORITY      = 5
	HUB4_MODE_PHASE_COMPENSATION = 1
	HUB4_MODE_EXTERNAL_CONTROL   = 3
	DEFAULT_SMOOTH_FILTER        = 251
	acNominalVoltage             = 230.0
)

func gridPhasePath(phase int) string {
	return fmt.Sprintf("/Ac/L%d/Power", phase)
}

func consumptionPhasePath(phase int) string {
	return fmt.Sprintf("/Ac/ConsumptionOnInput/L%d/Power", phase)
}

func pvOnGridPhasePath(phase int) string {
	return fmt.Sprintf("/Ac/PvOnGrid/L%d/Power", phase)
}

// SetpointArbiter picks the inverter AC power setpoint for the active ESS mode.
type SetpointArbiter struct {
	active       int
	smoothFilter float64
	smooth       domain.Reading
	logger       *zap.Logger
}

func NewSetpointArbiter(active int, smoothFilter float64, logger *zap.Logger) *SetpointArbiter {
	return &SetpointArbiter{
		active:       active,
		smoothFilter: smoothFilter,
		// the smoothed CCL ramps up from zero after startup
		smooth:       domain.Some(0),
		logger:       logger,
	}
}

func (a *SetpointArbiter) Active() int {
	return a.active
}

func (a *SetpointArbiter) SmoothFilter() float64 {
	return a.smoothFilter
}

// SetActive changes the ESS mode and switches the Hub4 mode of the settings service accordingly.
// Modes outside 0..5 are rejected and the current mode is kept.
func (a *SetpointArbiter) SetActive(ctx context.Context, writer port.TelemetryWriter, settings string, mode int) error {
	if mode < ESS_MODE_EXTERNAL || mode > ESS_MODE_SOLAR_PRIORITY {
		return fmt.Errorf("invalid ESS mode %d", mode)
	}
	hub4Mode := int32(HUB4_MODE_EXTERNAL_CONTROL)
	if mode == ESS_MODE_EXTERNAL {
		hub4Mode = HUB4_MODE_PHASE_COMPENSATION
	}
	if writer != nil && settings != "" {
		if err := writer.Set(ctx, settings, PATH_SETTINGS_HUB4_MODE, hub4Mode); err != nil {
			return fmt.Errorf("cannot switch hub4 mode: %w", err)
		}
	}
	a.logger.Info(fmt.Sprintf("ess: mode %d -> %d", a.active, mode))
	a.active = mode
	return nil
}

func (a *SetpointArbiter) SetSmoothFilter(filter float64) error {
	if filter < 0 {
		return fmt.Errorf("invalid smoothing filter %f", filter)
	}
	a.smoothFilter = filter
	return nil
}

// Arbitrate reads the inverter, grid and system values, computes the candidate setpoints and
// writes the selected one to the inverter. In external mode the current setpoint is read back.
func (a *SetpointArbiter) Arbitrate(ctx context.Context, bus port.TelemetryBus, fleet domain.Fleet, snap *domain.Snapshot) {
	ess := domain.EssState{
		Active:       a.active,
		SmoothFilter: a.smoothFilter,
	}
	read := func(device, path string) domain.Reading {
		return readOptional(ctx, bus, device, path)
	}
	voltage := snap.Voltage

	ess.BatteryPower = snap.Power
	ess.BatteryCurrent = snap.Current
	ess.MpptCurrent = snap.MpptCurrent
	ess.MpptPower = snap.MpptPower

	ess.AcInPower = read(fleet.Inverter, PATH_INVERTER_AC_IN_P)
	ess.AcOutPower = read(fleet.Inverter, PATH_INVERTER_AC_OUT_P)
	ess.InverterPower = read(fleet.Inverter, PATH_INVERTER_P)
	ess.AcInCurrent = divide(ess.AcInPower, domain.Some(acNominalVoltage))
	ess.AcOutCurrent = divide(ess.AcOutPower, domain.Some(acNominalVoltage))
	ess.InverterCurrent = divide(ess.InverterPower, voltage)
	ess.BatteryCurrentCalc = add(ess.MpptCurrent, ess.InverterCurrent)

	ccl := snap.Limits.ChargeCurrent
	ess.MaxChargeCurrent = ccl
	ess.MaxChargePower = multiply(ccl, voltage)
	ess.MaxChargeCurrentSmooth = a.smoothen(ccl)
	ess.CorrectionCurrent = subtract(ess.BatteryCurrentCalc, ess.BatteryCurrent)
	if snap.CellsPerBattery > 0 {
		ess.MaxChargeCellVoltage = divide(snap.Limits.ChargeVoltage, domain.Some(float64(snap.CellsPerBattery)))
	}

	ess.GridSetpoint = read(fleet.Settings, PATH_SETTINGS_GRID_SETPOINT)
	ess.MinimumSocLimit = read(fleet.Settings, PATH_SETTINGS_MINIMUM_SOC_LIMIT)
	ess.GridPower = read(fleet.Grid, PATH_GRID_POWER)

	var grid [3]domain.Reading
	for i := 0; i < 3; i++ {
		grid[i] = read(fleet.Grid, gridPhasePath(i+1))
		ess.ConsumptionInput[i] = read(fleet.System, consumptionPhasePath(i+1))
		ess.PvOnGrid[i] = read(fleet.System, pvOnGridPhasePath(i+1))
	}
	ess.AcLoad[0] = subtract(add(grid[0], ess.PvOnGrid[0]), ess.AcInPower)
	ess.AcLoad[1] = add(grid[1], ess.PvOnGrid[1])
	ess.AcLoad[2] = add(grid[2], ess.PvOnGrid[2])
	ess.ConsumptionInputTotal = add(ess.ConsumptionInput[:]...)
	ess.PvOnGridTotal = add(ess.PvOnGrid[:]...)
	ess.AcLoadTotal = add(ess.AcLoad[:]...)

	if a.active > ESS_MODE_EXTERNAL {
		ess.AcPowerSetpoint = a.selectSetpoint(&ess, voltage, snap.Soc)
		if ess.AcPowerSetpoint.Valid && bus != nil && fleet.Inverter != "" {
			if err := bus.Set(ctx, fleet.Inverter, PATH_HUB4_AC_POWER_SETPOINT, ess.AcPowerSetpoint.Value); err != nil {
				a.logger.Warn("ess: cannot write AC power setpoint", zap.Error(err))
			}
		}
	} else {
		ess.AcPowerSetpoint = read(fleet.Inverter, PATH_HUB4_AC_POWER_SETPOINT)
	}
	snap.Ess = ess
}

func (a *SetpointArbiter) smoothen(ccl domain.Reading) domain.Reading {
	if !ccl.Valid {
		return a.smooth
	}
	if a.smooth.Valid && ccl.Value > a.smooth.Value {
		a.smooth = domain.Some((a.smoothFilter*a.smooth.Value + ccl.Value) / (a.smoothFilter + 1))
	} else {
		a.smooth = ccl
	}
	return a.smooth
}

// Candidates holds the setpoints the modes choose from.
type Candidates struct {
	ChargePriority domain.Reading
	GridSetpoint   domain.Reading
	AcLoad         domain.Reading
	SolarPriority  domain.Reading
	NoDischarge    domain.Reading
}

func ComputeCandidates(ess *domain.EssState, voltage domain.Reading) Candidates {
	maxChargePowerSmooth := multiply(ess.MaxChargeCurrentSmooth, voltage)
	correctionPower := multiply(ess.CorrectionCurrent, voltage)
	solarBudget := add(maxChargePowerSmooth, correctionPower)
	return Candidates{
		ChargePriority: add(subtract(ess.AcOutPower, ess.MpptPower), solarBudget),
		GridSetpoint:   subtract(add(ess.GridSetpoint, ess.PvOnGridTotal), ess.ConsumptionInputTotal),
		AcLoad:         subtract(add(ess.GridSetpoint, ess.PvOnGridTotal), ess.AcLoadTotal),
		SolarPriority:  add(subtract(ess.AcOutPower, ess.MpptPower), minimum(ess.MpptPower, solarBudget)),
		NoDischarge:    ess.AcOutPower,
	}
}

func (a *SetpointArbiter) selectSetpoint(ess *domain.EssState, voltage, soc domain.Reading) domain.Reading {
	c := ComputeCandidates(ess, voltage)
	switch a.active {
	case ESS_MODE_CHARGE_PRIORITY:
		return c.ChargePriority
	case ESS_MODE_GRID_SETPOINT:
		return c.GridSetpoint
	case ESS_MODE_COMBINED:
		return minimum(c.ChargePriority, c.GridSetpoint)
	case ESS_MODE_NO_DISCHARGE:
		return c.NoDischarge
	case ESS_MODE_SOLAR_PRIORITY:
		if soc.Valid && ess.MinimumSocLimit.Valid && soc.Value < ess.MinimumSocLimit.Value {
			return c.NoDischarge
		}
		return minimum(c.SolarPriority, c.AcLoad)
	}
	return domain.Missing
}
