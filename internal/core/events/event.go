package events

import (
	. "github.com/berfenger/aggbatt2mqtt/internal/core/domain"
)

const (
	// published for ESS values that have no source this cycle
	essUnsetSentinel = -1
)

func readingEvent(prop Property, r Reading) any {
	if !r.Valid {
		return UnknownSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: prop.SensorId()},
		}
	}
	return FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: prop.SensorId()},
		Value:                  r.Value,
		Decimals:               prop.Decimals,
	}
}

func valueEvent(prop Property, v float64) any {
	return readingEvent(prop, Some(v))
}

func textEvent(prop Property, value string) any {
	if value == "" {
		return UnknownSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: prop.SensorId()},
		}
	}
	return TextSensorUpdateEvent{
		SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: prop.SensorId()},
		Value:                  value,
	}
}

// SnapshotToUpdateEvents flattens the virtual battery into one update per published path.
func SnapshotToUpdateEvents(snap *Snapshot) []any {
	var events []any

	// Dc
	events = append(events,
		readingEvent(PROP_DC_VOLTAGE, snap.Voltage),
		readingEvent(PROP_DC_CURRENT, snap.Current),
		readingEvent(PROP_DC_POWER, snap.Power),
		readingEvent(PROP_DC_TEMPERATURE, snap.Temperature),
	)
	// Capacity
	events = append(events,
		readingEvent(PROP_SOC, snap.Soc),
		readingEvent(PROP_TIME_TO_GO, snap.TimeToGo),
		readingEvent(PROP_CAPACITY, snap.Capacity),
		readingEvent(PROP_INSTALLED_CAPACITY, snap.InstalledCapacity),
		readingEvent(PROP_CONSUMED_AMPHOURS, snap.ConsumedAmphours),
	)
	// System
	events = append(events,
		readingEvent(PROP_MIN_CELL_TEMPERATURE, snap.MinCellTemperature),
		readingEvent(PROP_MAX_CELL_TEMPERATURE, snap.MaxCellTemperature),
		readingEvent(PROP_MIN_CELL_VOLTAGE, snap.MinCellVoltage),
		textEvent(PROP_MIN_VOLTAGE_CELL_ID, snap.MinVoltageCellId),
		readingEvent(PROP_MAX_CELL_VOLTAGE, snap.MaxCellVoltage),
		textEvent(PROP_MAX_VOLTAGE_CELL_ID, snap.MaxVoltageCellId),
		valueEvent(PROP_NR_OF_CELLS_PER_BATTERY, float64(snap.CellsPerBattery)),
		readingEvent(PROP_MODULES_ONLINE, snap.ModulesOnline),
		readingEvent(PROP_MODULES_OFFLINE, snap.ModulesOffline),
		readingEvent(PROP_MODULES_BLOCKING_CHARGE, snap.ModulesBlockingCharge),
		readingEvent(PROP_MODULES_BLOCKING_DISCHRG, snap.ModulesBlockingDischarge),
		readingEvent(PROP_VOLTAGES_SUM, snap.VoltagesSum),
		readingEvent(PROP_VOLTAGES_DIFF, snap.VoltagesDiff()),
	)
	// Cells
	for _, cell := range snap.Cells {
		events = append(events, readingEvent(CellProperty(cell), cell.Voltage))
	}
	// Alarms
	for i, alarm := range AlarmCategories {
		r := Missing
		if i < len(snap.Alarms) {
			r = snap.Alarms[i]
		}
		events = append(events, readingEvent(AlarmProperty(alarm), r))
	}
	// Limits
	events = append(events,
		readingEvent(PROP_INFO_MAX_CHARGE_VOLTAGE, snap.Limits.ChargeVoltage),
		readingEvent(PROP_INFO_MAX_CHARGE_CURRENT, snap.Limits.ChargeCurrent),
		readingEvent(PROP_INFO_MAX_DISCHARGE_CURR, snap.Limits.DischargeCurrent),
		readingEvent(PROP_IO_ALLOW_TO_CHARGE, snap.Limits.AllowToCharge),
		readingEvent(PROP_IO_ALLOW_TO_DISCHARGE, snap.Limits.AllowToDischarge),
		readingEvent(PROP_IO_ALLOW_TO_BALANCE, snap.Limits.AllowToBalance),
	)
	events = append(events, EssToUpdateEvents(&snap.Ess)...)
	return events
}

// EssToUpdateEvents publishes the setpoint arbitration values. Setpoints and per-phase values
// fall back to -1, inverter powers to 0.
func EssToUpdateEvents(ess *EssState) []any {
	orUnset := func(r Reading) Reading {
		return Some(r.Or(essUnsetSentinel))
	}
	orZero := func(r Reading) Reading {
		return Some(r.Or(0))
	}
	events := []any{
		valueEvent(PROP_ESS_ACTIVE, float64(ess.Active)),
		valueEvent(PROP_ESS_SMOOTH_FILTER, ess.SmoothFilter),
		readingEvent(PROP_ESS_BATTERY_P, ess.BatteryPower),
		readingEvent(PROP_ESS_BATTERY_I, ess.BatteryCurrent),
		readingEvent(PROP_ESS_BATTERY_CALC_I, ess.BatteryCurrentCalc),
		readingEvent(PROP_ESS_MPPT_P, ess.MpptPower),
		readingEvent(PROP_ESS_MPPT_I, ess.MpptCurrent),
		readingEvent(PROP_ESS_AC_IN_P, orZero(ess.AcInPower)),
		readingEvent(PROP_ESS_AC_IN_I, ess.AcInCurrent),
		readingEvent(PROP_ESS_AC_OUT_P, orZero(ess.AcOutPower)),
		readingEvent(PROP_ESS_AC_OUT_I, ess.AcOutCurrent),
		readingEvent(PROP_ESS_INVERTER_P, orZero(ess.InverterPower)),
		readingEvent(PROP_ESS_INVERTER_I, ess.InverterCurrent),
		readingEvent(PROP_ESS_MAX_CHARGE_P, ess.MaxChargePower),
		readingEvent(PROP_ESS_MAX_CHARGE_I, ess.MaxChargeCurrent),
		readingEvent(PROP_ESS_MAX_CHARGE_ISM, ess.MaxChargeCurrentSmooth),
		readingEvent(PROP_ESS_GRID_SETPOINT, orUnset(ess.GridSetpoint)),
		readingEvent(PROP_ESS_GRID_P, ess.GridPower),
		readingEvent(PROP_ESS_AC_POWER_SETPOINT, orUnset(ess.AcPowerSetpoint)),
		readingEvent(PROP_ESS_MAX_CHRG_CELL_VOLTAGE, ess.MaxChargeCellVoltage),
		readingEvent(PROP_ESS_CORRECTION_I, ess.CorrectionCurrent),
		readingEvent(PROP_ESS_MINIMUM_SOC_LIMIT, ess.MinimumSocLimit),
	}
	phases := []struct {
		total  Property
		values [3]Reading
		sum    Reading
	}{
		{PROP_ESS_CONSUMPTION_INPUT, ess.ConsumptionInput, ess.ConsumptionInputTotal},
		{PROP_ESS_PV_ON_GRID, ess.PvOnGrid, ess.PvOnGridTotal},
		{PROP_ESS_AC_LOAD, ess.AcLoad, ess.AcLoadTotal},
	}
	for _, p := range phases {
		for i, v := range p.values {
			events = append(events, readingEvent(PhaseProperty(p.total, i+1), orUnset(v)))
		}
		events = append(events, readingEvent(p.total, p.sum))
	}
	return events
}

func EssControlUpdateEvents(active int, smoothFilter float64) []any {
	return []any{
		InputNumberSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: INPUT_NUMBER_ID_ESS_ACTIVE},
			Value:                  float64(active),
		},
		InputNumberSensorUpdateEvent{
			SensorUpdateEventMixIn: SensorUpdateEventMixIn{Id: INPUT_NUMBER_ID_ESS_SMOOTH_FILTER},
			Value:                  smoothFilter,
		},
	}
}
