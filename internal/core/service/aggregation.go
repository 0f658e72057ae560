package service

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/berfenger/aggbatt2mqtt/internal/config"
	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/berfenger/aggbatt2mqtt/internal/core/port"
	"go.uber.org/zap"
)

const (
	PATH_DC_VOLTAGE                 = "/Dc/0/Voltage"
	PATH_DC_CURRENT                 = "/Dc/0/Current"
	PATH_DC_POWER                   = "/Dc/0/Power"
	PATH_DC_TEMPERATURE             = "/Dc/0/Temperature"
	PATH_INSTALLED_CAPACITY         = "/InstalledCapacity"
	PATH_CONSUMED_AMPHOURS          = "/ConsumedAmphours"
	PATH_CAPACITY                   = "/Capacity"
	PATH_SOC                        = "/Soc"
	PATH_TIME_TO_GO                 = "/TimeToGo"
	PATH_MAX_CELL_TEMPERATURE       = "/System/MaxCellTemperature"
	PATH_MIN_CELL_TEMPERATURE       = "/System/MinCellTemperature"
	PATH_MAX_VOLTAGE_CELL_ID        = "/System/MaxVoltageCellId"
	PATH_MAX_CELL_VOLTAGE           = "/System/MaxCellVoltage"
	PATH_MIN_VOLTAGE_CELL_ID        = "/System/MinVoltageCellId"
	PATH_MIN_CELL_VOLTAGE           = "/System/MinCellVoltage"
	PATH_VOLTAGES_SUM               = "/Voltages/Sum"
	PATH_MODULES_ONLINE             = "/System/NrOfModulesOnline"
	PATH_MODULES_OFFLINE            = "/System/NrOfModulesOffline"
	PATH_MODULES_BLOCKING_CHARGE    = "/System/NrOfModulesBlockingCharge"
	PATH_MODULES_BLOCKING_DISCHARGE = "/System/NrOfModulesBlockingDischarge"
	PATH_INFO_MAX_CHARGE_CURRENT    = "/Info/MaxChargeCurrent"
	PATH_INFO_MAX_DISCHARGE_CURRENT = "/Info/MaxDischargeCurrent"
	PATH_INFO_MAX_CHARGE_VOLTAGE    = "/Info/MaxChargeVoltage"
	PATH_INFO_CHARGE_MODE           = "/Info/ChargeMode"
	PATH_IO_ALLOW_TO_CHARGE         = "/Io/AllowToCharge"
	PATH_IO_ALLOW_TO_DISCHARGE      = "/Io/AllowToDischarge"
	PATH_IO_ALLOW_TO_BALANCE        = "/Io/AllowToBalance"
)

func CellPath(index int) string {
	return fmt.Sprintf("/Voltages/Cell%d", index)
}

// accumulator folds one field over the fleet. A single missing contribution makes the result missing.
type accumulator struct {
	total   float64
	count   int
	missing bool
}

func (a *accumulator) add(r domain.Reading) {
	if !r.Valid {
		a.missing = true
		return
	}
	a.total += r.Value
	a.count++
}

func (a *accumulator) sum() domain.Reading {
	if a.missing || a.count == 0 {
		return domain.Missing
	}
	return domain.Some(a.total)
}

func (a *accumulator) mean(n int) domain.Reading {
	if a.missing || a.count == 0 || n == 0 {
		return domain.Missing
	}
	return domain.Some(a.total / float64(n))
}

// extremum tracks a fleet minimum or maximum together with the identity of its owner.
// Ties are broken by the lowest identity so that the result does not depend on fleet order.
type extremum struct {
	max     bool
	value   float64
	id      string
	seen    bool
	missing bool
}

func newMax() *extremum { return &extremum{max: true} }
func newMin() *extremum { return &extremum{} }

func (e *extremum) add(r domain.Reading, id string) {
	if !r.Valid {
		e.missing = true
		return
	}
	better := !e.seen ||
		(e.max && r.Value > e.value) ||
		(!e.max && r.Value < e.value) ||
		(r.Value == e.value && id < e.id)
	if better {
		e.value, e.id, e.seen = r.Value, id, true
	}
}

func (e *extremum) reading() domain.Reading {
	if e.missing || !e.seen {
		return domain.Missing
	}
	return domain.Some(e.value)
}

func (e *extremum) identity() string {
	if e.missing || !e.seen {
		return ""
	}
	return e.id
}

// batteryReader turns transport failures into a ReadError naming the battery and the path.
type batteryReader struct {
	ctx     context.Context
	source  port.TelemetrySource
	battery domain.BatteryRole
}

func (r *batteryReader) value(path string) (domain.Value, error) {
	v, err := r.source.Get(r.ctx, r.battery.Service, path)
	if err != nil {
		return domain.Absent, &ReadError{Battery: r.battery.Name, Device: r.battery.Service, Path: path, Err: err}
	}
	return v, nil
}

func (r *batteryReader) reading(path string) (domain.Reading, error) {
	v, err := r.value(path)
	if err != nil {
		return domain.Missing, err
	}
	return v.Reading(), nil
}

// readOptional reads a value from a non battery device. Failures only mark the value missing.
func readOptional(ctx context.Context, source port.TelemetrySource, device, path string) domain.Reading {
	if source == nil || device == "" {
		return domain.Missing
	}
	v, err := source.Get(ctx, device, path)
	if err != nil {
		return domain.Missing
	}
	return v.Reading()
}

type Aggregator struct {
	fleet   config.FleetConfig
	options config.OptionsConfig
	charge  config.ChargeConfig
	logger  *zap.Logger
}

func NewAggregator(cfg *config.Config, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		fleet:   cfg.Fleet,
		options: cfg.Options,
		charge:  cfg.Charge,
		logger:  logger,
	}
}

func (a *Aggregator) readCells() bool {
	return a.options.SendCellVoltages || a.charge.OwnChargeParameters
}

// Aggregate reads every battery of the fleet and reduces the values into a fresh snapshot. The
// first read error aborts the aggregation.
func (a *Aggregator) Aggregate(ctx context.Context, source port.TelemetrySource, fleet domain.Fleet) (*domain.Snapshot, error) {
	n := len(fleet.Batteries)
	var (
		voltage, current, power, installed, consumed, capacity accumulator
		socWeighted, ttgWeighted, temperature, voltagesSum     accumulator
		online, offline, blockingCharge, blockingDischarge     accumulator
	)
	maxCellTemp, minCellTemp := newMax(), newMin()
	maxCell, minCell := newMax(), newMin()
	allowCharge, allowDischarge, allowBalance := newMin(), newMin(), newMin()
	alarms := make([]*extremum, len(domain.AlarmCategories))
	for i := range alarms {
		alarms[i] = newMax()
	}

	snap := &domain.Snapshot{CellsPerBattery: a.fleet.CellsPerBattery}

	for _, battery := range fleet.Batteries {
		r := &batteryReader{ctx: ctx, source: source, battery: battery}

		simple := []struct {
			path string
			acc  *accumulator
		}{
			{PATH_DC_VOLTAGE, &voltage},
			{PATH_DC_CURRENT, &current},
			{PATH_DC_POWER, &power},
			{PATH_INSTALLED_CAPACITY, &installed},
			{PATH_DC_TEMPERATURE, &temperature},
			{PATH_VOLTAGES_SUM, &voltagesSum},
			{PATH_MODULES_ONLINE, &online},
			{PATH_MODULES_OFFLINE, &offline},
			{PATH_MODULES_BLOCKING_CHARGE, &blockingCharge},
			{PATH_MODULES_BLOCKING_DISCHARGE, &blockingDischarge},
		}
		readings := map[string]domain.Reading{}
		for _, f := range simple {
			v, err := r.reading(f.path)
			if err != nil {
				return nil, err
			}
			f.acc.add(v)
			readings[f.path] = v
		}

		if !a.options.OwnSoc {
			for _, path := range []string{PATH_CONSUMED_AMPHOURS, PATH_CAPACITY, PATH_SOC, PATH_TIME_TO_GO} {
				v, err := r.reading(path)
				if err != nil {
					return nil, err
				}
				readings[path] = v
			}
			consumed.add(readings[PATH_CONSUMED_AMPHOURS])
			capacity.add(readings[PATH_CAPACITY])
			socWeighted.add(weighted(readings[PATH_SOC], readings[PATH_CAPACITY]))
			ttgWeighted.add(weighted(readings[PATH_TIME_TO_GO], readings[PATH_CAPACITY]))
		}

		for _, f := range []struct {
			path string
			ext  *extremum
		}{
			{PATH_MAX_CELL_TEMPERATURE, maxCellTemp},
			{PATH_MIN_CELL_TEMPERATURE, minCellTemp},
		} {
			v, err := r.reading(f.path)
			if err != nil {
				return nil, err
			}
			f.ext.add(v, battery.Name)
		}

		for _, f := range []struct {
			valuePath string
			idPath    string
			ext       *extremum
		}{
			{PATH_MAX_CELL_VOLTAGE, PATH_MAX_VOLTAGE_CELL_ID, maxCell},
			{PATH_MIN_CELL_VOLTAGE, PATH_MIN_VOLTAGE_CELL_ID, minCell},
		} {
			v, err := r.reading(f.valuePath)
			if err != nil {
				return nil, err
			}
			id, err := r.value(f.idPath)
			if err != nil {
				return nil, err
			}
			cellId, _ := id.Text()
			f.ext.add(v, fmt.Sprintf("%s_%s", battery.Name, cellId))
			readings[f.valuePath] = v
		}

		for i, alarm := range domain.AlarmCategories {
			v, err := r.reading(alarm.SourcePath)
			if err != nil {
				return nil, err
			}
			alarms[i].add(v, battery.Name)
		}

		var cells []domain.CellVoltage
		if a.readCells() {
			for i := 1; i <= battery.Cells; i++ {
				v, err := r.reading(CellPath(i))
				if err != nil {
					return nil, err
				}
				cells = append(cells, domain.CellVoltage{Battery: battery.Name, Index: i, Voltage: v})
			}
			if a.options.SendCellVoltages {
				snap.Cells = append(snap.Cells, cells...)
			}
		}

		if a.charge.OwnChargeParameters {
			snap.ReducedChargeVoltages = append(snap.ReducedChargeVoltages,
				reducedChargeVoltage(readings[PATH_VOLTAGES_SUM], cells, a.charge.MaxCellVoltage))
		} else {
			limits := domain.BatteryLimits{Battery: battery.Name}
			for _, f := range []struct {
				path   string
				target *domain.Reading
			}{
				{PATH_INFO_MAX_CHARGE_CURRENT, &limits.ChargeCurrent},
				{PATH_INFO_MAX_DISCHARGE_CURRENT, &limits.DischargeCurrent},
				{PATH_INFO_MAX_CHARGE_VOLTAGE, &limits.ChargeVoltage},
			} {
				v, err := r.reading(f.path)
				if err != nil {
					return nil, err
				}
				*f.target = v
			}
			mode, err := r.value(PATH_INFO_CHARGE_MODE)
			if err != nil {
				return nil, err
			}
			limits.ChargeMode, _ = mode.Text()
			snap.BatteryLimits = append(snap.BatteryLimits, limits)
		}

		for _, f := range []struct {
			path string
			ext  *extremum
		}{
			{PATH_IO_ALLOW_TO_CHARGE, allowCharge},
			{PATH_IO_ALLOW_TO_DISCHARGE, allowDischarge},
			{PATH_IO_ALLOW_TO_BALANCE, allowBalance},
		} {
			v, err := r.reading(f.path)
			if err != nil {
				return nil, err
			}
			f.ext.add(v, battery.Name)
		}
	}

	snap.Voltage = voltage.mean(n)
	snap.Current = current.sum()
	snap.Power = power.sum()
	snap.InstalledCapacity = installed.sum()
	snap.Temperature = temperature.mean(n)
	snap.VoltagesSum = voltagesSum.mean(n)
	snap.ModulesOnline = online.sum()
	snap.ModulesOffline = offline.sum()
	snap.ModulesBlockingCharge = blockingCharge.sum()
	snap.ModulesBlockingDischarge = blockingDischarge.sum()
	snap.MaxCellTemperature = maxCellTemp.reading()
	snap.MinCellTemperature = minCellTemp.reading()
	snap.MaxCellVoltage, snap.MaxVoltageCellId = maxCell.reading(), maxCell.identity()
	snap.MinCellVoltage, snap.MinVoltageCellId = minCell.reading(), minCell.identity()
	snap.AllowToCharge = allowCharge.reading()
	snap.AllowToDischarge = allowDischarge.reading()
	snap.AllowToBalance = allowBalance.reading()
	snap.Alarms = make([]domain.Reading, len(alarms))
	for i, alarm := range alarms {
		snap.Alarms[i] = alarm.reading()
	}
	if !a.options.OwnSoc {
		snap.ConsumedAmphours = consumed.sum()
		snap.Capacity = capacity.sum()
		snap.Soc = divide(socWeighted.sum(), snap.Capacity)
		snap.TimeToGo = divide(ttgWeighted.sum(), snap.Capacity)
	}
	sortCells(snap.Cells)
	sort.Slice(snap.BatteryLimits, func(i, j int) bool {
		return snap.BatteryLimits[i].Battery < snap.BatteryLimits[j].Battery
	})

	a.readSolar(ctx, source, fleet, snap)
	if a.options.CurrentFromVictron {
		a.currentFromVictron(ctx, source, fleet, snap)
	}
	return snap, nil
}

func (a *Aggregator) readSolar(ctx context.Context, source port.TelemetrySource, fleet domain.Fleet, snap *domain.Snapshot) {
	var mppt accumulator
	for _, name := range fleet.Mppts {
		mppt.add(readOptional(ctx, source, name, PATH_DC_CURRENT))
	}
	if len(fleet.Mppts) == 0 {
		snap.MpptCurrent = domain.Some(0)
	} else {
		snap.MpptCurrent = mppt.sum()
	}
	snap.MpptPower = multiply(snap.MpptCurrent, snap.Voltage)
}

// currentFromVictron replaces the BMS current with the inverter and solar charger currents,
// corrected by the shunt when DC loads are present. The BMS values stay on any failure.
func (a *Aggregator) currentFromVictron(ctx context.Context, source port.TelemetrySource, fleet domain.Fleet, snap *domain.Snapshot) {
	var total accumulator
	total.add(readOptional(ctx, source, fleet.Inverter, PATH_DC_CURRENT))
	total.add(snap.MpptCurrent)
	if a.fleet.DcLoads && fleet.HasShunt() {
		shunt := readOptional(ctx, source, fleet.Shunt, PATH_DC_CURRENT)
		if shunt.Valid && a.fleet.InvertSmartShunt {
			shunt.Value = -shunt.Value
		}
		total.add(shunt)
	}
	current := total.sum()
	if !current.Valid {
		a.logger.Warn("aggregation: cannot compute current from inverter and solar chargers, keeping BMS current")
		return
	}
	snap.Current = current
	snap.Power = multiply(snap.Voltage, current)
}

func weighted(value, weight domain.Reading) domain.Reading {
	return multiply(value, weight)
}

func reducedChargeVoltage(voltagesSum domain.Reading, cells []domain.CellVoltage, ceiling float64) domain.Reading {
	if !voltagesSum.Valid {
		return domain.Missing
	}
	overvoltage := 0.0
	for _, c := range cells {
		if !c.Voltage.Valid {
			return domain.Missing
		}
		if c.Voltage.Value > ceiling {
			overvoltage += c.Voltage.Value - ceiling
		}
	}
	return domain.Some(voltagesSum.Value - overvoltage)
}

func sortCells(cells []domain.CellVoltage) {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Battery != cells[j].Battery {
			return cells[i].Battery < cells[j].Battery
		}
		return cells[i].Index < cells[j].Index
	})
}

// Reading arithmetic. Any missing operand makes the result missing.

func add(rs ...domain.Reading) domain.Reading {
	total := 0.0
	for _, r := range rs {
		if !r.Valid {
			return domain.Missing
		}
		total += r.Value
	}
	return domain.Some(total)
}

func subtract(a, b domain.Reading) domain.Reading {
	if !a.Valid || !b.Valid {
		return domain.Missing
	}
	return domain.Some(a.Value - b.Value)
}

func multiply(a, b domain.Reading) domain.Reading {
	if !a.Valid || !b.Valid {
		return domain.Missing
	}
	return domain.Some(a.Value * b.Value)
}

func divide(a, b domain.Reading) domain.Reading {
	if !a.Valid || !b.Valid || b.Value == 0 {
		return domain.Missing
	}
	return domain.Some(a.Value / b.Value)
}

func minimum(a, b domain.Reading) domain.Reading {
	if !a.Valid || !b.Valid {
		return domain.Missing
	}
	return domain.Some(math.Min(a.Value, b.Value))
}
