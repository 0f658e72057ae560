package service

import (
	"fmt"
	"time"

	"github.com/berfenger/aggbatt2mqtt/internal/adapter/membus"
	"github.com/berfenger/aggbatt2mqtt/internal/config"
	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/berfenger/aggbatt2mqtt/internal/util"
	"go.uber.org/zap"
)

const (
	settingsSvc = "com.victronenergy.settings"
	systemSvc   = "com.victronenergy.system"
	battery1Svc = "com.victronenergy.battery.ttyUSB1"
	battery2Svc = "com.victronenergy.battery.ttyUSB2"
	shuntSvc    = "com.victronenergy.battery.ttyUSB3"
	inverterSvc = "com.victronenergy.vebus.ttyS4"
	mpptSvc     = "com.victronenergy.solarcharger.ttyUSB0"
	gridSvc     = "com.victronenergy.grid.cgwacs_ttyUSB4"
)

var testLogger = zap.NewNop()

func testConfig() *config.Config {
	cfg := util.LoadTestConfig()
	return &cfg
}

type batterySpec struct {
	name     string
	voltage  float64
	current  float64
	capacity float64
	soc      float64
	minCell  float64
	maxCell  float64
}

// batteryProps returns every property the aggregator reads from a battery service.
func batteryProps(b batterySpec, cells int) map[string]any {
	props := map[string]any{
		"/ProductName":                  "SerialBattery(Jkbms)",
		"/CustomName":                   b.name,
		PATH_CELLS_PER_BATTERY:          cells,
		PATH_DC_VOLTAGE:                 b.voltage,
		PATH_DC_CURRENT:                 b.current,
		PATH_DC_POWER:                   b.voltage * b.current,
		PATH_INSTALLED_CAPACITY:         b.capacity,
		PATH_CONSUMED_AMPHOURS:          b.capacity * (100 - b.soc) / 100,
		PATH_CAPACITY:                   b.capacity * b.soc / 100,
		PATH_SOC:                        b.soc,
		PATH_TIME_TO_GO:                 3600.0,
		PATH_DC_TEMPERATURE:             20.0,
		PATH_MAX_CELL_TEMPERATURE:       22.0,
		PATH_MIN_CELL_TEMPERATURE:       18.0,
		PATH_MAX_CELL_VOLTAGE:           b.maxCell,
		PATH_MAX_VOLTAGE_CELL_ID:        "C2",
		PATH_MIN_CELL_VOLTAGE:           b.minCell,
		PATH_MIN_VOLTAGE_CELL_ID:        "C1",
		PATH_VOLTAGES_SUM:               b.voltage,
		PATH_MODULES_ONLINE:             1,
		PATH_MODULES_OFFLINE:            0,
		PATH_MODULES_BLOCKING_CHARGE:    0,
		PATH_MODULES_BLOCKING_DISCHARGE: 0,
		PATH_INFO_MAX_CHARGE_CURRENT:    50.0,
		PATH_INFO_MAX_DISCHARGE_CURRENT: 80.0,
		PATH_INFO_MAX_CHARGE_VOLTAGE:    55.2,
		PATH_INFO_CHARGE_MODE:           "Bulk",
		PATH_IO_ALLOW_TO_CHARGE:         1,
		PATH_IO_ALLOW_TO_DISCHARGE:      1,
		PATH_IO_ALLOW_TO_BALANCE:        0,
	}
	for _, alarm := range domain.AlarmCategories {
		props[alarm.SourcePath] = 0
	}
	for i := 1; i <= cells; i++ {
		v := b.minCell
		if i == 2 {
			v = b.maxCell
		}
		props[CellPath(i)] = v
	}
	return props
}

// newTestBus advertises a complete installation with two batteries.
func newTestBus(cells int) *membus.Bus {
	bus := membus.New()
	bus.AddDevice(settingsSvc, map[string]any{
		PATH_SETTINGS_FEED_IN:           1,
		PATH_SETTINGS_GRID_SETPOINT:     50.0,
		PATH_SETTINGS_MINIMUM_SOC_LIMIT: 20.0,
		PATH_SETTINGS_HUB4_MODE:         1,
	})
	bus.AddDevice(systemSvc, map[string]any{
		PATH_SYSTEM_LOW_SOC:     0,
		consumptionPhasePath(1): 300.0,
		consumptionPhasePath(2): 200.0,
		consumptionPhasePath(3): 100.0,
		pvOnGridPhasePath(1):    100.0,
		pvOnGridPhasePath(2):    0.0,
		pvOnGridPhasePath(3):    0.0,
	})
	bus.AddDevice(battery1Svc, batteryProps(batterySpec{name: "Left", voltage: 52.0, current: 10, capacity: 100, soc: 50, minCell: 3.20, maxCell: 3.30}, cells))
	bus.AddDevice(battery2Svc, batteryProps(batterySpec{name: "Right", voltage: 52.2, current: -5, capacity: 100, soc: 50, minCell: 3.22, maxCell: 3.32}, cells))
	bus.AddDevice(inverterSvc, map[string]any{
		PATH_DC_CURRENT:             -4.0,
		PATH_INVERTER_AC_IN_P:       100.0,
		PATH_INVERTER_AC_OUT_P:      400.0,
		PATH_INVERTER_P:             -208.4,
		PATH_HUB4_AC_POWER_SETPOINT: 75.0,
	})
	bus.AddDevice(mpptSvc, map[string]any{
		PATH_DC_CURRENT: 9.0,
	})
	bus.AddDevice(gridSvc, map[string]any{
		PATH_GRID_POWER:  -20.0,
		gridPhasePath(1): -20.0,
		gridPhasePath(2): 0.0,
		gridPhasePath(3): 0.0,
	})
	return bus
}

func testFleet() domain.Fleet {
	return domain.Fleet{
		Settings: settingsSvc,
		System:   systemSvc,
		Batteries: []domain.BatteryRole{
			{Name: "Left", Service: battery1Svc, Cells: 16},
			{Name: "Right", Service: battery2Svc, Cells: 16},
		},
		Inverter: inverterSvc,
		Mppts:    []string{mpptSvc},
		Grid:     gridSvc,
	}
}

// memChargeStore records every saved value.
type memChargeStore struct {
	charge float64
	saves  []float64
}

func (s *memChargeStore) LoadCharge() (float64, error) {
	return s.charge, nil
}

func (s *memChargeStore) SaveCharge(charge float64) error {
	s.charge = charge
	s.saves = append(s.saves, charge)
	return nil
}

type memDayStore struct {
	day   int
	saves []int
}

func (s *memDayStore) LoadLastBalancingDay() (int, error) {
	return s.day, nil
}

func (s *memDayStore) SaveLastBalancingDay(day int) error {
	s.day = day
	s.saves = append(s.saves, day)
	return nil
}

func testTime(month time.Month, day int) time.Time {
	return time.Date(2026, month, day, 12, 0, 0, 0, time.UTC)
}

func cellsId(battery, cell string) string {
	return fmt.Sprintf("%s_%s", battery, cell)
}
