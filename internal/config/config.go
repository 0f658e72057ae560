package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap/zapcore"
)

const (
	BUS_BACKEND_DBUS   = "dbus"
	BUS_BACKEND_MODBUS = "modbus"
)

type Config struct {
	LogLevel         zapcore.Level
	Fleet            FleetConfig     `mapstructure:"fleet"`
	Discovery        DiscoveryConfig `mapstructure:"discovery"`
	Options          OptionsConfig   `mapstructure:"options"`
	Charge           ChargeConfig    `mapstructure:"charge"`
	Ess              EssConfig       `mapstructure:"ess"`
	Storage          StorageConfig   `mapstructure:"storage"`
	Bus              BusConfig       `mapstructure:"bus"`
	Modbus           ModbusConfig    `mapstructure:"modbus"`
	MQTT             MQTTConfig      `mapstructure:"mqtt"`
	LogPeriodSeconds uint32          `mapstructure:"log_period_seconds"`
	LogCron          string          `mapstructure:"log_cron"`
	Port             uint            `mapstructure:"port"`
	HttpLog          bool            `mapstructure:"http_log"`
}

type FleetConfig struct {
	Batteries        int  `mapstructure:"batteries"`
	CellsPerBattery  int  `mapstructure:"cells_per_battery"`
	Mppts            int  `mapstructure:"mppts"`
	DcLoads          bool `mapstructure:"dc_loads"`
	InvertSmartShunt bool `mapstructure:"invert_smartshunt"`
}

type DiscoveryConfig struct {
	SettingsService     string `mapstructure:"settings_service"`
	SystemService       string `mapstructure:"system_service"`
	BatteryService      string `mapstructure:"battery_service"`
	BatteryProductPath  string `mapstructure:"battery_product_path"`
	BatteryProductName  string `mapstructure:"battery_product_name"`
	BatteryInstancePath string `mapstructure:"battery_instance_path"`
	ShuntProductName    string `mapstructure:"shunt_product_name"`
	InverterKeyword     string `mapstructure:"inverter_keyword"`
	MpptKeyword         string `mapstructure:"mppt_keyword"`
	GridKeyword         string `mapstructure:"grid_keyword"`
	SearchTrials        int    `mapstructure:"search_trials"`
	ReadTrials          int    `mapstructure:"read_trials"`
	FirstIntervalMillis uint32 `mapstructure:"first_interval_millis"`
	IntervalMillis      uint32 `mapstructure:"interval_millis"`
}

type OptionsConfig struct {
	CurrentFromVictron   bool    `mapstructure:"current_from_victron"`
	OwnSoc               bool    `mapstructure:"own_soc"`
	ZeroSoc              bool    `mapstructure:"zero_soc"`
	ChargeSavePrecision  float64 `mapstructure:"charge_save_precision"`
	UpdateIntervalMillis uint32  `mapstructure:"update_interval_millis"`
	SendCellVoltages     bool    `mapstructure:"send_cell_voltages"`
}

type ChargeConfig struct {
	OwnChargeParameters          bool      `mapstructure:"own_charge_parameters"`
	KeepMaxCvl                   bool      `mapstructure:"keep_max_cvl"`
	ChargeVoltageList            []float64 `mapstructure:"charge_voltage_list"`
	BalancingVoltage             float64   `mapstructure:"balancing_voltage"`
	BalancingRepetition          int       `mapstructure:"balancing_repetition"`
	MaxCellVoltage               float64   `mapstructure:"max_cell_voltage"`
	MinCellVoltage               float64   `mapstructure:"min_cell_voltage"`
	MinCellHysteresis            float64   `mapstructure:"min_cell_hysteresis"`
	CellDiffMax                  float64   `mapstructure:"cell_diff_max"`
	BatteryEfficiency            float64   `mapstructure:"battery_efficiency"`
	MaxChargeCurrent             float64   `mapstructure:"max_charge_current"`
	MaxDischargeCurrent          float64   `mapstructure:"max_discharge_current"`
	CellChargeLimitingVoltage    []float64 `mapstructure:"cell_charge_limiting_voltage"`
	CellChargeLimitedCurrent     []float64 `mapstructure:"cell_charge_limited_current"`
	CellDischargeLimitingVoltage []float64 `mapstructure:"cell_discharge_limiting_voltage"`
	CellDischargeLimitedCurrent  []float64 `mapstructure:"cell_discharge_limited_current"`
}

type EssConfig struct {
	Active       int     `mapstructure:"active"`
	SmoothFilter float64 `mapstructure:"smooth_filter"`
}

type StorageConfig struct {
	ChargeFile    string `mapstructure:"charge_file"`
	BalancingFile string `mapstructure:"balancing_file"`
}

type BusConfig struct {
	Backend       string `mapstructure:"backend"`
	TimeoutMillis uint32 `mapstructure:"timeout_millis"`
}

type ModbusConfig struct {
	Host          string
	Port          uint
	TimeoutMillis uint32               `mapstructure:"timeout_millis"`
	Devices       []ModbusDeviceConfig `mapstructure:"devices"`
}

// ModbusDeviceConfig maps one bus service name to a modbus unit and its registers.
type ModbusDeviceConfig struct {
	Name      string                 `mapstructure:"name"`
	UnitId    uint8                  `mapstructure:"unit_id"`
	Registers []ModbusRegisterConfig `mapstructure:"registers"`
}

type ModbusRegisterConfig struct {
	Path    string  `mapstructure:"path"`
	Address uint16  `mapstructure:"address"`
	Type    string  `mapstructure:"type"` // uint16, int16, uint32, int32, string
	Size    uint16  `mapstructure:"size"` // string length in registers
	Scale   float64 `mapstructure:"scale"`
	Input   bool    `mapstructure:"input"`
}

type MQTTConfig struct {
	Host              string
	Port              int
	Username          string
	Password          string
	BaseTopic         string `mapstructure:"base_topic"`
	HADiscoveryEnable bool   `mapstructure:"ha_discovery_enable"`
	HADiscoveryTopic  string `mapstructure:"ha_discovery_topic"`
}

// Validate checks ranges and table shapes. It is called once after unmarshal.
func (cfg *Config) Validate() error {
	if cfg.Fleet.Batteries < 1 {
		return errors.New("config param fleet.batteries should be >= 1")
	}
	if cfg.Fleet.CellsPerBattery < 1 {
		return errors.New("config param fleet.cells_per_battery should be >= 1")
	}
	if cfg.Fleet.Mppts < 0 {
		return errors.New("config param fleet.mppts should be >= 0")
	}
	if cfg.Discovery.SearchTrials < 1 {
		return errors.New("config param discovery.search_trials should be >= 1")
	}
	if cfg.Discovery.ReadTrials < 1 {
		return errors.New("config param discovery.read_trials should be >= 1")
	}
	if cfg.Discovery.IntervalMillis == 0 {
		return errors.New("config param discovery.interval_millis should be > 0")
	}
	if cfg.Options.UpdateIntervalMillis < 100 {
		return errors.New("config param options.update_interval_millis should be >= 100")
	}
	if cfg.Options.ChargeSavePrecision < 0 || cfg.Options.ChargeSavePrecision >= 1 {
		return errors.New("config param options.charge_save_precision should be in [0, 1)")
	}
	if cfg.Storage.ChargeFile == "" {
		return errors.New("config param storage.charge_file is required")
	}
	if cfg.Ess.Active < 0 || cfg.Ess.Active > 5 {
		return errors.New("config param ess.active should be in 0..5")
	}
	if cfg.Ess.SmoothFilter < 0 {
		return errors.New("config param ess.smooth_filter should be >= 0")
	}
	switch cfg.Bus.Backend {
	case BUS_BACKEND_DBUS:
	case BUS_BACKEND_MODBUS:
		if len(cfg.Modbus.Devices) == 0 {
			return errors.New("config param modbus.devices is required by the modbus backend")
		}
	default:
		return fmt.Errorf("config param bus.backend should be one of %s, %s", BUS_BACKEND_DBUS, BUS_BACKEND_MODBUS)
	}
	if cfg.Charge.OwnChargeParameters {
		if err := cfg.Charge.validate(); err != nil {
			return err
		}
		if cfg.Storage.BalancingFile == "" {
			return errors.New("config param storage.balancing_file is required by charge.own_charge_parameters")
		}
	}
	return nil
}

func (c *ChargeConfig) validate() error {
	if len(c.ChargeVoltageList) != 12 {
		return errors.New("config param charge.charge_voltage_list should have one entry per month")
	}
	if c.BatteryEfficiency <= 0 || c.BatteryEfficiency > 1 {
		return errors.New("config param charge.battery_efficiency should be in (0, 1]")
	}
	if c.MinCellVoltage >= c.MaxCellVoltage {
		return errors.New("config param charge.min_cell_voltage must be < charge.max_cell_voltage")
	}
	if c.MinCellHysteresis < 0 {
		return errors.New("config param charge.min_cell_hysteresis should be >= 0")
	}
	if c.BalancingRepetition < 0 {
		return errors.New("config param charge.balancing_repetition should be >= 0")
	}
	if err := checkBreakpoints("charge.cell_charge_limiting_voltage", c.CellChargeLimitingVoltage, c.CellChargeLimitedCurrent); err != nil {
		return err
	}
	if err := checkBreakpoints("charge.cell_discharge_limiting_voltage", c.CellDischargeLimitingVoltage, c.CellDischargeLimitedCurrent); err != nil {
		return err
	}
	return nil
}

func checkBreakpoints(name string, xs, ys []float64) error {
	if len(xs) == 0 {
		return fmt.Errorf("config param %s is empty", name)
	}
	if len(xs) != len(ys) {
		return fmt.Errorf("config param %s has %d breakpoints but %d values", name, len(xs), len(ys))
	}
	for i := 1; i < len(xs); i++ {
		if xs[i] <= xs[i-1] {
			return fmt.Errorf("config param %s should be strictly increasing", name)
		}
	}
	return nil
}

// ChargeTable returns the charge derating breakpoints derived from the cell voltage settings.
func ChargeTable(minCell, balancing, maxCell float64) ([]float64, []float64) {
	return []float64{minCell, minCell + 0.05, balancing - 0.1, balancing, maxCell},
		[]float64{0.1, 1, 1, 0.05, 0}
}

// DischargeTable returns the discharge derating breakpoints derived from the minimum cell voltage.
func DischargeTable(minCell float64) ([]float64, []float64) {
	return []float64{minCell, minCell + 0.1, minCell + 0.2},
		[]float64{0, 0.05, 1}
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	// check and fix base topic
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}
