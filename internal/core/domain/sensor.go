package domain

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/carlmjohnson/versioninfo"
)

const (
	SENSOR_ID_BRIDGE_STATE            = "bridge"
	INPUT_NUMBER_ID_ESS_ACTIVE        = "ess_active"
	INPUT_NUMBER_ID_ESS_SMOOTH_FILTER = "ess_smooth_filter"
	STATE_CLASS_MEASUREMENT           = "measurement"
	DEVICE_CLASS_BATTERY              = "battery"
	DEVICE_CLASS_CURRENT              = "current"
	DEVICE_CLASS_DURATION             = "duration"
	DEVICE_CLASS_POWER                = "power"
	DEVICE_CLASS_TEMPERATURE          = "temperature"
	DEVICE_CLASS_VOLTAGE              = "voltage"
	DEVICE_CLASS_CONNECTIVITY         = "connectivity"
	ENTITY_CLASS_DIAGNOSTIC           = "diagnostic"
	ENTITY_CLASS_CONFIG               = "config"
	SENSOR_TYPE_SENSOR                = "sensor"
	SENSOR_TYPE_BINARY                = "binary_sensor"
	INPUT_NUMBER_MODE_BOX             = "box"
	INPUT_NUMBER_MODE_SLIDER          = "slider"
)

// Property describes one path of the published virtual battery tree.
type Property struct {
	Path           string
	Name           string
	Unit           string
	Decimals       uint
	DeviceClass    string
	EntityCategory string
	Text           bool
}

func (p Property) SensorId() string {
	return SensorIdFromPath(p.Path)
}

// SensorIdFromPath turns /Dc/0/Voltage into dc_0_voltage and /Ess/AcInP into ess_ac_in_p.
func SensorIdFromPath(path string) string {
	var sb strings.Builder
	var prev rune
	for _, r := range path {
		switch {
		case unicode.IsUpper(r):
			if unicode.IsLower(prev) || unicode.IsDigit(prev) {
				sb.WriteByte('_')
			}
			sb.WriteRune(unicode.ToLower(r))
		case unicode.IsLower(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		default:
			if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "_") {
				sb.WriteByte('_')
			}
		}
		prev = r
	}
	return strings.TrimSuffix(sb.String(), "_")
}

func voltage(path, name string, decimals uint) Property {
	return Property{Path: path, Name: name, Unit: "V", Decimals: decimals, DeviceClass: DEVICE_CLASS_VOLTAGE}
}

func current(path, name string, decimals uint) Property {
	return Property{Path: path, Name: name, Unit: "A", Decimals: decimals, DeviceClass: DEVICE_CLASS_CURRENT}
}

func power(path, name string, decimals uint) Property {
	return Property{Path: path, Name: name, Unit: "W", Decimals: decimals, DeviceClass: DEVICE_CLASS_POWER}
}

func temperature(path, name string) Property {
	return Property{Path: path, Name: name, Unit: "°C", Decimals: 1, DeviceClass: DEVICE_CLASS_TEMPERATURE}
}

func charge(path, name string) Property {
	return Property{Path: path, Name: name, Unit: "Ah", Decimals: 0}
}

func counter(path, name string) Property {
	return Property{Path: path, Name: name, EntityCategory: ENTITY_CLASS_DIAGNOSTIC}
}

func text(path, name string) Property {
	return Property{Path: path, Name: name, Text: true, EntityCategory: ENTITY_CLASS_DIAGNOSTIC}
}

var (
	PROP_DC_VOLTAGE                = voltage("/Dc/0/Voltage", "Voltage", 2)
	PROP_DC_CURRENT                = current("/Dc/0/Current", "Current", 2)
	PROP_DC_POWER                  = power("/Dc/0/Power", "Power", 0)
	PROP_DC_TEMPERATURE            = temperature("/Dc/0/Temperature", "Temperature")
	PROP_SOC                       = Property{Path: "/Soc", Name: "State of charge", Unit: "%", Decimals: 1, DeviceClass: DEVICE_CLASS_BATTERY}
	PROP_TIME_TO_GO                = Property{Path: "/TimeToGo", Name: "Time to go", Unit: "s", Decimals: 0, DeviceClass: DEVICE_CLASS_DURATION}
	PROP_CAPACITY                  = charge("/Capacity", "Capacity")
	PROP_INSTALLED_CAPACITY        = charge("/InstalledCapacity", "Installed capacity")
	PROP_CONSUMED_AMPHOURS         = charge("/ConsumedAmphours", "Consumed amphours")
	PROP_MIN_CELL_TEMPERATURE      = temperature("/System/MinCellTemperature", "Min cell temperature")
	PROP_MAX_CELL_TEMPERATURE      = temperature("/System/MaxCellTemperature", "Max cell temperature")
	PROP_MIN_CELL_VOLTAGE          = voltage("/System/MinCellVoltage", "Min cell voltage", 3)
	PROP_MIN_VOLTAGE_CELL_ID       = text("/System/MinVoltageCellId", "Min voltage cell")
	PROP_MAX_CELL_VOLTAGE          = voltage("/System/MaxCellVoltage", "Max cell voltage", 3)
	PROP_MAX_VOLTAGE_CELL_ID       = text("/System/MaxVoltageCellId", "Max voltage cell")
	PROP_NR_OF_CELLS_PER_BATTERY   = counter("/System/NrOfCellsPerBattery", "Cells per battery")
	PROP_MODULES_ONLINE            = counter("/System/NrOfModulesOnline", "Modules online")
	PROP_MODULES_OFFLINE           = counter("/System/NrOfModulesOffline", "Modules offline")
	PROP_MODULES_BLOCKING_CHARGE   = counter("/System/NrOfModulesBlockingCharge", "Modules blocking charge")
	PROP_MODULES_BLOCKING_DISCHRG  = counter("/System/NrOfModulesBlockingDischarge", "Modules blocking discharge")
	PROP_VOLTAGES_SUM              = voltage("/Voltages/Sum", "Voltage sum", 3)
	PROP_VOLTAGES_DIFF             = voltage("/Voltages/Diff", "Cell voltage spread", 3)
	PROP_INFO_MAX_CHARGE_CURRENT   = current("/Info/MaxChargeCurrent", "Charge current limit", 1)
	PROP_INFO_MAX_DISCHARGE_CURR   = current("/Info/MaxDischargeCurrent", "Discharge current limit", 1)
	PROP_INFO_MAX_CHARGE_VOLTAGE   = voltage("/Info/MaxChargeVoltage", "Charge voltage limit", 2)
	PROP_IO_ALLOW_TO_CHARGE        = counter("/Io/AllowToCharge", "Allow to charge")
	PROP_IO_ALLOW_TO_DISCHARGE     = counter("/Io/AllowToDischarge", "Allow to discharge")
	PROP_IO_ALLOW_TO_BALANCE       = counter("/Io/AllowToBalance", "Allow to balance")
	PROP_ESS_ACTIVE                = counter("/Ess/Active", "ESS mode")
	PROP_ESS_SMOOTH_FILTER         = counter("/Ess/SmoothFilter", "ESS smoothing filter")
	PROP_ESS_BATTERY_P             = power("/Ess/BatteryP", "ESS battery power", 0)
	PROP_ESS_BATTERY_I             = current("/Ess/BatteryI", "ESS battery current", 2)
	PROP_ESS_BATTERY_CALC_I        = current("/Ess/BatteryCalcI", "ESS calculated battery current", 2)
	PROP_ESS_MPPT_P                = power("/Ess/MpptP", "ESS MPPT power", 0)
	PROP_ESS_MPPT_I                = current("/Ess/MpptI", "ESS MPPT current", 2)
	PROP_ESS_AC_IN_P               = power("/Ess/AcInP", "ESS AC in power", 0)
	PROP_ESS_AC_IN_I               = current("/Ess/AcInI", "ESS AC in current", 2)
	PROP_ESS_AC_OUT_P              = power("/Ess/AcOutP", "ESS AC out power", 0)
	PROP_ESS_AC_OUT_I              = current("/Ess/AcOutI", "ESS AC out current", 2)
	PROP_ESS_INVERTER_P            = power("/Ess/InverterP", "ESS inverter power", 0)
	PROP_ESS_INVERTER_I            = current("/Ess/InverterI", "ESS inverter current", 2)
	PROP_ESS_MAX_CHARGE_P          = power("/Ess/MaxChargeP", "ESS max charge power", 0)
	PROP_ESS_MAX_CHARGE_I          = current("/Ess/MaxChargeI", "ESS max charge current", 2)
	PROP_ESS_MAX_CHARGE_ISM        = current("/Ess/MaxChargeIsm", "ESS smoothed max charge current", 2)
	PROP_ESS_GRID_SETPOINT         = power("/Ess/GridSetpoint", "ESS grid setpoint", 0)
	PROP_ESS_GRID_P                = power("/Ess/GridP", "ESS grid power", 0)
	PROP_ESS_AC_POWER_SETPOINT     = power("/Ess/AcPowerSetpoint", "ESS AC power setpoint", 0)
	PROP_ESS_MAX_CHRG_CELL_VOLTAGE = voltage("/Ess/MaxChrgCellVoltage", "ESS max charge cell voltage", 3)
	PROP_ESS_CONSUMPTION_INPUT     = power("/Ess/ConsumptionInput", "ESS consumption on input", 1)
	PROP_ESS_PV_ON_GRID            = power("/Ess/PvOnGrid", "ESS PV on grid", 1)
	PROP_ESS_AC_LOAD               = power("/Ess/AcLoad", "ESS AC load", 1)
	PROP_ESS_CORRECTION_I          = current("/Ess/CorrectionI", "ESS correction current", 3)
	PROP_ESS_MINIMUM_SOC_LIMIT     = Property{Path: "/Ess/MinimumSocLimit", Name: "ESS minimum SoC limit", Unit: "%", Decimals: 0}
)

// PhaseProperty returns the per-phase property of an ESS total, e.g. /Ess/AcLoadL2.
func PhaseProperty(total Property, phase int) Property {
	p := total
	p.Path = fmt.Sprintf("%sL%d", total.Path, phase)
	p.Name = fmt.Sprintf("%s L%d", total.Name, phase)
	return p
}

func AlarmProperty(alarm AlarmCategory) Property {
	return Property{Path: alarm.Path(), Name: "Alarm " + alarm.Name, EntityCategory: ENTITY_CLASS_DIAGNOSTIC}
}

func CellProperty(cell CellVoltage) Property {
	return voltage(cell.Path(), fmt.Sprintf("%s cell %d", cell.Battery, cell.Index), 3)
}

// VirtualBatteryProperties lists the static part of the published tree.
func VirtualBatteryProperties() []Property {
	props := []Property{
		PROP_DC_VOLTAGE, PROP_DC_CURRENT, PROP_DC_POWER, PROP_DC_TEMPERATURE,
		PROP_SOC, PROP_TIME_TO_GO, PROP_CAPACITY, PROP_INSTALLED_CAPACITY, PROP_CONSUMED_AMPHOURS,
		PROP_MIN_CELL_TEMPERATURE, PROP_MAX_CELL_TEMPERATURE,
		PROP_MIN_CELL_VOLTAGE, PROP_MIN_VOLTAGE_CELL_ID, PROP_MAX_CELL_VOLTAGE, PROP_MAX_VOLTAGE_CELL_ID,
		PROP_NR_OF_CELLS_PER_BATTERY, PROP_MODULES_ONLINE, PROP_MODULES_OFFLINE,
		PROP_MODULES_BLOCKING_CHARGE, PROP_MODULES_BLOCKING_DISCHRG,
		PROP_VOLTAGES_SUM, PROP_VOLTAGES_DIFF,
		PROP_INFO_MAX_CHARGE_CURRENT, PROP_INFO_MAX_DISCHARGE_CURR, PROP_INFO_MAX_CHARGE_VOLTAGE,
		PROP_IO_ALLOW_TO_CHARGE, PROP_IO_ALLOW_TO_DISCHARGE, PROP_IO_ALLOW_TO_BALANCE,
	}
	for _, alarm := range AlarmCategories {
		props = append(props, AlarmProperty(alarm))
	}
	props = append(props,
		PROP_ESS_ACTIVE, PROP_ESS_SMOOTH_FILTER,
		PROP_ESS_BATTERY_P, PROP_ESS_BATTERY_I, PROP_ESS_BATTERY_CALC_I,
		PROP_ESS_MPPT_P, PROP_ESS_MPPT_I,
		PROP_ESS_AC_IN_P, PROP_ESS_AC_IN_I, PROP_ESS_AC_OUT_P, PROP_ESS_AC_OUT_I,
		PROP_ESS_INVERTER_P, PROP_ESS_INVERTER_I,
		PROP_ESS_MAX_CHARGE_P, PROP_ESS_MAX_CHARGE_I, PROP_ESS_MAX_CHARGE_ISM,
		PROP_ESS_GRID_SETPOINT, PROP_ESS_GRID_P, PROP_ESS_AC_POWER_SETPOINT,
		PROP_ESS_MAX_CHRG_CELL_VOLTAGE, PROP_ESS_CORRECTION_I, PROP_ESS_MINIMUM_SOC_LIMIT,
	)
	for _, total := range []Property{PROP_ESS_CONSUMPTION_INPUT, PROP_ESS_PV_ON_GRID, PROP_ESS_AC_LOAD} {
		for phase := 1; phase <= 3; phase++ {
			props = append(props, PhaseProperty(total, phase))
		}
		props = append(props, total)
	}
	return props
}

// CellVoltageSlots lists every cell the fleet will publish, in battery then cell order.
func CellVoltageSlots(fleet Fleet) []CellVoltage {
	var cells []CellVoltage
	for _, b := range fleet.Batteries {
		for i := 1; i <= b.Cells; i++ {
			cells = append(cells, CellVoltage{Battery: b.Name, Index: i})
		}
	}
	return cells
}

func BridgeDevice(baseTopic string) Device {
	return Device{
		Id:           fmt.Sprintf("aggbatt_bridge_%s", md5HashShort(baseTopic)),
		Manufacturer: "ACasal",
		Model:        "AggBatt",
		Version:      versioninfo.Short(),
		Name:         fmt.Sprintf("AggBatt %s", md5HashShort(baseTopic)),
	}
}

func VirtualBatteryDevice(baseTopic string, fleet Fleet) Device {
	return Device{
		Id:           fmt.Sprintf("aggbatt_battery_%s", md5HashShort(baseTopic)),
		Manufacturer: "ACasal",
		Model:        fmt.Sprintf("Virtual battery (%d modules)", len(fleet.Batteries)),
		Version:      versioninfo.Short(),
		Name:         "Aggregated battery",
	}
}

func IdDevice(device Device) Device {
	return Device{
		Id:   device.Id,
		Name: device.Name,
	}
}

func BridgeSensors(bridgeDevice Device) []GenericSensor {
	return []GenericSensor{{
		Device:         bridgeDevice,
		Id:             SENSOR_ID_BRIDGE_STATE,
		SensorType:     SENSOR_TYPE_BINARY,
		Name:           "Bridge state",
		DeviceClass:    DEVICE_CLASS_CONNECTIVITY,
		EntityCategory: ENTITY_CLASS_DIAGNOSTIC,
		UniqueId:       uniqueId(bridgeDevice.Id, SENSOR_ID_BRIDGE_STATE),
	}}
}

// PropertySensors maps published properties to Home Assistant sensors. The first sensor carries
// the full device, the rest only reference it.
func PropertySensors(device Device, props []Property) []GenericSensor {
	sensors := make([]GenericSensor, 0, len(props))
	for i, p := range props {
		dev := device
		if i > 0 {
			dev = IdDevice(device)
		}
		s := GenericSensor{
			Device:            dev,
			Id:                p.SensorId(),
			SensorType:        SENSOR_TYPE_SENSOR,
			Name:              p.Name,
			UnitOfMeasurement: p.Unit,
			DeviceClass:       p.DeviceClass,
			EntityCategory:    p.EntityCategory,
			UniqueId:          uniqueId(device.Id, p.SensorId()),
		}
		if !p.Text {
			s.StateClass = STATE_CLASS_MEASUREMENT
			decimals := p.Decimals
			s.Precision = &decimals
		}
		sensors = append(sensors, s)
	}
	return sensors
}

func EssInputNumbers(device Device) []GenericInputNumber {
	return []GenericInputNumber{
		{
			Device:   IdDevice(device),
			Id:       INPUT_NUMBER_ID_ESS_ACTIVE,
			Name:     "ESS mode",
			UniqueId: uniqueId(device.Id, INPUT_NUMBER_ID_ESS_ACTIVE),
			Icon:     "mdi:transmission-tower-export",
			Min:      0,
			Max:      5,
			Step:     1,
			Mode:     INPUT_NUMBER_MODE_BOX,
		},
		{
			Device:       IdDevice(device),
			Id:           INPUT_NUMBER_ID_ESS_SMOOTH_FILTER,
			Name:         "ESS smoothing filter",
			UniqueId:     uniqueId(device.Id, INPUT_NUMBER_ID_ESS_SMOOTH_FILTER),
			Icon:         "mdi:chart-bell-curve-cumulative",
			Min:          0,
			Max:          1000,
			Step:         1,
			Mode:         INPUT_NUMBER_MODE_BOX,
			InitialValue: 251,
		},
	}
}

func uniqueId(deviceId, sensorId string) string {
	return fmt.Sprintf("%s_%s", deviceId, sensorId)
}

func md5HashShort(text string) string {
	hash := md5.Sum([]byte(text))
	return hex.EncodeToString(hash[:])[:6]
}
