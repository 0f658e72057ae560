package domain

import (
	"fmt"
	"regexp"
)

// BatteryRole is one discovered battery module.
type BatteryRole struct {
	Name    string
	Service string
	Cells   int
}

// Fleet holds every device handle found by discovery. Handles are bus names and are resolved on each read.
type Fleet struct {
	Settings  string
	System    string
	Batteries []BatteryRole
	Shunt     string
	Inverter  string
	Mppts     []string
	Grid      string
}

func (f Fleet) HasShunt() bool {
	return f.Shunt != ""
}

type BalancingState int

const (
	BALANCING_INACTIVE BalancingState = iota
	BALANCING_WAITING_AT_TARGET
	BALANCING_GOAL_REACHED
)

func (s BalancingState) String() string {
	switch s {
	case BALANCING_INACTIVE:
		return "inactive"
	case BALANCING_WAITING_AT_TARGET:
		return "waiting_at_target"
	case BALANCING_GOAL_REACHED:
		return "goal_reached"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

type DynamicCvlState int

const (
	DYNAMIC_CVL_NORMAL DynamicCvlState = iota
	DYNAMIC_CVL_REDUCED
)

func (s DynamicCvlState) String() string {
	if s == DYNAMIC_CVL_REDUCED {
		return "reduced"
	}
	return "normal"
}

type AlarmCategory struct {
	Name       string
	SourcePath string
}

func (a AlarmCategory) Path() string {
	return "/Alarms/" + a.Name
}

// AlarmCategories are read from every battery and published as the fleet maximum.
var AlarmCategories = []AlarmCategory{
	{Name: "LowVoltage", SourcePath: "/Alarms/LowVoltage"},
	{Name: "HighVoltage", SourcePath: "/Alarms/HighVoltage"},
	{Name: "LowCellVoltage", SourcePath: "/Alarms/LowCellVoltage"},
	{Name: "LowSoc", SourcePath: "/Alarms/LowSoc"},
	{Name: "HighChargeCurrent", SourcePath: "/Alarms/HighChargeCurrent"},
	{Name: "HighDischargeCurrent", SourcePath: "/Alarms/HighDischargeCurrent"},
	{Name: "CellImbalance", SourcePath: "/Alarms/CellImbalance"},
	{Name: "InternalFailure", SourcePath: "/Alarms/InternalFailure_alarm"},
	{Name: "HighChargeTemperature", SourcePath: "/Alarms/HighChargeTemperature"},
	{Name: "LowChargeTemperature", SourcePath: "/Alarms/LowChargeTemperature"},
	{Name: "HighTemperature", SourcePath: "/Alarms/HighTemperature"},
	{Name: "LowTemperature", SourcePath: "/Alarms/LowTemperature"},
	{Name: "BmsCable", SourcePath: "/Alarms/BmsCable"},
}

// CellVoltage is a single cell reading owned by a battery.
type CellVoltage struct {
	Battery string
	Index   int
	Voltage Reading
}

var cellNameSanitizer = regexp.MustCompile("[^A-Za-z0-9_]+")

// Path is the published property path, e.g. /Voltages/Battery1_Cell3.
func (c CellVoltage) Path() string {
	return fmt.Sprintf("/Voltages/%s_Cell%d", cellNameSanitizer.ReplaceAllString(c.Battery, ""), c.Index)
}

// BatteryLimits are the limits a battery advertises for itself.
type BatteryLimits struct {
	Battery          string
	ChargeVoltage    Reading
	ChargeCurrent    Reading
	DischargeCurrent Reading
	ChargeMode       string
}

type Limits struct {
	ChargeVoltage    Reading
	ChargeCurrent    Reading
	DischargeCurrent Reading
	AllowToCharge    Reading
	AllowToDischarge Reading
	AllowToBalance   Reading
}

// Snapshot is the virtual battery produced by one aggregation cycle.
type Snapshot struct {
	Voltage           Reading
	Current           Reading
	Power             Reading
	InstalledCapacity Reading
	Capacity          Reading
	ConsumedAmphours  Reading
	Soc               Reading
	TimeToGo          Reading

	Temperature        Reading
	MaxCellTemperature Reading
	MinCellTemperature Reading

	MaxCellVoltage   Reading
	MaxVoltageCellId string
	MinCellVoltage   Reading
	MinVoltageCellId string
	VoltagesSum      Reading

	CellsPerBattery          int
	ModulesOnline            Reading
	ModulesOffline           Reading
	ModulesBlockingCharge    Reading
	ModulesBlockingDischarge Reading

	// indexed like AlarmCategories
	Alarms []Reading
	Cells  []CellVoltage

	BatteryLimits         []BatteryLimits
	ReducedChargeVoltages []Reading
	AllowToCharge         Reading
	AllowToDischarge      Reading
	AllowToBalance        Reading
	MpptCurrent           Reading
	MpptPower             Reading

	Limits     Limits
	Balancing  BalancingState
	DynamicCvl DynamicCvlState
	Ess        EssState
}

// VoltagesDiff is the spread between the highest and the lowest cell.
func (s *Snapshot) VoltagesDiff() Reading {
	if !s.MaxCellVoltage.Valid || !s.MinCellVoltage.Valid {
		return Missing
	}
	return Some(s.MaxCellVoltage.Value - s.MinCellVoltage.Value)
}

// EssState holds the setpoint arbitration inputs and outputs of one cycle.
type EssState struct {
	Active       int
	SmoothFilter float64

	BatteryPower       Reading
	BatteryCurrent     Reading
	BatteryCurrentCalc Reading
	MpptPower          Reading
	MpptCurrent        Reading
	AcInPower          Reading
	AcInCurrent        Reading
	AcOutPower         Reading
	AcOutCurrent       Reading
	InverterPower      Reading
	InverterCurrent    Reading

	MaxChargePower         Reading
	MaxChargeCurrent       Reading
	MaxChargeCurrentSmooth Reading
	MaxChargeCellVoltage   Reading
	CorrectionCurrent      Reading

	GridSetpoint    Reading
	GridPower       Reading
	AcPowerSetpoint Reading
	MinimumSocLimit Reading

	ConsumptionInput      [3]Reading
	ConsumptionInputTotal Reading
	PvOnGrid              [3]Reading
	PvOnGridTotal         Reading
	AcLoad                [3]Reading
	AcLoadTotal           Reading
}
