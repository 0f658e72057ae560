package metrics

import (
	"strconv"
	"sync"

	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aggbatt"

// Collector implements prometheus.Collector over the latest virtual battery snapshot
type Collector struct {
	mu       sync.RWMutex
	snapshot *domain.Snapshot
	cycles   uint64
	failures uint64

	voltage          *prometheus.Desc
	current          *prometheus.Desc
	power            *prometheus.Desc
	soc              *prometheus.Desc
	capacity         *prometheus.Desc
	temperature      *prometheus.Desc
	cellVoltage      *prometheus.Desc
	cellExtremum     *prometheus.Desc
	chargeVoltage    *prometheus.Desc
	chargeCurrent    *prometheus.Desc
	dischargeCurrent *prometheus.Desc
	alarm            *prometheus.Desc
	balancing        *prometheus.Desc
	dynamicCvl       *prometheus.Desc
	essMode          *prometheus.Desc
	essSetpoint      *prometheus.Desc
	cyclesTotal      *prometheus.Desc
	failuresTotal    *prometheus.Desc
}

func NewCollector() *Collector {
	return &Collector{
		voltage: prometheus.NewDesc(
			namespace+"_voltage_volts",
			"Virtual battery voltage",
			nil, nil,
		),
		current: prometheus.NewDesc(
			namespace+"_current_amperes",
			"Virtual battery current (positive=charging)",
			nil, nil,
		),
		power: prometheus.NewDesc(
			namespace+"_power_watts",
			"Virtual battery power (positive=charging)",
			nil, nil,
		),
		soc: prometheus.NewDesc(
			namespace+"_soc_percent",
			"Virtual battery state of charge",
			nil, nil,
		),
		capacity: prometheus.NewDesc(
			namespace+"_capacity_amphours",
			"Remaining and installed capacity",
			[]string{"kind"}, nil,
		),
		temperature: prometheus.NewDesc(
			namespace+"_temperature_celsius",
			"Battery temperature",
			nil, nil,
		),
		cellVoltage: prometheus.NewDesc(
			namespace+"_cell_voltage_volts",
			"Voltage of a single cell",
			[]string{"battery", "cell"}, nil,
		),
		cellExtremum: prometheus.NewDesc(
			namespace+"_cell_voltage_extremum_volts",
			"Fleet minimum and maximum cell voltage",
			[]string{"kind", "cell_id"}, nil,
		),
		chargeVoltage: prometheus.NewDesc(
			namespace+"_charge_voltage_limit_volts",
			"Charge voltage limit (CVL)",
			nil, nil,
		),
		chargeCurrent: prometheus.NewDesc(
			namespace+"_charge_current_limit_amperes",
			"Charge current limit (CCL)",
			nil, nil,
		),
		dischargeCurrent: prometheus.NewDesc(
			namespace+"_discharge_current_limit_amperes",
			"Discharge current limit (DCL)",
			nil, nil,
		),
		alarm: prometheus.NewDesc(
			namespace+"_alarm_severity",
			"Highest alarm severity reported by the fleet (0=ok, 1=warning, 2=alarm)",
			[]string{"alarm"}, nil,
		),
		balancing: prometheus.NewDesc(
			namespace+"_balancing_state",
			"Balancing state (0=inactive, 1=waiting at target, 2=goal reached)",
			nil, nil,
		),
		dynamicCvl: prometheus.NewDesc(
			namespace+"_dynamic_cvl_reduced",
			"Whether the charge voltage is reduced by a high cell (1=yes, 0=no)",
			nil, nil,
		),
		essMode: prometheus.NewDesc(
			namespace+"_ess_mode",
			"Active ESS setpoint mode",
			nil, nil,
		),
		essSetpoint: prometheus.NewDesc(
			namespace+"_ess_ac_power_setpoint_watts",
			"AC power setpoint of the inverter",
			nil, nil,
		),
		cyclesTotal: prometheus.NewDesc(
			namespace+"_cycles_total",
			"Successful aggregation cycles",
			nil, nil,
		),
		failuresTotal: prometheus.NewDesc(
			namespace+"_cycle_failures_total",
			"Aggregation cycles abandoned on a read error",
			nil, nil,
		),
	}
}

// Update stores the snapshot of a successful cycle.
func (c *Collector) Update(snap *domain.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = snap
	c.cycles++
}

func (c *Collector) Failure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.voltage
	ch <- c.current
	ch <- c.power
	ch <- c.soc
	ch <- c.capacity
	ch <- c.temperature
	ch <- c.cellVoltage
	ch <- c.cellExtremum
	ch <- c.chargeVoltage
	ch <- c.chargeCurrent
	ch <- c.dischargeCurrent
	ch <- c.alarm
	ch <- c.balancing
	ch <- c.dynamicCvl
	ch <- c.essMode
	ch <- c.essSetpoint
	ch <- c.cyclesTotal
	ch <- c.failuresTotal
}

// Collect implements prometheus.Collector. Missing readings are not exported.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ch <- prometheus.MustNewConstMetric(c.cyclesTotal, prometheus.CounterValue, float64(c.cycles))
	ch <- prometheus.MustNewConstMetric(c.failuresTotal, prometheus.CounterValue, float64(c.failures))

	snap := c.snapshot
	if snap == nil {
		return
	}
	gauge := func(desc *prometheus.Desc, r domain.Reading, labels ...string) {
		if r.Valid {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, r.Value, labels...)
		}
	}

	gauge(c.voltage, snap.Voltage)
	gauge(c.current, snap.Current)
	gauge(c.power, snap.Power)
	gauge(c.soc, snap.Soc)
	gauge(c.capacity, snap.Capacity, "remaining")
	gauge(c.capacity, snap.InstalledCapacity, "installed")
	gauge(c.temperature, snap.Temperature)
	for _, cell := range snap.Cells {
		gauge(c.cellVoltage, cell.Voltage, cell.Battery, strconv.Itoa(cell.Index))
	}
	gauge(c.cellExtremum, snap.MinCellVoltage, "min", snap.MinVoltageCellId)
	gauge(c.cellExtremum, snap.MaxCellVoltage, "max", snap.MaxVoltageCellId)
	gauge(c.chargeVoltage, snap.Limits.ChargeVoltage)
	gauge(c.chargeCurrent, snap.Limits.ChargeCurrent)
	gauge(c.dischargeCurrent, snap.Limits.DischargeCurrent)
	for i, alarm := range domain.AlarmCategories {
		if i < len(snap.Alarms) {
			gauge(c.alarm, snap.Alarms[i], alarm.Name)
		}
	}
	gauge(c.balancing, domain.Some(float64(snap.Balancing)))
	reduced := 0.0
	if snap.DynamicCvl == domain.DYNAMIC_CVL_REDUCED {
		reduced = 1
	}
	gauge(c.dynamicCvl, domain.Some(reduced))
	gauge(c.essMode, domain.Some(float64(snap.Ess.Active)))
	gauge(c.essSetpoint, snap.Ess.AcPowerSetpoint)
}

// ensure interface compliance
var _ prometheus.Collector = (*Collector)(nil)
