package metrics

import (
	"strings"
	"testing"

	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorDescribe(t *testing.T) {
	collector := NewCollector()
	descCh := make(chan *prometheus.Desc, 32)
	go func() {
		collector.Describe(descCh)
		close(descCh)
	}()
	count := 0
	for range descCh {
		count++
	}
	assert.Equal(t, 18, count)
}

func TestCollectorWithoutSnapshot(t *testing.T) {
	collector := NewCollector()
	collector.Failure()
	// only the cycle counters
	assert.Equal(t, 2, testutil.CollectAndCount(collector))
	assert.Equal(t, 1, testutil.CollectAndCount(collector, "aggbatt_cycle_failures_total"))
}

func TestCollectorSkipsMissingReadings(t *testing.T) {
	require := require.New(t)
	collector := NewCollector()
	collector.Update(&domain.Snapshot{
		Voltage:          domain.Some(52.1),
		Current:          domain.Missing,
		MinCellVoltage:   domain.Some(3.2),
		MinVoltageCellId: "Left_C1",
		Limits: domain.Limits{
			ChargeVoltage: domain.Some(55.2),
		},
		Ess: domain.EssState{Active: 2},
	})

	expected := `
# HELP aggbatt_voltage_volts Virtual battery voltage
# TYPE aggbatt_voltage_volts gauge
aggbatt_voltage_volts 52.1
# HELP aggbatt_cell_voltage_extremum_volts Fleet minimum and maximum cell voltage
# TYPE aggbatt_cell_voltage_extremum_volts gauge
aggbatt_cell_voltage_extremum_volts{cell_id="Left_C1",kind="min"} 3.2
# HELP aggbatt_ess_mode Active ESS setpoint mode
# TYPE aggbatt_ess_mode gauge
aggbatt_ess_mode 2
# HELP aggbatt_cycles_total Successful aggregation cycles
# TYPE aggbatt_cycles_total counter
aggbatt_cycles_total 1
`
	err := testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"aggbatt_voltage_volts", "aggbatt_current_amperes", "aggbatt_cell_voltage_extremum_volts",
		"aggbatt_ess_mode", "aggbatt_cycles_total")
	require.NoError(err)
}
