package config_test

import (
	"testing"

	"github.com/berfenger/aggbatt2mqtt/internal/config"
	"github.com/berfenger/aggbatt2mqtt/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	cfg := util.LoadTestConfig()
	require.NoError(t, cfg.Validate())

	cfg.Charge.OwnChargeParameters = true
	require.NoError(t, cfg.Validate())
}

func TestValidateErrors(t *testing.T) {
	cases := map[string]func(cfg *config.Config){
		"no batteries":     func(cfg *config.Config) { cfg.Fleet.Batteries = 0 },
		"no cells":         func(cfg *config.Config) { cfg.Fleet.CellsPerBattery = 0 },
		"search trials":    func(cfg *config.Config) { cfg.Discovery.SearchTrials = 0 },
		"precision":        func(cfg *config.Config) { cfg.Options.ChargeSavePrecision = 1 },
		"ess mode":         func(cfg *config.Config) { cfg.Ess.Active = 6 },
		"negative filter":  func(cfg *config.Config) { cfg.Ess.SmoothFilter = -1 },
		"backend":          func(cfg *config.Config) { cfg.Bus.Backend = "serial" },
		"modbus devices":   func(cfg *config.Config) { cfg.Bus.Backend = config.BUS_BACKEND_MODBUS },
		"no charge file":   func(cfg *config.Config) { cfg.Storage.ChargeFile = "" },
		"months": func(cfg *config.Config) {
			cfg.Charge.OwnChargeParameters = true
			cfg.Charge.ChargeVoltageList = cfg.Charge.ChargeVoltageList[:11]
		},
		"efficiency": func(cfg *config.Config) {
			cfg.Charge.OwnChargeParameters = true
			cfg.Charge.BatteryEfficiency = 0
		},
		"unordered breakpoints": func(cfg *config.Config) {
			cfg.Charge.OwnChargeParameters = true
			cfg.Charge.CellChargeLimitingVoltage = []float64{3.0, 2.9}
			cfg.Charge.CellChargeLimitedCurrent = []float64{1, 0}
		},
		"breakpoint lengths": func(cfg *config.Config) {
			cfg.Charge.OwnChargeParameters = true
			cfg.Charge.CellDischargeLimitedCurrent = []float64{0, 1}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := util.LoadTestConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestCheckMQTTTopic(t *testing.T) {
	topic, err := config.CheckMQTTTopic("AggBatt_1")
	require.NoError(t, err)
	assert.Equal(t, "aggbatt_1", topic)

	_, err = config.CheckMQTTTopic("agg/batt")
	assert.Error(t, err)
}

func TestDerivedTables(t *testing.T) {
	xs, ys := config.ChargeTable(2.9, 3.45, 3.5)
	assert.Len(t, ys, len(xs))
	assert.True(t, xs[len(xs)-1] == 3.5)

	xs, ys = config.DischargeTable(2.9)
	assert.Equal(t, []float64{0, 0.05, 1}, ys)
	assert.Len(t, xs, 3)
}
