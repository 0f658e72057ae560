package util

import (
	"github.com/berfenger/aggbatt2mqtt/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	chargeX, chargeY := config.ChargeTable(2.9, 3.45, 3.5)
	dischargeX, dischargeY := config.DischargeTable(2.9)
	return config.Config{
		LogLevel: zap.DebugLevel,
		Fleet: config.FleetConfig{
			Batteries:       2,
			CellsPerBattery: 16,
			Mppts:           1,
		},
		Discovery: config.DiscoveryConfig{
			SettingsService:     "com.victronenergy.settings",
			SystemService:       "com.victronenergy.system",
			BatteryService:      "com.victronenergy.battery",
			BatteryProductPath:  "/ProductName",
			BatteryProductName:  "SerialBattery",
			BatteryInstancePath: "/CustomName",
			ShuntProductName:    "SmartShunt",
			InverterKeyword:     "com.victronenergy.vebus",
			MpptKeyword:         "com.victronenergy.solarcharger",
			GridKeyword:         "com.victronenergy.grid",
			SearchTrials:        3,
			ReadTrials:          3,
			FirstIntervalMillis: 10,
			IntervalMillis:      10,
		},
		Options: config.OptionsConfig{
			ChargeSavePrecision:  0.0025,
			UpdateIntervalMillis: 100,
		},
		Charge: config.ChargeConfig{
			ChargeVoltageList:            []float64{3.45, 3.45, 3.45, 3.45, 3.45, 3.45, 3.45, 3.45, 3.45, 3.45, 3.45, 3.45},
			BalancingVoltage:             3.45,
			BalancingRepetition:          1,
			MaxCellVoltage:               3.5,
			MinCellVoltage:               2.9,
			MinCellHysteresis:            0.1,
			CellDiffMax:                  0.015,
			BatteryEfficiency:            1,
			MaxChargeCurrent:             150,
			MaxDischargeCurrent:          100,
			CellChargeLimitingVoltage:    chargeX,
			CellChargeLimitedCurrent:     chargeY,
			CellDischargeLimitingVoltage: dischargeX,
			CellDischargeLimitedCurrent:  dischargeY,
		},
		Ess: config.EssConfig{
			Active:       0,
			SmoothFilter: 251,
		},
		Storage: config.StorageConfig{
			ChargeFile:    "/data/charge",
			BalancingFile: "/data/last_balancing",
		},
		Bus: config.BusConfig{
			Backend:       config.BUS_BACKEND_DBUS,
			TimeoutMillis: 1000,
		},
		MQTT: config.MQTTConfig{
			Host:             "localhost",
			Port:             1883,
			BaseTopic:        "aggbatt",
			HADiscoveryTopic: "homeassistant",
		},
		LogPeriodSeconds: 0,
		Port:             8080,
	}
}
