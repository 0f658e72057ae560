package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	adactor "github.com/berfenger/aggbatt2mqtt/internal/adapter/actor"
	"github.com/berfenger/aggbatt2mqtt/internal/adapter/dbus"
	"github.com/berfenger/aggbatt2mqtt/internal/adapter/modbus"
	"github.com/berfenger/aggbatt2mqtt/internal/adapter/store"
	"github.com/berfenger/aggbatt2mqtt/internal/config"
	"github.com/berfenger/aggbatt2mqtt/internal/core/actor"
	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/berfenger/aggbatt2mqtt/internal/core/port"
	"github.com/berfenger/aggbatt2mqtt/internal/core/service"
	"github.com/berfenger/aggbatt2mqtt/internal/metrics"
	"github.com/berfenger/aggbatt2mqtt/internal/server"
	"github.com/berfenger/aggbatt2mqtt/internal/util/actorutil"
	"github.com/berfenger/aggbatt2mqtt/pkg/gxmodbus"

	"github.com/alexflint/go-arg"
	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/carlmjohnson/versioninfo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Args struct {
	Config   string `arg:"--config,env:CONFIG_FILE" help:"path to a yaml config file"`
	LogLevel string `arg:"--log-level" help:"overrides log_level"`
}

func (Args) Version() string {
	return versioninfo.Short()
}

func gracefulShutdown(apiServer *http.Server, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal.
	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	log.Println("Server exiting")

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func main() {
	args := Args{}
	arg.MustParse(&args)

	// load and print config
	cfg, err := initConfig(args)
	if err != nil {
		slog.Error("config errors", "error", err)
		os.Exit(1)
	}
	safePrintConfig(*cfg)

	// zap logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build())
	defer logger.Sync()

	logger.Info("aggbatt2mqtt starting", zap.String("version", versioninfo.Short()))

	services, err := controlServices(cfg, afero.NewOsFs(), logger)
	if err != nil {
		logger.Fatal("cannot restore persisted state", zap.Error(err))
	}

	// metrics follow the controller events
	eventStream := &eventstream.EventStream{}
	collector := metrics.NewCollector()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metricsSub := eventStream.Subscribe(func(evt any) {
		switch msg := evt.(type) {
		case domain.SnapshotPublishedEvent:
			collector.Update(msg.Snapshot)
		case domain.CycleFailedEvent:
			collector.Failure()
		}
	})
	defer eventStream.Unsubscribe(metricsSub)

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	busFactory := telemetryBusFactory(cfg, logger)
	props := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewMasterOfPuppetsActor(*cfg, eventStream, mqttActorProvider(cfg, logger),
			controllerActorProvider(cfg, busFactory, services, logger), os.Exit, logger)
	})
	pid, err := ctx.SpawnNamed(props, domain.ACTOR_ID_MASTER)
	if err != nil {
		logger.Fatal("cannot spawn master actor", zap.Error(err))
	}

	server := server.NewServer(*cfg, ctx, pid, registry)
	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(server, done)

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done
	log.Println("Graceful shutdown complete.")

	ctx.Stop(pid)
	as.Shutdown()
}

func initConfig(args Args) (*config.Config, error) {

	// alias PORT => AGGBATT_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("AGGBATT_PORT", port)
	}

	setConfigDefaults()

	viper.SetEnvPrefix("aggbatt")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := args.Config; cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			return nil, fmt.Errorf("config file %s: %w", cfgFile, err)
		}
		slog.Info("Using config", "file", cfgFile)
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if args.LogLevel != "" {
		viper.Set("log_level", args.LogLevel)
	}

	var cfg config.Config

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	// parse log level
	switch viper.GetString("log_level") {
	case "trace":
		cfg.LogLevel = zap.DebugLevel
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	// check and fix base topic
	baseTopic, err := config.CheckMQTTTopic(cfg.MQTT.BaseTopic)
	if err != nil {
		return nil, errors.New("invalid base topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.BaseTopic = baseTopic

	// check and fix homeassistant discovery topic
	hadBaseTopic, err := config.CheckMQTTTopic(cfg.MQTT.HADiscoveryTopic)
	if err != nil {
		return nil, errors.New("invalid homeassistant discovery topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.HADiscoveryTopic = hadBaseTopic

	// derating tables default to the cell voltage settings
	if len(cfg.Charge.CellChargeLimitingVoltage) == 0 {
		cfg.Charge.CellChargeLimitingVoltage, cfg.Charge.CellChargeLimitedCurrent =
			config.ChargeTable(cfg.Charge.MinCellVoltage, cfg.Charge.BalancingVoltage, cfg.Charge.MaxCellVoltage)
	}
	if len(cfg.Charge.CellDischargeLimitingVoltage) == 0 {
		cfg.Charge.CellDischargeLimitingVoltage, cfg.Charge.CellDischargeLimitedCurrent =
			config.DischargeTable(cfg.Charge.MinCellVoltage)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// controlServices restores the persisted charge and balancing day. Both files must be readable.
func controlServices(cfg *config.Config, fs afero.Fs, logger *zap.Logger) (actor.ControlServices, error) {
	chargeFile := store.NewChargeFile(fs, cfg.Storage.ChargeFile)
	charge, err := chargeFile.LoadCharge()
	if err != nil {
		return actor.ControlServices{}, err
	}

	var days port.BalancingDayStore
	lastBalancingDay := 0
	if cfg.Charge.OwnChargeParameters {
		dayFile := store.NewBalancingDayFile(fs, cfg.Storage.BalancingFile)
		lastBalancingDay, err = dayFile.LoadLastBalancingDay()
		if err != nil {
			return actor.ControlServices{}, err
		}
		days = dayFile
	}

	logger.Info("restored state", zap.Float64("charge", charge), zap.Int("last_balancing_day", lastBalancingDay))

	return actor.ControlServices{
		Limits:  service.NewLimitController(cfg, days, lastBalancingDay, logger),
		Counter: service.NewCoulombCounter(chargeFile, charge, cfg.Charge.BatteryEfficiency, cfg.Options.ChargeSavePrecision, logger),
		Arbiter: service.NewSetpointArbiter(cfg.Ess.Active, cfg.Ess.SmoothFilter, logger),
	}, nil
}

func telemetryBusFactory(cfg *config.Config, logger *zap.Logger) actor.BusFactory {
	switch cfg.Bus.Backend {
	case config.BUS_BACKEND_MODBUS:
		return func() (port.TelemetryBus, error) {
			client, err := gxmodbus.Dial(cfg.Modbus.Host, cfg.Modbus.Port, millis(cfg.Modbus.TimeoutMillis), logger)
			if err != nil {
				return nil, err
			}
			if err := client.Open(); err != nil {
				return nil, fmt.Errorf("modbus: cannot connect to %s:%d: %w", cfg.Modbus.Host, cfg.Modbus.Port, err)
			}
			return modbus.NewBus(client, cfg.Modbus.Devices, logger), nil
		}
	default:
		return func() (port.TelemetryBus, error) {
			monitor, err := dbus.Connect(millis(cfg.Bus.TimeoutMillis), logger)
			if err != nil {
				return nil, err
			}
			return monitor, nil
		}
	}
}

func mqttActorProvider(cfg *config.Config, logger *zap.Logger) actor.MQTTActorProvider {
	return func(eventStream *eventstream.EventStream) *adactor.MQTTActor {
		return adactor.NewMQTTActor(cfg, eventStream, logger)
	}
}

func controllerActorProvider(cfg *config.Config, busFactory actor.BusFactory, services actor.ControlServices,
	logger *zap.Logger) actor.ControllerActorProvider {
	return func(publisher port.Publisher) *actor.ControllerActor {
		return actor.NewControllerActor(cfg, busFactory, services, publisher, logger)
	}
}

func millis(value uint32) time.Duration {
	return time.Duration(value) * time.Millisecond
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("log_period_seconds", 0)
	viper.SetDefault("log_cron", "")
	viper.SetDefault("port", 8080)
	viper.SetDefault("http_log", false)

	viper.SetDefault("fleet.batteries", 2)
	viper.SetDefault("fleet.cells_per_battery", 16)
	viper.SetDefault("fleet.mppts", 1)
	viper.SetDefault("fleet.dc_loads", false)
	viper.SetDefault("fleet.invert_smartshunt", false)

	viper.SetDefault("discovery.settings_service", "com.victronenergy.settings")
	viper.SetDefault("discovery.system_service", "com.victronenergy.system")
	viper.SetDefault("discovery.battery_service", "com.victronenergy.battery")
	viper.SetDefault("discovery.battery_product_path", "/ProductName")
	viper.SetDefault("discovery.battery_product_name", "SerialBattery")
	viper.SetDefault("discovery.battery_instance_path", "/CustomName")
	viper.SetDefault("discovery.shunt_product_name", "SmartShunt")
	viper.SetDefault("discovery.inverter_keyword", "com.victronenergy.vebus")
	viper.SetDefault("discovery.mppt_keyword", "com.victronenergy.solarcharger")
	viper.SetDefault("discovery.grid_keyword", "com.victronenergy.grid")
	viper.SetDefault("discovery.search_trials", 10)
	viper.SetDefault("discovery.read_trials", 10)
	viper.SetDefault("discovery.first_interval_millis", 10000)
	viper.SetDefault("discovery.interval_millis", 1000)

	viper.SetDefault("options.current_from_victron", false)
	viper.SetDefault("options.own_soc", false)
	viper.SetDefault("options.zero_soc", false)
	viper.SetDefault("options.charge_save_precision", 0.0025)
	viper.SetDefault("options.update_interval_millis", 1000)
	viper.SetDefault("options.send_cell_voltages", false)

	viper.SetDefault("charge.own_charge_parameters", false)
	viper.SetDefault("charge.keep_max_cvl", false)
	viper.SetDefault("charge.charge_voltage_list", []float64{3.45, 3.45, 3.45, 3.45, 3.45, 3.45, 3.45, 3.45, 3.45, 3.45, 3.45, 3.45})
	viper.SetDefault("charge.balancing_voltage", 3.45)
	viper.SetDefault("charge.balancing_repetition", 10)
	viper.SetDefault("charge.max_cell_voltage", 3.5)
	viper.SetDefault("charge.min_cell_voltage", 2.9)
	viper.SetDefault("charge.min_cell_hysteresis", 0.1)
	viper.SetDefault("charge.cell_diff_max", 0.015)
	viper.SetDefault("charge.battery_efficiency", 0.985)
	viper.SetDefault("charge.max_charge_current", 150)
	viper.SetDefault("charge.max_discharge_current", 150)

	viper.SetDefault("ess.active", 0)
	viper.SetDefault("ess.smooth_filter", 251)

	viper.SetDefault("storage.charge_file", "/data/aggbatt/charge")
	viper.SetDefault("storage.balancing_file", "/data/aggbatt/last_balancing")

	viper.SetDefault("bus.backend", config.BUS_BACKEND_DBUS)
	viper.SetDefault("bus.timeout_millis", 1000)

	viper.SetDefault("modbus.port", 502)
	viper.SetDefault("modbus.timeout_millis", 1000)

	viper.SetDefault("mqtt.port", 1883)
	viper.SetDefault("mqtt.base_topic", "aggbatt")
	viper.SetDefault("mqtt.ha_discovery_enable", false)
	viper.SetDefault("mqtt.ha_discovery_topic", "homeassistant")
}

func safePrintConfig(cfg config.Config) {
	cfg.MQTT.Username = "*redacted*"
	cfg.MQTT.Password = "*redacted*"
	slog.Info("Using", "config", cfg)
}
