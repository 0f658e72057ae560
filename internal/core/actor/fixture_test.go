package actor

import (
	"errors"
	"sync"
	"time"

	adactor "github.com/berfenger/aggbatt2mqtt/internal/adapter/actor"
	"github.com/berfenger/aggbatt2mqtt/internal/adapter/membus"
	"github.com/berfenger/aggbatt2mqtt/internal/config"
	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/berfenger/aggbatt2mqtt/internal/core/port"
	"github.com/berfenger/aggbatt2mqtt/internal/core/service"
	"github.com/berfenger/aggbatt2mqtt/internal/util"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

const (
	settingsSvc = "com.victronenergy.settings"
	battery1Svc = "com.victronenergy.battery.ttyUSB1"
	battery2Svc = "com.victronenergy.battery.ttyUSB2"
	inverterSvc = "com.victronenergy.vebus.ttyS4"
	mpptSvc     = "com.victronenergy.solarcharger.ttyUSB0"
	gridSvc     = "com.victronenergy.grid.cgwacs_ttyUSB4"
	testCells   = 4
)

func testConfig() config.Config {
	cfg := util.LoadTestConfig()
	cfg.Fleet.CellsPerBattery = testCells
	return cfg
}

func testBattery(name string, voltage, current float64) map[string]any {
	props := map[string]any{
		"/ProductName":                          "SerialBattery(Jkbms)",
		"/CustomName":                           name,
		service.PATH_CELLS_PER_BATTERY:          testCells,
		service.PATH_DC_VOLTAGE:                 voltage,
		service.PATH_DC_CURRENT:                 current,
		service.PATH_DC_POWER:                   voltage * current,
		service.PATH_INSTALLED_CAPACITY:         100.0,
		service.PATH_CONSUMED_AMPHOURS:          50.0,
		service.PATH_CAPACITY:                   50.0,
		service.PATH_SOC:                        50.0,
		service.PATH_MAX_CELL_VOLTAGE:           3.31,
		service.PATH_MAX_VOLTAGE_CELL_ID:        "C2",
		service.PATH_MIN_CELL_VOLTAGE:           3.29,
		service.PATH_MIN_VOLTAGE_CELL_ID:        "C1",
		service.PATH_MODULES_ONLINE:             1,
		service.PATH_MODULES_OFFLINE:            0,
		service.PATH_MODULES_BLOCKING_CHARGE:    0,
		service.PATH_MODULES_BLOCKING_DISCHARGE: 0,
		service.PATH_INFO_MAX_CHARGE_CURRENT:    50.0,
		service.PATH_INFO_MAX_DISCHARGE_CURRENT: 80.0,
		service.PATH_INFO_MAX_CHARGE_VOLTAGE:    13.8,
		service.PATH_INFO_CHARGE_MODE:           "Bulk",
	}
	for i := 1; i <= testCells; i++ {
		props[service.CellPath(i)] = 3.3
	}
	return props
}

func newTestBus() *membus.Bus {
	bus := membus.New()
	bus.AddDevice(settingsSvc, map[string]any{
		service.PATH_SETTINGS_HUB4_MODE: 1,
	})
	bus.AddDevice(battery1Svc, testBattery("Left", 13.2, 10))
	bus.AddDevice(battery2Svc, testBattery("Right", 13.3, -4))
	bus.AddDevice(inverterSvc, map[string]any{
		service.PATH_INVERTER_AC_OUT_P: 300.0,
	})
	bus.AddDevice(mpptSvc, map[string]any{
		service.PATH_DC_CURRENT: 5.0,
	})
	bus.AddDevice(gridSvc, map[string]any{
		service.PATH_GRID_POWER: 100.0,
	})
	return bus
}

type memChargeStore struct {
	mu     sync.Mutex
	charge float64
}

func (s *memChargeStore) LoadCharge() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.charge, nil
}

func (s *memChargeStore) SaveCharge(charge float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charge = charge
	return nil
}

func testServices(cfg *config.Config, logger *zap.Logger) ControlServices {
	return ControlServices{
		Limits:  service.NewLimitController(cfg, nil, 0, logger),
		Counter: service.NewCoulombCounter(&memChargeStore{}, 100, 1, cfg.Options.ChargeSavePrecision, logger),
		Arbiter: service.NewSetpointArbiter(cfg.Ess.Active, cfg.Ess.SmoothFilter, logger),
	}
}

func busFactory(bus port.TelemetryBus) BusFactory {
	return func() (port.TelemetryBus, error) {
		return bus, nil
	}
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *recordingPublisher) Publish(events []any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
}

func (p *recordingPublisher) count(match func(any) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if match(e) {
			n++
		}
	}
	return n
}

type topicRecorder struct {
	mu     sync.Mutex
	topics map[string]string
}

func newTopicRecorder() *topicRecorder {
	return &topicRecorder{topics: map[string]string{}}
}

func (r *topicRecorder) sink(topic, payload string, _ bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics[topic] = payload
}

func (r *topicRecorder) get(topic string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payload, ok := r.topics[topic]
	return payload, ok
}

func testMaster(cfg config.Config, bus port.TelemetryBus, es *eventstream.EventStream, rec *topicRecorder,
	exit ExitFunc, logger *zap.Logger) *actor.Props {
	services := testServices(&cfg, logger)
	return actor.PropsFromProducer(func() actor.Actor {
		return NewMasterOfPuppetsActor(cfg, es, func(es *eventstream.EventStream) *adactor.MQTTActor {
			return adactor.NewTestMQTTActor(&cfg, es, rec.sink, logger)
		}, func(publisher port.Publisher) *ControllerActor {
			return NewControllerActor(&cfg, busFactory(bus), services, publisher, logger)
		}, exit, logger)
	})
}

func healthCheck(ctx *actor.RootContext, pid *actor.PID) (*domain.ActorHealthResponse, error) {
	resp, err := ctx.RequestFuture(pid, domain.ActorHealthRequest{}, 2*time.Second).Result()
	if err != nil {
		return nil, err
	}
	hcr, ok := resp.(domain.ActorHealthResponse)
	if !ok {
		return nil, errors.New("unexpected response type")
	}
	return &hcr, nil
}
