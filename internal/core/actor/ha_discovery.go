package actor

import (
	"fmt"
	"time"

	"github.com/berfenger/aggbatt2mqtt/internal/config"
	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/berfenger/aggbatt2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

type HADiscoveryActor struct {
	config         *config.Config
	behavior       actor.Behavior
	stash          *actorutil.Stash
	mqttActor      *actor.PID
	eventStream    *eventstream.EventStream
	eventStreamSub *eventstream.Subscription
	fleet          *domain.FleetDiscoveredEvent

	logger *zap.Logger
}

func NewHADiscoveryActor(config *config.Config, mqttActor *actor.PID, eventStream *eventstream.EventStream, logger *zap.Logger) *HADiscoveryActor {
	act := &HADiscoveryActor{
		config:      config,
		mqttActor:   mqttActor,
		eventStream: eventStream,
		behavior:    actor.NewBehavior(),
		stash:       &actorutil.Stash{},
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_HA_DISCOVERY, logger),
	}
	act.behavior.Become(act.WaitingFleetReceive)
	return act
}

func (state *HADiscoveryActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

// WaitingFleetReceive waits for the controller to finish fleet discovery. The sensor list
// depends on the discovered battery names.
func (state *HADiscoveryActor) WaitingFleetReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("hadiscovery@waitingFleet started")
		self := ctx.Self()
		state.eventStreamSub = state.eventStream.Subscribe(func(value any) {
			if event, ok := value.(domain.FleetDiscoveredEvent); ok {
				ctx.Send(self, event)
			}
		})
	case domain.FleetDiscoveredEvent:
		state.logger.Debug("hadiscovery@waitingFleet FleetDiscoveredEvent", zap.Int("batteries", len(msg.Fleet.Batteries)))
		state.fleet = &msg
		// MQTT Actor Request
		actorutil.PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.mqttActor, domain.ActorHealthRequest{}, 2*time.Second), func(err error) any {
			return domain.ActorHealthResponse{
				ActorResponseMixIn: domain.ErrorResponse(err),
				Id:                 domain.ACTOR_ID_MQTT,
				Healthy:            false,
			}
		})
		state.behavior.Become(state.WaitingHealthyReceive)
	case *actor.Stopping:
		state.unsubscribe()
	case *actor.Restarting:
		state.unsubscribe()
	default:
		state.logger.Debug("hadiscovery@waitingFleet: recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *HADiscoveryActor) WaitingHealthyReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthResponse:
		state.logger.Debug("hadiscovery@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		if !msg.Healthy {
			// the MQTT actor is probably reconnecting, let the supervisor retry
			panic(fmt.Errorf("MQTT actor is not healthy: %w", msg.GetResponseError()))
		}
		sensors, inputNumbers := DiscoveryComponents(state.config, state.fleet.Fleet)
		ctx.Send(state.mqttActor, domain.PublishDiscoveryRequest{
			Sensors:      sensors,
			InputNumbers: inputNumbers,
		})
		state.logger.Info(fmt.Sprintf("hadiscovery: published %d sensors, %d numbers", len(sensors), len(inputNumbers)))
		state.unsubscribe()
		state.behavior.Become(state.DoneReceive)
	case *actor.Stopping:
		state.unsubscribe()
	case *actor.Restarting:
		state.unsubscribe()
	default:
		state.logger.Debug("hadiscovery@healthcheck: recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *HADiscoveryActor) DoneReceive(ctx actor.Context) {
}

func (state *HADiscoveryActor) unsubscribe() {
	if state.eventStreamSub != nil {
		state.eventStream.Unsubscribe(state.eventStreamSub)
		state.eventStreamSub = nil
	}
}

// DiscoveryComponents lists every Home Assistant entity of the bridge and the virtual battery.
func DiscoveryComponents(cfg *config.Config, fleet domain.Fleet) ([]domain.GenericSensor, []domain.GenericInputNumber) {
	var sensors []domain.GenericSensor

	bridgeDevice := domain.BridgeDevice(cfg.MQTT.BaseTopic)
	sensors = append(sensors, domain.BridgeSensors(bridgeDevice)...)

	batteryDevice := domain.VirtualBatteryDevice(cfg.MQTT.BaseTopic, fleet)
	batteryDevice.ViaDevice = bridgeDevice.Id

	props := domain.VirtualBatteryProperties()
	if cfg.Options.SendCellVoltages {
		for _, cell := range domain.CellVoltageSlots(fleet) {
			props = append(props, domain.CellProperty(cell))
		}
	}
	sensors = append(sensors, domain.PropertySensors(batteryDevice, props)...)

	return sensors, domain.EssInputNumbers(batteryDevice)
}
