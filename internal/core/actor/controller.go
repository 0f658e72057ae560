package actor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/berfenger/aggbatt2mqtt/internal/config"
	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/berfenger/aggbatt2mqtt/internal/core/events"
	"github.com/berfenger/aggbatt2mqtt/internal/core/port"
	"github.com/berfenger/aggbatt2mqtt/internal/core/service"
	statusscheduler "github.com/berfenger/aggbatt2mqtt/internal/scheduler"
	. "github.com/berfenger/aggbatt2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/scheduler"
	"github.com/reugn/go-quartz/quartz"
	"go.uber.org/zap"
)

// BusFactory opens the telemetry bus. It runs off the actor loop.
type BusFactory func() (port.TelemetryBus, error)

// ControlServices is the controller state that outlives actor restarts.
type ControlServices struct {
	Limits  *service.LimitController
	Counter *service.CoulombCounter
	Arbiter *service.SetpointArbiter
}

type ControllerActor struct {
	ActorWithStates
	scheduler  *scheduler.TimerScheduler
	stash      *Stash
	config     *config.Config
	busFactory BusFactory
	services   ControlServices
	publisher  port.Publisher
	status     quartz.Trigger

	bus       port.TelemetryBus
	discovery *service.Discovery
	engine    *service.Engine
	snapshot  *domain.Snapshot

	logger *zap.Logger
}

type busReady struct {
	Bus   port.TelemetryBus
	Error error
}

type discoveryTick struct {
}

type cycleTick struct {
}

// cycleBudget bounds a whole discovery poll or cycle. Single reads are bounded by the bus adapters.
const cycleBudget = 30 * time.Second

func NewControllerActor(config *config.Config, busFactory BusFactory, services ControlServices,
	publisher port.Publisher, logger *zap.Logger) *ControllerActor {
	act := &ControllerActor{
		config:     config,
		busFactory: busFactory,
		services:   services,
		publisher:  publisher,
		stash:      &Stash{},
		logger:     ActorLogger(domain.ACTOR_ID_CONTROLLER, logger),
		ActorWithStates: ActorWithStates{
			Behavior: actor.NewBehavior(),
		},
	}
	act.Become(CtlStartingState{
		actor: act,
	})
	return act
}

func (state *ControllerActor) Receive(context actor.Context) {
	state.Behavior.Receive(context)
}

// Starting state

type CtlStartingState struct {
	ActorState
	actor *ControllerActor
}

func (state CtlStartingState) Name() string {
	return "starting"
}

func (state CtlStartingState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.actor.logger.Debug("controller@starting started")

		state.actor.scheduler = scheduler.NewTimerScheduler(ctx)
		state.actor.discovery = service.NewDiscovery(state.actor.config, state.actor.logger)

		trigger, err := statusscheduler.StatusTrigger(state.actor.config)
		if err != nil {
			state.actor.logger.Warn("controller@starting status log disabled", zap.Error(err))
		}
		state.actor.status = trigger
		state.actor.scheduleStatus(ctx)

		state.actor.openBus(ctx)

		state.actor.scheduler.RequestOnce(millis(state.actor.config.Discovery.FirstIntervalMillis), ctx.Self(), discoveryTick{})
		state.actor.Become(CtlDiscoveringState{
			actor: state.actor,
		})
		state.actor.stash.UnstashAll(ctx)
	case *actor.Restarting:
		state.actor.closeBus()
	default:
		state.actor.logger.Debug("controller@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.actor.stash.Stash(ctx, msg)
	}
}

// Discovering state

type CtlDiscoveringState struct {
	ActorState
	actor *ControllerActor
}

func (state CtlDiscoveringState) Name() string {
	return "discovering"
}

func (state CtlDiscoveringState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case busReady:
		if msg.Error != nil {
			// polls keep failing while the monitor is missing, until the stage ceiling is hit
			state.actor.logger.Error("controller@discovering bus monitor unavailable", zap.Error(msg.Error))
			return
		}
		state.actor.logger.Info("controller@discovering bus monitor ready")
		state.actor.bus = msg.Bus
	case discoveryTick:
		state.poll(ctx)
	case domain.EssControlRequest:
		state.actor.handleEssControl(ctx, msg, "")
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_CONTROLLER,
			Healthy: true,
			State:   fmt.Sprintf("%s@%s", state.Name(), state.actor.discovery.Stage()),
		})
	case domain.GetSnapshotRequest:
		ctx.Respond(domain.GetSnapshotResponse{
			ActorResponseMixIn: domain.ErrorResponse(errors.New("fleet discovery in progress")),
		})
	case domain.StatusLogTick:
		state.actor.logger.Info(fmt.Sprintf("discovery stage %s, trial %d",
			state.actor.discovery.Stage(), state.actor.discovery.Trials(state.actor.discovery.Stage())))
		state.actor.scheduleStatus(ctx)
	case *actor.Stopping:
		state.actor.closeBus()
	case *actor.Restarting:
		state.actor.closeBus()
	default:
		state.actor.logger.Debug("controller@discovering: recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state CtlDiscoveringState) poll(ctx actor.Context) {
	pollCtx, cancel := context.WithTimeout(context.Background(), cycleBudget)
	defer cancel()

	// a nil bus counts as a failed trial
	if _, err := state.actor.discovery.Poll(pollCtx, state.actor.bus); err != nil {
		state.actor.fatal(ctx, err)
		return
	}
	if !state.actor.discovery.Done() {
		state.actor.scheduler.RequestOnce(millis(state.actor.config.Discovery.IntervalMillis), ctx.Self(), discoveryTick{})
		return
	}

	fleet := state.actor.discovery.Fleet()
	state.actor.engine = service.NewEngine(state.actor.config, fleet, state.actor.bus,
		state.actor.services.Limits, state.actor.services.Counter, state.actor.services.Arbiter, state.actor.logger)
	state.actor.publisher.Publish([]any{domain.FleetDiscoveredEvent{
		Fleet:           fleet,
		CellsPerBattery: state.actor.config.Fleet.CellsPerBattery,
	}})
	state.actor.publishEssControl()

	state.actor.scheduler.RequestOnce(millis(state.actor.config.Options.UpdateIntervalMillis), ctx.Self(), cycleTick{})
	state.actor.Become(CtlRunningState{
		actor: state.actor,
	})
}

// Running state

type CtlRunningState struct {
	ActorState
	actor *ControllerActor
}

func (state CtlRunningState) Name() string {
	return "running"
}

func (state CtlRunningState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case cycleTick:
		state.tick(ctx)
	case domain.EssControlRequest:
		state.actor.handleEssControl(ctx, msg, state.actor.engine.Fleet().Settings)
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_CONTROLLER,
			Healthy: true,
			State:   state.Name(),
		})
	case domain.GetSnapshotRequest:
		if state.actor.snapshot == nil {
			ctx.Respond(domain.GetSnapshotResponse{
				ActorResponseMixIn: domain.ErrorResponse(errors.New("no cycle completed yet")),
			})
			return
		}
		ctx.Respond(domain.GetSnapshotResponse{
			Snapshot: state.actor.snapshot,
		})
	case domain.StatusLogTick:
		state.actor.logStatus()
		state.actor.scheduleStatus(ctx)
	case *actor.Stopping:
		state.actor.closeBus()
	case *actor.Restarting:
		state.actor.closeBus()
	default:
		state.actor.logger.Debug("controller@running: recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state CtlRunningState) tick(ctx actor.Context) {
	tickCtx, cancel := context.WithTimeout(context.Background(), cycleBudget)
	defer cancel()

	snap, err := state.actor.engine.Tick(tickCtx, time.Now())
	if err != nil {
		if service.IsFatal(err) {
			state.actor.fatal(ctx, err)
			return
		}
		state.actor.logger.Warn("controller@running cycle abandoned", zap.Error(err))
		state.actor.publisher.Publish([]any{domain.CycleFailedEvent{Error: err}})
	} else {
		state.actor.snapshot = snap
		updates := events.SnapshotToUpdateEvents(snap)
		state.actor.publisher.Publish(append(updates, domain.SnapshotPublishedEvent{Snapshot: snap}))
	}
	state.actor.scheduler.RequestOnce(millis(state.actor.config.Options.UpdateIntervalMillis), ctx.Self(), cycleTick{})
}

// Failed state

type CtlFailedState struct {
	ActorState
	actor *ControllerActor
	err   error
}

func (state CtlFailedState) Name() string {
	return "failed"
}

func (state CtlFailedState) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			ActorResponseMixIn: domain.ErrorResponse(state.err),
			Id:                 domain.ACTOR_ID_CONTROLLER,
			Healthy:            false,
			State:              state.Name(),
		})
	case domain.GetSnapshotRequest:
		ctx.Respond(domain.GetSnapshotResponse{
			ActorResponseMixIn: domain.ErrorResponse(state.err),
		})
	case *actor.Stopping:
		state.actor.closeBus()
	default:
		state.actor.logger.Debug("controller@failed: recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

// common

func (state *ControllerActor) openBus(ctx actor.Context) {
	self := ctx.Self()
	factory := state.busFactory
	NewBackgroundTask(ctx, func() (*busReady, error) {
		bus, err := factory()
		if err != nil {
			return nil, err
		}
		return &busReady{Bus: bus}, nil
	}).WithTimeout(10 * time.Second).Recover(func(err error) busReady {
		return busReady{Error: err}
	}).PipeTo(self)
}

func (state *ControllerActor) closeBus() {
	if closer, ok := state.bus.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			state.logger.Warn("controller: cannot close bus", zap.Error(err))
		}
	}
	state.bus = nil
}

func (state *ControllerActor) fatal(ctx actor.Context, err error) {
	state.logger.Error("controller: fatal error", zap.String("state", state.StateName()), zap.Error(err))
	ctx.Send(ctx.Parent(), domain.FatalErrorEvent{
		Source: domain.ACTOR_ID_CONTROLLER,
		Error:  err,
	})
	state.Become(CtlFailedState{
		actor: state,
		err:   err,
	})
}

func (state *ControllerActor) handleEssControl(ctx actor.Context, req domain.EssControlRequest, settings string) {
	arbiter := state.services.Arbiter
	switch cmd := req.(type) {
	case domain.EssSetActiveRequest:
		state.logger.Sugar().Debugf("controller: cmd ess active %d", cmd.Mode)
		opCtx, cancel := context.WithTimeout(context.Background(), state.busTimeout())
		err := arbiter.SetActive(opCtx, state.bus, settings, cmd.Mode)
		cancel()
		if err != nil {
			state.logger.Warn("controller: cannot change ESS mode", zap.Error(err))
		}
		ForRequest(req).Respond(ctx, domain.EssSetActiveResponse{
			EssControlResponseMixIn: domain.EssControlResponseMixIn{ActorResponseMixIn: domain.ErrorResponse(err)},
			Mode:                    arbiter.Active(),
		})
	case domain.EssSetSmoothFilterRequest:
		state.logger.Sugar().Debugf("controller: cmd ess smooth filter %.0f", cmd.Filter)
		err := arbiter.SetSmoothFilter(cmd.Filter)
		if err != nil {
			state.logger.Warn("controller: cannot change smoothing filter", zap.Error(err))
		}
		ForRequest(req).Respond(ctx, domain.EssSetSmoothFilterResponse{
			EssControlResponseMixIn: domain.EssControlResponseMixIn{ActorResponseMixIn: domain.ErrorResponse(err)},
			Filter:                  arbiter.SmoothFilter(),
		})
	}
	state.publishEssControl()
}

func (state *ControllerActor) publishEssControl() {
	arbiter := state.services.Arbiter
	state.publisher.Publish(events.EssControlUpdateEvents(arbiter.Active(), arbiter.SmoothFilter()))
}

func (state *ControllerActor) scheduleStatus(ctx actor.Context) {
	if state.status == nil {
		return
	}
	delay, err := statusscheduler.NextDelay(state.status, time.Now())
	if err != nil {
		state.logger.Warn("controller: cannot schedule status log", zap.Error(err))
		return
	}
	state.scheduler.RequestOnce(delay, ctx.Self(), domain.StatusLogTick{})
}

func (state *ControllerActor) logStatus() {
	snap := state.snapshot
	if snap == nil {
		state.logger.Info("no cycle completed yet")
		return
	}
	state.logger.Info(fmt.Sprintf("CVL: %s V, CCL: %s A, DCL: %s A",
		snap.Limits.ChargeVoltage, snap.Limits.ChargeCurrent, snap.Limits.DischargeCurrent))
	state.logger.Info(fmt.Sprintf("voltage: %s V, current: %s A, SoC: %s %%, charge: %.1f Ah",
		snap.Voltage, snap.Current, snap.Soc, state.services.Counter.Charge()))
	state.logger.Info(fmt.Sprintf("max cell: %s V (%s), min cell: %s V (%s)",
		snap.MaxCellVoltage, snap.MaxVoltageCellId, snap.MinCellVoltage, snap.MinVoltageCellId))
	state.logger.Info(fmt.Sprintf("balancing: %s, dynamic CVL: %s, ESS mode: %d",
		snap.Balancing, snap.DynamicCvl, state.services.Arbiter.Active()))
}

func (state *ControllerActor) busTimeout() time.Duration {
	if state.config.Bus.TimeoutMillis == 0 {
		return time.Second
	}
	return millis(state.config.Bus.TimeoutMillis)
}

func millis(ms uint32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
