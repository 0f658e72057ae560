package service

import (
	"context"
	"errors"
	"time"

	"github.com/berfenger/aggbatt2mqtt/internal/config"
	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/berfenger/aggbatt2mqtt/internal/core/port"
	"go.uber.org/zap"
)

// Engine runs one aggregation cycle: aggregation, limits, coulomb counting and setpoint arbitration.
type Engine struct {
	ownSoc     bool
	readTrials int
	fleet      domain.Fleet
	bus        port.TelemetryBus
	aggregator *Aggregator
	limits     *LimitController
	counter    *CoulombCounter
	arbiter    *SetpointArbiter
	failures   int
	logger     *zap.Logger
}

func NewEngine(cfg *config.Config, fleet domain.Fleet, bus port.TelemetryBus,
	limits *LimitController, counter *CoulombCounter, arbiter *SetpointArbiter, logger *zap.Logger) *Engine {
	return &Engine{
		ownSoc:     cfg.Options.OwnSoc,
		readTrials: cfg.Discovery.ReadTrials,
		fleet:      fleet,
		bus:        bus,
		aggregator: NewAggregator(cfg, logger),
		limits:     limits,
		counter:    counter,
		arbiter:    arbiter,
		logger:     logger,
	}
}

func (e *Engine) Arbiter() *SetpointArbiter {
	return e.arbiter
}

func (e *Engine) Fleet() domain.Fleet {
	return e.fleet
}

func (e *Engine) Failures() int {
	return e.failures
}

// Tick runs one cycle. A read error abandons the cycle and is returned as is until the number
// of consecutive failures exceeds the read ceiling, which is returned as a FatalError.
func (e *Engine) Tick(ctx context.Context, now time.Time) (*domain.Snapshot, error) {
	snap, err := e.aggregator.Aggregate(ctx, e.bus, e.fleet)
	if err != nil {
		e.failures++
		var readErr *ReadError
		if errors.As(err, &readErr) {
			e.logger.Warn("cycle: read failed",
				zap.String("battery", readErr.Battery),
				zap.String("path", readErr.Path),
				zap.Int("failures", e.failures),
				zap.Error(readErr.Err))
		}
		if e.failures > e.readTrials {
			return nil, fatalf(err, "cycle: %d consecutive read failures", e.failures)
		}
		return nil, err
	}
	e.failures = 0

	e.limits.Apply(ctx, e.bus, e.fleet.Settings, snap, e.counter, now)
	e.counter.Integrate(snap.Current, snap.InstalledCapacity, now)
	if e.ownSoc {
		e.counter.ApplyOwnSoc(snap, readOptional(ctx, e.bus, e.fleet.System, PATH_SYSTEM_LOW_SOC))
	}
	e.arbiter.Arbitrate(ctx, e.bus, e.fleet, snap)
	return snap, nil
}
