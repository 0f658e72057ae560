package service

import (
	"math"
	"time"

	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/berfenger/aggbatt2mqtt/internal/core/port"
	"go.uber.org/zap"
)

// CoulombCounter integrates the battery current into the remaining charge in Ah.
type CoulombCounter struct {
	store       port.ChargeStore
	efficiency  float64
	precision   float64
	charge      float64
	lastWritten float64
	lastTick    time.Time
	logger      *zap.Logger
}

func NewCoulombCounter(store port.ChargeStore, initial, efficiency, precision float64, logger *zap.Logger) *CoulombCounter {
	if efficiency <= 0 {
		efficiency = 1
	}
	return &CoulombCounter{
		store:       store,
		efficiency:  efficiency,
		precision:   precision,
		charge:      math.Max(0, initial),
		lastWritten: initial,
		logger:      logger,
	}
}

func (c *CoulombCounter) Charge() float64 {
	return c.charge
}

// Reset overwrites the charge estimate, e.g. when the pack is known to be full or empty.
func (c *CoulombCounter) Reset(charge float64) {
	c.charge = math.Max(0, charge)
}

// Integrate adds current × elapsed time since the previous tick. Charging current is scaled by
// the battery efficiency. The result is clamped to [0, installed] and persisted when it moved by
// at least precision × installed since the last write.
func (c *CoulombCounter) Integrate(current, installed domain.Reading, now time.Time) {
	last := c.lastTick
	c.lastTick = now
	if last.IsZero() || !current.Valid || !installed.Valid {
		return
	}
	hours := now.Sub(last).Hours()
	if hours < 0 {
		hours = 0
	}
	delta := current.Value * hours
	if current.Value > 0 {
		delta *= c.efficiency
	}
	c.charge = math.Min(math.Max(c.charge+delta, 0), math.Max(installed.Value, 0))

	if math.Abs(c.charge-c.lastWritten) >= c.precision*installed.Value {
		if err := c.store.SaveCharge(c.charge); err != nil {
			c.logger.Error("coulomb: cannot save charge", zap.Error(err))
			return
		}
		c.lastWritten = c.charge
	}
}

// ApplyOwnSoc overwrites the fleet reported charge fields with the counter state. lowSoc is the
// system low SoC flag; time to go is only defined while it reads 0 and the pack discharges.
func (c *CoulombCounter) ApplyOwnSoc(snap *domain.Snapshot, lowSoc domain.Reading) {
	charge := domain.Some(c.charge)
	snap.Capacity = charge
	snap.Soc = divide(multiply(domain.Some(100), charge), snap.InstalledCapacity)
	snap.ConsumedAmphours = subtract(snap.InstalledCapacity, charge)
	snap.TimeToGo = domain.Missing
	if lowSoc.Valid && lowSoc.Value == 0 && snap.Current.Valid && snap.Current.Value < 0 {
		snap.TimeToGo = domain.Some(-3600 * c.charge / snap.Current.Value)
	}
}
