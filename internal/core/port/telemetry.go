package port

import (
	"context"

	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
)

// TelemetrySource reads properties of remote devices. Unknown devices or paths yield an absent
// value; only transport failures are returned as errors.
type TelemetrySource interface {
	ListNames(ctx context.Context) ([]string, error)
	Get(ctx context.Context, device string, path string) (domain.Value, error)
}

// TelemetryWriter sets control properties of remote devices.
type TelemetryWriter interface {
	Set(ctx context.Context, device string, path string, value any) error
}

type TelemetryBus interface {
	TelemetrySource
	TelemetryWriter
}

type ChargeStore interface {
	LoadCharge() (float64, error)
	SaveCharge(charge float64) error
}

type BalancingDayStore interface {
	LoadLastBalancingDay() (int, error)
	SaveLastBalancingDay(day int) error
}

// Publisher hands converted sensor updates and lifecycle events to the outer world.
type Publisher interface {
	Publish(events []any)
}
