package dbus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	godbus "github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	BUS_ITEM_GET_VALUE = "com.victronenergy.BusItem.GetValue"
	BUS_ITEM_SET_VALUE = "com.victronenergy.BusItem.SetValue"
	LIST_NAMES         = "org.freedesktop.DBus.ListNames"
	ERROR_SERVICE      = "org.freedesktop.DBus.Error.ServiceUnknown"
	ERROR_OBJECT       = "org.freedesktop.DBus.Error.UnknownObject"
	ERROR_METHOD       = "org.freedesktop.DBus.Error.UnknownMethod"
)

// Monitor reads and writes Victron BusItem properties over D-Bus.
type Monitor struct {
	conn    *godbus.Conn
	timeout time.Duration
	logger  *zap.Logger
}

// Connect opens the session bus when DBUS_SESSION_BUS_ADDRESS is set, the system bus otherwise.
func Connect(timeout time.Duration, logger *zap.Logger) (*Monitor, error) {
	var conn *godbus.Conn
	var err error
	if os.Getenv("DBUS_SESSION_BUS_ADDRESS") != "" {
		logger.Info("dbus: using session bus")
		conn, err = godbus.SessionBus()
	} else {
		logger.Info("dbus: using system bus")
		conn, err = godbus.SystemBus()
	}
	if err != nil {
		return nil, fmt.Errorf("cannot connect to dbus: %w", err)
	}
	return &Monitor{conn: conn, timeout: timeout, logger: logger}, nil
}

func (m *Monitor) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.timeout)
}

func (m *Monitor) ListNames(ctx context.Context) ([]string, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	var names []string
	err := m.conn.BusObject().CallWithContext(ctx, LIST_NAMES, 0).Store(&names)
	if err != nil {
		return nil, fmt.Errorf("cannot list dbus names: %w", err)
	}
	return names, nil
}

func (m *Monitor) Get(ctx context.Context, device string, path string) (domain.Value, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	call := m.conn.Object(device, godbus.ObjectPath(path)).CallWithContext(ctx, BUS_ITEM_GET_VALUE, 0)
	if call.Err != nil {
		if isUnknown(call.Err) {
			return domain.Absent, nil
		}
		return domain.Absent, fmt.Errorf("GetValue %s%s: %w", device, path, call.Err)
	}
	if len(call.Body) == 0 {
		return domain.Absent, nil
	}
	return DecodeValue(call.Body[0]), nil
}

func (m *Monitor) Set(ctx context.Context, device string, path string, value any) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	var result int32
	err := m.conn.Object(device, godbus.ObjectPath(path)).
		CallWithContext(ctx, BUS_ITEM_SET_VALUE, 0, godbus.MakeVariant(value)).
		Store(&result)
	if err != nil {
		return fmt.Errorf("SetValue %s%s: %w", device, path, err)
	}
	if result != 0 {
		return fmt.Errorf("SetValue %s%s: rejected with code %d", device, path, result)
	}
	m.logger.Debug("dbus: value set", zap.String("service", device), zap.String("path", path), zap.Any("value", value))
	return nil
}

func (m *Monitor) Close() error {
	return m.conn.Close()
}

// DecodeValue unwraps a GetValue reply. Victron publishes an empty array for invalid values.
func DecodeValue(raw any) domain.Value {
	if v, ok := raw.(godbus.Variant); ok {
		raw = v.Value()
	}
	if raw == nil {
		return domain.Absent
	}
	rv := reflect.ValueOf(raw)
	if rv.Kind() == reflect.Slice && rv.Len() == 0 {
		return domain.Absent
	}
	return domain.NewValue(raw)
}

// isUnknown reports whether err means the service or the path does not exist.
func isUnknown(err error) bool {
	var name string
	var dbusErr godbus.Error
	var dbusErrPtr *godbus.Error
	switch {
	case errors.As(err, &dbusErr):
		name = dbusErr.Name
	case errors.As(err, &dbusErrPtr):
		name = dbusErrPtr.Name
	default:
		return false
	}
	return name == ERROR_SERVICE || name == ERROR_OBJECT || name == ERROR_METHOD
}
