package modbus

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/berfenger/aggbatt2mqtt/internal/config"
	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/berfenger/aggbatt2mqtt/pkg/gxmodbus"
	"github.com/simonvetter/modbus"
	"go.uber.org/zap"
)

type registerIO interface {
	Read(unitId uint8, reg gxmodbus.Register) (any, error)
	Write(unitId uint8, reg gxmodbus.Register, value any) error
}

type device struct {
	unitId    uint8
	registers map[string]gxmodbus.Register
}

// Bus exposes a static register map as telemetry services. Each configured device is one
// advertised name; each register is one property path.
type Bus struct {
	io      registerIO
	devices map[string]device
	names   []string
	logger  *zap.Logger
}

func NewBus(io registerIO, devices []config.ModbusDeviceConfig, logger *zap.Logger) *Bus {
	bus := &Bus{
		io:      io,
		devices: map[string]device{},
		logger:  logger,
	}
	for _, d := range devices {
		dev := device{unitId: d.UnitId, registers: map[string]gxmodbus.Register{}}
		for _, r := range d.Registers {
			dev.registers[r.Path] = gxmodbus.Register{
				Address: r.Address,
				Type:    r.Type,
				Size:    r.Size,
				Scale:   r.Scale,
				Input:   r.Input,
			}
		}
		bus.devices[d.Name] = dev
		bus.names = append(bus.names, d.Name)
	}
	sort.Strings(bus.names)
	return bus
}

func (b *Bus) lookup(name, path string) (device, gxmodbus.Register, bool) {
	dev, ok := b.devices[name]
	if !ok {
		return device{}, gxmodbus.Register{}, false
	}
	reg, ok := dev.registers[path]
	return dev, reg, ok
}

func (b *Bus) ListNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]string(nil), b.names...), nil
}

func (b *Bus) Get(ctx context.Context, name string, path string) (domain.Value, error) {
	if err := ctx.Err(); err != nil {
		return domain.Absent, err
	}
	dev, reg, ok := b.lookup(name, path)
	if !ok {
		return domain.Absent, nil
	}
	v, err := b.io.Read(dev.unitId, reg)
	if err != nil {
		if isAbsent(err) {
			return domain.Absent, nil
		}
		return domain.Absent, fmt.Errorf("read %s%s (unit %d, register %d): %w", name, path, dev.unitId, reg.Address, err)
	}
	return domain.NewValue(v), nil
}

func (b *Bus) Set(ctx context.Context, name string, path string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dev, reg, ok := b.lookup(name, path)
	if !ok {
		return fmt.Errorf("no register mapped for %s%s", name, path)
	}
	if err := b.io.Write(dev.unitId, reg, value); err != nil {
		return fmt.Errorf("write %s%s (unit %d, register %d): %w", name, path, dev.unitId, reg.Address, err)
	}
	b.logger.Debug("modbus: value set", zap.String("service", name), zap.String("path", path), zap.Any("value", value))
	return nil
}

// the GX answers these for services that are not connected
func isAbsent(err error) bool {
	return errors.Is(err, modbus.ErrIllegalDataAddress) || errors.Is(err, modbus.ErrGWTargetFailedToRespond)
}

// Close closes the underlying connection when it supports it.
func (b *Bus) Close() error {
	if closer, ok := b.io.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
