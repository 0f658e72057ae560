package membus

import (
	"context"
	"sort"
	"sync"

	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
)

type Write struct {
	Device string
	Path   string
	Value  any
}

// Bus is an in-memory telemetry bus for tests.
type Bus struct {
	mu       sync.Mutex
	devices  map[string]map[string]any
	failures map[string]error
	listErr  error
	writes   []Write
}

func New() *Bus {
	return &Bus{
		devices:  map[string]map[string]any{},
		failures: map[string]error{},
	}
}

func key(device, path string) string {
	return device + path
}

// AddDevice advertises device with the given properties.
func (b *Bus) AddDevice(device string, values map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	props, ok := b.devices[device]
	if !ok {
		props = map[string]any{}
		b.devices[device] = props
	}
	for path, v := range values {
		props[path] = v
	}
}

func (b *Bus) RemoveDevice(device string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, device)
}

func (b *Bus) Put(device, path string, value any) {
	b.AddDevice(device, map[string]any{path: value})
}

func (b *Bus) Delete(device, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices[device], path)
}

// Fail makes reads of device+path return err until Heal is called.
func (b *Bus) Fail(device, path string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[key(device, path)] = err
}

func (b *Bus) Heal(device, path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, key(device, path))
}

func (b *Bus) FailList(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listErr = err
}

// Writes returns every value written to device+path, oldest first.
func (b *Bus) Writes(device, path string) []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var values []any
	for _, w := range b.writes {
		if w.Device == device && w.Path == path {
			values = append(values, w.Value)
		}
	}
	return values
}

func (b *Bus) ListNames(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	names := make([]string, 0, len(b.devices))
	for name := range b.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *Bus) Get(ctx context.Context, device string, path string) (domain.Value, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.failures[key(device, path)]; ok {
		return domain.Absent, err
	}
	props, ok := b.devices[device]
	if !ok {
		return domain.Absent, nil
	}
	return domain.NewValue(props[path]), nil
}

func (b *Bus) Set(ctx context.Context, device string, path string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err, ok := b.failures[key(device, path)]; ok {
		return err
	}
	b.writes = append(b.writes, Write{Device: device, Path: path, Value: value})
	if props, ok := b.devices[device]; ok {
		props[path] = value
	}
	return nil
}
