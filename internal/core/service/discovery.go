package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/berfenger/aggbatt2mqtt/internal/config"
	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/berfenger/aggbatt2mqtt/internal/core/port"
	"go.uber.org/zap"
)

const PATH_CELLS_PER_BATTERY = "/System/NrOfCellsPerBattery"

type DiscoveryStage int

const (
	STAGE_SETTINGS DiscoveryStage = iota
	STAGE_BATTERIES
	STAGE_INVERTER
	STAGE_MPPTS
	STAGE_GRID
	STAGE_DONE
)

func (s DiscoveryStage) String() string {
	switch s {
	case STAGE_SETTINGS:
		return "settings"
	case STAGE_BATTERIES:
		return "batteries"
	case STAGE_INVERTER:
		return "inverter"
	case STAGE_MPPTS:
		return "mppts"
	case STAGE_GRID:
		return "grid"
	case STAGE_DONE:
		return "done"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Discovery searches the bus for every device role, one stage at a time. Each stage keeps its own
// trial counter; a stage that fails with its counter at the ceiling is fatal.
type Discovery struct {
	cfg    config.DiscoveryConfig
	fleet  config.FleetConfig
	logger *zap.Logger
	stage  DiscoveryStage
	trials [STAGE_DONE]int
	found  domain.Fleet
}

func NewDiscovery(cfg *config.Config, logger *zap.Logger) *Discovery {
	return &Discovery{
		cfg:    cfg.Discovery,
		fleet:  cfg.Fleet,
		logger: logger,
		stage:  STAGE_SETTINGS,
	}
}

func (d *Discovery) Stage() DiscoveryStage {
	return d.stage
}

func (d *Discovery) Done() bool {
	return d.stage == STAGE_DONE
}

func (d *Discovery) Trials(stage DiscoveryStage) int {
	if stage < 0 || stage >= STAGE_DONE {
		return 0
	}
	return d.trials[stage]
}

// Fleet returns the devices found so far.
func (d *Discovery) Fleet() domain.Fleet {
	return d.found
}

// Poll runs the current stage once. It returns true when the stage completed; Stage then reports
// the next one. A nil source means the bus monitor is not ready and counts as a failed trial.
func (d *Discovery) Poll(ctx context.Context, source port.TelemetrySource) (bool, error) {
	if d.Done() {
		return true, nil
	}
	if source == nil {
		return false, d.fail(ErrNoMonitor)
	}
	names, err := source.ListNames(ctx)
	if err != nil {
		return false, d.fail(err)
	}
	sort.Strings(names)

	var ok bool
	switch d.stage {
	case STAGE_SETTINGS:
		ok = d.pollSettings(names)
	case STAGE_BATTERIES:
		ok, err = d.pollBatteries(ctx, source, names)
		if err != nil {
			return false, err
		}
	case STAGE_INVERTER:
		ok = d.pollSingle(names, d.cfg.InverterKeyword, &d.found.Inverter)
	case STAGE_MPPTS:
		ok = d.pollMppts(names)
	case STAGE_GRID:
		ok = d.pollSingle(names, d.cfg.GridKeyword, &d.found.Grid)
	}
	if !ok {
		return false, d.fail(nil)
	}
	d.advance()
	return true, nil
}

func (d *Discovery) fail(cause error) error {
	stage := d.stage
	if d.trials[stage] >= d.cfg.SearchTrials {
		return fatalf(cause, "discovery@%s: no device found after %d trials", stage, d.trials[stage])
	}
	d.trials[stage]++
	if cause != nil {
		d.logger.Debug(fmt.Sprintf("discovery@%s: trial %d failed", stage, d.trials[stage]), zap.Error(cause))
	} else {
		d.logger.Debug(fmt.Sprintf("discovery@%s: trial %d failed", stage, d.trials[stage]))
	}
	return nil
}

func (d *Discovery) advance() {
	d.logger.Info(fmt.Sprintf("discovery@%s: stage complete", d.stage))
	d.stage++
	if d.stage == STAGE_MPPTS && d.fleet.Mppts == 0 {
		d.stage++
	}
	if d.stage == STAGE_DONE {
		d.found.System = d.cfg.SystemService
		d.logger.Info("discovery: all devices found",
			zap.Int("batteries", len(d.found.Batteries)),
			zap.Bool("shunt", d.found.HasShunt()),
			zap.Int("mppts", len(d.found.Mppts)))
	}
}

func (d *Discovery) pollSettings(names []string) bool {
	return d.pollSingle(names, d.cfg.SettingsService, &d.found.Settings)
}

func (d *Discovery) pollSingle(names []string, keyword string, target *string) bool {
	for _, name := range names {
		if strings.Contains(name, keyword) {
			*target = name
			return true
		}
	}
	return false
}

func (d *Discovery) pollMppts(names []string) bool {
	var mppts []string
	for _, name := range names {
		if strings.Contains(name, d.cfg.MpptKeyword) {
			mppts = append(mppts, name)
		}
	}
	if len(mppts) != d.fleet.Mppts {
		d.logger.Debug(fmt.Sprintf("discovery@mppts: found %d of %d", len(mppts), d.fleet.Mppts))
		return false
	}
	d.found.Mppts = mppts
	return true
}

func (d *Discovery) pollBatteries(ctx context.Context, source port.TelemetrySource, names []string) (bool, error) {
	var batteries []domain.BatteryRole
	shunt := ""
	taken := map[string]bool{}
	for _, name := range names {
		if !strings.Contains(name, d.cfg.BatteryService) {
			continue
		}
		product, err := source.Get(ctx, name, d.cfg.BatteryProductPath)
		if err != nil {
			d.logger.Debug("discovery@batteries: cannot read product name", zap.String("service", name), zap.Error(err))
			continue
		}
		productName, _ := product.Text()
		if d.cfg.ShuntProductName != "" && strings.Contains(productName, d.cfg.ShuntProductName) {
			shunt = name
			continue
		}
		if !strings.Contains(productName, d.cfg.BatteryProductName) {
			continue
		}

		k := len(batteries) + 1
		displayName := fmt.Sprintf("Battery%d", k)
		if custom, err := source.Get(ctx, name, d.cfg.BatteryInstancePath); err == nil {
			if text, ok := custom.Text(); ok && strings.TrimSpace(text) != "" {
				displayName = strings.TrimSpace(text)
			}
		}
		displayName = uniqueName(displayName, k, taken)

		cellsValue, err := source.Get(ctx, name, PATH_CELLS_PER_BATTERY)
		if err != nil {
			d.logger.Debug("discovery@batteries: cannot read cell count", zap.String("service", name), zap.Error(err))
			continue
		}
		cells, ok := cellsValue.Float()
		if !ok {
			d.logger.Debug("discovery@batteries: cell count not yet published", zap.String("service", name))
			continue
		}
		if int(cells) != d.fleet.CellsPerBattery {
			return false, fatalf(nil, "discovery@batteries: %s (%s) reports %d cells, expected %d",
				displayName, name, int(cells), d.fleet.CellsPerBattery)
		}

		taken[displayName] = true
		batteries = append(batteries, domain.BatteryRole{Name: displayName, Service: name, Cells: int(cells)})
	}

	if len(batteries) != d.fleet.Batteries {
		d.logger.Debug(fmt.Sprintf("discovery@batteries: found %d of %d", len(batteries), d.fleet.Batteries))
		return false, nil
	}
	for _, b := range batteries {
		d.logger.Info("discovery@batteries: battery found", zap.String("name", b.Name), zap.String("service", b.Service))
	}
	if shunt != "" {
		d.logger.Info("discovery@batteries: shunt found", zap.String("service", shunt))
	}
	d.found.Batteries = batteries
	d.found.Shunt = shunt
	return true, nil
}

// uniqueName appends the lowest free numeric suffix, starting at k, to a name that is already taken.
func uniqueName(name string, k int, taken map[string]bool) string {
	if !taken[name] {
		return name
	}
	for n := k; ; n++ {
		candidate := fmt.Sprintf("%s%d", name, n)
		if !taken[candidate] {
			return candidate
		}
	}
}
