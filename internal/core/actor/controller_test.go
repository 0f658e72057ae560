package actor

import (
	"testing"
	"time"

	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/berfenger/aggbatt2mqtt/internal/core/service"
	"github.com/berfenger/aggbatt2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestControllerFlow(t *testing.T) {

	logger := zap.Must(zap.NewDevelopment())

	as := actorutil.NewActorSystemWithZapLogger(logger)

	context := as.Root

	cfg := testConfig()
	bus := newTestBus()
	publisher := &recordingPublisher{}
	services := testServices(&cfg, logger)

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewControllerActor(&cfg, busFactory(bus), services, publisher, logger)
	})
	pid := context.Spawn(props)

	time.Sleep(1 * time.Second)

	hcr, err := healthCheck(context, pid)
	require.NoError(t, err)
	assert.True(t, hcr.Healthy, "actor should be healthy")
	assert.Equal(t, "running", hcr.State, "actor state should be running")

	assert.Equal(t, 1, publisher.count(func(e any) bool {
		_, ok := e.(domain.FleetDiscoveredEvent)
		return ok
	}))
	assert.Positive(t, publisher.count(func(e any) bool {
		_, ok := e.(domain.SnapshotPublishedEvent)
		return ok
	}))
	assert.Positive(t, publisher.count(func(e any) bool {
		f, ok := e.(domain.FloatSensorUpdateEvent)
		return ok && f.Id == "dc_0_voltage"
	}))

	res, err := context.RequestFuture(pid, domain.GetSnapshotRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	snapResp, ok := res.(domain.GetSnapshotResponse)
	require.True(t, ok)
	require.False(t, snapResp.HasResponseError())
	assert.InDelta(t, 13.25, snapResp.Snapshot.Voltage.Value, 1e-9)
	assert.InDelta(t, 6, snapResp.Snapshot.Current.Value, 1e-9)
	assert.Equal(t, testCells, snapResp.Snapshot.CellsPerBattery)

	// ESS mode change switches the Hub4 mode of the settings service
	res, err = context.RequestFuture(pid, domain.EssSetActiveRequest{Mode: service.ESS_MODE_NO_DISCHARGE}, 2*time.Second).Result()
	require.NoError(t, err)
	essResp, ok := res.(domain.EssSetActiveResponse)
	require.True(t, ok)
	assert.False(t, essResp.HasResponseError())
	assert.Equal(t, service.ESS_MODE_NO_DISCHARGE, essResp.Mode)
	assert.Equal(t, []any{int32(service.HUB4_MODE_EXTERNAL_CONTROL)}, bus.Writes(settingsSvc, service.PATH_SETTINGS_HUB4_MODE))

	// invalid modes are rejected and the current mode kept
	res, err = context.RequestFuture(pid, domain.EssSetActiveRequest{Mode: 9}, 2*time.Second).Result()
	require.NoError(t, err)
	essResp = res.(domain.EssSetActiveResponse)
	assert.True(t, essResp.HasResponseError())
	assert.Equal(t, service.ESS_MODE_NO_DISCHARGE, essResp.Mode)

	res, err = context.RequestFuture(pid, domain.EssSetSmoothFilterRequest{Filter: 10}, 2*time.Second).Result()
	require.NoError(t, err)
	filterResp := res.(domain.EssSetSmoothFilterResponse)
	assert.Equal(t, 10.0, filterResp.Filter)
	assert.Equal(t, 10.0, services.Arbiter.SmoothFilter())

	// the arbiter writes the no-discharge setpoint on the next cycles
	time.Sleep(500 * time.Millisecond)
	assert.NotEmpty(t, bus.Writes(inverterSvc, service.PATH_HUB4_AC_POWER_SETPOINT))

	context.Stop(pid)

	time.Sleep(200 * time.Millisecond)

	as.Shutdown()
}

func TestControllerDiscoveringWithoutBus(t *testing.T) {

	logger := zap.Must(zap.NewDevelopment())

	as := actorutil.NewActorSystemWithZapLogger(logger)

	context := as.Root

	cfg := testConfig()
	cfg.Discovery.FirstIntervalMillis = 10000
	publisher := &recordingPublisher{}

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewControllerActor(&cfg, busFactory(newTestBus()), testServices(&cfg, logger), publisher, logger)
	})
	pid := context.Spawn(props)

	time.Sleep(200 * time.Millisecond)

	hcr, err := healthCheck(context, pid)
	require.NoError(t, err)
	assert.True(t, hcr.Healthy)
	assert.Equal(t, "discovering@settings", hcr.State)

	res, err := context.RequestFuture(pid, domain.GetSnapshotRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	snapResp := res.(domain.GetSnapshotResponse)
	assert.True(t, snapResp.HasResponseError())
	assert.Nil(t, snapResp.Snapshot)

	context.Stop(pid)

	time.Sleep(200 * time.Millisecond)

	as.Shutdown()
}
