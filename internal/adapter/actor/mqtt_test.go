package actor

import (
	"sync"
	"testing"
	"time"

	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/berfenger/aggbatt2mqtt/internal/mqtt"
	"github.com/berfenger/aggbatt2mqtt/internal/util"
	"github.com/berfenger/aggbatt2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type recordedMessage struct {
	payload string
	retain  bool
}

type recorder struct {
	mu       sync.Mutex
	messages map[string]recordedMessage
}

func newRecorder() *recorder {
	return &recorder{messages: map[string]recordedMessage{}}
}

func (r *recorder) sink(topic, payload string, retain bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[topic] = recordedMessage{payload: payload, retain: retain}
}

func (r *recorder) get(topic string) (recordedMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.messages[topic]
	return msg, ok
}

func TestMQTTActor(t *testing.T) {

	cfg := util.LoadTestConfig()

	logger := zap.Must(zap.NewDevelopment())

	as := actorutil.NewActorSystemWithZapLogger(logger)

	context := as.Root

	es := &eventstream.EventStream{}
	rec := newRecorder()

	props := actor.PropsFromProducer(func() actor.Actor { return NewTestMQTTActor(&cfg, es, rec.sink, logger) })
	pid := context.Spawn(props)

	time.Sleep(500 * time.Millisecond)

	msg := domain.ActorHealthRequest{}
	result, err := context.RequestFuture(pid, msg, 2*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	resp, ok := result.(domain.ActorHealthResponse)
	assert.True(t, ok)
	assert.True(t, resp.Healthy)

	es.Publish(domain.FloatSensorUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "dc_0_voltage"},
		Value:                  52.1234,
		Decimals:               2,
	})
	es.Publish(domain.UnknownSensorUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "dc_0_current"},
	})
	es.Publish(domain.InputNumberSensorUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: domain.INPUT_NUMBER_ID_ESS_ACTIVE},
		Value:                  3,
	})
	// not a sensor update
	es.Publish(domain.StatusLogTick{})

	time.Sleep(500 * time.Millisecond)

	voltage, ok := rec.get("aggbatt/sensor/dc_0_voltage/state")
	assert.True(t, ok)
	assert.Equal(t, "52.12", voltage.payload)
	assert.False(t, voltage.retain)

	current, ok := rec.get("aggbatt/sensor/dc_0_current/state")
	assert.True(t, ok)
	assert.Equal(t, mqtt.MQTT_PAYLOAD_UNKNOWN, current.payload)

	active, ok := rec.get("aggbatt/number/ess_active/state")
	assert.True(t, ok)
	assert.Equal(t, "3", active.payload)
	assert.True(t, active.retain)

	context.Send(pid, domain.PublishDiscoveryRequest{
		InputNumbers: domain.EssInputNumbers(domain.Device{Id: "aggbatt_battery"}),
	})

	time.Sleep(500 * time.Millisecond)

	discovery, ok := rec.get("homeassistant/number/aggbatt_battery/ess_smooth_filter/config")
	assert.True(t, ok)
	assert.True(t, discovery.retain)
	assert.Contains(t, discovery.payload, `"command_topic":"aggbatt/number/ess_smooth_filter/set"`)

	context.Stop(pid)

	time.Sleep(500 * time.Millisecond)

	as.Shutdown()
}

func TestEvent2MQTTMessage(t *testing.T) {
	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	act := NewTestMQTTActor(&cfg, nil, nil, zap.NewNop())
	act.client = mqtt.CreateMQTTClient(&cfg, mqtt.OptsFromConfig(&cfg), nil, nil)

	msg := act.event2MQTTMessage(domain.BinarySensorUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "charging"},
		Value:                  true,
	})
	assert.Equal("aggbatt/binary_sensor/charging/state", msg.topic)
	assert.Equal(mqtt.MQTT_PAYLOAD_ON, msg.message)

	msg = act.event2MQTTMessage(domain.TextSensorUpdateEvent{
		SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{Id: "info_charge_mode"},
		Value:                  "Bulk",
	})
	assert.Equal("aggbatt/sensor/info_charge_mode/state", msg.topic)
	assert.Equal("Bulk", msg.message)

	msg = act.event2MQTTMessage(domain.BridgeStateUpdateEvent{Value: false})
	assert.Equal("aggbatt/bridge/state", msg.topic)
	assert.Equal(mqtt.MQTT_PAYLOAD_OFFLINE, msg.message)

	assert.Nil(act.event2MQTTMessage(domain.StatusLogTick{}))
}
