package mqtt

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/berfenger/aggbatt2mqtt/internal/util"

	"github.com/stretchr/testify/assert"
)

func TestInputNumberCommandParse(t *testing.T) {

	assert := assert.New(t)

	baseTopic := "loremTopic"
	topic := "loremTopic/number/ess_active/set"
	r := inputNumberCommandExtractor(baseTopic)
	matches := r.FindAllStringSubmatch(topic, 1)

	assert.Equal("ess_active", matches[0][1], "number_id extract")
}

func TestInputNumberCommandParseFail(t *testing.T) {

	assert := assert.New(t)

	baseTopic := "loremTopic"
	r := inputNumberCommandExtractor(baseTopic)

	for _, topic := range []string{
		"loremTopic/switch/number_name/command",
		"loremTopic/number/number_name/state",
		"other/loremTopic/number/number_name/set",
	} {
		matches := r.FindAllStringSubmatch(topic, 1)
		assert.Equal(0, len(matches), topic)
	}
}

func TestParseInputNumberCommand(t *testing.T) {
	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	client := CreateMQTTClient(&cfg, OptsFromConfig(&cfg), nil, nil)

	cmd, err := client.parseInputNumberCommand("aggbatt/number/ess_active/set", []byte(" 3\n"))
	assert.NoError(err)
	assert.Equal(&ParsedMQTTCommand{DeviceId: domain.INPUT_NUMBER_ID_ESS_ACTIVE, Command: "number", Payload: "3"}, cmd)

	cmd, err = client.parseInputNumberCommand("aggbatt/number/ess_smooth_filter/set", []byte("120.5"))
	assert.NoError(err)
	assert.Equal("120.5", cmd.Payload)
}

func TestParseInputNumberCommandRejects(t *testing.T) {
	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	client := CreateMQTTClient(&cfg, OptsFromConfig(&cfg), nil, nil)

	for _, tc := range []struct {
		topic   string
		payload string
	}{
		{"aggbatt/sensor/dc_0_voltage/state", "52.1"},
		{"aggbatt/number/ess_active/state", "1"},
		{"aggbatt/number/other_number/set", "1"},
		{"aggbatt/number/ess_active/set", "on"},
		{"aggbatt/number/ess_active/set", "NaN"},
		{"aggbatt/number/ess_smooth_filter/set", "+Inf"},
		{"aggbatt/number/ess_smooth_filter/set", ""},
	} {
		cmd, err := client.parseInputNumberCommand(tc.topic, []byte(tc.payload))
		assert.Error(err, tc.topic+" "+tc.payload)
		assert.Nil(cmd, tc.topic+" "+tc.payload)
	}
}

func TestSensorUpdateMessage(t *testing.T) {
	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	client := CreateMQTTClient(&cfg, OptsFromConfig(&cfg), nil, nil)

	id := func(id string) domain.SensorUpdateEventMixIn {
		return domain.SensorUpdateEventMixIn{Id: id}
	}

	assert.Equal(&Message{Topic: "aggbatt/sensor/dc_0_voltage/state", Payload: "52.14"},
		client.SensorUpdateMessage(domain.FloatSensorUpdateEvent{SensorUpdateEventMixIn: id("dc_0_voltage"), Value: 52.1357, Decimals: 2}))
	assert.Equal(&Message{Topic: "aggbatt/sensor/dc_0_current/state", Payload: MQTT_PAYLOAD_UNKNOWN},
		client.SensorUpdateMessage(domain.UnknownSensorUpdateEvent{SensorUpdateEventMixIn: id("dc_0_current")}))
	assert.Equal(&Message{Topic: "aggbatt/binary_sensor/allow_to_charge/state", Payload: "on"},
		client.SensorUpdateMessage(domain.BinarySensorUpdateEvent{SensorUpdateEventMixIn: id("allow_to_charge"), Value: true}))
	assert.Equal(&Message{Topic: "aggbatt/number/ess_active/state", Payload: "2", Retain: true},
		client.SensorUpdateMessage(domain.InputNumberSensorUpdateEvent{SensorUpdateEventMixIn: id("ess_active"), Value: 2}))
	assert.Equal(&Message{Topic: "aggbatt/sensor/charge_mode/state", Payload: "Balancing"},
		client.SensorUpdateMessage(domain.TextSensorUpdateEvent{SensorUpdateEventMixIn: id("charge_mode"), Value: "Balancing"}))
	assert.Equal(&Message{Topic: "aggbatt/bridge/state", Payload: "offline", Retain: true},
		client.SensorUpdateMessage(domain.BridgeStateUpdateEvent{Value: false}))
}

func TestFormatDecimals(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("3", FormatDecimals(3.4, 0))
	assert.Equal("3.400", FormatDecimals(3.4, 3))
	assert.Equal(MQTT_PAYLOAD_UNKNOWN, FormatDecimals(math.NaN(), 2))
	assert.Equal(MQTT_PAYLOAD_UNKNOWN, FormatDecimals(math.Inf(-1), 2))
	assert.Equal("off", OnOffPayload(false))
}

func TestCommandTopics(t *testing.T) {
	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	client := CreateMQTTClient(&cfg, OptsFromConfig(&cfg), nil, nil)

	assert.Equal("aggbatt/bridge/state", client.BridgeStateTopic())
	assert.Equal("aggbatt/sensor/dc_0_voltage/state", client.SensorStateTopic("dc_0_voltage"))
	assert.Equal("aggbatt/number/ess_active/state", client.InputNumberStateTopic(domain.INPUT_NUMBER_ID_ESS_ACTIVE))
	assert.Equal("aggbatt/number/ess_active/set", client.InputNumberCommandTopic(domain.INPUT_NUMBER_ID_ESS_ACTIVE))
	assert.Equal("aggbatt/number/+/set", client.commandTopic())
}

func TestSensorDiscoveryMessage(t *testing.T) {
	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	client := CreateMQTTClient(&cfg, OptsFromConfig(&cfg), nil, nil)

	precision := uint(2)
	sensor := domain.GenericSensor{
		Device:            domain.Device{Id: "aggbatt_battery", Name: "Virtual battery"},
		Id:                "dc_0_voltage",
		SensorType:        domain.SENSOR_TYPE_SENSOR,
		Name:              "Voltage",
		UniqueId:          "aggbatt_battery_dc_0_voltage",
		UnitOfMeasurement: "V",
		StateClass:        "measurement",
		DeviceClass:       "voltage",
		Precision:         &precision,
	}
	msg := GenericSensorToHADiscoveryMessage(client, sensor)
	assert.Equal("aggbatt/sensor/dc_0_voltage/state", msg.StateTopic)
	assert.Equal("aggbatt/bridge/state", msg.AvTopic)
	assert.Equal([]string{"aggbatt_battery"}, msg.Device.Id)
	assert.Equal("homeassistant/sensor/aggbatt_battery/dc_0_voltage/config", HADiscoverySensorTopic(client.DiscoveryTopic(), sensor))

	payload, err := json.Marshal(msg)
	assert.NoError(err)
	assert.Contains(string(payload), `"suggested_display_precision":2`)
	assert.NotContains(string(payload), "payload_on")
}

func TestInputNumberDiscoveryMessage(t *testing.T) {
	assert := assert.New(t)

	cfg := util.LoadTestConfig()
	client := CreateMQTTClient(&cfg, OptsFromConfig(&cfg), nil, nil)

	numbers := domain.EssInputNumbers(domain.Device{Id: "aggbatt_battery"})
	assert.Len(numbers, 2)
	msg := GenericInputNumberToHADiscoveryMessage(client, numbers[0])
	assert.Equal("aggbatt/number/ess_active/set", msg.CommandTopic)
	assert.Equal("aggbatt/number/ess_active/state", msg.StateTopic)
	assert.Equal("homeassistant/number/aggbatt_battery/ess_active/config", HADiscoveryInputNumberTopic(client.DiscoveryTopic(), numbers[0]))
}
