package mqtt

import (
	"math"
	"strconv"

	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
)

// Message is a state update ready to be handed to the broker.
type Message struct {
	Topic   string
	Payload string
	Retain  bool
}

// SensorUpdateMessage maps a sensor update to its state topic and payload.
// Absent and non-finite values are published as the unknown sentinel.
func (c *MQTTClient) SensorUpdateMessage(event domain.SensorUpdateEvent) *Message {
	switch msg := event.(type) {
	case domain.FloatSensorUpdateEvent:
		return &Message{
			Topic:   c.SensorStateTopic(msg.Id),
			Payload: FormatDecimals(msg.Value, msg.Decimals),
		}
	case domain.UnknownSensorUpdateEvent:
		return &Message{
			Topic:   c.SensorStateTopic(msg.Id),
			Payload: MQTT_PAYLOAD_UNKNOWN,
		}
	case domain.BinarySensorUpdateEvent:
		return &Message{
			Topic:   c.BinarySensorStateTopic(msg.Id),
			Payload: OnOffPayload(msg.Value),
		}
	case domain.InputNumberSensorUpdateEvent:
		// retained so a restarted frontend shows the active mode
		return &Message{
			Topic:   c.InputNumberStateTopic(msg.Id),
			Payload: FormatDecimals(msg.Value, msg.Decimals),
			Retain:  true,
		}
	case domain.TextSensorUpdateEvent:
		return &Message{
			Topic:   c.SensorStateTopic(msg.Id),
			Payload: msg.Value,
		}
	case domain.BridgeStateUpdateEvent:
		payload := MQTT_PAYLOAD_OFFLINE
		if msg.Value {
			payload = MQTT_PAYLOAD_ONLINE
		}
		return &Message{
			Topic:   c.BridgeStateTopic(),
			Payload: payload,
			Retain:  true,
		}
	default:
		return nil
	}
}

func FormatDecimals(value float64, decimals uint) string {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return MQTT_PAYLOAD_UNKNOWN
	}
	return strconv.FormatFloat(value, 'f', int(decimals), 64)
}

func OnOffPayload(value bool) string {
	if value {
		return MQTT_PAYLOAD_ON
	}
	return MQTT_PAYLOAD_OFF
}
