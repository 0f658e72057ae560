package actor

import (
	"github.com/asynkron/protoactor-go/eventstream"
)

// StreamPublisher fans controller output out on the shared event stream. The MQTT actor,
// the discovery actor and the metrics collector subscribe to it.
type StreamPublisher struct {
	eventStream *eventstream.EventStream
}

func NewStreamPublisher(eventStream *eventstream.EventStream) *StreamPublisher {
	return &StreamPublisher{eventStream: eventStream}
}

func (p *StreamPublisher) Publish(events []any) {
	for _, event := range events {
		p.eventStream.Publish(event)
	}
}
