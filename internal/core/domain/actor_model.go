package domain

const (
	ACTOR_ID_MASTER       = "master"
	ACTOR_ID_CONTROLLER   = "controller"
	ACTOR_ID_MQTT         = "mqtt"
	ACTOR_ID_HA_DISCOVERY = "hadiscovery"
)

type PublishMessageRequest struct {
	ActorRequestMixIn
	Topic   string
	Payload string
	Retain  bool
}

type PublishMessageResponse struct {
	ActorResponseMixIn
}

type PublishSensorUpdateRequest struct {
	ActorRequestMixIn
	Retain bool
	Event  SensorUpdateEvent
}

type PublishSensorUpdateResponse struct {
	ActorResponseMixIn
}

type PublishDiscoveryRequest struct {
	ActorRequestMixIn
	Sensors      []GenericSensor
	InputNumbers []GenericInputNumber
}

type PublishDiscoveryResponse struct {
	ActorResponseMixIn
}

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}

type GetSnapshotRequest struct {
	ActorRequestMixIn
}

type GetSnapshotResponse struct {
	ActorResponseMixIn
	Snapshot *Snapshot
}

// FleetDiscoveredEvent is published on the event stream once every role is found.
type FleetDiscoveredEvent struct {
	Fleet           Fleet
	CellsPerBattery int
}

// SnapshotPublishedEvent is published on the event stream after every successful cycle.
type SnapshotPublishedEvent struct {
	Snapshot *Snapshot
}

// FatalErrorEvent asks the master to terminate the process.
type FatalErrorEvent struct {
	Source string
	Error  error
}

// CycleFailedEvent is published on the event stream when a cycle is abandoned.
type CycleFailedEvent struct {
	Error error
}

type StatusLogTick struct {
}
