package domain

import "fmt"

// EssControlRequest

type EssControlRequest interface {
	ActorRequest
	EssControlCommand() string
}

type EssControlRequestMixIn struct {
	ActorRequestMixIn
}

func (r EssControlRequestMixIn) EssControlCommand() string {
	return fmt.Sprintf("%T", r)
}

// EssControlResponse

type EssControlResponse interface {
	ActorResponse
	EssControlResponse() string
}

type EssControlResponseMixIn struct {
	ActorResponseMixIn
}

func (r EssControlResponseMixIn) EssControlResponse() string {
	return fmt.Sprintf("%T", r)
}

// EssControl commands

type EssSetActiveRequest struct {
	EssControlRequestMixIn
	Mode int
}

type EssSetActiveResponse struct {
	EssControlResponseMixIn
	Mode int
}

type EssSetSmoothFilterRequest struct {
	EssControlRequestMixIn
	Filter float64
}

type EssSetSmoothFilterResponse struct {
	EssControlResponseMixIn
	Filter float64
}

// ensure interface compliance
var _ EssControlRequest = (*EssSetActiveRequest)(nil)
var _ EssControlRequest = (*EssSetSmoothFilterRequest)(nil)
