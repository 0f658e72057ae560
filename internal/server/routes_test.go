package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/berfenger/aggbatt2mqtt/internal/core/domain"
	"github.com/berfenger/aggbatt2mqtt/internal/metrics"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

// healthActor answers health requests with a fixed verdict.
type healthActor struct {
	healthy bool
}

func (a *healthActor) Receive(ctx actor.Context) {
	switch ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{Id: domain.ACTOR_ID_MASTER, Healthy: a.healthy})
	}
}

func testServer(healthy bool) (*Server, *actor.ActorSystem) {
	as := actor.NewActorSystem()
	pid := as.Root.Spawn(actor.PropsFromProducer(func() actor.Actor { return &healthActor{healthy: healthy} }))
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector())
	return &Server{
		rootContext: as.Root,
		masterActor: pid,
		registry:    registry,
	}, as
}

func TestHealthCheck(t *testing.T) {
	s, as := testServer(true)
	defer as.Shutdown()

	rec := httptest.NewRecorder()
	s.RegisterRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "health_check: OK", rec.Body.String())
}

func TestHealthCheckUnhealthy(t *testing.T) {
	s, as := testServer(false)
	defer as.Shutdown()

	rec := httptest.NewRecorder()
	s.RegisterRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetrics(t *testing.T) {
	s, as := testServer(true)
	defer as.Shutdown()

	rec := httptest.NewRecorder()
	s.RegisterRoutes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "aggbatt_cycles_total")
}
