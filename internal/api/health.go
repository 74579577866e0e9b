package api

import (
	"context"
	"net/http"
	"time"

	"github.com/orafinite/backend/pb/mlservice"
)

type healthComponent struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Timestamp  string                     `json:"timestamp"`
	Components map[string]healthComponent `json:"components"`
}

// GET /health reports every dependency. Degraded dependencies turn the
// top-level status but the endpoint itself stays 200 so load balancers
// keep routing while the circuit breaker does its job.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := map[string]healthComponent{}
	overall := "healthy"
	degrade := func(name string, err error) {
		if err != nil {
			components[name] = healthComponent{Status: "unhealthy", Error: err.Error()}
			overall = "degraded"
		} else {
			components[name] = healthComponent{Status: "healthy"}
		}
	}

	degrade("database", s.db.Ping(ctx))

	_, redisErr := s.redis.TTL(ctx, "health:probe")
	degrade("redis", redisErr)

	info, mlErr := s.sidecar.HealthCheck(ctx, &mlservice.Empty{})
	if mlErr == nil && info != nil && !info.Healthy {
		components["ml_sidecar"] = healthComponent{Status: "unhealthy", Error: "sidecar reports unhealthy"}
		overall = "degraded"
	} else {
		degrade("ml_sidecar", mlErr)
	}

	if s.breaker != nil {
		components["circuit_breaker"] = healthComponent{Status: s.breaker().String()}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:     overall,
		Timestamp:  nowStamp(),
		Components: components,
	})
}

// GET /ping
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
