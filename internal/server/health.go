package server

import (
	"net/http"

	gateway "github.com/relaymux/relay/internal"
)

// Pre-allocated response body and header value slice.
// okBody avoids a []byte("ok") heap escape per call.
var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.ReadyCheck != nil {
		if err := s.deps.ReadyCheck(r.Context()); err != nil {
			w.Header()["Content-Type"] = plainCT
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write(notReadyBody)
			return
		}
	}
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

type healthResponse struct {
	Status    string                   `json:"status"`
	Providers []gateway.ProviderHealth `json:"providers"`
}

// handleHealth reports aggregate provider health: 200 when every provider is
// healthy or not yet probed, 503 when any probe shows unhealthy.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.deps.Health != nil {
		resp.Providers = s.deps.Health.Snapshot()
	}
	status := http.StatusOK
	for _, p := range resp.Providers {
		if p.Status == gateway.HealthUnhealthy {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, resp)
}
