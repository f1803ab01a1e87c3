package api

import (
	"net/http"
	"time"
)

// healthData is the liveness payload: the process is up and routing
type healthData struct {
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, healthData{
		Status:    "ok",
		Version:   s.version,
		Timestamp: time.Now().UTC(),
	})
}
