package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

// StatusSource reports counts for the status endpoint.
type StatusSource interface {
	OpenChats() int
	LockedChats() int
	RunningTurns() int
}

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service     ServiceStatus `json:"service"`
	Chats       ChatStatus    `json:"chats"`
	Connections int           `json:"connections"`
}

// ServiceStatus holds service overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	NodeID        string `json:"node_id,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ChatStatus holds chat counts of this node.
type ChatStatus struct {
	Open    int `json:"open"`
	Locked  int `json:"locked"`
	Running int `json:"running_turns"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Service: ServiceStatus{
			Name:          "aiconsole",
			Version:       s.opts.Version,
			NodeID:        s.opts.NodeID,
			UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		},
		Connections: s.opts.Hub.Len(),
	}
	if src := s.opts.Status; src != nil {
		resp.Chats = ChatStatus{Open: src.OpenChats(), Locked: src.LockedChats(), Running: src.RunningTurns()}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
