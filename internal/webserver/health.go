package webserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/zsprackett/flowsight-relay/internal/db"
)

const maxHistoryLimit = 500

// knownIntegrations are reported by /api/health even when not configured.
var knownIntegrations = []string{"ghl", "airtable", "gemini"}

type integrationHealth struct {
	Configured  bool           `json:"configured"`
	State       db.HealthState `json:"state"`
	Since       *time.Time     `json:"since,omitempty"`
	LastChecked *time.Time     `json:"lastChecked,omitempty"`
	LastError   string         `json:"lastError,omitempty"`
	LatencyMs   int64          `json:"latencyMs,omitempty"`
}

type healthResponse struct {
	Status       string                       `json:"status"`
	Integrations map[string]integrationHealth `json:"integrations"`
	Clients      int                          `json:"clients"`
	Uptime       string                       `json:"uptime"`
	StartedAt    time.Time                    `json:"startedAt"`
	LastProbe    string                       `json:"lastProbe,omitempty"`
	Timestamp    time.Time                    `json:"timestamp"`
}

// elapsed renders b-a as "5 minutes" with no trailing label.
func elapsed(a, b time.Time) string {
	return strings.TrimSpace(humanize.RelTime(a, b, "", ""))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	flags := s.hub.Flags()
	resp := healthResponse{
		Status:       "ok",
		Integrations: make(map[string]integrationHealth, len(knownIntegrations)),
		Clients:      s.hub.ClientCount(),
		Uptime:       elapsed(s.startedAt, now),
		StartedAt:    s.startedAt.UTC(),
		Timestamp:    now.UTC(),
	}
	for _, name := range knownIntegrations {
		resp.Integrations[name] = integrationHealth{Configured: flags[name+"Configured"], State: db.StateUnknown}
	}

	if s.status != nil {
		for _, st := range s.status.Snapshot() {
			ih := resp.Integrations[st.Name]
			ih.Configured = true
			ih.State = st.State
			ih.Since = &st.Since
			if !st.LastChecked.IsZero() {
				ih.LastChecked = &st.LastChecked
			}
			ih.LastError = st.LastError
			ih.LatencyMs = st.LatencyMs
			resp.Integrations[st.Name] = ih
			if st.State == db.StateDegraded {
				resp.Status = "degraded"
			}
		}
		if last := s.status.LastCycle(); !last.IsZero() {
			resp.LastProbe = humanize.Time(last)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	transitions := []db.Transition{}
	if s.history != nil {
		got, err := s.history.RecentTransitions(r.URL.Query().Get("integration"), limit)
		if err != nil {
			s.logger.Error("webserver: load health history failed", "err", err)
			writeError(w, http.StatusInternalServerError, "history unavailable")
			return
		}
		if got != nil {
			transitions = got
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": transitions})
}
