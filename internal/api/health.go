package api

import "net/http"

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type healthReport struct {
	Status     string            `json:"status"`
	Components []componentStatus `json:"components"`
}

// Health pings the configured collaborators. One failing ping degrades the
// whole report and answers 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	report := healthReport{Status: "ok", Components: []componentStatus{}}
	code := http.StatusOK
	checks := []struct {
		name   string
		target Pinger
	}{
		{"session_store", h.Store},
		{"rate_limiter", h.RateLimiter},
	}
	for _, check := range checks {
		if check.target == nil {
			continue
		}
		entry := componentStatus{Component: check.name, Status: "ok"}
		if err := check.target.Ping(r.Context()); err != nil {
			entry.Status, entry.Error = "degraded", err.Error()
			report.Status, code = "degraded", http.StatusServiceUnavailable
		}
		report.Components = append(report.Components, entry)
	}
	writeJSON(w, code, report)
}
