package httpapi

import "net/http"

func (r *router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *router) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.deps.Store == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not-ready", "error": "store is not configured"})
		return
	}
	if err := r.deps.Store.Ping(req.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not-ready", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (r *router) handleHeartbeat(w http.ResponseWriter, req *http.Request) {
	if r.deps.Heartbeat == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "heartbeat is disabled",
		})
		return
	}
	writeJSON(w, http.StatusOK, r.deps.Heartbeat.Snapshot(r.deps.HeartbeatStaleAfter))
}

func (r *router) handleInfo(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":         "action-governor",
		"environment":  r.deps.Config.Environment,
		"policy_file":  r.deps.Config.PolicyFile,
		"quota_reset":  r.deps.Config.QuotaResetCron,
		"quota_tz":     r.deps.Config.QuotaTimezone,
		"claim_max":    r.deps.Config.ClaimMaxTasks,
		"task_retries": r.deps.Config.TaskMaxRetries,
	})
}
