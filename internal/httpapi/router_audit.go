package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/dwizi/action-governor/internal/store"
)

func (r *router) handleAudit(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	query := req.URL.Query()
	accountID := strings.TrimSpace(query.Get("account_id"))
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	limit, _ := strconv.Atoi(strings.TrimSpace(query.Get("limit")))
	events, err := r.deps.Store.ListAuditEvents(req.Context(), store.ListAuditEventsInput{
		AccountID: accountID,
		EventType: strings.ToLower(strings.TrimSpace(query.Get("event_type"))),
		Limit:     limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	items := make([]map[string]any, 0, len(events))
	for _, event := range events {
		items = append(items, map[string]any{
			"id":              event.ID,
			"event_type":      event.EventType,
			"action_kind":     event.ActionKind,
			"target_handle":   event.TargetHandle,
			"allowed":         event.Allowed,
			"reason":          event.Reason,
			"delay_ms":        event.DelayMs,
			"risk_level":      event.RiskLevel,
			"task_id":         event.TaskID,
			"created_at_unix": unixOrZero(event.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}
