package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/dwizi/action-governor/internal/governerr"
	"github.com/dwizi/action-governor/internal/store"
)

type taskCancelRequest struct {
	AccountID string `json:"account_id"`
	TaskID    string `json:"task_id"`
}

// handleTasksDue claims the account's due tasks and hands them to the caller.
// Each claimed task must later be acknowledged with its task id.
func (r *router) handleTasksDue(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	query := req.URL.Query()
	accountID := strings.TrimSpace(query.Get("account_id"))
	limit, _ := strconv.Atoi(strings.TrimSpace(query.Get("limit")))

	items, err := r.deps.Tasks.FetchDue(req.Context(), accountID, limit)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, governerr.ErrMissingAccount) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (r *router) handleTaskCancel(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload taskCancelRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	taskID := strings.TrimSpace(payload.TaskID)
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	err := r.deps.Tasks.Cancel(req.Context(), payload.AccountID, taskID)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, governerr.ErrMissingAccount):
			status = http.StatusBadRequest
		case errors.Is(err, store.ErrTaskNotFound):
			status = http.StatusNotFound
		case errors.Is(err, store.ErrTaskNotPending):
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": taskID,
		"status":  store.TaskStatusCancelled,
	})
}

func (r *router) handleTasks(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	query := req.URL.Query()
	limit, _ := strconv.Atoi(strings.TrimSpace(query.Get("limit")))
	records, err := r.deps.Store.ListScheduledTasks(req.Context(), store.ListScheduledTasksInput{
		AccountID: query.Get("account_id"),
		Status:    strings.ToLower(strings.TrimSpace(query.Get("status"))),
		Limit:     limit,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	items := make([]map[string]any, 0, len(records))
	for _, record := range records {
		items = append(items, scheduledTaskResponse(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func scheduledTaskResponse(record store.ScheduledTask) map[string]any {
	return map[string]any{
		"id":                    record.ID,
		"account_id":            record.AccountID,
		"target_handle":         record.TargetHandle,
		"action_kind":           record.ActionKind,
		"payload":               json.RawMessage(record.PayloadJSON),
		"execute_after_unix_ms": record.ExecuteAfter.UnixMilli(),
		"status":                record.Status,
		"retries":               record.Retries,
		"last_error":            record.LastError,
		"claimed_at_unix":       unixOrZero(record.ClaimedAt),
		"finished_at_unix":      unixOrZero(record.FinishedAt),
		"created_at_unix":       unixOrZero(record.CreatedAt),
		"updated_at_unix":       unixOrZero(record.UpdatedAt),
	}
}
