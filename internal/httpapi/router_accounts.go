package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dwizi/action-governor/internal/quota"
	"github.com/dwizi/action-governor/internal/store"
)

type planRequest struct {
	AccountID string `json:"account_id"`
	Tier      string `json:"tier"`
}

func (r *router) handleProfiles(w http.ResponseWriter, req *http.Request) {
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
	states, err := r.deps.Store.ListProfileStates(req.Context(), accountID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	items := make([]map[string]any, 0, len(states))
	for _, state := range states {
		items = append(items, profileStateResponse(state))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (r *router) handlePlans(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		r.handlePlanGet(w, req)
	case http.MethodPost:
		r.handlePlanSet(w, req)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (r *router) handlePlanGet(w http.ResponseWriter, req *http.Request) {
	accountID := strings.TrimSpace(req.URL.Query().Get("account_id"))
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	tier, err := r.deps.Store.GetPlan(req.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	count, err := r.deps.Store.GetDailyCount(req.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":  accountID,
		"tier":        string(quota.ParseTier(tier)),
		"daily_count": count,
	})
}

func (r *router) handlePlanSet(w http.ResponseWriter, req *http.Request) {
	var payload planRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	accountID := strings.TrimSpace(payload.AccountID)
	if accountID == "" {
		writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	tier := strings.ToLower(strings.TrimSpace(payload.Tier))
	if quota.ParseTier(tier) != quota.Tier(tier) {
		writeError(w, http.StatusBadRequest, "tier must be one of free, trial, pro")
		return
	}
	if err := r.deps.Store.SetPlan(req.Context(), accountID, tier); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	r.deps.Logger.Info("account plan updated", "account_id", accountID, "tier", tier)
	writeJSON(w, http.StatusOK, map[string]string{
		"account_id": accountID,
		"tier":       tier,
	})
}

func profileStateResponse(state store.ProfileState) map[string]any {
	return map[string]any{
		"account_id":           state.AccountID,
		"target_handle":        state.TargetHandle,
		"current_step":         state.CurrentStep,
		"step_repeat_count":    state.StepRepeatCount,
		"last_action_kind":     state.LastActionKind,
		"last_delay_ms":        state.LastDelayMs,
		"last_success_at_unix": unixOrZero(state.LastSuccessAt),
		"version":              state.Version,
		"updated_at_unix":      unixOrZero(state.UpdatedAt),
	}
}

func unixOrZero(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.Unix()
}
