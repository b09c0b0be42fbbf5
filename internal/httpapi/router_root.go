package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dwizi/action-governor/internal/config"
	"github.com/dwizi/action-governor/internal/governor"
	"github.com/dwizi/action-governor/internal/heartbeat"
	"github.com/dwizi/action-governor/internal/scheduler"
	"github.com/dwizi/action-governor/internal/store"
)

type ActionGovernor interface {
	Decide(ctx context.Context, req governor.DecideRequest) governor.Decision
	ProcessAck(ctx context.Context, req governor.AckRequest) governor.AckResult
}

type TaskDispatcher interface {
	FetchDue(ctx context.Context, accountID string, limit int) ([]scheduler.DueTask, error)
	Cancel(ctx context.Context, accountID, taskID string) error
}

type Dependencies struct {
	Config              config.Config
	Store               *store.Store
	Governor            ActionGovernor
	Tasks               TaskDispatcher
	Logger              *slog.Logger
	Heartbeat           *heartbeat.Registry
	HeartbeatStaleAfter time.Duration
}

type router struct {
	deps Dependencies
}

func NewRouter(deps Dependencies) http.Handler {
	rt := &router{deps: deps}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.handleHealth)
	mux.HandleFunc("/readyz", rt.handleReady)
	mux.HandleFunc("/api/v1/heartbeat", rt.handleHeartbeat)
	mux.HandleFunc("/api/v1/info", rt.handleInfo)
	mux.HandleFunc("/api/v1/actions/decide", rt.handleDecide)
	mux.HandleFunc("/api/v1/actions/ack", rt.handleAck)
	mux.HandleFunc("/api/v1/tasks", rt.handleTasks)
	mux.HandleFunc("/api/v1/tasks/due", rt.handleTasksDue)
	mux.HandleFunc("/api/v1/tasks/cancel", rt.handleTaskCancel)
	mux.HandleFunc("/api/v1/profiles", rt.handleProfiles)
	mux.HandleFunc("/api/v1/plans", rt.handlePlans)
	mux.HandleFunc("/api/v1/audit", rt.handleAudit)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
