// Package heartbeat tracks the liveness of the governor's long-running
// components (HTTP server, scheduler loop, policy watcher).
package heartbeat

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	StateStarting = "starting"
	StateHealthy  = "healthy"
	StateDegraded = "degraded"
	StateDisabled = "disabled"
	StateStopped  = "stopped"
	StateStale    = "stale"

	OverallIdle    = "idle"
	OverallUnknown = "unknown"
)

// Reporter is implemented by Registry and accepted by components that report
// their own health.
type Reporter interface {
	Starting(component, message string)
	Beat(component, message string)
	Degrade(component, message string, err error)
	Disabled(component, message string)
	Stopped(component, message string)
}

type ComponentStatus struct {
	Name           string `json:"name"`
	State          string `json:"state"`
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
	LastBeatAtUnix int64  `json:"last_beat_at_unix,omitempty"`
	UpdatedAtUnix  int64  `json:"updated_at_unix"`
}

type Snapshot struct {
	GeneratedAtUnix int64             `json:"generated_at_unix"`
	Overall         string            `json:"overall"`
	Components      []ComponentStatus `json:"components"`
}

// Degraded reports whether any component is degraded or stale.
func (s Snapshot) Degraded() bool {
	return s.Overall == StateDegraded
}

type component struct {
	state      string
	message    string
	lastError  string
	lastBeatAt time.Time
	updatedAt  time.Time
}

type Registry struct {
	mu         sync.RWMutex
	components map[string]component
	now        func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		components: map[string]component{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) Starting(name, message string) {
	r.set(name, StateStarting, message, nil, false)
}

func (r *Registry) Beat(name, message string) {
	r.set(name, StateHealthy, message, nil, true)
}

func (r *Registry) Degrade(name, message string, err error) {
	r.set(name, StateDegraded, message, err, false)
}

func (r *Registry) Disabled(name, message string) {
	r.set(name, StateDisabled, message, nil, false)
}

func (r *Registry) Stopped(name, message string) {
	r.set(name, StateStopped, message, nil, false)
}

func (r *Registry) set(name, state, message string, err error, beat bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	record := r.components[name]
	record.state = state
	record.message = strings.TrimSpace(message)
	record.lastError = ""
	if err != nil {
		record.lastError = strings.TrimSpace(err.Error())
	}
	record.updatedAt = now
	if beat || record.lastBeatAt.IsZero() {
		record.lastBeatAt = now
	}
	r.components[name] = record
}

// Snapshot reports every component. A starting or healthy component that has
// not beaten within staleAfter is reported stale; staleAfter <= 0 disables
// the check.
func (r *Registry) Snapshot(staleAfter time.Duration) Snapshot {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]ComponentStatus, 0, len(r.components))
	for name, record := range r.components {
		status := ComponentStatus{
			Name:           name,
			State:          record.state,
			Message:        record.message,
			Error:          record.lastError,
			LastBeatAtUnix: record.lastBeatAt.Unix(),
			UpdatedAtUnix:  record.updatedAt.Unix(),
		}
		live := record.state == StateHealthy || record.state == StateStarting
		if staleAfter > 0 && live && now.Sub(record.lastBeatAt) > staleAfter {
			status.State = StateStale
		}
		results = append(results, status)
	}
	sort.Slice(results, func(left, right int) bool {
		return results[left].Name < results[right].Name
	})
	return Snapshot{
		GeneratedAtUnix: now.Unix(),
		Overall:         overall(results),
		Components:      results,
	}
}

func overall(items []ComponentStatus) string {
	if len(items) == 0 {
		return OverallUnknown
	}
	counts := map[string]int{}
	for _, item := range items {
		counts[item.State]++
	}
	switch {
	case counts[StateDegraded]+counts[StateStale] > 0:
		return StateDegraded
	case counts[StateStarting] > 0:
		return StateStarting
	case counts[StateHealthy] > 0:
		return StateHealthy
	default:
		return OverallIdle
	}
}
