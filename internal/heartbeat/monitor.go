package heartbeat

import (
	"context"
	"log/slog"
	"time"
)

type Transition struct {
	Component string `json:"component"`
	From      string `json:"from"`
	To        string `json:"to"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Monitor samples the registry and logs component state changes, at Warn when
// a component enters degraded or stale.
type Monitor struct {
	registry   *Registry
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
	previous   map[string]string
}

func NewMonitor(registry *Registry, interval, staleAfter time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry:   registry,
		interval:   interval,
		staleAfter: staleAfter,
		logger:     logger.With("component", "heartbeat"),
		previous:   map[string]string{},
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info("heartbeat monitor started", "interval", m.interval.String(), "stale_after", m.staleAfter.String())
	for {
		for _, transition := range m.sample() {
			m.log(transition)
		}
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// sample returns the state changes since the previous call. The first sighting
// of a component is not a transition.
func (m *Monitor) sample() []Transition {
	snapshot := m.registry.Snapshot(m.staleAfter)
	var transitions []Transition
	for _, item := range snapshot.Components {
		before, seen := m.previous[item.Name]
		m.previous[item.Name] = item.State
		if !seen || before == item.State {
			continue
		}
		transitions = append(transitions, Transition{
			Component: item.Name,
			From:      before,
			To:        item.State,
			Message:   item.Message,
			Error:     item.Error,
		})
	}
	return transitions
}

func (m *Monitor) log(transition Transition) {
	attrs := []any{"name", transition.Component, "from", transition.From, "to", transition.To, "message", transition.Message}
	if transition.To == StateDegraded || transition.To == StateStale {
		m.logger.Warn("component unhealthy", append(attrs, "error", transition.Error)...)
		return
	}
	m.logger.Info("component state changed", attrs...)
}
