// Package delay draws randomized waits between automated actions. Draws are
// uniform inside a per-kind window and never land within MinSpacingMs of the
// previous wait for the same target, so the cadence never settles.
package delay

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/dwizi/action-governor/internal/governerr"
)

const (
	DefaultMinSpacingMs int64 = 5000
	DefaultShiftMs      int64 = 7000
)

type Window struct {
	MinMs int64 `yaml:"min_ms" json:"min_ms"`
	MaxMs int64 `yaml:"max_ms" json:"max_ms"`
}

func (w Window) Contains(ms int64) bool {
	return ms >= w.MinMs && ms <= w.MaxMs
}

type Config struct {
	Windows      map[string]Window
	MinSpacingMs int64
	ShiftMs      int64
}

// DefaultWindows are the per-kind bounds in milliseconds.
func DefaultWindows() map[string]Window {
	return map[string]Window{
		"follow":         {MinMs: 120_000, MaxMs: 180_000},
		"like":           {MinMs: 45_000, MaxMs: 120_000},
		"view_story":     {MinMs: 60_000, MaxMs: 180_000},
		"like_story":     {MinMs: 60_000, MaxMs: 180_000},
		"comment":        {MinMs: 90_000, MaxMs: 240_000},
		"switch_profile": {MinMs: 120_000, MaxMs: 180_000},
		"dm_welcome":     {MinMs: 900_000, MaxMs: 1_500_000},
	}
}

func DefaultConfig() Config {
	return Config{
		Windows:      DefaultWindows(),
		MinSpacingMs: DefaultMinSpacingMs,
		ShiftMs:      DefaultShiftMs,
	}
}

// Random is the entropy source. *rand.Rand from math/rand/v2 satisfies it.
type Random interface {
	Int64N(n int64) int64
}

type globalRandom struct{}

func (globalRandom) Int64N(n int64) int64 { return rand.Int64N(n) }

// Result mirrors the allow/deny shape of the other policy checks.
type Result struct {
	Allowed   bool
	DelayMs   int64
	RiskLevel governerr.RiskLevel
	Reason    string
}

type Generator struct {
	cfg    Config
	random Random
}

// New builds a generator. A nil random uses the goroutine-safe global source.
func New(cfg Config, random Random) *Generator {
	if cfg.Windows == nil {
		cfg.Windows = DefaultWindows()
	}
	if cfg.MinSpacingMs <= 0 {
		cfg.MinSpacingMs = DefaultMinSpacingMs
	}
	if cfg.ShiftMs <= 0 {
		cfg.ShiftMs = DefaultShiftMs
	}
	if random == nil {
		random = globalRandom{}
	}
	return &Generator{cfg: cfg, random: random}
}

func (g *Generator) Window(kind string) (Window, bool) {
	window, ok := g.cfg.Windows[strings.ToLower(strings.TrimSpace(kind))]
	return window, ok
}

// ComputeDelay draws the wait before kind may run. priorDelayMs <= 0 means no
// previous wait is known for the target.
func (g *Generator) ComputeDelay(kind string, priorDelayMs int64) Result {
	window, ok := g.Window(kind)
	if !ok || window.MaxMs < window.MinMs || window.MinMs <= 0 {
		return Result{
			Allowed:   false,
			RiskLevel: governerr.RiskCritical,
			Reason:    fmt.Sprintf("no delay window configured for %q", kind),
		}
	}
	delayMs := window.MinMs + g.random.Int64N(window.MaxMs-window.MinMs+1)
	if priorDelayMs > 0 && absInt64(delayMs-priorDelayMs) < g.cfg.MinSpacingMs {
		delayMs = g.spreadFromPrior(window, delayMs, priorDelayMs)
	}
	return guard(window, delayMs)
}

// spreadFromPrior moves a draw that landed too close to the prior wait. It
// first shifts away from the prior by ShiftMs; if that leaves the window it
// redraws uniformly from the part of the window at least MinSpacingMs away.
func (g *Generator) spreadFromPrior(window Window, delayMs, priorDelayMs int64) int64 {
	shifted := delayMs + g.cfg.ShiftMs
	if delayMs < priorDelayMs {
		shifted = delayMs - g.cfg.ShiftMs
	}
	if window.Contains(shifted) {
		return shifted
	}

	lowEnd := min(priorDelayMs-g.cfg.MinSpacingMs, window.MaxMs)
	lowCount := max(0, lowEnd-window.MinMs+1)
	highStart := max(priorDelayMs+g.cfg.MinSpacingMs, window.MinMs)
	highCount := max(0, window.MaxMs-highStart+1)
	total := lowCount + highCount
	if total == 0 {
		return shifted
	}
	pick := g.random.Int64N(total)
	if pick < lowCount {
		return window.MinMs + pick
	}
	return highStart + (pick - lowCount)
}

// guard is the last line of defence: a delay outside its window is never
// authorized. Valid windows (see policy.Validate) make it unreachable.
func guard(window Window, delayMs int64) Result {
	if delayMs < window.MinMs {
		return Result{
			Allowed:   false,
			DelayMs:   delayMs,
			RiskLevel: governerr.RiskCritical,
			Reason:    fmt.Sprintf("delay too short: %dms < %dms", delayMs, window.MinMs),
		}
	}
	if delayMs > window.MaxMs {
		return Result{
			Allowed:   false,
			DelayMs:   delayMs,
			RiskLevel: governerr.RiskCritical,
			Reason:    fmt.Sprintf("delay out of range: %dms > %dms", delayMs, window.MaxMs),
		}
	}
	return Result{Allowed: true, DelayMs: delayMs, RiskLevel: governerr.RiskLow}
}

func absInt64(value int64) int64 {
	if value < 0 {
		return -value
	}
	return value
}
