// Package policy holds the tunable rules of the governor: tier ceilings, delay
// windows and sequence shape. The built-in defaults can be overridden by a
// YAML document that is reloaded when it changes on disk.
package policy

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dwizi/action-governor/internal/delay"
	"github.com/dwizi/action-governor/internal/quota"
	"github.com/dwizi/action-governor/internal/sequence"
)

const DefaultCooldownMs int64 = 60_000

type Policy struct {
	Tiers      map[string]int          `yaml:"tiers"`
	Delays     map[string]delay.Window `yaml:"delays"`
	Sequence   SequencePolicy          `yaml:"sequence"`
	AntiRepeat AntiRepeatPolicy        `yaml:"anti_repeat"`
}

type SequencePolicy struct {
	MaxLikes       int   `yaml:"max_likes"`
	StoriesEnabled bool  `yaml:"stories_enabled"`
	CooldownMs     int64 `yaml:"cooldown_ms"`
}

type AntiRepeatPolicy struct {
	MinSpacingMs int64 `yaml:"min_spacing_ms"`
	ShiftMs      int64 `yaml:"shift_ms"`
}

func Default() Policy {
	tiers := map[string]int{}
	for tier, limit := range quota.DefaultCeilings() {
		tiers[string(tier)] = limit
	}
	return Policy{
		Tiers:  tiers,
		Delays: delay.DefaultWindows(),
		Sequence: SequencePolicy{
			MaxLikes:       sequence.DefaultMaxLikes,
			StoriesEnabled: true,
			CooldownMs:     DefaultCooldownMs,
		},
		AntiRepeat: AntiRepeatPolicy{
			MinSpacingMs: delay.DefaultMinSpacingMs,
			ShiftMs:      delay.DefaultShiftMs,
		},
	}
}

// Load reads a YAML document over the defaults. Keys absent from the file keep
// their default value.
func Load(path string) (Policy, error) {
	policy := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}
	policy.normalize()
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

func (p *Policy) normalize() {
	normalizedTiers := make(map[string]int, len(p.Tiers))
	for name, limit := range p.Tiers {
		normalizedTiers[strings.ToLower(strings.TrimSpace(name))] = limit
	}
	p.Tiers = normalizedTiers
	normalizedDelays := make(map[string]delay.Window, len(p.Delays))
	for kind, window := range p.Delays {
		normalizedDelays[strings.ToLower(strings.TrimSpace(kind))] = window
	}
	p.Delays = normalizedDelays
}

// Validate rejects windows too narrow to hold two draws MinSpacingMs apart;
// with such a window the delay fail-safe could fire.
func (p Policy) Validate() error {
	var problems []string
	for _, tier := range []quota.Tier{quota.TierFree, quota.TierTrial, quota.TierPro} {
		limit, ok := p.Tiers[string(tier)]
		if !ok {
			problems = append(problems, fmt.Sprintf("tier %s: missing ceiling", tier))
			continue
		}
		if limit < 0 {
			problems = append(problems, fmt.Sprintf("tier %s: negative ceiling", tier))
		}
	}
	if p.AntiRepeat.MinSpacingMs <= 0 {
		problems = append(problems, "anti_repeat.min_spacing_ms must be positive")
	}
	if p.AntiRepeat.ShiftMs < p.AntiRepeat.MinSpacingMs {
		problems = append(problems, "anti_repeat.shift_ms must be at least min_spacing_ms")
	}
	for _, kind := range sequence.ActionKinds() {
		window, ok := p.Delays[string(kind)]
		if !ok {
			problems = append(problems, fmt.Sprintf("delay %s: missing window", kind))
			continue
		}
		switch {
		case window.MinMs <= 0:
			problems = append(problems, fmt.Sprintf("delay %s: min_ms must be positive", kind))
		case window.MaxMs < window.MinMs:
			problems = append(problems, fmt.Sprintf("delay %s: max_ms below min_ms", kind))
		case window.MaxMs-window.MinMs < 2*p.AntiRepeat.MinSpacingMs:
			problems = append(problems, fmt.Sprintf("delay %s: window narrower than %dms", kind, 2*p.AntiRepeat.MinSpacingMs))
		}
	}
	if p.Sequence.MaxLikes < 1 {
		problems = append(problems, "sequence.max_likes must be at least 1")
	}
	if p.Sequence.CooldownMs < 0 {
		problems = append(problems, "sequence.cooldown_ms must not be negative")
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return errors.New("invalid policy: " + strings.Join(problems, "; "))
}

func (p Policy) QuotaCeilings() map[quota.Tier]int {
	out := make(map[quota.Tier]int, len(p.Tiers))
	for name, limit := range p.Tiers {
		out[quota.Tier(name)] = limit
	}
	return out
}

func (p Policy) DelayConfig() delay.Config {
	windows := make(map[string]delay.Window, len(p.Delays))
	for kind, window := range p.Delays {
		windows[kind] = window
	}
	return delay.Config{
		Windows:      windows,
		MinSpacingMs: p.AntiRepeat.MinSpacingMs,
		ShiftMs:      p.AntiRepeat.ShiftMs,
	}
}

func (p Policy) SequenceConfig() sequence.Config {
	return sequence.Config{MaxLikes: p.Sequence.MaxLikes, StoriesEnabled: p.Sequence.StoriesEnabled}
}

func (p Policy) Cooldown() time.Duration {
	return time.Duration(p.Sequence.CooldownMs) * time.Millisecond
}

// Holder publishes the active policy to concurrent readers.
type Holder struct {
	current atomic.Pointer[Policy]
}

func NewHolder(initial Policy) *Holder {
	holder := &Holder{}
	holder.current.Store(&initial)
	return holder
}

func (h *Holder) Current() Policy {
	return *h.current.Load()
}

// Reload swaps in the document at path. The previous policy stays active when
// the new one fails to load.
func (h *Holder) Reload(path string) (Policy, error) {
	next, err := Load(path)
	if err != nil {
		return h.Current(), err
	}
	h.current.Store(&next)
	return next, nil
}
