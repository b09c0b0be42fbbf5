package quota

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dwizi/action-governor/internal/governerr"
)

type Tier string

const (
	TierFree  Tier = "free"
	TierTrial Tier = "trial"
	TierPro   Tier = "pro"
)

const (
	DefaultResetCron     = "0 0 * * *"
	DefaultResetTimezone = "UTC"
)

var resetCronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func DefaultCeilings() map[Tier]int {
	return map[Tier]int{
		TierFree:  50,
		TierTrial: 200,
		TierPro:   500,
	}
}

// ParseTier resolves a stored plan name. Anything unrecognised is the lowest tier.
func ParseTier(raw string) Tier {
	switch Tier(strings.ToLower(strings.TrimSpace(raw))) {
	case TierTrial:
		return TierTrial
	case TierPro:
		return TierPro
	default:
		return TierFree
	}
}

type Result struct {
	Allowed    bool
	Used       int
	Limit      int
	Reason     string
	RetryAfter time.Duration
	RiskLevel  governerr.RiskLevel
}

type Checker struct {
	ceilings map[Tier]int
	reset    cron.Schedule
	location *time.Location
}

// NewChecker builds a checker over a tier table. resetExpr is the cron
// expression at which daily counters roll over, evaluated in timezone.
func NewChecker(ceilings map[Tier]int, resetExpr, timezone string) (*Checker, error) {
	if len(ceilings) == 0 {
		ceilings = DefaultCeilings()
	}
	resetExpr = strings.Join(strings.Fields(resetExpr), " ")
	if resetExpr == "" {
		resetExpr = DefaultResetCron
	}
	timezone = strings.TrimSpace(timezone)
	if timezone == "" {
		timezone = DefaultResetTimezone
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load quota timezone: %w", err)
	}
	schedule, err := resetCronParser.Parse(resetExpr)
	if err != nil {
		return nil, fmt.Errorf("parse quota reset cron: %w", err)
	}
	table := make(map[Tier]int, len(ceilings))
	for tier, limit := range ceilings {
		table[tier] = limit
	}
	return &Checker{ceilings: table, reset: schedule, location: location}, nil
}

var defaultChecker = mustDefaultChecker()

func mustDefaultChecker() *Checker {
	checker, err := NewChecker(DefaultCeilings(), DefaultResetCron, DefaultResetTimezone)
	if err != nil {
		panic(err)
	}
	return checker
}

// CheckQuota evaluates the default tier table.
func CheckQuota(tier Tier, dailyCount int) Result {
	return defaultChecker.Check(tier, dailyCount, time.Now().UTC())
}

func (c *Checker) Ceiling(tier Tier) int {
	if limit, ok := c.ceilings[ParseTier(string(tier))]; ok {
		return limit
	}
	return c.ceilings[TierFree]
}

// Check denies once dailyCount reaches the tier ceiling. Exhaustion is an
// expected state, so denials carry LOW risk.
func (c *Checker) Check(tier Tier, dailyCount int, now time.Time) Result {
	tier = ParseTier(string(tier))
	limit := c.Ceiling(tier)
	if dailyCount < 0 {
		dailyCount = 0
	}
	if dailyCount < limit {
		return Result{Allowed: true, Used: dailyCount, Limit: limit, RiskLevel: governerr.RiskLow}
	}
	return Result{
		Allowed:    false,
		Used:       dailyCount,
		Limit:      limit,
		Reason:     fmt.Sprintf("daily action limit reached (%d/%d) for %s plan", dailyCount, limit, tier),
		RetryAfter: c.UntilReset(now),
		RiskLevel:  governerr.RiskLow,
	}
}

// UntilReset is the wait until the next counter rollover.
func (c *Checker) UntilReset(now time.Time) time.Duration {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	next := c.reset.Next(now.In(c.location))
	wait := next.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// WithCeilings returns a checker with a different tier table and the same reset schedule.
func (c *Checker) WithCeilings(ceilings map[Tier]int) *Checker {
	if len(ceilings) == 0 {
		return c
	}
	table := make(map[Tier]int, len(ceilings))
	for tier, limit := range ceilings {
		table[tier] = limit
	}
	return &Checker{ceilings: table, reset: c.reset, location: c.location}
}
