package quota

import (
	"strings"
	"testing"
	"time"

	"github.com/dwizi/action-governor/internal/governerr"
)

func TestCheckQuotaBoundaryForEveryTier(t *testing.T) {
	for tier, ceiling := range DefaultCeilings() {
		for _, count := range []int{0, ceiling - 1, ceiling, ceiling + 1, ceiling * 2} {
			result := CheckQuota(tier, count)
			wantAllowed := count < ceiling
			if result.Allowed != wantAllowed {
				t.Fatalf("tier=%s count=%d: allowed=%v want %v", tier, count, result.Allowed, wantAllowed)
			}
			if result.Limit != ceiling {
				t.Fatalf("tier=%s: expected limit %d, got %d", tier, ceiling, result.Limit)
			}
			if !wantAllowed && result.RiskLevel != governerr.RiskLow {
				t.Fatalf("expected low risk on quota denial, got %s", result.RiskLevel)
			}
		}
	}
}

func TestCheckQuotaReasonCarriesCounts(t *testing.T) {
	result := CheckQuota(TierPro, 500)
	if result.Allowed {
		t.Fatal("expected denial at ceiling")
	}
	if !strings.Contains(result.Reason, "500/500") {
		t.Fatalf("expected reason to mention 500/500, got %q", result.Reason)
	}
	if result.RetryAfter <= 0 || result.RetryAfter > 24*time.Hour {
		t.Fatalf("expected retry within a day, got %s", result.RetryAfter)
	}
}

func TestUnknownTierFallsBackToFree(t *testing.T) {
	if got := ParseTier("enterprise"); got != TierFree {
		t.Fatalf("expected free, got %s", got)
	}
	result := CheckQuota(Tier("enterprise"), 50)
	if result.Allowed || result.Limit != 50 {
		t.Fatalf("expected free-tier denial at 50, got %+v", result)
	}
}

func TestUntilResetUsesCronSchedule(t *testing.T) {
	checker, err := NewChecker(nil, "0 6 * * *", "UTC")
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	now := time.Date(2026, 3, 10, 4, 30, 0, 0, time.UTC)
	if got := checker.UntilReset(now); got != 90*time.Minute {
		t.Fatalf("expected 90m until reset, got %s", got)
	}
}

func TestNewCheckerRejectsBadInput(t *testing.T) {
	if _, err := NewChecker(nil, "not a cron", "UTC"); err == nil {
		t.Fatal("expected cron parse error")
	}
	if _, err := NewChecker(nil, "", "Mars/Olympus"); err == nil {
		t.Fatal("expected timezone error")
	}
}
