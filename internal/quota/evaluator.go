// Package quota evaluates tier limits for admission decisions. The evaluator
// is deliberately stateless: callers supply the current counts and the
// evaluator only compares them against the tier's configured ceilings.
package quota

import (
	"fmt"
	"time"

	"github.com/smallbiznis/publica/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Unlimited is the sentinel for tiers with no ceiling on a dimension.
const Unlimited = -1

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool
	Current int
	Limit   int
	Message string
}

func allow(current, limit int) Decision {
	return Decision{Allowed: true, Current: current, Limit: limit}
}

func deny(current, limit int, format string, args ...any) Decision {
	return Decision{
		Allowed: false,
		Current: current,
		Limit:   limit,
		Message: fmt.Sprintf(format, args...),
	}
}

type Params struct {
	fx.In

	Quotas *config.QuotaHolder
	Log    *zap.Logger
}

type Evaluator struct {
	quotas *config.QuotaHolder
	log    *zap.Logger
}

func NewEvaluator(p Params) *Evaluator {
	return &Evaluator{
		quotas: p.Quotas,
		log:    p.Log.Named("quota.evaluator"),
	}
}

// CanSchedule checks the scheduled queue cap and the advance window for a
// post scheduled at scheduledAt, given queued posts already waiting.
func (e *Evaluator) CanSchedule(tier string, queued int, scheduledAt, now time.Time) Decision {
	limits := e.quotas.Get().Limits(tier)

	if limits.MaxScheduledQueue != Unlimited && queued >= limits.MaxScheduledQueue {
		return deny(queued, limits.MaxScheduledQueue,
			"scheduled queue limit reached (%d/%d)", queued, limits.MaxScheduledQueue)
	}

	horizon := now.Add(time.Duration(limits.AdvanceDays) * 24 * time.Hour)
	if scheduledAt.After(horizon) {
		return deny(queued, limits.MaxScheduledQueue,
			"cannot schedule more than %d days ahead", limits.AdvanceDays)
	}

	return allow(queued, limits.MaxScheduledQueue)
}

// CanGenerate checks the daily content generation ceiling.
func (e *Evaluator) CanGenerate(tier string, usedToday int) Decision {
	limits := e.quotas.Get().Limits(tier)
	if limits.DailyGenerations != Unlimited && usedToday >= limits.DailyGenerations {
		return deny(usedToday, limits.DailyGenerations,
			"daily generation limit reached (%d/%d)", usedToday, limits.DailyGenerations)
	}
	return allow(usedToday, limits.DailyGenerations)
}

// CanPost checks the per platform daily publish ceiling.
func (e *Evaluator) CanPost(tier, platform string, postedToday int) Decision {
	limits := e.quotas.Get().Limits(tier)
	if limits.DailyPostsPerSite != Unlimited && postedToday >= limits.DailyPostsPerSite {
		return deny(postedToday, limits.DailyPostsPerSite,
			"daily publish limit reached for %s (%d/%d)", platform, postedToday, limits.DailyPostsPerSite)
	}
	return allow(postedToday, limits.DailyPostsPerSite)
}

// CanUseAutomation checks whether the tier has automation at all and, if so,
// whether another rule fits under the cap.
func (e *Evaluator) CanUseAutomation(tier string, rules int) Decision {
	limits := e.quotas.Get().Limits(tier)
	if !limits.Automation {
		return deny(rules, 0, "automation is not available on the %s tier", tier)
	}
	if limits.MaxAutomationRule != Unlimited && rules >= limits.MaxAutomationRule {
		return deny(rules, limits.MaxAutomationRule,
			"automation rule limit reached (%d/%d)", rules, limits.MaxAutomationRule)
	}
	return allow(rules, limits.MaxAutomationRule)
}
