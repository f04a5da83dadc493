// Package targeting evaluates experiment targeting rule sets against user
// contexts. Evaluation is pure: no state, no side effects.
package targeting

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/experiment-cli/internal/bucket"
	"github.com/sells-group/experiment-cli/internal/model"
)

// Evaluate returns whether the user satisfies every rule in the set.
// An empty rule set is vacuously true. An unknown rule kind fails closed:
// the user is ineligible and the configuration error is returned so the
// caller can surface it rather than silently admitting traffic.
//
// The experiment id salts the percentage-rollout hash, keeping a user's
// rollout eligibility stable across repeated evaluations per experiment.
func Evaluate(experimentID string, rules []model.TargetingRule, user model.UserContext, now time.Time) (bool, error) {
	for _, rule := range rules {
		ok, err := evaluateRule(experimentID, rule, user, now)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evaluateRule(experimentID string, rule model.TargetingRule, user model.UserContext, now time.Time) (bool, error) {
	switch rule.Kind {
	case model.RuleNewUsersOnly:
		if user.CreatedAt.IsZero() {
			return false, nil
		}
		age := now.Sub(user.CreatedAt)
		return age >= 0 && age <= time.Duration(rule.MaxDays)*24*time.Hour, nil

	case model.RuleSubscriptionTierIn:
		for _, tier := range rule.Tiers {
			if user.SubscriptionTier == tier {
				return true, nil
			}
		}
		return false, nil

	case model.RulePercentageRollout:
		return bucket.RolloutPercent(experimentID, user.UserID) < rule.Percentage, nil

	case model.RuleCustomAttributeEquals:
		return user.Attributes[rule.Attribute] == rule.Value, nil

	default:
		return false, eris.Errorf("targeting: unknown rule kind %q", rule.Kind)
	}
}
