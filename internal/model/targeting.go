package model

import "time"

// RuleKind enumerates the supported targeting predicate kinds. The set is
// closed: evaluation dispatches exhaustively over these values and fails
// closed on anything else.
type RuleKind string

const (
	// RuleNewUsersOnly admits users whose account is at most MaxDays old.
	RuleNewUsersOnly RuleKind = "new_users_only"
	// RuleSubscriptionTierIn admits users whose tier is in Tiers.
	RuleSubscriptionTierIn RuleKind = "subscription_tier_in"
	// RulePercentageRollout admits a stable per-user percentage of traffic.
	RulePercentageRollout RuleKind = "percentage_rollout"
	// RuleCustomAttributeEquals admits users whose attribute matches Value.
	RuleCustomAttributeEquals RuleKind = "custom_attribute_equals"
)

// Valid reports whether the kind is one of the supported predicates.
func (k RuleKind) Valid() bool {
	switch k {
	case RuleNewUsersOnly, RuleSubscriptionTierIn, RulePercentageRollout, RuleCustomAttributeEquals:
		return true
	}
	return false
}

// TargetingRule is one predicate in an experiment's rule set. Rules combine
// with AND semantics; an empty rule set admits all users. Only the fields
// for the rule's kind are meaningful.
type TargetingRule struct {
	Kind RuleKind `json:"kind"`

	// new_users_only
	MaxDays int `json:"max_days,omitempty"`

	// subscription_tier_in
	Tiers []string `json:"tiers,omitempty"`

	// percentage_rollout, in [0,100]
	Percentage float64 `json:"percentage,omitempty"`

	// custom_attribute_equals
	Attribute string `json:"attribute,omitempty"`
	Value     string `json:"value,omitempty"`
}

// UserContext carries everything targeting and assignment need to know
// about a user. UserID is an opaque, stable identifier supplied by the
// caller's identity layer.
type UserContext struct {
	UserID           string            `json:"user_id"`
	CreatedAt        time.Time         `json:"created_at,omitempty"`
	SubscriptionTier string            `json:"subscription_tier,omitempty"`
	Attributes       map[string]string `json:"attributes,omitempty"`
}
