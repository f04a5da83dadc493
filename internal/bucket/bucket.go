// Package bucket maps users onto the unit interval and unit-interval values
// onto variants. Everything here is pure; the same inputs produce the same
// bucket forever, across processes and restarts.
package bucket

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sells-group/experiment-cli/internal/model"
)

// UnitInterval hashes salt and unit into a uniform value in [0, 1).
// SHA-1 rather than a multiplicative hash: sequential unit ids ("user-1",
// "user-2", ...) must land uniformly, which FNV-class hashes do not give.
func UnitInterval(salt, unit string) float64 {
	sum := sha1.Sum([]byte(salt + ":" + unit))
	v := binary.BigEndian.Uint64(sum[:8])
	// Top 53 bits so the quotient is exact in float64.
	return float64(v>>11) / float64(1<<53)
}

// RolloutPercent reduces the same stable hash to [0, 100) for
// percentage-rollout targeting. The salt is derived from the experiment id
// but kept distinct from assignment bucketing so that rollout eligibility
// does not correlate with variant choice.
func RolloutPercent(experimentID, userID string) float64 {
	return UnitInterval(experimentID+":rollout", userID) * 100
}

// PickVariant walks variants in slice order accumulating weights and
// returns the variant whose cumulative-weight interval contains x. The
// final interval closes at 1.0 so floating dust in the weight sum cannot
// leave x unmapped. Assumes a validated experiment (weights sum to 1).
func PickVariant(variants []model.Variant, x float64) *model.Variant {
	var cum float64
	for i := range variants {
		cum += variants[i].Weight
		if x < cum {
			return &variants[i]
		}
	}
	return &variants[len(variants)-1]
}

// CohortKey returns the ISO-week cohort identifier for an account-creation
// time, e.g. "2026-W35". All users created in the same ISO week share a
// cohort and therefore a variant under cohort assignment.
func CohortKey(createdAt time.Time) string {
	year, week := createdAt.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}
