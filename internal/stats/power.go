package stats

import (
	"math"

	"github.com/rotisserie/eris"
)

// SampleSizePerArm returns the per-arm sample size needed to detect a
// relative effect of mde on a baseline conversion rate with the given
// power and two-sided significance level. Standard two-proportion power
// formula:
//
//	n = (z_{1-α/2} + z_{power})² · (p₁(1-p₁) + p₂(1-p₂)) / (p₂-p₁)²
//
// with p₂ = p₁·(1+mde), rounded up. Used before launch; needs no live data.
func SampleSizePerArm(baselineRate, mde, power, alpha float64) (int, error) {
	if baselineRate <= 0 || baselineRate >= 1 {
		return 0, eris.Errorf("stats: baseline rate %g must be in (0,1)", baselineRate)
	}
	if mde <= 0 {
		return 0, eris.Errorf("stats: minimum detectable effect %g must be positive", mde)
	}
	if power <= 0 || power >= 1 {
		return 0, eris.Errorf("stats: power %g must be in (0,1)", power)
	}
	if alpha <= 0 || alpha >= 1 {
		return 0, eris.Errorf("stats: significance level %g must be in (0,1)", alpha)
	}

	p1 := baselineRate
	p2 := p1 * (1 + mde)
	if p2 >= 1 {
		return 0, eris.Errorf("stats: treatment rate %g implied by mde exceeds 1", p2)
	}

	zAlpha := NormalQuantile(1 - alpha/2)
	zPower := NormalQuantile(power)
	num := (zAlpha + zPower) * (zAlpha + zPower) * (p1*(1-p1) + p2*(1-p2))
	den := (p2 - p1) * (p2 - p1)

	return int(math.Ceil(num / den)), nil
}

// EstimateDurationDays returns how many days an experiment needs to reach
// perArm samples in every arm, given total daily eligible traffic split
// evenly across numVariants arms. Rounded up.
func EstimateDurationDays(perArm, dailyTraffic, numVariants int) (int, error) {
	if perArm <= 0 {
		return 0, eris.Errorf("stats: per-arm sample size %d must be positive", perArm)
	}
	if dailyTraffic <= 0 {
		return 0, eris.Errorf("stats: daily traffic %d must be positive", dailyTraffic)
	}
	if numVariants < 2 {
		return 0, eris.Errorf("stats: variant count %d must be at least 2", numVariants)
	}
	perArmDaily := float64(dailyTraffic) / float64(numVariants)
	return int(math.Ceil(float64(perArm) / perArmDaily)), nil
}
