package stats

import "math"

// ProportionTest is the outcome of a two-proportion z-test of a treatment
// arm against control. Defined is false when either arm has no exposures
// or the pooled variance degenerates; all other fields are then zero.
type ProportionTest struct {
	Z       float64
	PValue  float64
	CILow   float64 // CI bounds are on the rate difference (treatment - control)
	CIHigh  float64
	Defined bool
}

// TwoProportionZTest compares conversion counts x1/n1 (control) and x2/n2
// (treatment). The test statistic uses the pooled standard error; the
// confidence interval on the difference uses the unpooled one.
func TwoProportionZTest(x1, n1, x2, n2 int, alpha float64) ProportionTest {
	if n1 <= 0 || n2 <= 0 {
		return ProportionTest{}
	}
	p1 := float64(x1) / float64(n1)
	p2 := float64(x2) / float64(n2)
	pooled := float64(x1+x2) / float64(n1+n2)

	seP := math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))
	if seP == 0 {
		return ProportionTest{}
	}
	z := (p2 - p1) / seP
	p := 2 * (1 - NormalCDF(math.Abs(z)))

	seU := math.Sqrt(p1*(1-p1)/float64(n1) + p2*(1-p2)/float64(n2))
	zc := NormalQuantile(1 - alpha/2)
	diff := p2 - p1

	return ProportionTest{
		Z:       z,
		PValue:  p,
		CILow:   diff - zc*seU,
		CIHigh:  diff + zc*seU,
		Defined: true,
	}
}

// WilsonCI returns the Wilson score interval for a single proportion x/n
// at the given significance level. Defined is false when n is zero.
func WilsonCI(x, n int, alpha float64) (lo, hi float64, defined bool) {
	if n <= 0 {
		return 0, 0, false
	}
	p := float64(x) / float64(n)
	z := NormalQuantile(1 - alpha/2)
	z2 := z * z
	nf := float64(n)

	den := 1 + z2/nf
	center := (p + z2/(2*nf)) / den
	half := z * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf)) / den
	return center - half, center + half, true
}

// WelchTest is the outcome of Welch's unequal-variance t-test on the mean
// difference of a continuous metric. Defined is false when either arm has
// fewer than two observations or both variances are zero.
type WelchTest struct {
	T       float64
	DF      float64
	PValue  float64
	CILow   float64 // CI bounds are on the mean difference (treatment - control)
	CIHigh  float64
	Defined bool
}

// WelchTTest compares a control arm (n1, mean1, var1) against a treatment
// arm (n2, mean2, var2), with var the unbiased sample variance.
func WelchTTest(n1 int, mean1, var1 float64, n2 int, mean2, var2 float64, alpha float64) WelchTest {
	if n1 < 2 || n2 < 2 {
		return WelchTest{}
	}
	se2 := var1/float64(n1) + var2/float64(n2)
	if se2 <= 0 {
		return WelchTest{}
	}
	se := math.Sqrt(se2)
	t := (mean2 - mean1) / se

	// Welch-Satterthwaite degrees of freedom.
	a := var1 / float64(n1)
	b := var2 / float64(n2)
	df := se2 * se2 / (a*a/float64(n1-1) + b*b/float64(n2-1))

	p := StudentTTwoSidedP(t, df)
	tc := StudentTQuantile(alpha, df)
	diff := mean2 - mean1

	return WelchTest{
		T:       t,
		DF:      df,
		PValue:  p,
		CILow:   diff - tc*se,
		CIHigh:  diff + tc*se,
		Defined: true,
	}
}

// GOFResult is the outcome of a chi-square goodness-of-fit test.
type GOFResult struct {
	ChiSquare float64
	PValue    float64
	Defined   bool
}

// ChiSquareGOF tests observed counts against expected counts. Cells with
// zero expectation make the test undefined (a zero-weight variant cannot
// occur in a validated experiment). Defined is false with fewer than two
// cells or a zero total.
func ChiSquareGOF(observed []int, expected []float64) GOFResult {
	if len(observed) != len(expected) || len(observed) < 2 {
		return GOFResult{}
	}
	var chi2 float64
	for i := range observed {
		if expected[i] <= 0 {
			return GOFResult{}
		}
		d := float64(observed[i]) - expected[i]
		chi2 += d * d / expected[i]
	}
	return GOFResult{
		ChiSquare: chi2,
		PValue:    ChiSquareSF(chi2, len(observed)-1),
		Defined:   true,
	}
}
