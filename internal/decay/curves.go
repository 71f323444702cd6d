package decay

import "math"

// Curve shapes how the burn percentage grows once the grace period ends.
type Curve string

const (
	CurveLinear      Curve = "linear"
	CurveExponential Curve = "exponential"
	CurveStep        Curve = "step"
	CurveLogarithmic Curve = "logarithmic"
)

// BurnPercent returns the burn percentage (0-100 scale) after tau stale epochs
// past the grace period, clamped to [0, MaxBurnPercent].
func BurnPercent(p Params, tau uint64) float64 {
	if tau == 0 {
		return 0
	}
	t := float64(tau)
	var pct float64
	switch p.Curve {
	case CurveExponential:
		pct = (1 - math.Pow(1-p.Rate, t)) * 100
	case CurveStep:
		if p.StepEpochs == 0 {
			return 0
		}
		pct = math.Min(float64(tau/p.StepEpochs)*p.StepSize, 100)
	case CurveLogarithmic:
		pct = math.Log(1+t) * p.Rate * 20
	default:
		pct = p.Rate * t * 100
	}
	return math.Max(0, math.Min(pct, p.MaxBurnPercent))
}
