package risk

import (
	"math/rand/v2"

	"github.com/montanaflynn/stats"
)

// Tier is one avgRisk band of the blend table.
type Tier struct {
	// Floor is the inclusive lower bound on avgRisk.
	Floor float64
	// Weights applied to the recent average, maximum and weighted average.
	Avg, Max, Weighted float64
	// Lo and Hi clamp the blended result.
	Lo, Hi float64
}

// Blend applies the tier's weights and clamp.
func (t Tier) Blend(avg, peak, weighted float64) float64 {
	return clamp(t.Avg*avg+t.Max*peak+t.Weighted*weighted, t.Lo, t.Hi)
}

// Tiers is scanned top-down; the last entry catches everything below 0.55.
var Tiers = []Tier{
	{Floor: 0.85, Avg: 0.65, Max: 0.25, Weighted: 0.10, Lo: 0.70, Hi: 0.80},
	{Floor: 0.80, Avg: 0.55, Max: 0.30, Weighted: 0.15, Lo: 0.65, Hi: 0.75},
	{Floor: 0.75, Avg: 0.50, Max: 0.30, Weighted: 0.20, Lo: 0.55, Hi: 0.68},
	{Floor: 0.65, Avg: 0.45, Max: 0.35, Weighted: 0.20, Lo: 0.45, Hi: 0.60},
	{Floor: 0.55, Avg: 0.40, Max: 0.35, Weighted: 0.25, Lo: 0.35, Hi: 0.50},
	{Floor: 0, Avg: 0.20, Max: 0.30, Weighted: 0.50, Lo: 0.20, Hi: 0.40},
}

const (
	historicalFloor   = 0.85
	historicalMinimum = 10
	historicalWeight  = 0.25
	// Users in the 0.80-0.85 band stay at or below this after the
	// historical blend.
	highBandCap = 0.75

	boostCeiling    = 0.78
	boostCap        = 0.82
	severityBoostPt = 0.03
	severityBoostMx = 0.12
	volumeDivisor   = 250.0
	volumeBoostMx   = 0.10

	jitterSpan = 0.02
	heavyScore = 0.7
	heavyBonus = 1.5
)

// TierFor returns the band governing avg.
func TierFor(avg float64) Tier {
	for _, t := range Tiers {
		if avg >= t.Floor {
			return t
		}
	}
	return Tiers[len(Tiers)-1]
}

// WeightedAverage weights the score at rank i (0 = newest) by 1/(i+1),
// times 1.5 when the score is at least 0.7.
func WeightedAverage(recent []float64) float64 {
	var sum, weights float64
	for i, s := range recent {
		w := 1 / float64(i+1)
		if s >= heavyScore {
			w *= heavyBonus
		}
		sum += s * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

// Computation exposes every intermediate of a risk recomputation.
type Computation struct {
	Avg      float64 `json:"avg"`
	Max      float64 `json:"max"`
	Weighted float64 `json:"weighted"`
	Tier     Tier    `json:"-"`
	// Tiered is the clamped tier blend, Historical the value after the
	// lifetime blend, Boosted after boosts and Final after jitter.
	Tiered     float64 `json:"tiered"`
	Historical float64 `json:"historical"`
	Boosted    float64 `json:"boosted"`
	Final      float64 `json:"final"`
}

// Policy recomputes current_risk. Rand returns values in [0, 1) and feeds
// both the tie-breaking jitter and the idle-user baseline.
type Policy struct {
	Rand func() float64
}

// NewPolicy returns a Policy drawing from math/rand/v2.
func NewPolicy() *Policy {
	return &Policy{Rand: rand.Float64}
}

// Compute runs the tier blend, the historical blend, boosts and jitter.
// With no recent alerts the base is 0 and only boosts and jitter apply.
func (p *Policy) Compute(st Stats) Computation {
	if len(st.Recent) == 0 {
		return p.Finish(0, st)
	}

	avg, _ := stats.Mean(st.Recent)
	peak, _ := stats.Max(st.Recent)
	c := Computation{
		Avg:      avg,
		Max:      peak,
		Weighted: WeightedAverage(st.Recent),
		Tier:     TierFor(avg),
	}
	c.Tiered = c.Tier.Blend(c.Avg, c.Max, c.Weighted)

	c.Historical = c.Tiered
	if avg < historicalFloor && st.Total > historicalMinimum {
		c.Historical = c.Tiered*(1-historicalWeight) + st.LifetimeAvg*historicalWeight
		if avg >= 0.80 {
			c.Historical = min(c.Historical, highBandCap)
		}
	}

	c.Boosted = Boost(c.Historical, st)
	c.Final = clamp(c.Boosted+p.jitter(), 0, 1)
	return c
}

// Finish applies boosts and jitter to a base computed elsewhere, as the
// recalculation fallback does for users without alerts.
func (p *Policy) Finish(base float64, st Stats) Computation {
	c := Computation{Tiered: base, Historical: base}
	c.Boosted = Boost(base, st)
	c.Final = clamp(c.Boosted+p.jitter(), 0, 1)
	return c
}

// Baseline returns the risk assigned to a user with no activity at all.
func (p *Policy) Baseline() float64 {
	return 0.01 + p.rand()*0.01
}

// Boost adds the severity and volume boosts when risk is below 0.78 and
// clamps the result to [0, 0.82]. Higher risk passes through unchanged.
func Boost(risk float64, st Stats) float64 {
	if risk >= boostCeiling {
		return risk
	}
	severity := min(float64(st.High)*severityBoostPt, severityBoostMx)
	volume := min(float64(st.Total)/volumeDivisor, volumeBoostMx)
	return clamp(risk+severity+volume, 0, boostCap)
}

func (p *Policy) jitter() float64 {
	return (p.rand() - 0.5) * jitterSpan
}

func (p *Policy) rand() float64 {
	if p == nil || p.Rand == nil {
		return rand.Float64()
	}
	return p.Rand()
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
