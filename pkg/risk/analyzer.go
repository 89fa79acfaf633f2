package risk

import (
	"math"
	"sort"
	"time"
)

// Recommendation is the verdict of a pool score
type Recommendation string

const (
	RecommendationSafe    Recommendation = "safe"
	RecommendationCaution Recommendation = "caution"
	RecommendationAvoid   Recommendation = "avoid"
)

// Policy holds the thresholds used to classify pools
type Policy struct {
	CautionCV            float64
	AvoidCV              float64
	CautionInterruptions int
	AvoidInterruptions   int
	MinSamples           int
	Window               time.Duration
}

// DefaultPolicy returns the thresholds used when none are configured
func DefaultPolicy() Policy {
	return Policy{
		CautionCV:            0.10,
		AvoidCV:              0.25,
		CautionInterruptions: 1,
		AvoidInterruptions:   3,
		MinSamples:           3,
		Window:               24 * time.Hour,
	}
}

// withDefaults fills zero fields from DefaultPolicy
func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.CautionCV <= 0 {
		p.CautionCV = d.CautionCV
	}
	if p.AvoidCV <= 0 {
		p.AvoidCV = d.AvoidCV
	}
	if p.AvoidCV < p.CautionCV {
		p.AvoidCV = p.CautionCV
	}
	if p.CautionInterruptions <= 0 {
		p.CautionInterruptions = d.CautionInterruptions
	}
	if p.AvoidInterruptions <= 0 {
		p.AvoidInterruptions = d.AvoidInterruptions
	}
	if p.AvoidInterruptions < p.CautionInterruptions {
		p.AvoidInterruptions = p.CautionInterruptions
	}
	if p.MinSamples <= 0 {
		p.MinSamples = d.MinSamples
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	return p
}

// Sample is one observed price of a pool
type Sample struct {
	Price      float64
	ObservedAt time.Time
}

// RiskScore is the scored view of one pool
type RiskScore struct {
	PoolID         string         `json:"pool_id"`
	Score          float64        `json:"risk_score"`
	Recommendation Recommendation `json:"recommendation"`
	Volatility     float64        `json:"volatility"`
	Interruptions  int            `json:"interruptions"`
	Price          float64        `json:"price"`
	Samples        int            `json:"samples"`
}

// Analyzer scores and ranks pools. It holds no state beyond its policy.
type Analyzer struct {
	policy Policy
}

// NewAnalyzer creates an analyzer, zero thresholds fall back to defaults
func NewAnalyzer(policy Policy) *Analyzer {
	return &Analyzer{policy: policy.withDefaults()}
}

// Policy returns the effective thresholds
func (a *Analyzer) Policy() Policy {
	return a.policy
}

// Score rates a pool from its price samples and recent interruption count.
// Only samples inside the trailing window ending at the newest sample count.
// Invalid samples (non-finite or negative prices) are ignored.
func (a *Analyzer) Score(poolID string, samples []Sample, interruptions int) RiskScore {
	if interruptions < 0 {
		interruptions = 0
	}

	window := a.windowed(samples)
	result := RiskScore{
		PoolID:        poolID,
		Interruptions: interruptions,
		Samples:       len(window),
	}
	if len(window) > 0 {
		result.Price = window[len(window)-1].Price
	}
	result.Volatility = coefficientOfVariation(window)

	p := a.policy
	cvPart := math.Min(result.Volatility/p.AvoidCV, 1) * 60
	intPart := math.Min(float64(interruptions)/float64(p.AvoidInterruptions), 1) * 40
	score := cvPart + intPart
	if len(window) < p.MinSamples {
		// Not enough history is never rated better than caution
		score = math.Max(score, 50)
	}
	result.Score = math.Round(math.Min(score, 100)*100) / 100

	switch {
	case result.Volatility >= p.AvoidCV || interruptions >= p.AvoidInterruptions:
		result.Recommendation = RecommendationAvoid
	case result.Volatility >= p.CautionCV || interruptions >= p.CautionInterruptions || len(window) < p.MinSamples:
		result.Recommendation = RecommendationCaution
	default:
		result.Recommendation = RecommendationSafe
	}
	return result
}

// Rank drops avoid pools and orders the rest safe first, then by score,
// price and pool id. The input slice is not modified.
func Rank(scores []RiskScore) []RiskScore {
	ranked := make([]RiskScore, 0, len(scores))
	for _, s := range scores {
		if s.Recommendation == RecommendationAvoid {
			continue
		}
		ranked = append(ranked, s)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if ra, rb := recommendationRank(a.Recommendation), recommendationRank(b.Recommendation); ra != rb {
			return ra < rb
		}
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		if a.Price != b.Price {
			return a.Price < b.Price
		}
		return a.PoolID < b.PoolID
	})
	return ranked
}

func recommendationRank(r Recommendation) int {
	switch r {
	case RecommendationSafe:
		return 0
	case RecommendationCaution:
		return 1
	default:
		return 2
	}
}

// windowed returns valid samples inside the trailing window, oldest first
func (a *Analyzer) windowed(samples []Sample) []Sample {
	valid := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if math.IsNaN(s.Price) || math.IsInf(s.Price, 0) || s.Price < 0 {
			continue
		}
		valid = append(valid, s)
	}
	if len(valid) == 0 {
		return valid
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].ObservedAt.Before(valid[j].ObservedAt)
	})

	cutoff := valid[len(valid)-1].ObservedAt.Add(-a.policy.Window)
	start := sort.Search(len(valid), func(i int) bool {
		return !valid[i].ObservedAt.Before(cutoff)
	})
	return valid[start:]
}

func coefficientOfVariation(samples []Sample) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Price
	}
	mean := sum / float64(len(samples))
	if mean <= 0 {
		return 0
	}
	var sq float64
	for _, s := range samples {
		d := s.Price - mean
		sq += d * d
	}
	cv := math.Sqrt(sq/float64(len(samples))) / mean
	if math.IsNaN(cv) {
		return 0
	}
	return cv
}
