package domain

import "time"

// Multiplier bounds for the adaptive delay strategy. The multiplier never
// leaves this range no matter how many consecutive adjustments occur.
const (
	MinDelayMultiplier = 0.5
	MaxDelayMultiplier = 5.0
)

// Strategy is the single current crawl-pacing posture. It is replaced, not
// merged, on every re-analysis.
type Strategy struct {
	DelayMultiplier float64      `json:"delay_multiplier"`
	LastUpdated     time.Time    `json:"last_updated"`
	Reason          string       `json:"reason"`
	SuccessRate     float64      `json:"success_rate"`
	ProblemRate     float64      `json:"problem_rate"`
	RiskyHours      map[int]bool `json:"risky_hours,omitempty"`
}

// DefaultStrategy returns the neutral posture used when no usable history
// exists.
func DefaultStrategy() Strategy {
	return Strategy{
		DelayMultiplier: 1.0,
		Reason:          "initial",
		RiskyHours:      map[int]bool{},
	}
}

// IsRiskyHour reports whether the given hour-of-day has historically elevated
// block/rate-limit incidence.
func (s Strategy) IsRiskyHour(hour int) bool {
	return s.RiskyHours[hour]
}
